package payment

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tibatrust/payment-service/internal/daraja"
	"github.com/tibatrust/payment-service/internal/ledger"
	"github.com/tibatrust/payment-service/internal/lock"
	"github.com/tibatrust/payment-service/internal/metrics"
	"github.com/tibatrust/payment-service/internal/models"
	"github.com/tibatrust/payment-service/internal/poller"
	"github.com/tibatrust/payment-service/internal/store"
)

// accountReference is the narrative shown next to the charge on the user's
// statement.
const accountReference = "TibaTrust"

// Confirmation sources racing to resolve a session. The first terminal write
// wins regardless of source; the loser becomes a no-op.
const (
	SourcePoll       = "poll"
	SourceCallback   = "callback"
	SourceStatusAPI  = "status_api"
	SourceReconciler = "reconciler"
)

const ledgerLockTTL = 10 * time.Second

// Gateway is the slice of the Daraja client the service depends on.
type Gateway interface {
	STKPush(ctx context.Context, phone string, amount decimal.Decimal, reference, description string) (*daraja.PushResult, error)
	STKQuery(ctx context.Context, checkoutRequestID string) (*daraja.QueryResult, error)
}

// Service binds push initiation, the polling protocol, and the ledger commit
// together. It is the only component that mutates ledger state.
type Service struct {
	sessions store.Sessions
	ledger   store.Ledger
	gateway  Gateway
	locker   lock.Locker
	clock    poller.Clock
	pollCfg  poller.Config
	metrics  *metrics.Metrics
	log      *zerolog.Logger

	watchers sync.WaitGroup
}

// NewService creates the orchestration service. A nil clock means the system
// clock.
func NewService(
	sessions store.Sessions,
	ledgerStore store.Ledger,
	gateway Gateway,
	locker lock.Locker,
	clock poller.Clock,
	pollCfg poller.Config,
	m *metrics.Metrics,
	log *zerolog.Logger,
) *Service {
	if clock == nil {
		clock = poller.SystemClock()
	}
	if pollCfg.MaxAttempts <= 0 {
		pollCfg = poller.DefaultConfig()
	}
	return &Service{
		sessions: sessions,
		ledger:   ledgerStore,
		gateway:  gateway,
		locker:   locker,
		clock:    clock,
		pollCfg:  pollCfg,
		metrics:  m,
		log:      log,
	}
}

// InitiateRequest is a validated, normalized push-payment request.
type InitiateRequest struct {
	UserID      string
	PlanID      int
	Phone       string
	Amount      decimal.Decimal
	Description string
}

// InitiateResult mirrors the wire contract of the push endpoint.
type InitiateResult struct {
	Success           bool   `json:"success"`
	CheckoutRequestID string `json:"checkoutRequestId,omitempty"`
	Message           string `json:"message"`
}

// Initiate normalizes the phone number, asks the gateway to push, records the
// PENDING session, and starts a server-side watch that drives the polling
// protocol to a terminal outcome.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if !ledger.KnownPlan(req.PlanID) {
		return nil, fmt.Errorf("unknown plan %d", req.PlanID)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive")
	}

	phone, err := daraja.NormalizeMSISDN(req.Phone)
	if err != nil {
		return nil, err
	}

	push, err := s.gateway.STKPush(ctx, phone, req.Amount, accountReference, req.Description)
	if err != nil {
		s.metrics.InitiationFailures.Inc()
		return nil, err
	}

	session := &models.CheckoutSession{
		CheckoutRequestID: push.CheckoutRequestID,
		MerchantRequestID: push.MerchantRequestID,
		UserID:            req.UserID,
		PlanID:            req.PlanID,
		Phone:             phone,
		Amount:            req.Amount,
		Description:       req.Description,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	s.metrics.PaymentsInitiated.Inc()
	s.log.Info().
		Str("checkout_request_id", push.CheckoutRequestID).
		Str("user_id", req.UserID).
		Int("plan_id", req.PlanID).
		Str("amount", req.Amount.String()).
		Msg("stk push initiated")

	s.startWatch(push.CheckoutRequestID)

	return &InitiateResult{
		Success:           true,
		CheckoutRequestID: push.CheckoutRequestID,
		Message:           "STK push sent successfully",
	}, nil
}

// startWatch runs the polling state machine for one session in the
// background. The watch context outlives the request: the client abandoning
// its connection does not stop confirmation.
func (s *Service) startWatch(checkoutRequestID string) {
	budget := s.pollCfg.GracePeriod +
		time.Duration(s.pollCfg.MaxAttempts)*s.pollCfg.Interval +
		time.Minute

	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()

		ctx, cancel := context.WithTimeout(context.Background(), budget)
		defer cancel()

		p := poller.New(s.gateway, s.clock, s.pollCfg, s.log)
		outcome, err := p.Watch(ctx, checkoutRequestID)
		if err != nil {
			s.log.Warn().
				Err(err).
				Str("checkout_request_id", checkoutRequestID).
				Msg("watch abandoned before terminal outcome")
			return
		}

		if _, err := s.Resolve(ctx, checkoutRequestID, outcome.Status, outcome.ResultCode, outcome.ResultDescription, SourcePoll); err != nil {
			s.log.Error().
				Err(err).
				Str("checkout_request_id", checkoutRequestID).
				Msg("failed to resolve session from poll outcome")
		}
	}()
}

// WaitForWatchers blocks until all background watches finish. Used on
// shutdown.
func (s *Service) WaitForWatchers() {
	s.watchers.Wait()
}

// Resolve is the single commit path shared by every confirmation source. It
// finalizes the session (first terminal write wins) and, on success, commits
// the ledger under the idempotency guard. Re-resolving a terminal session is
// a no-op; a disagreeing late resolution is logged as a consistency check and
// never applied.
func (s *Service) Resolve(ctx context.Context, checkoutRequestID string, status models.CheckoutStatus, resultCode, resultDescription, source string) (*models.CheckoutSession, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("cannot resolve to non-terminal status %s", status)
	}

	transitioned, err := s.sessions.Finalize(ctx, checkoutRequestID, status, resultCode, resultDescription)
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.GetByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil {
		return nil, err
	}

	if transitioned {
		s.metrics.SessionsResolved.WithLabelValues(string(status), source).Inc()
		s.log.Info().
			Str("checkout_request_id", checkoutRequestID).
			Str("status", string(status)).
			Str("source", source).
			Msg("checkout session resolved")
	} else {
		s.metrics.DuplicateResolves.Inc()
		if session.Status != status {
			s.log.Warn().
				Str("checkout_request_id", checkoutRequestID).
				Str("recorded_status", string(session.Status)).
				Str("late_status", string(status)).
				Str("source", source).
				Msg("late resolution disagrees with recorded terminal status")
		}
	}

	// Commit whenever the recorded final state is SUCCESS, not only when this
	// call performed the transition: the idempotency guard makes replays safe
	// and heals a crash between finalize and commit.
	if session.Status == models.StatusSuccess {
		if err := s.commitLedger(ctx, session); err != nil {
			return nil, err
		}
	}

	return session, nil
}

func (s *Service) commitLedger(ctx context.Context, session *models.CheckoutSession) error {
	key := "ledger-lock:" + session.UserID
	token, err := s.locker.TryLock(ctx, key, ledgerLockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire ledger lock for user %s: %w", session.UserID, err)
	}
	defer func() {
		if err := s.locker.Unlock(ctx, key, token); err != nil {
			s.log.Warn().Err(err).Str("user_id", session.UserID).Msg("failed to release ledger lock")
		}
	}()

	committed, err := s.ledger.CommitPayment(ctx, session.UserID, session.PlanID, session.Amount, session.CheckoutRequestID)
	if err != nil {
		return err
	}

	if committed {
		s.metrics.LedgerCommits.Inc()
		s.log.Info().
			Str("checkout_request_id", session.CheckoutRequestID).
			Str("user_id", session.UserID).
			Int("plan_id", session.PlanID).
			Int64("tokens", ledger.TokenReward(session.PlanID)).
			Msg("ledger payment committed")
	} else {
		s.metrics.LedgerDuplicates.Inc()
		s.log.Debug().
			Str("checkout_request_id", session.CheckoutRequestID).
			Msg("ledger commit skipped, already recorded")
	}

	return nil
}

// CheckStatus serves the status endpoint. Terminal sessions are answered from
// the store untouched; a PENDING session triggers one live gateway query so
// client-driven polling converges even without the background watch.
func (s *Service) CheckStatus(ctx context.Context, checkoutRequestID string) (*models.CheckoutSession, error) {
	session, err := s.sessions.GetByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return session, nil
	}

	result, err := s.gateway.STKQuery(ctx, checkoutRequestID)
	if err != nil {
		// Transient query failure: report the stored snapshot.
		s.log.Warn().Err(err).Str("checkout_request_id", checkoutRequestID).Msg("live status query failed")
		return session, nil
	}

	status := models.ClassifyResultCode(result.ResultCode)
	if !status.IsTerminal() {
		code := result.ResultCode
		desc := result.ResultDescription
		session.ResultCode = &code
		session.ResultDescription = &desc
		return session, nil
	}

	return s.Resolve(ctx, checkoutRequestID, status, result.ResultCode, result.ResultDescription, SourceStatusAPI)
}

// ResolveFromCallback applies the gateway's asynchronous confirmation. The
// callback carries a numeric result code; 0 is success, anything else is the
// gateway's final word on why the push did not complete.
func (s *Service) ResolveFromCallback(ctx context.Context, checkoutRequestID string, resultCode int, resultDescription string) (*models.CheckoutSession, error) {
	code := strconv.Itoa(resultCode)
	status := models.ClassifyResultCode(code)
	if !status.IsTerminal() {
		// Callbacks only arrive for resolved pushes; a non-terminal code here
		// is malformed input.
		return nil, fmt.Errorf("callback carried non-terminal result code %q", code)
	}

	return s.Resolve(ctx, checkoutRequestID, status, code, resultDescription, SourceCallback)
}

// Reconcile sweeps sessions stuck in PENDING past the cutoff and asks the
// gateway for their fate. It covers abandoned clients and missed callbacks.
func (s *Service) Reconcile(ctx context.Context, cutoff time.Time, limit int) error {
	stale, err := s.sessions.ListPendingOlderThan(ctx, cutoff, limit)
	if err != nil {
		return err
	}

	for _, session := range stale {
		result, err := s.gateway.STKQuery(ctx, session.CheckoutRequestID)
		if err != nil {
			s.log.Warn().Err(err).
				Str("checkout_request_id", session.CheckoutRequestID).
				Msg("reconcile query failed")
			continue
		}

		status := models.ClassifyResultCode(result.ResultCode)
		if !status.IsTerminal() {
			continue
		}

		if _, err := s.Resolve(ctx, session.CheckoutRequestID, status, result.ResultCode, result.ResultDescription, SourceReconciler); err != nil {
			s.log.Error().Err(err).
				Str("checkout_request_id", session.CheckoutRequestID).
				Msg("reconcile resolution failed")
		}
	}

	return nil
}
