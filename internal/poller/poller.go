package poller

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tibatrust/payment-service/internal/daraja"
	"github.com/tibatrust/payment-service/internal/models"
)

// TimeoutMessage communicates uncertainty rather than definite failure: the
// gateway-side transaction may still resolve after polling gives up.
const TimeoutMessage = "Payment confirmation timed out. Please check your M-Pesa messages to confirm whether the payment went through."

// StatusQuerier is the slice of the gateway client the poller needs.
type StatusQuerier interface {
	STKQuery(ctx context.Context, checkoutRequestID string) (*daraja.QueryResult, error)
}

// Config tunes the polling protocol.
type Config struct {
	// GracePeriod is the wait before the first status query. The gateway
	// needs time to deliver the push and collect a user response; querying
	// immediately only burns an iteration.
	GracePeriod time.Duration

	// Interval is the wait between consecutive queries.
	Interval time.Duration

	// MaxAttempts bounds the number of queries issued. Transient errors and
	// still-processing answers both consume the budget.
	MaxAttempts int
}

// DefaultConfig matches the production polling window: 15s grace, then up to
// 12 queries 5s apart.
func DefaultConfig() Config {
	return Config{
		GracePeriod: 15 * time.Second,
		Interval:    5 * time.Second,
		MaxAttempts: 12,
	}
}

// Outcome is the terminal result of watching one checkout session.
type Outcome struct {
	Status            models.CheckoutStatus
	ResultCode        string
	ResultDescription string
	Attempts          int
}

// Poller drives the status-polling state machine for checkout sessions:
// awaiting_first_check -> polling -> {success, userCancelled, failed, timedOut}.
type Poller struct {
	gateway StatusQuerier
	clock   Clock
	cfg     Config
	log     *zerolog.Logger
}

// New creates a poller. A nil clock means the system clock.
func New(gateway StatusQuerier, clock Clock, cfg Config, log *zerolog.Logger) *Poller {
	if clock == nil {
		clock = SystemClock()
	}
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Poller{
		gateway: gateway,
		clock:   clock,
		cfg:     cfg,
		log:     log,
	}
}

// Watch blocks until the session reaches a terminal outcome or ctx is
// cancelled. Cancelling the context is the only abandonment mechanism; the
// gateway-side transaction is never cancelled remotely.
func (p *Poller) Watch(ctx context.Context, checkoutRequestID string) (*Outcome, error) {
	// awaiting_first_check
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.clock.After(p.cfg.GracePeriod):
	}

	// polling: one query per iteration, strictly sequential.
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		result, err := p.gateway.STKQuery(ctx, checkoutRequestID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Transient: stay on the schedule instead of failing outright.
			p.log.Warn().
				Err(err).
				Str("checkout_request_id", checkoutRequestID).
				Int("attempt", attempt).
				Msg("status query failed, retrying")
		} else {
			status := models.ClassifyResultCode(result.ResultCode)
			if status.IsTerminal() {
				return &Outcome{
					Status:            status,
					ResultCode:        result.ResultCode,
					ResultDescription: result.ResultDescription,
					Attempts:          attempt,
				}, nil
			}

			p.log.Debug().
				Str("checkout_request_id", checkoutRequestID).
				Int("attempt", attempt).
				Msg("payment still processing")
		}

		if attempt == p.cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.clock.After(p.cfg.Interval):
		}
	}

	return &Outcome{
		Status:            models.StatusTimedOut,
		ResultDescription: TimeoutMessage,
		Attempts:          p.cfg.MaxAttempts,
	}, nil
}
