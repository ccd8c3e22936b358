package payment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tibatrust/payment-service/internal/daraja"
	"github.com/tibatrust/payment-service/internal/ledger"
	"github.com/tibatrust/payment-service/internal/metrics"
	"github.com/tibatrust/payment-service/internal/models"
	"github.com/tibatrust/payment-service/internal/poller"
	"github.com/tibatrust/payment-service/internal/store"
)

// --- mocks ---

type mockSessions struct {
	mu       sync.Mutex
	sessions map[string]*models.CheckoutSession
}

func newMockSessions() *mockSessions {
	return &mockSessions{sessions: map[string]*models.CheckoutSession{}}
}

func (m *mockSessions) Create(ctx context.Context, s *models.CheckoutSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.CheckoutRequestID]; ok {
		return store.ErrDuplicateSession
	}
	s.Status = models.StatusPending
	s.CreatedAt = time.Now()
	copied := *s
	m.sessions[s.CheckoutRequestID] = &copied
	return nil
}

func (m *mockSessions) GetByCheckoutRequestID(ctx context.Context, id string) (*models.CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *mockSessions) Finalize(ctx context.Context, id string, status models.CheckoutStatus, code, desc string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, store.ErrSessionNotFound
	}
	if s.Status.IsTerminal() {
		return false, nil
	}
	s.Status = status
	s.ResultCode = &code
	s.ResultDescription = &desc
	now := time.Now()
	s.CompletedAt = &now
	return true, nil
}

func (m *mockSessions) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CheckoutSession
	for _, s := range m.sessions {
		if s.Status == models.StatusPending && s.CreatedAt.Before(cutoff) {
			out = append(out, *s)
		}
	}
	return out, nil
}

type mockLedger struct {
	mu      sync.Mutex
	byKey   map[string]ledger.PaymentRecord
	commits int
}

func newMockLedger() *mockLedger {
	return &mockLedger{byKey: map[string]ledger.PaymentRecord{}}
}

func (m *mockLedger) CommitPayment(ctx context.Context, userID string, planID int, amount decimal.Decimal, checkoutRequestID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[checkoutRequestID]; ok {
		return false, nil
	}
	m.byKey[checkoutRequestID] = ledger.PaymentRecord{PlanID: planID, Amount: amount, Date: time.Now()}
	m.commits++
	return true, nil
}

func (m *mockLedger) RecordWalletPayment(ctx context.Context, userID string, planID int, amount decimal.Decimal, txHash string) (bool, error) {
	return m.CommitPayment(ctx, userID, planID, amount, "tx:"+txHash)
}

func (m *mockLedger) GetState(ctx context.Context, userID string) (*ledger.UserLedgerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := ledger.UserLedgerState{UserID: userID}
	for _, rec := range m.byKey {
		state.Apply(rec)
	}
	return &state, nil
}

func (m *mockLedger) History(ctx context.Context, userID string) ([]ledger.PaymentRecord, error) {
	return nil, nil
}

type mockGateway struct {
	mu        sync.Mutex
	pushFunc  func(phone string, amount decimal.Decimal) (*daraja.PushResult, error)
	queries   []*daraja.QueryResult
	queryErrs []error
	queryN    int
	lastPhone string
}

func (g *mockGateway) STKPush(ctx context.Context, phone string, amount decimal.Decimal, reference, description string) (*daraja.PushResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastPhone = phone
	if g.pushFunc != nil {
		return g.pushFunc(phone, amount)
	}
	return &daraja.PushResult{CheckoutRequestID: "ws_abc", MerchantRequestID: "mr_1"}, nil
}

func (g *mockGateway) STKQuery(ctx context.Context, checkoutRequestID string) (*daraja.QueryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.queryN
	g.queryN++
	if i < len(g.queryErrs) && g.queryErrs[i] != nil {
		return nil, g.queryErrs[i]
	}
	if i < len(g.queries) {
		return g.queries[i], nil
	}
	return &daraja.QueryResult{ResultCode: daraja.CodeProcessing}, nil
}

type mockLocker struct{}

func (mockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "token", nil
}
func (mockLocker) Unlock(ctx context.Context, key, token string) error { return nil }

type immediateClock struct{}

func (immediateClock) Now() time.Time { return time.Unix(0, 0) }
func (immediateClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}

// --- helpers ---

type serviceDeps struct {
	sessions *mockSessions
	ledger   *mockLedger
	gateway  *mockGateway
}

func newTestService(t *testing.T, gateway *mockGateway) (*Service, *serviceDeps) {
	t.Helper()
	deps := &serviceDeps{
		sessions: newMockSessions(),
		ledger:   newMockLedger(),
		gateway:  gateway,
	}
	log := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	svc := NewService(
		deps.sessions,
		deps.ledger,
		deps.gateway,
		mockLocker{},
		immediateClock{},
		poller.Config{GracePeriod: 15 * time.Second, Interval: 5 * time.Second, MaxAttempts: 12},
		metrics.New(prometheus.NewRegistry()),
		&log,
	)
	return svc, deps
}

func initiateReq() InitiateRequest {
	return InitiateRequest{
		UserID:      "user-1",
		PlanID:      ledger.PlanPremium,
		Phone:       "0712345678",
		Amount:      decimal.NewFromInt(500),
		Description: "Premium",
	}
}

// --- tests ---

func TestInitiate_HappyPathCommitsLedger(t *testing.T) {
	gateway := &mockGateway{
		queries: []*daraja.QueryResult{
			{ResultCode: "0", ResultDescription: "The service request is processed successfully."},
		},
	}
	svc, deps := newTestService(t, gateway)

	res, err := svc.Initiate(context.Background(), initiateReq())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !res.Success || res.CheckoutRequestID != "ws_abc" {
		t.Fatalf("unexpected initiate result: %+v", res)
	}
	if gateway.lastPhone != "254712345678" {
		t.Errorf("expected normalized phone 254712345678, got %s", gateway.lastPhone)
	}

	svc.WaitForWatchers()

	session, err := deps.sessions.GetByCheckoutRequestID(context.Background(), "ws_abc")
	if err != nil {
		t.Fatalf("session lookup failed: %v", err)
	}
	if session.Status != models.StatusSuccess {
		t.Errorf("expected SUCCESS, got %s", session.Status)
	}

	state, _ := deps.ledger.GetState(context.Background(), "user-1")
	if state.TotalTokens != 3000 {
		t.Errorf("expected 3000 tokens after premium payment, got %d", state.TotalTokens)
	}
	if state.ActivePlan == nil || *state.ActivePlan != ledger.PlanPremium {
		t.Errorf("expected active plan premium, got %v", state.ActivePlan)
	}
}

func TestInitiate_UserCancelledNoLedgerMutation(t *testing.T) {
	gateway := &mockGateway{
		queries: []*daraja.QueryResult{
			{ResultCode: "1032", ResultDescription: "Request cancelled by user"},
		},
	}
	svc, deps := newTestService(t, gateway)

	if _, err := svc.Initiate(context.Background(), initiateReq()); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	svc.WaitForWatchers()

	session, _ := deps.sessions.GetByCheckoutRequestID(context.Background(), "ws_abc")
	if session.Status != models.StatusUserCancelled {
		t.Errorf("expected USER_CANCELLED, got %s", session.Status)
	}
	if session.ResultDescription == nil || *session.ResultDescription != "Request cancelled by user" {
		t.Errorf("expected verbatim cancellation reason, got %v", session.ResultDescription)
	}
	if deps.ledger.commits != 0 {
		t.Errorf("cancelled payment must not touch the ledger, got %d commits", deps.ledger.commits)
	}
}

func TestInitiate_TimeoutNoLedgerMutation(t *testing.T) {
	// Gateway never resolves.
	gateway := &mockGateway{}
	svc, deps := newTestService(t, gateway)

	if _, err := svc.Initiate(context.Background(), initiateReq()); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	svc.WaitForWatchers()

	session, _ := deps.sessions.GetByCheckoutRequestID(context.Background(), "ws_abc")
	if session.Status != models.StatusTimedOut {
		t.Errorf("expected TIMED_OUT, got %s", session.Status)
	}
	if deps.ledger.commits != 0 {
		t.Errorf("timed-out payment must not touch the ledger, got %d commits", deps.ledger.commits)
	}
}

func TestInitiate_Validation(t *testing.T) {
	svc, deps := newTestService(t, &mockGateway{})

	req := initiateReq()
	req.PlanID = 42
	if _, err := svc.Initiate(context.Background(), req); err == nil {
		t.Error("expected error for unknown plan")
	}

	req = initiateReq()
	req.Phone = "12345"
	if _, err := svc.Initiate(context.Background(), req); err == nil {
		t.Error("expected error for invalid phone")
	}

	req = initiateReq()
	req.Amount = decimal.Zero
	if _, err := svc.Initiate(context.Background(), req); err == nil {
		t.Error("expected error for zero amount")
	}

	if len(deps.sessions.sessions) != 0 {
		t.Errorf("rejected requests must not create sessions, got %d", len(deps.sessions.sessions))
	}
}

func TestInitiate_GatewayRejection(t *testing.T) {
	gateway := &mockGateway{
		pushFunc: func(string, decimal.Decimal) (*daraja.PushResult, error) {
			return nil, errors.New("STK push rejected: Invalid ShortCode")
		},
	}
	svc, deps := newTestService(t, gateway)

	if _, err := svc.Initiate(context.Background(), initiateReq()); err == nil {
		t.Fatal("expected gateway rejection to surface")
	}
	if len(deps.sessions.sessions) != 0 {
		t.Error("failed initiation must not leave a session behind")
	}
}

func TestResolve_IdempotentTerminalState(t *testing.T) {
	svc, deps := newTestService(t, &mockGateway{})
	ctx := context.Background()

	if err := deps.sessions.Create(ctx, &models.CheckoutSession{
		CheckoutRequestID: "ws_abc",
		UserID:            "user-1",
		PlanID:            ledger.PlanBasic,
		Amount:            decimal.NewFromInt(500),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Resolve(ctx, "ws_abc", models.StatusSuccess, "0", "ok", SourcePoll); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	if _, err := svc.Resolve(ctx, "ws_abc", models.StatusSuccess, "0", "ok", SourceCallback); err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}

	if deps.ledger.commits != 1 {
		t.Errorf("expected exactly 1 ledger commit, got %d", deps.ledger.commits)
	}

	state, _ := deps.ledger.GetState(ctx, "user-1")
	if state.TotalTokens != 1000 {
		t.Errorf("tokens must not double-count, got %d", state.TotalTokens)
	}
}

func TestResolve_LateDisagreementNotApplied(t *testing.T) {
	svc, deps := newTestService(t, &mockGateway{})
	ctx := context.Background()

	deps.sessions.Create(ctx, &models.CheckoutSession{
		CheckoutRequestID: "ws_abc",
		UserID:            "user-1",
		PlanID:            ledger.PlanBasic,
		Amount:            decimal.NewFromInt(500),
	})

	// Callback says cancelled; a late poll claims success.
	if _, err := svc.Resolve(ctx, "ws_abc", models.StatusUserCancelled, "1032", "Request cancelled by user", SourceCallback); err != nil {
		t.Fatal(err)
	}
	session, err := svc.Resolve(ctx, "ws_abc", models.StatusSuccess, "0", "ok", SourcePoll)
	if err != nil {
		t.Fatal(err)
	}

	if session.Status != models.StatusUserCancelled {
		t.Errorf("first terminal write must win, got %s", session.Status)
	}
	if deps.ledger.commits != 0 {
		t.Errorf("losing resolution must not commit the ledger, got %d commits", deps.ledger.commits)
	}
}

func TestResolve_RejectsNonTerminalStatus(t *testing.T) {
	svc, _ := newTestService(t, &mockGateway{})
	if _, err := svc.Resolve(context.Background(), "ws_abc", models.StatusPending, "", "", SourcePoll); err == nil {
		t.Fatal("expected error resolving to PENDING")
	}
}

func TestCheckStatus_TerminalServedFromStore(t *testing.T) {
	gateway := &mockGateway{}
	svc, deps := newTestService(t, gateway)
	ctx := context.Background()

	deps.sessions.Create(ctx, &models.CheckoutSession{
		CheckoutRequestID: "ws_abc",
		UserID:            "user-1",
		PlanID:            ledger.PlanBasic,
		Amount:            decimal.NewFromInt(500),
	})
	svc.Resolve(ctx, "ws_abc", models.StatusFailed, "2001", "The initiator information is invalid.", SourcePoll)

	session, err := svc.CheckStatus(ctx, "ws_abc")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if session.Status != models.StatusFailed {
		t.Errorf("expected FAILED, got %s", session.Status)
	}
	if gateway.queryN != 0 {
		t.Errorf("terminal session must not trigger a live query, got %d", gateway.queryN)
	}
}

func TestCheckStatus_PendingResolvesLive(t *testing.T) {
	gateway := &mockGateway{
		queries: []*daraja.QueryResult{
			{ResultCode: "0", ResultDescription: "ok"},
		},
	}
	svc, deps := newTestService(t, gateway)
	ctx := context.Background()

	deps.sessions.Create(ctx, &models.CheckoutSession{
		CheckoutRequestID: "ws_abc",
		UserID:            "user-1",
		PlanID:            ledger.PlanStandard,
		Amount:            decimal.NewFromInt(1000),
	})

	session, err := svc.CheckStatus(ctx, "ws_abc")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if session.Status != models.StatusSuccess {
		t.Errorf("expected live query to resolve SUCCESS, got %s", session.Status)
	}
	if deps.ledger.commits != 1 {
		t.Errorf("expected ledger committed via status path, got %d", deps.ledger.commits)
	}
}

func TestResolveFromCallback(t *testing.T) {
	svc, deps := newTestService(t, &mockGateway{})
	ctx := context.Background()

	deps.sessions.Create(ctx, &models.CheckoutSession{
		CheckoutRequestID: "ws_abc",
		UserID:            "user-1",
		PlanID:            ledger.PlanBasic,
		Amount:            decimal.NewFromInt(500),
	})

	session, err := svc.ResolveFromCallback(ctx, "ws_abc", 0, "The service request is processed successfully.")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if session.Status != models.StatusSuccess {
		t.Errorf("expected SUCCESS, got %s", session.Status)
	}
	if deps.ledger.commits != 1 {
		t.Errorf("expected 1 commit via callback path, got %d", deps.ledger.commits)
	}
}

func TestReconcile_ResolvesStaleSessions(t *testing.T) {
	gateway := &mockGateway{
		queries: []*daraja.QueryResult{
			{ResultCode: "1032", ResultDescription: "Request cancelled by user"},
		},
	}
	svc, deps := newTestService(t, gateway)
	ctx := context.Background()

	deps.sessions.Create(ctx, &models.CheckoutSession{
		CheckoutRequestID: "ws_stale",
		UserID:            "user-1",
		PlanID:            ledger.PlanBasic,
		Amount:            decimal.NewFromInt(500),
	})
	// Backdate the session past the cutoff.
	deps.sessions.sessions["ws_stale"].CreatedAt = time.Now().Add(-time.Hour)

	if err := svc.Reconcile(ctx, time.Now().Add(-10*time.Minute), 100); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	session, _ := deps.sessions.GetByCheckoutRequestID(ctx, "ws_stale")
	if session.Status != models.StatusUserCancelled {
		t.Errorf("expected reconciler to resolve USER_CANCELLED, got %s", session.Status)
	}
}

func TestConcurrentResolvesCommitOnce(t *testing.T) {
	svc, deps := newTestService(t, &mockGateway{})
	ctx := context.Background()

	deps.sessions.Create(ctx, &models.CheckoutSession{
		CheckoutRequestID: "ws_abc",
		UserID:            "user-1",
		PlanID:            ledger.PlanPremium,
		Amount:            decimal.NewFromInt(1500),
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := SourcePoll
			if i%2 == 0 {
				source = SourceCallback
			}
			svc.Resolve(ctx, "ws_abc", models.StatusSuccess, "0", fmt.Sprintf("resolver %d", i), source)
		}(i)
	}
	wg.Wait()

	if deps.ledger.commits != 1 {
		t.Errorf("racing resolvers must commit exactly once, got %d", deps.ledger.commits)
	}
}
