package poller

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tibatrust/payment-service/internal/daraja"
	"github.com/tibatrust/payment-service/internal/models"
)

// immediateClock fires every timer at once so the loop runs without delay.
type immediateClock struct{}

func (immediateClock) Now() time.Time { return time.Unix(0, 0) }

func (immediateClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}

type scriptedGateway struct {
	results []*daraja.QueryResult
	errs    []error
	calls   int
}

func (g *scriptedGateway) STKQuery(ctx context.Context, checkoutRequestID string) (*daraja.QueryResult, error) {
	i := g.calls
	g.calls++
	if i < len(g.errs) && g.errs[i] != nil {
		return nil, g.errs[i]
	}
	if i < len(g.results) {
		return g.results[i], nil
	}
	// Past the script: keep reporting still-processing.
	return &daraja.QueryResult{ResultCode: daraja.CodeProcessing}, nil
}

func testLogger() *zerolog.Logger {
	l := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return &l
}

func newTestPoller(g StatusQuerier) *Poller {
	return New(g, immediateClock{}, Config{
		GracePeriod: 15 * time.Second,
		Interval:    5 * time.Second,
		MaxAttempts: 12,
	}, testLogger())
}

func TestWatch_SuccessOnFirstPoll(t *testing.T) {
	gateway := &scriptedGateway{
		results: []*daraja.QueryResult{
			{ResultCode: "0", ResultDescription: "The service request is processed successfully."},
		},
	}

	outcome, err := newTestPoller(gateway).Watch(context.Background(), "ws_abc")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if outcome.Status != models.StatusSuccess {
		t.Errorf("expected SUCCESS, got %s", outcome.Status)
	}
	if gateway.calls != 1 {
		t.Errorf("expected exactly 1 query, got %d", gateway.calls)
	}
}

func TestWatch_UserCancelled(t *testing.T) {
	gateway := &scriptedGateway{
		results: []*daraja.QueryResult{
			{ResultCode: daraja.CodeProcessing},
			{ResultCode: "1032", ResultDescription: "Request cancelled by user"},
		},
	}

	outcome, err := newTestPoller(gateway).Watch(context.Background(), "ws_abc")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if outcome.Status != models.StatusUserCancelled {
		t.Errorf("expected USER_CANCELLED, got %s", outcome.Status)
	}
	if outcome.ResultDescription != "Request cancelled by user" {
		t.Errorf("gateway description must be preserved verbatim, got %q", outcome.ResultDescription)
	}
	if outcome.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", outcome.Attempts)
	}
}

func TestWatch_HardFailureSurfacesDescription(t *testing.T) {
	gateway := &scriptedGateway{
		results: []*daraja.QueryResult{
			{ResultCode: "2001", ResultDescription: "The initiator information is invalid."},
		},
	}

	outcome, err := newTestPoller(gateway).Watch(context.Background(), "ws_abc")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if outcome.Status != models.StatusFailed {
		t.Errorf("expected FAILED, got %s", outcome.Status)
	}
	if outcome.ResultDescription != "The initiator information is invalid." {
		t.Errorf("expected verbatim description, got %q", outcome.ResultDescription)
	}
}

func TestWatch_BudgetBoundExactlyTwelveIterations(t *testing.T) {
	// Gateway that never resolves: always still-processing.
	gateway := &scriptedGateway{}

	outcome, err := newTestPoller(gateway).Watch(context.Background(), "ws_abc")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if outcome.Status != models.StatusTimedOut {
		t.Errorf("expected TIMED_OUT, got %s", outcome.Status)
	}
	if gateway.calls != 12 {
		t.Errorf("expected exactly 12 queries, got %d", gateway.calls)
	}
	if outcome.ResultDescription != TimeoutMessage {
		t.Errorf("expected timeout message, got %q", outcome.ResultDescription)
	}
}

func TestWatch_TransientErrorsRetriedWithinBudget(t *testing.T) {
	gateway := &scriptedGateway{
		errs: []error{errors.New("connection reset"), errors.New("connection reset")},
		results: []*daraja.QueryResult{
			nil, nil,
			{ResultCode: "0", ResultDescription: "ok"},
		},
	}

	outcome, err := newTestPoller(gateway).Watch(context.Background(), "ws_abc")
	if err != nil {
		t.Fatalf("transient errors must not surface, got: %v", err)
	}
	if outcome.Status != models.StatusSuccess {
		t.Errorf("expected SUCCESS after transient retries, got %s", outcome.Status)
	}
	if outcome.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", outcome.Attempts)
	}
}

func TestWatch_ExhaustedByTransientErrors(t *testing.T) {
	errs := make([]error, 12)
	for i := range errs {
		errs[i] = errors.New("gateway unreachable")
	}
	gateway := &scriptedGateway{errs: errs}

	outcome, err := newTestPoller(gateway).Watch(context.Background(), "ws_abc")
	if err != nil {
		t.Fatalf("expected timeout outcome, got error: %v", err)
	}
	if outcome.Status != models.StatusTimedOut {
		t.Errorf("expected TIMED_OUT after exhausted retries, got %s", outcome.Status)
	}
	if gateway.calls != 12 {
		t.Errorf("expected 12 queries, got %d", gateway.calls)
	}
}

func TestWatch_AbandonedByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gateway := &scriptedGateway{}
	_, err := newTestPoller(gateway).Watch(ctx, "ws_abc")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
	if gateway.calls != 0 {
		t.Errorf("abandoned watch must issue no queries, got %d", gateway.calls)
	}
}
