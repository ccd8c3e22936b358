package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func record(planID int, amount int64, date time.Time) PaymentRecord {
	return PaymentRecord{PlanID: planID, Amount: decimal.NewFromInt(amount), Date: date}
}

func TestApply_TokenAccrualAndActivePlan(t *testing.T) {
	state := UserLedgerState{UserID: "user-1"}

	state.Apply(record(PlanPremium, 500, time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)))

	if state.TotalTokens != 3000 {
		t.Errorf("expected 3000 tokens after one premium payment, got %d", state.TotalTokens)
	}
	if state.ActivePlan == nil || *state.ActivePlan != PlanPremium {
		t.Errorf("expected active plan %d, got %v", PlanPremium, state.ActivePlan)
	}
	if state.CoverageStatus() != "Active" {
		t.Errorf("expected Active coverage, got %s", state.CoverageStatus())
	}
}

func TestApply_FirstPaymentDateImmutable(t *testing.T) {
	first := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	second := time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC)

	state := UserLedgerState{UserID: "user-1"}
	state.Apply(record(PlanBasic, 500, first))
	state.Apply(record(PlanStandard, 1000, second))

	if state.FirstPaymentDate == nil || !state.FirstPaymentDate.Equal(first) {
		t.Errorf("firstPaymentDate must stay at the first commit, got %v", state.FirstPaymentDate)
	}
	if *state.ActivePlan != PlanStandard {
		t.Errorf("activePlan must follow the latest payment, got %d", *state.ActivePlan)
	}
	if state.TotalTokens != 3000 {
		t.Errorf("expected 1000+2000 tokens, got %d", state.TotalTokens)
	}
}

func TestApply_UnknownPlanGrantsNothing(t *testing.T) {
	state := UserLedgerState{UserID: "user-1"}
	state.Apply(record(99, 500, time.Now()))

	if state.TotalTokens != 0 {
		t.Errorf("unknown plan must grant 0 tokens, got %d", state.TotalTokens)
	}
}

func TestReplay_MatchesIncrementalFold(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	history := []PaymentRecord{
		record(PlanBasic, 500, base),
		record(PlanBasic, 500, base.AddDate(0, 1, 0)),
		record(PlanPremium, 1500, base.AddDate(0, 2, 0)),
	}

	replayed := Replay("user-1", history)

	incremental := UserLedgerState{UserID: "user-1"}
	for _, rec := range history {
		incremental.Apply(rec)
	}

	if replayed.TotalTokens != incremental.TotalTokens {
		t.Errorf("replay tokens %d != incremental %d", replayed.TotalTokens, incremental.TotalTokens)
	}
	if replayed.TotalTokens != 5000 {
		t.Errorf("expected 5000 tokens, got %d", replayed.TotalTokens)
	}
	if replayed.PaymentCount != 3 {
		t.Errorf("expected 3 payments, got %d", replayed.PaymentCount)
	}
}

func TestNextPaymentDate(t *testing.T) {
	if got := (UserLedgerState{}).NextPaymentDate(time.Now()); got != nil {
		t.Errorf("no payments means no next payment date, got %v", got)
	}

	first := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	state := UserLedgerState{UserID: "user-1"}
	state.Apply(record(PlanBasic, 500, first))

	now := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	next := state.NextPaymentDate(now)
	want := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)
	if next == nil || !next.Equal(want) {
		t.Errorf("expected next payment %v, got %v", want, next)
	}
}
