package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentRecord is one committed payment. The history of a user is the
// ordered, append-only sequence of these records.
type PaymentRecord struct {
	PlanID            int             `json:"planId"`
	Amount            decimal.Decimal `json:"amount"`
	Date              time.Time       `json:"date"`
	CheckoutRequestID *string         `json:"checkoutRequestId,omitempty"`
	TransactionHash   *string         `json:"transactionHash,omitempty"`
}

// UserLedgerState is the cached projection over a user's payment history.
// It is always recomputable with Replay.
type UserLedgerState struct {
	UserID           string     `json:"userId"`
	ActivePlan       *int       `json:"activePlan"`
	FirstPaymentDate *time.Time `json:"firstPaymentDate"`
	TotalTokens      int64      `json:"totalTokens"`
	PaymentCount     int        `json:"paymentCount"`
	Version          int64      `json:"-"`
}

// Apply folds one committed record into the state: active plan follows the
// latest record, first payment date is first-write-wins, and tokens accrue by
// the plan's fixed reward.
func (s *UserLedgerState) Apply(rec PaymentRecord) {
	planID := rec.PlanID
	s.ActivePlan = &planID

	if s.FirstPaymentDate == nil {
		date := rec.Date
		s.FirstPaymentDate = &date
	}

	s.TotalTokens += TokenReward(rec.PlanID)
	s.PaymentCount++
}

// Replay rebuilds the projection from a full payment history, oldest first.
func Replay(userID string, history []PaymentRecord) UserLedgerState {
	state := UserLedgerState{UserID: userID}
	for _, rec := range history {
		state.Apply(rec)
	}
	return state
}

// CoverageStatus is "Active" once any payment has been committed.
func (s UserLedgerState) CoverageStatus() string {
	if s.PaymentCount > 0 {
		return "Active"
	}
	return "Inactive"
}

// MemberSince is the date of the first committed payment, nil before that.
func (s UserLedgerState) MemberSince() *time.Time {
	return s.FirstPaymentDate
}

// NextPaymentDate returns the next monthly anniversary of the first payment
// strictly after now, or nil if the user has never paid.
func (s UserLedgerState) NextPaymentDate(now time.Time) *time.Time {
	if s.FirstPaymentDate == nil {
		return nil
	}

	first := *s.FirstPaymentDate
	monthsPassed := (now.Year()-first.Year())*12 + int(now.Month()-first.Month())
	next := first.AddDate(0, monthsPassed+1, 0)
	return &next
}
