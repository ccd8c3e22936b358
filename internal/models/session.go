package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CheckoutSession represents one STK push attempt, identified by the
// gateway-issued CheckoutRequestID. It carries the purchase context needed to
// commit the ledger once the session resolves.
type CheckoutSession struct {
	ID                uuid.UUID       `db:"id"`
	CheckoutRequestID string          `db:"checkout_request_id"`
	MerchantRequestID string          `db:"merchant_request_id"`
	UserID            string          `db:"user_id"`
	PlanID            int             `db:"plan_id"`
	Phone             string          `db:"phone"`
	Amount            decimal.Decimal `db:"amount"`
	Description       string          `db:"description"`
	Status            CheckoutStatus  `db:"status"`
	ResultCode        *string         `db:"result_code"`
	ResultDescription *string         `db:"result_description"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
	CompletedAt       *time.Time      `db:"completed_at"`
}

// CheckoutStatus represents valid checkout session states
type CheckoutStatus string

const (
	StatusPending       CheckoutStatus = "PENDING"
	StatusSuccess       CheckoutStatus = "SUCCESS"
	StatusUserCancelled CheckoutStatus = "USER_CANCELLED"
	StatusFailed        CheckoutStatus = "FAILED"
	StatusTimedOut      CheckoutStatus = "TIMED_OUT"
)

// IsTerminal reports whether no further transition may occur from s.
func (s CheckoutStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusUserCancelled, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// IsValidTransition checks if a status transition is allowed
func IsValidTransition(from, to CheckoutStatus) bool {
	validTransitions := map[CheckoutStatus][]CheckoutStatus{
		StatusPending: {StatusSuccess, StatusUserCancelled, StatusFailed, StatusTimedOut},
		// No transitions allowed from terminal states
		StatusSuccess:       {},
		StatusUserCancelled: {},
		StatusFailed:        {},
		StatusTimedOut:      {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return false
	}

	for _, validTo := range allowed {
		if validTo == to {
			return true
		}
	}

	return false
}

// Gateway result codes with dedicated handling. Anything else non-empty is a
// hard failure whose description is surfaced verbatim.
const (
	ResultCodeSuccess       = "0"
	ResultCodeUserCancelled = "1032"
	ResultCodeProcessing    = "500.001.1001"
)

// ClassifyResultCode maps a gateway result code to the session status it
// implies. A ResultCodeProcessing (or empty) code means the session is still
// in flight and maps to StatusPending.
func ClassifyResultCode(code string) CheckoutStatus {
	switch code {
	case "", ResultCodeProcessing:
		return StatusPending
	case ResultCodeSuccess:
		return StatusSuccess
	case ResultCodeUserCancelled:
		return StatusUserCancelled
	default:
		return StatusFailed
	}
}
