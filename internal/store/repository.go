package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tibatrust/payment-service/internal/ledger"
	"github.com/tibatrust/payment-service/internal/models"
)

var (
	// ErrSessionNotFound is returned when no checkout session exists for a
	// given CheckoutRequestID.
	ErrSessionNotFound = errors.New("checkout session not found")

	// ErrDuplicateSession is returned when the gateway hands out a
	// CheckoutRequestID we have already recorded.
	ErrDuplicateSession = errors.New("duplicate checkout session")
)

// Sessions is the persistence boundary for checkout sessions.
type Sessions interface {
	Create(ctx context.Context, session *models.CheckoutSession) error
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.CheckoutSession, error)

	// Finalize moves a PENDING session to a terminal status. It reports
	// whether this call performed the transition; a false return means the
	// session was already terminal and nothing changed.
	Finalize(ctx context.Context, checkoutRequestID string, status models.CheckoutStatus, resultCode, resultDescription string) (bool, error)

	// ListPendingOlderThan returns sessions still PENDING past the cutoff,
	// oldest first, for reconciliation.
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.CheckoutSession, error)
}

// Ledger is the persistence boundary for the per-user token ledger.
type Ledger interface {
	// CommitPayment appends a payment record and folds it into the user's
	// cached state in one transaction. It is idempotent by checkoutRequestID:
	// a duplicate commit reports false and mutates nothing.
	CommitPayment(ctx context.Context, userID string, planID int, amount decimal.Decimal, checkoutRequestID string) (bool, error)

	// RecordWalletPayment is the blockchain-path equivalent, idempotent by
	// transaction hash.
	RecordWalletPayment(ctx context.Context, userID string, planID int, amount decimal.Decimal, transactionHash string) (bool, error)

	GetState(ctx context.Context, userID string) (*ledger.UserLedgerState, error)
	History(ctx context.Context, userID string) ([]ledger.PaymentRecord, error)
}
