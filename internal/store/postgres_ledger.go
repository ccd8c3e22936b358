package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tibatrust/payment-service/internal/ledger"
)

// PostgresLedger implements Ledger on a pgx pool. Appends and projection
// updates happen in one transaction; idempotency rides on the unique
// constraints over checkout_request_id and transaction_hash.
type PostgresLedger struct {
	db *pgxpool.Pool
}

func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

var _ Ledger = (*PostgresLedger)(nil)

func (r *PostgresLedger) CommitPayment(ctx context.Context, userID string, planID int, amount decimal.Decimal, checkoutRequestID string) (bool, error) {
	return r.commit(ctx, userID, planID, amount, &checkoutRequestID, nil)
}

func (r *PostgresLedger) RecordWalletPayment(ctx context.Context, userID string, planID int, amount decimal.Decimal, transactionHash string) (bool, error) {
	return r.commit(ctx, userID, planID, amount, nil, &transactionHash)
}

func (r *PostgresLedger) commit(ctx context.Context, userID string, planID int, amount decimal.Decimal, checkoutRequestID, transactionHash *string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Ledger-assigned commit time, not gateway time.
	paidAt := time.Now().UTC()

	insertSQL := `
		INSERT INTO ledger_payments (user_id, plan_id, amount, paid_at, checkout_request_id, transaction_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
	`

	result, err := tx.Exec(ctx, insertSQL, userID, planID, amount, paidAt, checkoutRequestID, transactionHash)
	if err != nil {
		return false, fmt.Errorf("failed to append payment record: %w", err)
	}

	if result.RowsAffected() == 0 {
		// Same logical payment already committed by the other confirmation
		// path. The projection is already up to date.
		return false, nil
	}

	upsertSQL := `
		INSERT INTO ledger_states (user_id, active_plan, first_payment_date, total_tokens, payment_count, version)
		VALUES ($1, $2, $3, $4, 1, 1)
		ON CONFLICT (user_id) DO UPDATE SET
			active_plan        = EXCLUDED.active_plan,
			first_payment_date = COALESCE(ledger_states.first_payment_date, EXCLUDED.first_payment_date),
			total_tokens       = ledger_states.total_tokens + EXCLUDED.total_tokens,
			payment_count      = ledger_states.payment_count + 1,
			version            = ledger_states.version + 1,
			updated_at         = NOW()
	`

	if _, err := tx.Exec(ctx, upsertSQL, userID, planID, paidAt, ledger.TokenReward(planID)); err != nil {
		return false, fmt.Errorf("failed to update ledger state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit ledger transaction: %w", err)
	}

	return true, nil
}

func (r *PostgresLedger) GetState(ctx context.Context, userID string) (*ledger.UserLedgerState, error) {
	query := `
		SELECT user_id, active_plan, first_payment_date, total_tokens, payment_count, version
		FROM ledger_states
		WHERE user_id = $1
	`

	var state ledger.UserLedgerState
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&state.UserID,
		&state.ActivePlan,
		&state.FirstPaymentDate,
		&state.TotalTokens,
		&state.PaymentCount,
		&state.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// A user with no payments has an empty, well-defined state.
			return &ledger.UserLedgerState{UserID: userID}, nil
		}
		return nil, fmt.Errorf("failed to load ledger state: %w", err)
	}

	return &state, nil
}

func (r *PostgresLedger) History(ctx context.Context, userID string) ([]ledger.PaymentRecord, error) {
	query := `
		SELECT plan_id, amount, paid_at, checkout_request_id, transaction_hash
		FROM ledger_payments
		WHERE user_id = $1
		ORDER BY paid_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment history: %w", err)
	}
	defer rows.Close()

	var history []ledger.PaymentRecord
	for rows.Next() {
		var rec ledger.PaymentRecord
		if err := rows.Scan(&rec.PlanID, &rec.Amount, &rec.Date, &rec.CheckoutRequestID, &rec.TransactionHash); err != nil {
			return nil, fmt.Errorf("failed to scan payment record: %w", err)
		}
		history = append(history, rec)
	}

	return history, rows.Err()
}
