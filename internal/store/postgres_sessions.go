package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tibatrust/payment-service/internal/models"
)

// PostgresSessions implements Sessions on a pgx pool.
type PostgresSessions struct {
	db *pgxpool.Pool
}

func NewPostgresSessions(db *pgxpool.Pool) *PostgresSessions {
	return &PostgresSessions{db: db}
}

var _ Sessions = (*PostgresSessions)(nil)

func (r *PostgresSessions) Create(ctx context.Context, session *models.CheckoutSession) error {
	insertSQL := `
		INSERT INTO checkout_sessions (
			checkout_request_id,
			merchant_request_id,
			user_id,
			plan_id,
			phone,
			amount,
			description,
			status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, insertSQL,
		session.CheckoutRequestID,
		session.MerchantRequestID,
		session.UserID,
		session.PlanID,
		session.Phone,
		session.Amount,
		session.Description,
		models.StatusPending,
	).Scan(&session.ID, &session.CreatedAt, &session.UpdatedAt)

	if err != nil {
		if strings.Contains(err.Error(), "23505") {
			return fmt.Errorf("%w: %s", ErrDuplicateSession, session.CheckoutRequestID)
		}
		return fmt.Errorf("failed to insert checkout session: %w", err)
	}

	session.Status = models.StatusPending
	return nil
}

func (r *PostgresSessions) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.CheckoutSession, error) {
	query := `
		SELECT id, checkout_request_id, merchant_request_id, user_id, plan_id,
		       phone, amount, description, status, result_code, result_description,
		       created_at, updated_at, completed_at
		FROM checkout_sessions
		WHERE checkout_request_id = $1
	`

	var s models.CheckoutSession
	err := r.db.QueryRow(ctx, query, checkoutRequestID).Scan(
		&s.ID,
		&s.CheckoutRequestID,
		&s.MerchantRequestID,
		&s.UserID,
		&s.PlanID,
		&s.Phone,
		&s.Amount,
		&s.Description,
		&s.Status,
		&s.ResultCode,
		&s.ResultDescription,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load checkout session: %w", err)
	}

	return &s, nil
}

// Finalize performs the terminal transition with a conditional UPDATE so that
// concurrent resolvers (poll loop, callback, reconciler) race safely: only the
// first writer flips the row out of PENDING.
func (r *PostgresSessions) Finalize(ctx context.Context, checkoutRequestID string, status models.CheckoutStatus, resultCode, resultDescription string) (bool, error) {
	if !models.IsValidTransition(models.StatusPending, status) {
		return false, fmt.Errorf("invalid terminal status %s", status)
	}

	updateSQL := `
		UPDATE checkout_sessions
		SET status = $1,
		    result_code = $2,
		    result_description = $3,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE checkout_request_id = $4 AND status = $5
	`

	result, err := r.db.Exec(ctx, updateSQL, string(status), resultCode, resultDescription, checkoutRequestID, string(models.StatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to finalize checkout session: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

func (r *PostgresSessions) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]models.CheckoutSession, error) {
	query := `
		SELECT id, checkout_request_id, merchant_request_id, user_id, plan_id,
		       phone, amount, description, status, result_code, result_description,
		       created_at, updated_at, completed_at
		FROM checkout_sessions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, string(models.StatusPending), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.CheckoutSession
	for rows.Next() {
		var s models.CheckoutSession
		if err := rows.Scan(
			&s.ID,
			&s.CheckoutRequestID,
			&s.MerchantRequestID,
			&s.UserID,
			&s.PlanID,
			&s.Phone,
			&s.Amount,
			&s.Description,
			&s.Status,
			&s.ResultCode,
			&s.ResultDescription,
			&s.CreatedAt,
			&s.UpdatedAt,
			&s.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pending session: %w", err)
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}
