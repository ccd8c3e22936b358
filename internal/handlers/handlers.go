package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tibatrust/payment-service/internal/models"
	"github.com/tibatrust/payment-service/internal/payment"
	"github.com/tibatrust/payment-service/internal/store"
	"github.com/tibatrust/payment-service/internal/worker"
)

// callbackAck is the fixed acknowledgment the gateway requires. Anything else
// makes it retry the callback indefinitely.
const callbackAck = `{"ResultCode":0,"ResultDesc":"Success"}`

// Handler holds dependencies for HTTP handlers
type Handler struct {
	db          *pgxpool.Pool
	svc         *payment.Service
	ledgerStore store.Ledger
	queueClient *asynq.Client
	validator   *validator.Validate
	log         *zerolog.Logger
}

// NewHandler creates a new handler instance
func NewHandler(db *pgxpool.Pool, svc *payment.Service, ledgerStore store.Ledger, queueClient *asynq.Client, log *zerolog.Logger) *Handler {
	return &Handler{
		db:          db,
		svc:         svc,
		ledgerStore: ledgerStore,
		queueClient: queueClient,
		validator:   validator.New(),
		log:         log,
	}
}

// PushPaymentRequest represents the /payments/push request
type PushPaymentRequest struct {
	Phone       string `json:"phone" validate:"required"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Description string `json:"description" validate:"max=100"`
	UserID      string `json:"userId" validate:"required"`
	PlanID      int    `json:"planId" validate:"required,min=1"`
}

// PushPayment handles POST /payments/push
func (h *Handler) PushPayment(w http.ResponseWriter, r *http.Request) {
	var req PushPaymentRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	if err := h.validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	result, err := h.svc.Initiate(r.Context(), payment.InitiateRequest{
		UserID:      req.UserID,
		PlanID:      req.PlanID,
		Phone:       req.Phone,
		Amount:      decimal.NewFromInt(req.Amount),
		Description: req.Description,
	})
	if err != nil {
		h.log.Error().Err(err).Str("user_id", req.UserID).Msg("payment initiation failed")
		respondJSON(w, http.StatusInternalServerError, payment.InitiateResult{
			Success: false,
			Message: "Payment initiation failed: " + err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// PaymentStatusRequest represents the /payments/status request
type PaymentStatusRequest struct {
	CheckoutRequestID string `json:"checkoutRequestId" validate:"required"`
}

// PaymentStatusResponse is the session snapshot returned to pollers.
type PaymentStatusResponse struct {
	CheckoutRequestID string     `json:"checkoutRequestId"`
	Status            string     `json:"status"`
	ResultCode        string     `json:"resultCode,omitempty"`
	ResultDescription string     `json:"resultDescription,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

// PaymentStatus handles POST /payments/status
func (h *Handler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	var req PaymentStatusRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	session, err := h.svc.CheckStatus(r.Context(), req.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "Unknown checkout request")
			return
		}
		h.log.Error().Err(err).Str("checkout_request_id", req.CheckoutRequestID).Msg("status check failed")
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "Failed to check status",
		})
		return
	}

	respondJSON(w, http.StatusOK, statusResponse(session))
}

func statusResponse(session *models.CheckoutSession) PaymentStatusResponse {
	resp := PaymentStatusResponse{
		CheckoutRequestID: session.CheckoutRequestID,
		Status:            string(session.Status),
		CompletedAt:       session.CompletedAt,
	}
	if session.ResultCode != nil {
		resp.ResultCode = *session.ResultCode
	}
	if session.ResultDescription != nil {
		resp.ResultDescription = *session.ResultDescription
	}
	return resp
}

// GatewayCallback handles POST /payments/callback. Processing happens in the
// background; the response is always the fixed acknowledgment, even for
// payloads we cannot parse, because an unacknowledged callback is redelivered
// forever.
func (h *Handler) GatewayCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to read callback body")
		acknowledgeCallback(w)
		return
	}

	var rawPayload map[string]interface{}
	if err := json.Unmarshal(body, &rawPayload); err != nil {
		h.log.Warn().Err(err).Msg("discarding malformed callback payload")
		acknowledgeCallback(w)
		return
	}

	task, err := worker.NewProcessCallbackTask(body)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to create callback task")
		acknowledgeCallback(w)
		return
	}

	info, err := h.queueClient.Enqueue(task, asynq.Queue("default"), asynq.MaxRetry(5))
	if err != nil {
		h.log.Error().Err(err).Msg("failed to enqueue callback task")
		acknowledgeCallback(w)
		return
	}

	h.log.Info().Str("task_id", info.ID).Msg("callback queued for processing")
	acknowledgeCallback(w)
}

func acknowledgeCallback(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(callbackAck))
}

// LedgerStateResponse is the dashboard view of a user's ledger.
type LedgerStateResponse struct {
	UserID           string     `json:"userId"`
	ActivePlan       *int       `json:"activePlan"`
	FirstPaymentDate *time.Time `json:"firstPaymentDate"`
	TotalTokens      int64      `json:"totalTokens"`
	PaymentCount     int        `json:"paymentCount"`
	CoverageStatus   string     `json:"coverageStatus"`
	MemberSince      *time.Time `json:"memberSince"`
	NextPaymentDate  *time.Time `json:"nextPaymentDate"`
}

// LedgerState handles GET /ledger/{userID}
func (h *Handler) LedgerState(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "Missing user ID")
		return
	}

	state, err := h.ledgerStore.GetState(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to load ledger state")
		respondError(w, http.StatusInternalServerError, "Failed to load ledger state")
		return
	}

	respondJSON(w, http.StatusOK, LedgerStateResponse{
		UserID:           state.UserID,
		ActivePlan:       state.ActivePlan,
		FirstPaymentDate: state.FirstPaymentDate,
		TotalTokens:      state.TotalTokens,
		PaymentCount:     state.PaymentCount,
		CoverageStatus:   state.CoverageStatus(),
		MemberSince:      state.MemberSince(),
		NextPaymentDate:  state.NextPaymentDate(time.Now()),
	})
}

// LedgerHistory handles GET /ledger/{userID}/payments
func (h *Handler) LedgerHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "Missing user ID")
		return
	}

	history, err := h.ledgerStore.History(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to load payment history")
		respondError(w, http.StatusInternalServerError, "Failed to load payment history")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"userId":   userID,
		"payments": history,
	})
}

// WalletPaymentRequest records a blockchain-path payment against the ledger.
type WalletPaymentRequest struct {
	PlanID          int    `json:"planId" validate:"required,min=1"`
	Amount          string `json:"amount" validate:"required"`
	TransactionHash string `json:"transactionHash" validate:"required"`
}

// RecordWalletPayment handles POST /ledger/{userID}/payments
func (h *Handler) RecordWalletPayment(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		respondError(w, http.StatusBadRequest, "Missing user ID")
		return
	}

	var req WalletPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		respondError(w, http.StatusBadRequest, "Invalid amount")
		return
	}

	committed, err := h.ledgerStore.RecordWalletPayment(r.Context(), userID, req.PlanID, amount, req.TransactionHash)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to record wallet payment")
		respondError(w, http.StatusInternalServerError, "Failed to record payment")
		return
	}

	status := http.StatusCreated
	if !committed {
		// Same transaction hash seen before; the ledger did not change.
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]interface{}{
		"committed": committed,
	})
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health := map[string]string{
		"status": "ok",
	}

	if err := h.db.Ping(ctx); err != nil {
		health["database"] = "down"
		health["status"] = "degraded"
	} else {
		health["database"] = "up"
	}

	status := http.StatusOK
	if health["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, health)
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
