package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/tibatrust/payment-service/internal/metrics"
	"github.com/tibatrust/payment-service/internal/payment"
	"github.com/tibatrust/payment-service/internal/store"
)

const (
	TypeProcessCallback = "callback:process"
)

// Processor handles background job processing
type Processor struct {
	svc     *payment.Service
	metrics *metrics.Metrics
	log     *zerolog.Logger
}

// NewProcessor creates a new worker processor
func NewProcessor(svc *payment.Service, m *metrics.Metrics, log *zerolog.Logger) *Processor {
	return &Processor{svc: svc, metrics: m, log: log}
}

// NewProcessCallbackTask creates a new callback processing task
func NewProcessCallbackTask(payload []byte) (*asynq.Task, error) {
	return asynq.NewTask(TypeProcessCallback, payload), nil
}

// ProcessCallback applies the gateway's asynchronous confirmation through the
// same resolution path the poll loop uses; the idempotency guard decides who
// wins.
func (p *Processor) ProcessCallback(ctx context.Context, t *asynq.Task) error {
	var callback CallbackPayload
	if err := json.Unmarshal(t.Payload(), &callback); err != nil {
		return fmt.Errorf("failed to unmarshal callback: %w", err)
	}

	stk := callback.Body.StkCallback
	if stk.CheckoutRequestID == "" {
		return fmt.Errorf("missing CheckoutRequestID in callback")
	}

	p.metrics.CallbacksReceived.Inc()

	metadata := ParseCallbackMetadata(stk.CallbackMetadata.Item)
	p.log.Info().
		Str("checkout_request_id", stk.CheckoutRequestID).
		Int("result_code", stk.ResultCode).
		Interface("metadata", metadata).
		Msg("processing gateway callback")

	session, err := p.svc.ResolveFromCallback(ctx, stk.CheckoutRequestID, stk.ResultCode, stk.ResultDesc)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			// The callback can outrun the session insert; let asynq retry.
			return fmt.Errorf("session not yet recorded for %s: %w", stk.CheckoutRequestID, err)
		}
		return err
	}

	p.log.Info().
		Str("checkout_request_id", stk.CheckoutRequestID).
		Str("status", string(session.Status)).
		Msg("callback processed")

	return nil
}

// CallbackPayload represents the gateway's STK callback structure
type CallbackPayload struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []Item `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// Item represents a key-value pair from the callback metadata
type Item struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// ParseCallbackMetadata converts the gateway's metadata array to a clean map.
// Input example: [{"Name": "Amount", "Value": 100}, {"Name": "MpesaReceiptNumber", "Value": "ABC123"}]
// Output: {"Amount": 100, "MpesaReceiptNumber": "ABC123"}
func ParseCallbackMetadata(items []Item) map[string]interface{} {
	result := make(map[string]interface{}, len(items))
	for _, item := range items {
		if item.Name != "" {
			result[item.Name] = item.Value
		}
	}
	return result
}
