package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tibatrust/payment-service/internal/payment"
)

const reconcileBatchSize = 200

// Reconciler periodically sweeps checkout sessions stuck in PENDING and asks
// the gateway for their fate. It covers clients that abandoned polling and
// callbacks that never arrived or were lost mid-process.
type Reconciler struct {
	svc      *payment.Service
	interval time.Duration
	staleAge time.Duration
	log      *zerolog.Logger
}

func NewReconciler(svc *payment.Service, interval, staleAge time.Duration, log *zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAge <= 0 {
		staleAge = 10 * time.Minute
	}
	return &Reconciler{svc: svc, interval: interval, staleAge: staleAge, log: log}
}

// Start blocks until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cutoff := time.Now().Add(-r.staleAge)
			if err := r.svc.Reconcile(ctx, cutoff, reconcileBatchSize); err != nil {
				r.log.Error().Err(err).Msg("session reconciliation sweep failed")
			}
		}
	}
}
