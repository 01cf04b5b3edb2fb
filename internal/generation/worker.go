package generation

import (
	"context"
	"errors"
	"time"

	"github.com/messsiii/behindmemo-sub001/internal/quota"
	log "github.com/sirupsen/logrus"
)

// Worker drives a claimed generation to a terminal state: provider call
// under deadline, balance consumption on success, compensation through
// the coordinator on any failure.
type Worker struct {
	store       *Store
	coordinator *quota.Coordinator
	provider    Provider
	timeout     time.Duration
}

// NewWorker constructs a Worker.
func NewWorker(store *Store, coordinator *quota.Coordinator, provider Provider, timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &Worker{store: store, coordinator: coordinator, provider: provider, timeout: timeout}
}

// Process runs one generation attempt for a record. It is safe to call
// for a record that was already claimed or finished; the conditional
// claim makes the extra call a no-op. Process is detached from the
// request context so an early client disconnect cannot abandon a
// claimed record.
func (w *Worker) Process(ctx context.Context, generationID string, userID uint64, requestID string) {
	ctx = context.WithoutCancel(ctx)

	claimed, errClaim := w.store.Claim(ctx, generationID)
	if errClaim != nil {
		log.WithError(errClaim).WithField("generation_id", generationID).Error("generation: claim failed")
		return
	}
	if !claimed {
		return
	}

	record, errGet := w.store.Get(ctx, generationID)
	if errGet != nil {
		log.WithError(errGet).WithField("generation_id", generationID).Error("generation: load after claim failed")
		w.abort(ctx, generationID, userID, requestID, "internal error")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	content, errGenerate := w.provider.GenerateLetter(callCtx, record.Prompt, record.Params)
	if errGenerate != nil {
		reason := "generation failed"
		var provErr *ProviderError
		switch {
		case errors.Is(errGenerate, context.DeadlineExceeded):
			reason = "generation timed out"
		case errors.As(errGenerate, &provErr) && provErr.RateLimited():
			reason = "generation provider busy, try again later"
		}
		log.WithError(errGenerate).WithFields(log.Fields{
			"generation_id": generationID,
			"user_id":       userID,
		}).Warn("generation: provider call failed")
		w.abort(ctx, generationID, userID, requestID, reason)
		return
	}

	// Debit only after the provider delivered; a failure past this point
	// still refunds through Release because the marker records the debit.
	if errConsume := w.coordinator.Consume(ctx, userID, requestID); errConsume != nil {
		log.WithError(errConsume).WithFields(log.Fields{
			"generation_id": generationID,
			"user_id":       userID,
		}).Error("generation: consume failed after provider success")
		w.abort(ctx, generationID, userID, requestID, "internal error")
		return
	}

	if errComplete := w.store.Complete(ctx, generationID, content); errComplete != nil {
		log.WithError(errComplete).WithField("generation_id", generationID).Error("generation: complete failed")
		w.abort(ctx, generationID, userID, requestID, "internal error")
		return
	}
}

// abort marks the record failed and releases the reservation. Both
// calls are idempotent, so abort may race the sweeper safely.
func (w *Worker) abort(ctx context.Context, generationID string, userID uint64, requestID, reason string) {
	if errFail := w.store.Fail(ctx, generationID, reason); errFail != nil && !errors.Is(errFail, ErrInvalidTransition) {
		log.WithError(errFail).WithField("generation_id", generationID).Error("generation: mark failed errored")
	}
	if errRelease := w.coordinator.Release(ctx, userID, requestID); errRelease != nil {
		log.WithError(errRelease).WithFields(log.Fields{
			"generation_id": generationID,
			"user_id":       userID,
		}).Error("generation: release reservation failed")
	}
}
