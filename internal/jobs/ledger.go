// Package jobs implements C6, the durable per-(chatKey, turn, stage) job
// ledger: idempotency hints for queue consumers and post-mortem records for
// observability.
package jobs

import (
	"context"

	"convocore/internal/chatkey"
	"convocore/internal/model"
	"convocore/internal/persistence"
)

// Ledger wraps a persistence.JobStore with the idempotency-hint check from
// spec §4.6: skip work already completed/suppressed, supersede stale
// processing rows, and always start a fresh row on retry.
type Ledger struct {
	store persistence.JobStore
}

func New(store persistence.JobStore) *Ledger {
	return &Ledger{store: store}
}

// Begin returns the Job row to use for this attempt. If an active
// (completed/suppressed/fresh-processing) row already exists it is
// returned with skip=true so the caller can ack without redoing work;
// otherwise a new Job row is created.
func (l *Ledger) Begin(ctx context.Context, key chatkey.Key, turn int, stage model.Stage) (job model.Job, skip bool, err error) {
	existing, ok, err := l.store.FindActive(ctx, key, turn, stage)
	if err != nil {
		return model.Job{}, false, err
	}
	if ok {
		switch existing.Status {
		case model.JobCompleted, model.JobSuppressed:
			return existing, true, nil
		case model.JobProcessing:
			// FindActive already applies the staleness rule and would have
			// reported ok=false for a stale row; a fresh processing row
			// means another consumer is actively working this attempt.
			return existing, true, nil
		}
	}
	job, err = l.store.Create(ctx, key, turn, stage)
	return job, false, err
}

func (l *Ledger) Complete(ctx context.Context, jobID string, result []byte) error {
	return l.store.MarkCompleted(ctx, jobID, result)
}

func (l *Ledger) Fail(ctx context.Context, jobID string, errMsg string) error {
	return l.store.MarkFailed(ctx, jobID, errMsg)
}

func (l *Ledger) Suppress(ctx context.Context, jobID string) error {
	return l.store.MarkSuppressed(ctx, jobID)
}
