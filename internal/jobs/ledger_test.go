package jobs

import (
	"context"
	"testing"
	"time"

	"convocore/internal/chatkey"
	"convocore/internal/model"
)

type fakeJobStore struct {
	rows    map[string]*model.Job
	created int
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{rows: map[string]*model.Job{}}
}

func (f *fakeJobStore) Init(ctx context.Context) error { return nil }

func (f *fakeJobStore) Create(ctx context.Context, key chatkey.Key, turn int, stage model.Stage) (model.Job, error) {
	f.created++
	j := model.Job{ID: key.String() + "-job", ChatKey: key, Turn: turn, Stage: stage, Status: model.JobProcessing, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	f.rows[j.ID] = &j
	return j, nil
}

func (f *fakeJobStore) FindActive(ctx context.Context, key chatkey.Key, turn int, stage model.Stage) (model.Job, bool, error) {
	for _, j := range f.rows {
		if j.ChatKey == key && j.Turn == turn && j.Stage == stage {
			return *j, true, nil
		}
	}
	return model.Job{}, false, nil
}

func (f *fakeJobStore) MarkProcessing(ctx context.Context, jobID string) error {
	f.rows[jobID].Status = model.JobProcessing
	return nil
}

func (f *fakeJobStore) MarkCompleted(ctx context.Context, jobID string, result []byte) error {
	f.rows[jobID].Status = model.JobCompleted
	f.rows[jobID].Result = result
	return nil
}

func (f *fakeJobStore) MarkFailed(ctx context.Context, jobID string, errMsg string) error {
	f.rows[jobID].Status = model.JobFailed
	f.rows[jobID].Error = errMsg
	return nil
}

func (f *fakeJobStore) MarkSuppressed(ctx context.Context, jobID string) error {
	f.rows[jobID].Status = model.JobSuppressed
	return nil
}

func testKey(t *testing.T) chatkey.Key {
	t.Helper()
	k, err := chatkey.New("u1", "wa1", "c1")
	if err != nil {
		t.Fatalf("chatkey.New: %v", err)
	}
	return k
}

func TestBeginCreatesFreshRowWhenNoneExists(t *testing.T) {
	store := newFakeJobStore()
	l := New(store)
	job, skip, err := l.Begin(context.Background(), testKey(t), 1, model.StageRetrieve)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if skip {
		t.Fatal("expected no skip on first attempt")
	}
	if job.Status != model.JobProcessing {
		t.Fatalf("unexpected status: %s", job.Status)
	}
	if store.created != 1 {
		t.Fatalf("expected 1 created row, got %d", store.created)
	}
}

func TestBeginSkipsCompletedRow(t *testing.T) {
	store := newFakeJobStore()
	l := New(store)
	job, _, err := l.Begin(context.Background(), testKey(t), 1, model.StageRetrieve)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := l.Complete(context.Background(), job.ID, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	_, skip, err := l.Begin(context.Background(), testKey(t), 1, model.StageRetrieve)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !skip {
		t.Fatal("expected skip once the job is completed")
	}
	if store.created != 1 {
		t.Fatalf("expected no additional row created, got %d", store.created)
	}
}

func TestBeginCreatesNewRowOnRetryAfterFailure(t *testing.T) {
	store := newFakeJobStore()
	l := New(store)
	job, _, err := l.Begin(context.Background(), testKey(t), 1, model.StageInfer)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := l.Fail(context.Background(), job.ID, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	delete(store.rows, job.ID) // simulate FindActive no longer finding a failed row as "active"

	_, skip, err := l.Begin(context.Background(), testKey(t), 1, model.StageInfer)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if skip {
		t.Fatal("expected a fresh row to be created after failure")
	}
	if store.created != 2 {
		t.Fatalf("expected a new row on retry, got %d created", store.created)
	}
}
