package scope_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/scopekit/scope"
)

func TestRunJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := scope.NewMemoryStore(scope.StoreConfig{})
	collector := scope.NewCollector(scope.CollectorConfig{Store: store})

	var ran bool
	if err := scope.RunJob(ctx, collector, "rebuild-index", func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("job function never ran")
	}

	// The run is one batch with one entry per status transition.
	res, err := store.Scan(ctx, &scope.ScanRequest{Filter: scope.Filter{Types: []scope.EntryType{scope.EntryTypeJob}}})
	if err != nil {
		t.Fatal(err)
	}
	if want, have := 3, len(res.Entries); want != have {
		t.Fatalf("want %d transitions, have %d", want, have)
	}

	batchID := res.Entries[0].BatchID
	batch, err := store.GetBatch(ctx, batchID)
	if err != nil {
		t.Fatal(err)
	}

	wantStatuses := []scope.JobStatus{scope.JobPending, scope.JobRunning, scope.JobCompleted}
	for i, e := range batch.Entries {
		p := e.Payload.(*scope.JobPayload)
		if p.Name != "rebuild-index" {
			t.Errorf("entry %d: name %q", i, p.Name)
		}
		if p.Status != wantStatuses[i] {
			t.Errorf("entry %d: want status %s, have %s", i, wantStatuses[i], p.Status)
		}
	}

	final := batch.Entries[2].Payload.(*scope.JobPayload)
	if final.Completed.IsZero() {
		t.Error("completed transition has no completion time")
	}
	if final.Error != "" {
		t.Errorf("unexpected error text: %q", final.Error)
	}
}

func TestRunJobFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := scope.NewMemoryStore(scope.StoreConfig{})
	collector := scope.NewCollector(scope.CollectorConfig{Store: store})

	jobErr := fmt.Errorf("index corrupted")
	if err := scope.RunJob(ctx, collector, "rebuild-index", func(ctx context.Context) error {
		return jobErr
	}); err != jobErr {
		t.Fatalf("want %v, have %v", jobErr, err)
	}

	assertFinalStatus(t, store, scope.JobFailed, "index corrupted")
}

func TestRunJobPanic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := scope.NewMemoryStore(scope.StoreConfig{})
	collector := scope.NewCollector(scope.CollectorConfig{Store: store})

	err := scope.RunJob(ctx, collector, "rebuild-index", func(ctx context.Context) error {
		panic("stack blown")
	})
	if err == nil {
		t.Fatal("panic not converted to error")
	}

	assertFinalStatus(t, store, scope.JobFailed, "stack blown")
}

func assertFinalStatus(t *testing.T, store scope.Store, want scope.JobStatus, errContains string) {
	t.Helper()

	ctx := context.Background()
	res, err := store.Scan(ctx, &scope.ScanRequest{Filter: scope.Filter{Types: []scope.EntryType{scope.EntryTypeJob}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) == 0 {
		t.Fatal("no job entries")
	}

	batch, err := store.GetBatch(ctx, res.Entries[0].BatchID)
	if err != nil {
		t.Fatal(err)
	}

	final := batch.Entries[len(batch.Entries)-1].Payload.(*scope.JobPayload)
	if final.Status != want {
		t.Fatalf("final status: want %s, have %s", want, final.Status)
	}
	if errContains != "" && final.Error == "" {
		t.Fatalf("final transition has no error text")
	}
}
