package scope_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/scopekit/scope"
)

func TestCaptureHandler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := scope.NewMemoryStore(scope.StoreConfig{})
	collector := scope.NewCollector(scope.CollectorConfig{Store: store})
	logger := slog.New(scope.NewCaptureHandler(collector, slog.LevelInfo))

	ctx, batchID := collector.Begin(ctx)

	logger.InfoContext(ctx, "user created", "user_id", "u-123")
	logger.DebugContext(ctx, "should be filtered by level")
	logger.With("request_id", "r-9").WithGroup("db").ErrorContext(ctx, "insert failed", "table", "users")

	collector.Commit(ctx)

	batch, err := store.GetBatch(ctx, batchID)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := 2, len(batch.Entries); want != have {
		t.Fatalf("want %d entries, have %d", want, have)
	}

	info := batch.Entries[0].Payload.(*scope.LogPayload)
	if info.Level != "info" || info.Message != "user created" {
		t.Errorf("first entry: %+v", info)
	}
	if want, have := "u-123", info.Attrs["user_id"]; want != have {
		t.Errorf("user_id attr: want %q, have %q", want, have)
	}
	if info.Source == "" {
		t.Error("no source attribution")
	}

	errEntry := batch.Entries[1].Payload.(*scope.LogPayload)
	if errEntry.Level != "error" {
		t.Errorf("second entry level: %s", errEntry.Level)
	}
	if want, have := "r-9", errEntry.Attrs["request_id"]; want != have {
		t.Errorf("request_id attr: want %q, have %q", want, have)
	}
	if want, have := "users", errEntry.Attrs["db.table"]; want != have {
		t.Errorf("grouped attr: want %q, have %q", want, have)
	}
}

func TestCaptureHandlerOutsideBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := scope.NewMemoryStore(scope.StoreConfig{})
	collector := scope.NewCollector(scope.CollectorConfig{Store: store})
	logger := slog.New(scope.NewCaptureHandler(collector, nil))

	// Safe to log without an open batch: the record is simply dropped.
	logger.InfoContext(ctx, "no unit of work")

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.EntryCount != 0 {
		t.Fatalf("captured %d entries without a batch", stats.EntryCount)
	}
}
