package scope_test

import (
	"context"
	"testing"

	"github.com/scopekit/scope"
)

func TestScanRequestNormalize(t *testing.T) {
	t.Parallel()

	t.Run("zero request gets defaults", func(t *testing.T) {
		var req scope.ScanRequest
		if errs := req.Normalize(); len(errs) > 0 {
			t.Fatalf("unexpected errors: %v", errs)
		}
		if want, have := scope.ScanLimitDefault, req.Limit; want != have {
			t.Fatalf("limit: want %d, have %d", want, have)
		}
	})

	t.Run("oversized limit clamps with advisory", func(t *testing.T) {
		req := scope.ScanRequest{Limit: scope.ScanLimitMax * 10}
		errs := req.Normalize()
		if len(errs) != 1 {
			t.Fatalf("want 1 advisory, have %v", errs)
		}
		if want, have := scope.ScanLimitMax, req.Limit; want != have {
			t.Fatalf("limit: want %d, have %d", want, have)
		}
	})
}

// fixedScanner returns a canned response.
type fixedScanner struct {
	source  string
	entries []scope.Entry
	err     error
}

func (s *fixedScanner) Scan(ctx context.Context, req *scope.ScanRequest) (*scope.ScanResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &scope.ScanResponse{
		Sources:    []string{s.source},
		TotalCount: len(s.entries),
		MatchCount: len(s.entries),
		Entries:    s.entries,
	}, nil
}

func TestMultiScanner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// ULIDs sort lexically by creation time, so merged output is newest
	// first by ID.
	ms := scope.MultiScanner{
		&fixedScanner{source: "api-1", entries: []scope.Entry{
			{ID: "01AAAAAAAAAAAAAAAAAAAAAAA1", Type: scope.EntryTypeLog},
			{ID: "01CCCCCCCCCCCCCCCCCCCCCCC1", Type: scope.EntryTypeLog},
		}},
		&fixedScanner{source: "api-2", entries: []scope.Entry{
			{ID: "01BBBBBBBBBBBBBBBBBBBBBBB1", Type: scope.EntryTypeLog},
		}},
	}

	res, err := ms.Scan(ctx, &scope.ScanRequest{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}

	if want, have := 3, res.TotalCount; want != have {
		t.Errorf("total: want %d, have %d", want, have)
	}
	if want, have := 2, len(res.Entries); want != have {
		t.Fatalf("entries: want %d, have %d", want, have)
	}
	if res.Entries[0].ID < res.Entries[1].ID {
		t.Errorf("not newest first: %s before %s", res.Entries[0].ID, res.Entries[1].ID)
	}
	if want, have := 2, len(res.Sources); want != have {
		t.Errorf("sources: want %d, have %d: %v", want, have, res.Sources)
	}
	if res.Cursor != "" {
		t.Errorf("merged response carries a cursor: %q", res.Cursor)
	}
}

func TestMultiScannerPartialFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	ms := scope.MultiScanner{
		&fixedScanner{source: "good", entries: []scope.Entry{{ID: "01X1", Type: scope.EntryTypeLog}}},
		&fixedScanner{err: context.DeadlineExceeded},
	}

	res, err := ms.Scan(ctx, &scope.ScanRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if want, have := 1, len(res.Entries); want != have {
		t.Fatalf("entries: want %d, have %d", want, have)
	}
	if len(res.Problems) == 0 {
		t.Fatal("failed instance not reported as a problem")
	}
}
