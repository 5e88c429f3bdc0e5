package scope_test

import (
	"testing"
	"time"

	"github.com/scopekit/scope"
)

func TestFilterAllow(t *testing.T) {
	t.Parallel()

	var (
		when  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		entry = scope.Entry{
			ID:      "01HZZZZZZZZZZZZZZZZZZZZZZ1",
			BatchID: "01HZZZZZZZZZZZZZZZZZZZZZB1",
			Type:    scope.EntryTypeRequest,
			When:    when,
			Tags:    []string{"edge", "v2"},
			Payload: &scope.RequestPayload{Method: "GET", Path: "/healthz", Status: 200},
		}
	)

	for _, testcase := range []struct {
		name   string
		filter scope.Filter
		want   bool
	}{
		{"zero filter", scope.Filter{}, true},
		{"matching type", scope.Filter{Types: []scope.EntryType{scope.EntryTypeRequest}}, true},
		{"other type", scope.Filter{Types: []scope.EntryType{scope.EntryTypeQuery}}, false},
		{"one tag", scope.Filter{Tags: []string{"edge"}}, true},
		{"all tags", scope.Filter{Tags: []string{"edge", "v2"}}, true},
		{"missing tag", scope.Filter{Tags: []string{"edge", "v3"}}, false},
		{"matching ID", scope.Filter{IDs: []string{entry.ID}}, true},
		{"other ID", scope.Filter{IDs: []string{"01H0000000000000000000000"}}, false},
		{"matching batch", scope.Filter{BatchID: entry.BatchID}, true},
		{"other batch", scope.Filter{BatchID: "nope"}, false},
		{"in range", scope.Filter{From: when.Add(-time.Minute), To: when.Add(time.Minute)}, true},
		{"before range", scope.Filter{From: when.Add(time.Minute)}, false},
		{"after range", scope.Filter{To: when.Add(-time.Minute)}, false},
		{"query on path", scope.Filter{Query: "health"}, true},
		{"query on tag", scope.Filter{Query: "^v2$"}, true},
		{"query no match", scope.Filter{Query: "metrics"}, false},
		{"combined", scope.Filter{Types: []scope.EntryType{scope.EntryTypeRequest}, Tags: []string{"edge"}, Query: "GET"}, true},
	} {
		t.Run(testcase.name, func(t *testing.T) {
			f := testcase.filter
			if errs := f.Normalize(); len(errs) > 0 {
				t.Fatalf("normalize: %v", errs)
			}
			if want, have := testcase.want, f.Allow(entry); want != have {
				t.Errorf("want %v, have %v", want, have)
			}
		})
	}
}

func TestFilterString(t *testing.T) {
	t.Parallel()

	if want, have := "(allow all)", (scope.Filter{}).String(); want != have {
		t.Errorf("want %q, have %q", want, have)
	}

	f := scope.Filter{Types: []scope.EntryType{scope.EntryTypeLog}, Query: "timeout"}
	s := f.String()
	if s == "(allow all)" {
		t.Errorf("non-zero filter rendered as allow-all")
	}
}
