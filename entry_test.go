package scope_test

import (
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/scopekit/scope"
)

func TestEntryJSONRoundTrip(t *testing.T) {
	t.Parallel()

	for name, entry := range map[string]scope.Entry{
		"request": {
			ID:      "01H000000000000000000000R1",
			BatchID: "01H000000000000000000000B1",
			Type:    scope.EntryTypeRequest,
			When:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Tags:    []string{"edge"},
			Payload: &scope.RequestPayload{
				Method:   "POST",
				Path:     "/orders",
				Status:   201,
				Category: "2xx",
				Duration: scope.Duration(42 * time.Millisecond),
				BytesOut: 512,
			},
		},
		"query": {
			ID:      "01H000000000000000000000Q1",
			BatchID: "01H000000000000000000000B1",
			Type:    scope.EntryTypeQuery,
			When:    time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
			Payload: &scope.QueryPayload{
				SQL:      "SELECT * FROM orders WHERE id = ?",
				Duration: scope.Duration(900 * time.Microsecond),
				Caller:   "orders.go:42",
				Rows:     1,
			},
		},
		"exception": {
			ID:      "01H000000000000000000000E1",
			BatchID: "01H000000000000000000000B1",
			Type:    scope.EntryTypeException,
			When:    time.Date(2026, 3, 1, 12, 0, 2, 0, time.UTC),
			Payload: &scope.ExceptionPayload{
				Class:       "*errors.errorString",
				Message:     "kaboom",
				Stack:       []string{"goroutine 1 [running]:", "main.main()"},
				Fingerprint: "00000000deadbeef",
			},
		},
	} {
		t.Run(name, func(t *testing.T) {
			data, err := json.Marshal(entry)
			if err != nil {
				t.Fatal(err)
			}

			var decoded scope.Entry
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatal(err)
			}

			// The concrete payload type must be restored.
			if !cmp.Equal(entry, decoded) {
				t.Fatal(cmp.Diff(entry, decoded))
			}
		})
	}
}

func TestParseEntryType(t *testing.T) {
	t.Parallel()

	if _, err := scope.ParseEntryType("query"); err != nil {
		t.Fatalf("query: %v", err)
	}
	if _, err := scope.ParseEntryType("trace"); err == nil {
		t.Fatal("unknown type accepted")
	}
}

func TestEntryMatch(t *testing.T) {
	t.Parallel()

	e := scope.Entry{
		Type: scope.EntryTypeQuery,
		Tags: []string{"checkout"},
		Payload: &scope.QueryPayload{
			SQL: "SELECT id FROM carts",
		},
	}

	for expr, want := range map[string]bool{
		"carts":         true,
		"checkout":      true, // tags are searchable
		"(?i)select id": true,
		"DELETE":        false,
	} {
		if have := e.Match(regexp.MustCompile(expr)); want != have {
			t.Errorf("%s: want %v, have %v", expr, want, have)
		}
	}
}

func TestDurationJSON(t *testing.T) {
	t.Parallel()

	d := scope.Duration(1500 * time.Microsecond)

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := "1.5", string(data); want != have {
		t.Fatalf("marshal: want %s, have %s", want, have)
	}

	var decoded scope.Duration
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded != d {
		t.Fatalf("round trip: want %s, have %s", d, decoded)
	}
}

func TestStatusCategory(t *testing.T) {
	t.Parallel()

	for status, want := range map[int]string{
		0:   "pending",
		200: "2xx",
		299: "2xx",
		301: "3xx",
		404: "4xx",
		503: "5xx",
		700: "unknown",
	} {
		p := &scope.RequestPayload{Status: status}
		if have := p.StatusCategory(); want != have {
			t.Errorf("%d: want %s, have %s", status, want, have)
		}
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	stack := []string{"goroutine 7 [running]:", "app.handler()", "net/http.serve()"}

	a := scope.Fingerprint("*app.DBError", stack)
	b := scope.Fingerprint("*app.DBError", stack)
	c := scope.Fingerprint("*app.TimeoutError", stack)

	if a != b {
		t.Error("same failure produced different fingerprints")
	}
	if a == c {
		t.Error("different classes produced the same fingerprint")
	}
	if len(a) != 16 || strings.ToLower(a) != a {
		t.Errorf("fingerprint not lowercase hex64: %q", a)
	}
}
