package scopeweb_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/scopekit/scope"
	"github.com/scopekit/scope/scopeweb"
)

// newTestApp returns an instrumented application serving a few routes, along
// with the collector and store behind it.
func newTestApp(t *testing.T) (*httptest.Server, *scope.Collector, scope.Store) {
	t.Helper()

	store := scope.NewMemoryStore(scope.StoreConfig{})
	t.Cleanup(func() { store.Close() })

	collector := scope.NewCollector(scope.CollectorConfig{
		Source: "test-app",
		Store:  store,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		collector.Observe(r.Context(), scope.QueryEvent{
			SQL:      "SELECT id, name FROM users",
			Duration: 3 * time.Millisecond,
			Rows:     2,
		})
		w.Write([]byte(`[{"id":1},{"id":2}]`))
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})

	var handler http.Handler = mux
	handler = scopeweb.Middleware(scopeweb.MiddlewareConfig{
		Collector: collector,
	})(handler)

	// The app's own recovery layer, outside the capture middleware.
	handler = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if x := recover(); x != nil {
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}(handler)

	app := httptest.NewServer(handler)
	t.Cleanup(app.Close)

	return app, collector, store
}

func TestE2E(t *testing.T) {
	ctx := context.Background()

	app, _, store := newTestApp(t)

	server := scopeweb.NewServer(scopeweb.ServerConfig{
		Store:      store,
		AppBaseURL: app.URL,
	})
	dashboard := httptest.NewServer(server)
	defer dashboard.Close()

	client := scopeweb.NewClient(http.DefaultClient, dashboard.URL)

	// Drive some traffic through the instrumented app.
	for _, path := range []string{"/users", "/users", "/orders", "/boom"} {
		res, err := app.Client().Get(app.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
	}

	// The client and the store must agree on every scan.
	testScan := func(t *testing.T, req *scope.ScanRequest) *scope.ScanResponse {
		t.Helper()

		res1, err1 := store.Scan(ctx, req)
		if err1 != nil {
			t.Fatal(err1)
		}

		res2, err2 := client.Scan(ctx, req)
		if err2 != nil {
			t.Fatal(err2)
		}

		opts := []cmp.Option{
			cmpopts.IgnoreFields(scope.ScanResponse{}, "Duration", "Request"),
		}
		if !cmp.Equal(res1, res2, opts...) {
			t.Fatal(cmp.Diff(res1, res2, opts...))
		}

		return res2
	}

	var exceptionID, requestID string

	t.Run("default", func(t *testing.T) {
		res := testScan(t, &scope.ScanRequest{})
		if want, have := 4+2+1, res.MatchCount; want != have { // 4 requests, 2 queries, 1 exception
			t.Errorf("matches: want %d, have %d", want, have)
		}
		if want, have := []string{"test-app"}, res.Sources; !cmp.Equal(want, have) {
			t.Errorf("sources: want %v, have %v", want, have)
		}
	})

	t.Run("type=exception", func(t *testing.T) {
		res := testScan(t, &scope.ScanRequest{Filter: scope.Filter{Types: []scope.EntryType{scope.EntryTypeException}}})
		if want, have := 1, len(res.Entries); want != have {
			t.Fatalf("entries: want %d, have %d", want, have)
		}
		exceptionID = res.Entries[0].ID
		p := res.Entries[0].Payload.(*scope.ExceptionPayload)
		if !strings.Contains(p.Message, "kaboom") {
			t.Errorf("exception message: %q", p.Message)
		}
	})

	t.Run("q=users limit=1", func(t *testing.T) {
		res := testScan(t, &scope.ScanRequest{
			Filter: scope.Filter{Types: []scope.EntryType{scope.EntryTypeRequest}, Query: "/users"},
			Limit:  1,
		})
		if want, have := 2, res.MatchCount; want != have {
			t.Errorf("matches: want %d, have %d", want, have)
		}
		if res.Cursor == "" {
			t.Fatal("full page without a cursor")
		}
		requestID = res.Entries[0].ID

		next := testScan(t, &scope.ScanRequest{
			Filter: scope.Filter{Types: []scope.EntryType{scope.EntryTypeRequest}, Query: "/users"},
			Cursor: res.Cursor,
			Limit:  1,
		})
		if want, have := 1, len(next.Entries); want != have {
			t.Fatalf("second page: want %d, have %d", want, have)
		}
		if next.Entries[0].ID == res.Entries[0].ID {
			t.Error("second page repeats the first")
		}
	})

	t.Run("get entry and batch", func(t *testing.T) {
		entry, err := client.Get(ctx, exceptionID)
		if err != nil {
			t.Fatal(err)
		}
		if want, have := scope.EntryTypeException, entry.Type; want != have {
			t.Errorf("type: want %s, have %s", want, have)
		}

		batch, err := client.GetBatch(ctx, entry.BatchID)
		if err != nil {
			t.Fatal(err)
		}
		if want, have := "test-app", batch.Source; want != have {
			t.Errorf("source: want %q, have %q", want, have)
		}

		// The panicking request's batch holds both the exception and the
		// request entry.
		var haveTypes []scope.EntryType
		for _, e := range batch.Entries {
			haveTypes = append(haveTypes, e.Type)
		}
		if want := []scope.EntryType{scope.EntryTypeException, scope.EntryTypeRequest}; !cmp.Equal(want, haveTypes) {
			t.Errorf("batch entry types: want %v, have %v", want, haveTypes)
		}
	})

	t.Run("not found", func(t *testing.T) {
		if _, err := client.Get(ctx, "01H00000000000000000000000"); !errors.Is(err, scope.ErrNotFound) {
			t.Fatalf("want ErrNotFound, have %v", err)
		}
		if _, err := client.GetBatch(ctx, "nope"); !errors.Is(err, scope.ErrNotFound) {
			t.Fatalf("want ErrNotFound, have %v", err)
		}
	})

	t.Run("bad request", func(t *testing.T) {
		if _, err := client.Scan(ctx, &scope.ScanRequest{Cursor: "garbage"}); !errors.Is(err, scope.ErrBadRequest) {
			t.Fatalf("want ErrBadRequest, have %v", err)
		}
	})

	t.Run("replay", func(t *testing.T) {
		res, err := http.Post(dashboard.URL+"/api/replay/"+requestID, "", nil)
		if err != nil {
			t.Fatal(err)
		}
		var rr scopeweb.ReplayResult
		if err := json.NewDecoder(res.Body).Decode(&rr); err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		if !rr.Replayed || rr.Status != http.StatusOK {
			t.Fatalf("replay result: %+v", rr)
		}

		// The replayed request traveled through the middleware, so it is now
		// itself a captured, tagged entry.
		deadline := time.Now().Add(time.Second)
		for {
			scanRes, err := store.Scan(ctx, &scope.ScanRequest{Filter: scope.Filter{Tags: []string{"replay"}}})
			if err != nil {
				t.Fatal(err)
			}
			if len(scanRes.Entries) > 0 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("replayed request never captured")
			}
			time.Sleep(10 * time.Millisecond)
		}
	})

	t.Run("replay of non-request", func(t *testing.T) {
		res, err := http.Post(dashboard.URL+"/api/replay/"+exceptionID, "", nil)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		if want, have := http.StatusBadRequest, res.StatusCode; want != have {
			t.Fatalf("status: want %d, have %d", want, have)
		}
	})

	t.Run("stats and purge", func(t *testing.T) {
		stats, err := client.Stats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if stats.EntryCount == 0 {
			t.Fatal("stats report an empty store")
		}

		purged, err := client.Purge(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if purged.Entries == 0 {
			t.Fatal("purge removed nothing")
		}

		stats, err = client.Stats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if stats.EntryCount != 0 {
			t.Fatalf("%d entries survived the purge", stats.EntryCount)
		}
	})
}

func TestE2ETail(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, _, store := newTestApp(t)

	server := scopeweb.NewServer(scopeweb.ServerConfig{Store: store})
	dashboard := httptest.NewServer(server)
	defer dashboard.Close()

	tc := scopeweb.NewTailClient(dashboard.URL)

	entryc := make(chan scope.Entry, 100)
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- tc.Tail(ctx, scope.Filter{Types: []scope.EntryType{scope.EntryTypeRequest}}, entryc)
	}()

	// Give the subscription a moment to establish, then generate traffic.
	var subscribed bool
	for i := 0; i < 100; i++ {
		stats, err := store.Stats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if stats.Subscribers > 0 {
			subscribed = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !subscribed {
		t.Fatal("tail client never subscribed")
	}

	for _, path := range []string{"/users", "/orders"} {
		res, err := app.Client().Get(app.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
	}

	var paths []string
	for len(paths) < 2 {
		select {
		case e := <-entryc:
			if want, have := scope.EntryTypeRequest, e.Type; want != have {
				t.Fatalf("type: want %s, have %s", want, have)
			}
			paths = append(paths, e.Payload.(*scope.RequestPayload).Path)
		case <-time.After(5 * time.Second):
			t.Fatalf("tail delivered %d of 2 entries", len(paths))
		}
	}

	if want := []string{"/users", "/orders"}; !cmp.Equal(want, paths) {
		t.Errorf("paths: want %v, have %v", want, paths)
	}

	cancel()
	select {
	case err := <-tailDone:
		if err != nil {
			t.Fatalf("tail returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not stop on cancel")
	}
}
