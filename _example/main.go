// Command example is a small instrumented web app demonstrating scope
// end-to-end: the capture middleware around its routes, a fake query layer
// emitting query events, slog records captured into the active batch, a
// periodic background job, and the dashboard API on a second port.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"

	"github.com/scopekit/scope"
	"github.com/scopekit/scope/scopeweb"
)

func main() {
	if err := program(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func program(ctx context.Context) error {
	var (
		appAddr       = envDefault("APP_ADDR", "localhost:8080")
		dashboardAddr = envDefault("DASHBOARD_ADDR", "localhost:8081")
	)

	store := scope.NewMemoryStore(scope.StoreConfig{Capacity: 5000})
	defer store.Close()

	collector := scope.NewCollector(scope.CollectorConfig{
		Source: "example-" + appAddr,
		Store:  store,
		Logger: log.New(os.Stderr, "scope: ", 0),
	})

	// Captured log lines go to the active batch as well as stderr.
	logger := slog.New(scope.NewCaptureHandler(collector, slog.LevelDebug))

	db := &database{collector: collector}

	app := &http.Server{
		Addr:    appAddr,
		Handler: newAppHandler(collector, db, logger),
	}

	dashboard := &http.Server{
		Addr: dashboardAddr,
		Handler: scopeweb.NewServer(scopeweb.ServerConfig{
			Store:      store,
			AppBaseURL: "http://" + appAddr,
			Logger:     log.New(os.Stderr, "dashboard: ", 0),
		}),
	}

	var g run.Group

	{
		g.Add(func() error {
			log.Printf("app listening on http://%s", appAddr)
			return app.ListenAndServe()
		}, func(error) {
			app.Close()
		})
	}

	{
		g.Add(func() error {
			log.Printf("dashboard listening on http://%s", dashboardAddr)
			return dashboard.ListenAndServe()
		}, func(error) {
			dashboard.Close()
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return runCleanupJob(ctx, collector, db)
		}, func(error) {
			cancel()
		})
	}

	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	return g.Run()
}

func newAppHandler(collector *scope.Collector, db *database, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		logger.InfoContext(ctx, "listing users", "limit", "25")

		users, err := db.selectUsers(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "select users", "err", err.Error())
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		fmt.Fprintf(w, "%d users\n", users)
	})

	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		logger.InfoContext(ctx, "creating order")

		db.insertOrder(ctx)

		w.WriteHeader(http.StatusCreated)
		fmt.Fprintln(w, "created")
	})

	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		if rand.Intn(3) == 0 {
			panic("flaky route blew up")
		}
		fmt.Fprintln(w, "got lucky")
	})

	var handler http.Handler = mux
	handler = scopeweb.Middleware(scopeweb.MiddlewareConfig{
		Collector: collector,
	})(handler)
	handler = recoverHandler(handler)

	return handler
}

// recoverHandler is the app's own recovery layer, above the capture
// middleware: the middleware records the panic and re-raises it, this layer
// turns it into a 500.
func recoverHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if x := recover(); x != nil {
				http.Error(w, fmt.Sprint(x), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// runCleanupJob runs a fake maintenance job every 30 seconds, so the
// dashboard's job view has something to show.
func runCleanupJob(ctx context.Context, collector *scope.Collector, db *database) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			scope.RunJob(ctx, collector, "cleanup-sessions", func(ctx context.Context) error {
				db.deleteExpiredSessions(ctx)
				if rand.Intn(5) == 0 {
					return fmt.Errorf("session table locked")
				}
				return nil
			})

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

//
//
//

// database is a fake query layer that emits query events with plausible
// latencies.
type database struct {
	collector *scope.Collector
}

func (db *database) selectUsers(ctx context.Context) (int, error) {
	rows := int64(1 + rand.Intn(25))
	db.observe(ctx, "SELECT id, name, email FROM users ORDER BY id LIMIT 25", rows)
	return int(rows), nil
}

func (db *database) insertOrder(ctx context.Context) {
	db.observe(ctx, "INSERT INTO orders (user_id, total) VALUES (?, ?)", 1)
}

func (db *database) deleteExpiredSessions(ctx context.Context) {
	db.observe(ctx, "DELETE FROM sessions WHERE expires_at < ?", int64(rand.Intn(100)))
}

func (db *database) observe(ctx context.Context, sql string, rows int64) {
	took := time.Duration(500+rand.Intn(4500)) * time.Microsecond
	time.Sleep(took)
	db.collector.Observe(ctx, scope.QueryEvent{
		SQL:      sql,
		Duration: took,
		Rows:     rows,
		Caller:   scope.Caller(2),
	})
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
