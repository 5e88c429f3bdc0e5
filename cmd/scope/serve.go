package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"

	"github.com/scopekit/scope"
	"github.com/scopekit/scope/scopesqlite"
	"github.com/scopekit/scope/scopeweb"
)

type serveConfig struct {
	*rootConfig

	listenAddr string
	appBaseURL string
	dbPath     string
	capacity   int
}

func (cfg *serveConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		LongName: "listen-addr",
		Value:    ffval.NewValueDefault(&cfg.listenAddr, "localhost:8080"),
		Usage:    "HTTP listen address",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName: "app-base-url",
		Value:    ffval.NewValue(&cfg.appBaseURL),
		Usage:    "base URL of the instrumented application, enables replay",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName: "db",
		Value:    ffval.NewValue(&cfg.dbPath),
		Usage:    "SQLite database path; empty means in-memory",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName: "capacity",
		Value:    ffval.NewValue(&cfg.capacity),
		Usage:    "store entry capacity; 0 means the default",
	})
}

func (cfg *serveConfig) Exec(ctx context.Context, args []string) error {
	var store scope.Store
	if cfg.dbPath != "" {
		s, err := scopesqlite.Open(cfg.dbPath, scope.StoreConfig{Capacity: cfg.capacity})
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		store = s
		cfg.info.Printf("store: sqlite %s", cfg.dbPath)
	} else {
		store = scope.NewMemoryStore(scope.StoreConfig{Capacity: cfg.capacity})
		cfg.info.Printf("store: in-memory")
	}
	defer store.Close()

	server := scopeweb.NewServer(scopeweb.ServerConfig{
		Store:      store,
		AppBaseURL: cfg.appBaseURL,
		Client:     cfg.newHTTPClient(),
		Logger:     cfg.debug,
	})

	ln, err := net.Listen("tcp", cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	cfg.info.Printf("listening on %s", cfg.listenAddr)

	httpServer := &http.Server{
		Handler: server,
	}

	var g run.Group

	{
		g.Add(func() error {
			return httpServer.Serve(ln)
		}, func(error) {
			httpServer.Close()
		})
	}

	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	return g.Run()
}
