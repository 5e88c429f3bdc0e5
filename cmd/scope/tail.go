package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"

	"github.com/scopekit/scope"
	"github.com/scopekit/scope/scopeweb"
)

type tailConfig struct {
	*rootConfig

	sendBuf       int
	recvBuf       int
	statsInterval time.Duration
	retryInterval time.Duration

	entries chan scope.Entry
}

func (cfg *tailConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "send-buffer" /*    */, Value: ffval.NewValueDefault(&cfg.sendBuf, 100) /*                  */, Usage: "remote send buffer size"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "recv-buffer" /*    */, Value: ffval.NewValueDefault(&cfg.recvBuf, 100) /*                  */, Usage: "local receive buffer size"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "stats-interval" /* */, Value: ffval.NewValueDefault(&cfg.statsInterval, 10*time.Second) /* */, Usage: "stats reporting interval"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "retry-interval" /* */, Value: ffval.NewValueDefault(&cfg.retryInterval, 1*time.Second) /*  */, Usage: "connection retry interval"})
}

func (cfg *tailConfig) Exec(ctx context.Context, args []string) error {
	if err := cfg.requireURIs(); err != nil {
		return err
	}

	cfg.entries = make(chan scope.Entry, cfg.recvBuf)

	cfg.info.Printf("filter: %s", cfg.filter)
	cfg.debug.Printf("send buffer: %d", cfg.sendBuf)
	cfg.debug.Printf("recv buffer: %d", cfg.recvBuf)
	cfg.debug.Printf("stats interval: %s", cfg.statsInterval)
	cfg.debug.Printf("retry interval: %s", cfg.retryInterval)

	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return cfg.runTails(ctx)
		}, func(error) {
			cancel()
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return cfg.writeEntries(ctx)
		}, func(error) {
			cancel()
		})
	}

	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	return g.Run()
}

func (cfg *tailConfig) runTails(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	for _, uri := range cfg.uris {
		wg.Add(1)
		go func(uri string) {
			defer wg.Done()
			cfg.runTail(ctx, uri)
		}(uri)
	}

	cfg.debug.Printf("started tails")
	<-ctx.Done()
	cfg.debug.Printf("stopping tails...")
	cancel()
	wg.Wait()
	cfg.debug.Printf("tails finished")
	return nil
}

func (cfg *tailConfig) runTail(ctx context.Context, uri string) {
	var initCount int

	onRead := func(ctx context.Context, eventType string, eventData []byte) {
		switch eventType {
		case "init":
			if initCount == 0 {
				cfg.debug.Printf("%s: tail connected", uri)
			} else {
				cfg.debug.Printf("%s: tail reconnected", uri)
			}
			initCount++

		case "stats":
			var stats scopeweb.TailStats
			if err := json.Unmarshal(eventData, &stats); err != nil {
				cfg.debug.Printf("%s: stats error: %v", uri, err)
			} else {
				cfg.debug.Printf("%s: %s", uri, stats.SubStats)
				if stats.Overrun {
					cfg.info.Printf("%s: subscription overrun, entries were dropped", uri)
				}
			}
		}
	}

	cfg.debug.Printf("%s: starting", uri)
	defer cfg.debug.Printf("%s: stopped", uri)

	tc := &scopeweb.TailClient{
		HTTPClient:    cfg.newHTTPClient(),
		URI:           uri,
		Buffer:        cfg.sendBuf,
		OnRead:        onRead,
		RetryInterval: cfg.retryInterval,
		StatsInterval: cfg.statsInterval,
	}

	for ctx.Err() == nil {
		subctx, cancel := context.WithCancel(ctx)                            // per-iteration sub-context
		errc := make(chan error, 1)                                          // per-iteration tail result
		go func() { errc <- tc.Tail(subctx, cfg.filter, cfg.entries) }()     // returns only on terminal errors

		select {
		case <-subctx.Done():
			cfg.debug.Printf("%s: tail done", uri) // parent context was canceled, so we should stop
			cancel()                               // signal the Tail goroutine to stop
			<-errc                                 // wait for it to stop
			return                                 // we're done

		case err := <-errc:
			cfg.debug.Printf("%s: tail error, will retry (%v)", uri, err) // our tail failed (usually) independently, so we try again
			cancel()                                                      // just to be safe, but note contextSleep needs ctx, not subctx
			contextSleep(ctx, cfg.retryInterval)                          // can be interrupted by parent context
			continue                                                      // try again
		}
	}
}

func (cfg *tailConfig) writeEntries(ctx context.Context) error {
	var encode func(e scope.Entry) error
	switch cfg.output {
	case "ndjson":
		enc := json.NewEncoder(cfg.stdout)
		encode = func(e scope.Entry) error { return enc.Encode(e) }
	case "prettyjson":
		enc := json.NewEncoder(cfg.stdout)
		enc.SetIndent("", "    ")
		encode = func(e scope.Entry) error { return enc.Encode(e) }
	default: // text
		encode = func(e scope.Entry) error {
			_, err := fmt.Fprintln(cfg.stdout, entryText(e))
			return err
		}
	}

	var count uint64
	for {
		select {
		case e := <-cfg.entries:
			count++
			encode(e)
		case <-ctx.Done():
			cfg.debug.Printf("emitted entry count %d", count)
			return ctx.Err()
		}
	}
}
