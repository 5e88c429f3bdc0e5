package scope

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/scopekit/scope/internal/scopedebug"
)

// Collector binds batches to units of work and routes observed events into
// them. One collector typically serves the whole process, constructed at
// startup with the store and the set of enabled watchers.
//
// Every method is safe for concurrent use, and none of them can fail in a
// way that reaches the host: capture-path problems are contained, counted,
// and at most logged.
type Collector struct {
	source     string
	store      Store
	watchers   map[EntryType]Watcher
	maxEntries int
	logger     *log.Logger
}

// CollectorConfig defines the configuration parameters for a collector.
type CollectorConfig struct {
	// Source is stamped on every batch, identifying this process instance.
	// Optional.
	Source string

	// Store receives committed batches. Required.
	Store Store

	// Watchers enumerates the enabled watchers, at most one per entry
	// type. Optional. By default, every built-in watcher is enabled.
	Watchers []Watcher

	// MaxBatchEntries bounds the per-batch entry buffer. Optional. The
	// default is 1000, the minimum 1, and the maximum 10000.
	MaxBatchEntries int

	// Logger receives diagnostic output. Optional. By default,
	// diagnostics are discarded.
	Logger *log.Logger
}

const (
	maxBatchEntriesMin = 1
	maxBatchEntriesDef = 1000
	maxBatchEntriesMax = 10000
)

// NewCollector returns a collector based on the provided config.
func NewCollector(cfg CollectorConfig) *Collector {
	if cfg.Watchers == nil {
		cfg.Watchers = []Watcher{
			&RequestWatcher{},
			&QueryWatcher{},
			&LogWatcher{},
			&ExceptionWatcher{},
			&JobWatcher{},
		}
	}

	switch {
	case cfg.MaxBatchEntries <= 0:
		cfg.MaxBatchEntries = maxBatchEntriesDef
	case cfg.MaxBatchEntries < maxBatchEntriesMin:
		cfg.MaxBatchEntries = maxBatchEntriesMin
	case cfg.MaxBatchEntries > maxBatchEntriesMax:
		cfg.MaxBatchEntries = maxBatchEntriesMax
	}

	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	watchers := make(map[EntryType]Watcher, len(cfg.Watchers))
	for _, w := range cfg.Watchers {
		watchers[w.EntryType()] = w
	}

	return &Collector{
		source:     cfg.Source,
		store:      cfg.Store,
		watchers:   watchers,
		maxEntries: cfg.MaxBatchEntries,
		logger:     cfg.Logger,
	}
}

// Begin opens a batch for the unit of work represented by the context,
// returning a derived context carrying the batch handle, and the batch ID.
// If the context already carries an open batch, Begin joins it instead, so
// nested instrumentation contributes to the active unit of work rather than
// opening a second one.
func (c *Collector) Begin(ctx context.Context) (context.Context, string) {
	if h, ok := maybeGetBatch(ctx); ok && !h.lb.stale(h.gen) {
		return ctx, h.id
	}
	return c.beginNew(ctx)
}

func (c *Collector) beginNew(ctx context.Context) (context.Context, string) {
	h := newLiveBatch(c.source, time.Now(), c.maxEntries)
	return putBatch(ctx, h), h.id
}

// Observe dispatches the event to its registered watcher and captures the
// emitted entries into the batch carried by the context. Observing without
// an open batch is a no-op, except for job events, which manage their own
// dedicated batch. Watcher errors and panics are contained here and never
// propagate to the caller.
func (c *Collector) Observe(ctx context.Context, ev Event) {
	if jev, ok := ev.(JobEvent); ok {
		c.observeJob(ctx, jev)
		return
	}

	h, ok := maybeGetBatch(ctx)
	if !ok {
		return
	}

	c.observe(ctx, h, ev)
}

func (c *Collector) observe(ctx context.Context, h batchHandle, ev Event) {
	w, ok := c.watchers[ev.EntryType()]
	if !ok {
		return // event type not enabled
	}

	entries, err := runWatcher(ctx, w, ev)
	if err != nil {
		scopedebug.WatcherFailures.Add(1)
		c.logger.Printf("scope: watcher %s: %v", ev.EntryType(), err)

		// Best effort: leave a diagnostic entry in the batch. If this
		// capture fails too, it fails silently.
		entries = []Entry{{
			Type: EntryTypeLog,
			Tags: []string{"scope-internal"},
			Payload: &LogPayload{
				Level:   "error",
				Message: fmt.Sprintf("watcher %s failed: %v", ev.EntryType(), err),
			},
		}}
	}

	for _, e := range entries {
		c.capture(h, e)
	}
}

// runWatcher invokes the watcher, converting a panic into an error.
func runWatcher(ctx context.Context, w Watcher, ev Event) (entries []Entry, err error) {
	defer func() {
		if x := recover(); x != nil {
			entries, err = nil, fmt.Errorf("watcher panic: %v", x)
		}
	}()
	return w.Watch(ctx, ev)
}

// Capture appends a pre-built entry to the batch carried by the context,
// stamping its ID, batch ID, and timestamp. Capture is constant-time and
// never contacts the store. Captures without an open batch, or after commit
// or discard, are counted no-ops.
func (c *Collector) Capture(ctx context.Context, e Entry) {
	h, ok := maybeGetBatch(ctx)
	if !ok {
		return
	}
	c.capture(h, e)
}

func (c *Collector) capture(h batchHandle, e Entry) {
	if e.Payload == nil {
		c.logger.Printf("scope: dropping entry with no payload, batch %s", h.id)
		return
	}

	now := time.Now()
	if e.When.IsZero() {
		e.When = now
	}
	if e.Type == "" {
		e.Type = e.Payload.EntryType()
	}
	e.ID = newID(now)
	e.BatchID = h.id

	switch h.lb.capture(h.gen, e) {
	case captureFinished:
		scopedebug.LateCaptures.Add(1)
		c.logger.Printf("scope: capture after finish, batch %s, entry type %s", h.id, e.Type)
	case captureFull:
		scopedebug.TruncatedCaptures.Add(1)
	}
}

// Commit seals the batch carried by the context and inserts it into the
// store as a single atomic operation. Exactly one commit or discard wins per
// batch; later calls are counted no-ops. A committed batch with no entries
// is not inserted.
func (c *Collector) Commit(ctx context.Context) {
	h, ok := maybeGetBatch(ctx)
	if !ok {
		return
	}

	batch, truncated, ok := h.lb.finish(h.gen, time.Now())
	if !ok {
		scopedebug.DoubleFinishes.Add(1)
		c.logger.Printf("scope: commit of already finished batch %s", h.id)
		return
	}

	if truncated > 0 {
		c.logger.Printf("scope: batch %s dropped %d entries over the per-batch limit", batch.ID, truncated)
	}

	if len(batch.Entries) == 0 {
		scopedebug.EmptyCommits.Add(1)
		h.lb.free()
		return
	}

	// The host's context may be canceled by commit time, e.g. when the
	// client went away. That must not cost us the batch.
	if err := c.store.Insert(context.WithoutCancel(ctx), batch); err != nil {
		c.logger.Printf("scope: insert batch %s: %v", batch.ID, err)
	}

	h.lb.free()
}

// Discard seals and drops the batch carried by the context without inserting
// it, recording the reason to the collector's logger. Exactly one commit or
// discard wins per batch; later calls are counted no-ops.
func (c *Collector) Discard(ctx context.Context, reason string) {
	h, ok := maybeGetBatch(ctx)
	if !ok {
		return
	}

	batch, _, ok := h.lb.finish(h.gen, time.Now())
	if !ok {
		scopedebug.DoubleFinishes.Add(1)
		return
	}

	c.logger.Printf("scope: discarded batch %s with %d entries: %s", batch.ID, len(batch.Entries), reason)

	h.lb.free()
}
