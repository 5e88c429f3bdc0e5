// Package scope provides in-process telemetry capture and inspection for web
// applications. It records structured entries describing the requests an
// application serves, the database queries they issue, the log lines they
// emit, and the exceptions they raise, correlates those entries by request
// into batches, and keeps the most recent batches in a bounded in-memory
// store.
//
// The basic flow is that a unit of work, typically one HTTP request, opens
// a batch via [Collector.Begin], which binds a batch handle to the context.
// As the work proceeds, host events are fed to [Collector.Observe], where the
// registered [Watcher] for each event type turns them into entries buffered
// on the batch. When the work finishes, [Collector.Commit] seals the batch
// and inserts it into the [Store] as one atomic operation, so readers only
// ever see complete batches. A dashboard process reads the store through
// [Store.Scan] for filtered pages, and [Store.Subscribe] for a live tail of
// newly committed entries.
//
// Capture is fail-safe by construction. Errors and panics inside watchers are
// contained at the watcher boundary and never reach the host application's
// control flow; captures after a batch is finished are counted no-ops; and a
// slow tail subscriber loses its own oldest undelivered entries rather than
// ever blocking a committing writer.
//
// Only the most recent data is kept: the store enforces a hard entry capacity
// by evicting whole batches, oldest first. Evicted data is gone, and by
// default nothing survives a process restart. Package
// [github.com/scopekit/scope/scopesqlite] provides a durable store honoring
// the same contract for deployments that want capture to outlive the process.
//
// Package [github.com/scopekit/scope/scopeweb] serves the store over HTTP as
// JSON and server-sent events, and provides the matching client, so the
// dashboard and the cmd/scope operator tool work against local and remote
// instances alike.
package scope
