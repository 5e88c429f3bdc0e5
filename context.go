package scope

import "context"

type batchContextKey struct{}

var batchContextVal batchContextKey

// batchHandle is what Begin binds into the context: the shell pointer plus
// the generation and ID captured at creation.
type batchHandle struct {
	lb  *liveBatch
	gen uint64
	id  string
}

func putBatch(ctx context.Context, h batchHandle) context.Context {
	return context.WithValue(ctx, batchContextVal, h)
}

func maybeGetBatch(ctx context.Context) (batchHandle, bool) {
	h, ok := ctx.Value(batchContextVal).(batchHandle)
	return h, ok
}

// ActiveBatchID returns the ID of the open batch bound to the context, if
// there is one. Hosts can use it to correlate their own telemetry with the
// entries captured for the same unit of work.
func ActiveBatchID(ctx context.Context) (string, bool) {
	h, ok := maybeGetBatch(ctx)
	if !ok {
		return "", false
	}
	if h.lb.stale(h.gen) {
		return "", false
	}
	return h.id, true
}
