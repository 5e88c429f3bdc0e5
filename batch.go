package scope

import (
	"sync"
	"time"

	"github.com/scopekit/scope/internal/scopedebug"
)

// Batch is the set of entries captured during one unit of work, typically one
// served request. A committed batch and its entries are read-only: the store
// only ever holds committed batches, and readers only ever see whole ones.
type Batch struct {
	// ID identifies the batch. Every entry in the batch carries it as its
	// BatchID.
	ID string `json:"id"`

	// Source names the process instance that captured the batch.
	Source string `json:"source,omitempty"`

	// Started is when the batch was begun, Ended when it was committed.
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended"`

	// Entries in emission order.
	Entries []Entry `json:"entries"`
}

//
//
//

// liveBatch is the mutable buffer behind an open batch. Shells are pooled, so
// a context handle can outlive its shell's reuse: the generation counter is
// bumped on every reset, and every access is gated on it, which means a stale
// handle degrades to a no-op and can never capture into a successor batch.
type liveBatch struct {
	mtx        sync.Mutex
	gen        uint64
	id         string
	source     string
	started    time.Time
	maxEntries int
	entries    []Entry
	truncated  int
	finished   bool
}

var liveBatchPool = sync.Pool{
	New: func() any {
		scopedebug.BatchCounters.Alloc.Add(1)
		return &liveBatch{}
	},
}

func newLiveBatch(source string, now time.Time, maxEntries int) batchHandle {
	scopedebug.BatchCounters.Get.Add(1)

	lb := liveBatchPool.Get().(*liveBatch)

	lb.mtx.Lock()
	defer lb.mtx.Unlock()

	lb.id = newID(now)
	lb.source = source
	lb.started = now
	lb.maxEntries = maxEntries
	lb.entries = lb.entries[:0]
	lb.truncated = 0
	lb.finished = false

	return batchHandle{lb: lb, gen: lb.gen, id: lb.id}
}

// stale reports whether the handle generation no longer addresses an open
// batch.
func (lb *liveBatch) stale(gen uint64) bool {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()

	return lb.gen != gen || lb.finished
}

type captureResult int

const (
	captureAdded captureResult = iota
	captureFinished
	captureFull
)

// capture appends the entry if the batch addressed by gen is still open and
// under its entry limit.
func (lb *liveBatch) capture(gen uint64, e Entry) captureResult {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()

	if lb.gen != gen || lb.finished {
		return captureFinished
	}

	if lb.maxEntries > 0 && len(lb.entries) >= lb.maxEntries {
		lb.truncated++
		return captureFull
	}

	lb.entries = append(lb.entries, e)

	return captureAdded
}

// finish seals the batch addressed by gen. The first finisher wins and
// receives the sealed batch plus the count of entries dropped over the batch
// limit; later calls report false.
func (lb *liveBatch) finish(gen uint64, now time.Time) (Batch, int, bool) {
	lb.mtx.Lock()
	defer lb.mtx.Unlock()

	if lb.gen != gen || lb.finished {
		return Batch{}, 0, false
	}

	lb.finished = true

	entries := make([]Entry, len(lb.entries))
	copy(entries, lb.entries)

	return Batch{
		ID:      lb.id,
		Source:  lb.source,
		Started: lb.started,
		Ended:   now,
		Entries: entries,
	}, lb.truncated, true
}

// free returns the shell to the pool. Only the winning finish path may call
// it. The generation bump invalidates any handle still pointing at the shell.
func (lb *liveBatch) free() {
	lb.mtx.Lock()
	lb.gen++
	for i := range lb.entries {
		lb.entries[i] = Entry{} // drop payload references, keep the backing array
	}
	lb.entries = lb.entries[:0]
	lb.mtx.Unlock()

	scopedebug.BatchCounters.Put.Add(1)
	liveBatchPool.Put(lb)
}
