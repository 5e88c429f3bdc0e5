package scopedebug

import "sync/atomic"

// PoolCounters track operations on a sync.Pool for a specific type.
type PoolCounters struct {
	Get   atomic.Uint64
	Alloc atomic.Uint64
	Put   atomic.Uint64
	Lost  atomic.Uint64
}

// ReusePercent returns the percent (0..100) reuse of the pool type.
func (pc *PoolCounters) ReusePercent() float64 {
	var (
		get   = pc.Get.Load()
		alloc = pc.Alloc.Load()
		reuse = get - alloc
	)
	if get <= 0 {
		return 0.0
	}
	return 100 * float64(reuse) / float64(get)
}

// Values returns the current values of the counters.
func (pc *PoolCounters) Values() (get, alloc, put, lost uint64, reuse float64) {
	var (
		g = pc.Get.Load()
		a = pc.Alloc.Load()
		p = pc.Put.Load()
		l = pc.Lost.Load()
		r = pc.ReusePercent()
	)
	return g, a, p, l, r
}

var (
	// BatchCounters tracks the live batch pool.
	BatchCounters PoolCounters
)

// Counters for irregular operations on the capture path. They are cheap
// enough to maintain unconditionally, and give tests and debugging sessions
// visibility into instrumentation misuse or overload.
var (
	// WatcherFailures counts watcher callbacks that returned an error or
	// panicked.
	WatcherFailures atomic.Uint64

	// LateCaptures counts captures against batches that were already
	// committed or discarded.
	LateCaptures atomic.Uint64

	// DoubleFinishes counts commits or discards after the first one.
	DoubleFinishes atomic.Uint64

	// TruncatedCaptures counts entries dropped because their batch hit its
	// entry limit.
	TruncatedCaptures atomic.Uint64

	// EmptyCommits counts committed batches that held no entries and were
	// therefore never inserted.
	EmptyCommits atomic.Uint64
)
