package scope

import (
	"context"
	"fmt"
	"time"
)

// Store holds committed batches under a hard entry-count bound, serving
// concurrent reads while writers keep inserting. The default implementation
// is the in-memory [MemoryStore]; alternative backends implement the same
// contract. Stores are constructed explicitly at process start and torn down
// with Close, never ambient globals.
type Store interface {
	// Insert adds a committed batch. If the resulting entry count exceeds
	// capacity, whole batches are evicted, oldest-committed first, until
	// the store is back under capacity. Readers observe the batch either
	// fully present or fully absent.
	Insert(ctx context.Context, batch Batch) error

	// Get returns the entry with the given ID, or an error wrapping
	// ErrNotFound if it is unknown or evicted.
	Get(ctx context.Context, entryID string) (Entry, error)

	// GetBatch returns the batch with the given ID, entries in emission
	// order, or an error wrapping ErrNotFound.
	GetBatch(ctx context.Context, batchID string) (Batch, error)

	// Scan returns one page of entries matching the request, newest
	// committed batch first, emission order within a batch, with a cursor
	// for the next page. The page is assembled atomically with respect to
	// concurrent inserts and evictions.
	Scan(ctx context.Context, req *ScanRequest) (*ScanResponse, error)

	// Subscribe delivers every entry committed after the call and allowed
	// by the filter to the channel, in commit order, until the context is
	// canceled. The per-subscriber queue is bounded: when the subscriber
	// falls behind, the oldest undelivered entries are dropped and counted,
	// and the committing writer is never blocked. Subscribe blocks until
	// cancellation and then returns the final delivery stats.
	Subscribe(ctx context.Context, f Filter, buffer int, ch chan<- Entry) (SubStats, error)

	// SubscribeStats returns the current delivery stats of the active
	// subscription identified by the channel.
	SubscribeStats(ctx context.Context, ch chan<- Entry) (SubStats, error)

	// Stats returns cheap summary statistics, maintained incrementally.
	Stats(ctx context.Context) (StoreStats, error)

	// Purge drops every batch and entry, returning how many of each went.
	Purge(ctx context.Context) (PurgeStats, error)

	// Close tears the store down. Operations after Close return an error
	// wrapping ErrStoreClosed.
	Close() error
}

//
//
//

// StoreConfig defines the configuration parameters for a store.
type StoreConfig struct {
	// Capacity is the maximum total entry count. Optional. The default is
	// 10000, the minimum 1.
	Capacity int

	// Eviction selects the next batch to evict when the store is over
	// capacity. Optional. By default the oldest committed batch goes
	// first.
	Eviction EvictionPolicy

	// SubscriberBuffer is the default per-subscriber queue capacity,
	// applied when Subscribe is called with a non-positive buffer.
	// Optional. The default is 100.
	SubscriberBuffer int
}

const (
	storeCapacityDefault    = 10000
	subscriberBufferDefault = 100
)

func (cfg *StoreConfig) normalize() {
	if cfg.Capacity <= 0 {
		cfg.Capacity = storeCapacityDefault
	}
	if cfg.Eviction == nil {
		cfg.Eviction = EvictOldestFirst
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = subscriberBufferDefault
	}
}

//
//
//

// EvictionCandidate summarizes one committed batch for eviction policies.
// Candidates are presented oldest-committed first.
type EvictionCandidate struct {
	BatchID   string
	Committed time.Time
	Entries   int

	// HasError is true when the batch holds an exception entry or a
	// request entry with a 5xx status.
	HasError bool
}

// EvictionPolicy returns the index of the candidate to evict next. It is
// called under the store's insert lock, so it must be fast and must not call
// back into the store. Returning an out-of-range index falls back to the
// oldest candidate.
type EvictionPolicy func(candidates []EvictionCandidate) int

// EvictOldestFirst is the default eviction policy: strict FIFO by commit
// time.
func EvictOldestFirst(candidates []EvictionCandidate) int {
	return 0
}

// EvictKeepErrorsLonger evicts the oldest batch without errors, falling back
// to the oldest batch outright when only errored batches remain.
func EvictKeepErrorsLonger(candidates []EvictionCandidate) int {
	for i, c := range candidates {
		if !c.HasError {
			return i
		}
	}
	return 0
}

//
//
//

// SubStats describe the delivery history of one subscription.
type SubStats struct {
	// Skips counts published entries rejected by the subscription filter.
	Skips uint64 `json:"skips"`

	// Sends counts entries delivered to the subscriber channel.
	Sends uint64 `json:"sends"`

	// Drops counts entries lost because the subscriber fell behind.
	Drops uint64 `json:"drops"`
}

// Overrun is true if the subscription fell behind and lost entries.
func (s SubStats) Overrun() bool {
	return s.Drops > 0
}

func (s SubStats) String() string {
	return fmt.Sprintf("skips=%d sends=%d drops=%d", s.Skips, s.Sends, s.Drops)
}

//
//
//

// StoreStats summarize the current contents of a store.
type StoreStats struct {
	Capacity      int               `json:"capacity"`
	BatchCount    int               `json:"batch_count"`
	EntryCount    int               `json:"entry_count"`
	EntriesByType map[EntryType]int `json:"entries_by_type,omitempty"`
	Oldest        time.Time         `json:"oldest"`
	Newest        time.Time         `json:"newest"`
	Evictions     uint64            `json:"evictions"`
	Subscribers   int               `json:"subscribers"`
}

// PurgeStats report what a purge removed.
type PurgeStats struct {
	Batches int `json:"batches"`
	Entries int `json:"entries"`
}
