package scope

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scopekit/scope/internal/scopepubsub"
)

// MemoryStore is the default store: volatile, process-local, bounded by a
// hard entry count. Inserts take one short exclusive critical section for
// append, index update, eviction, and publish hand-off; reads take a shared
// lock and assemble their result inside it, so every page and lookup sees
// batches fully present or fully absent.
type MemoryStore struct {
	mtx       sync.RWMutex
	capacity  int
	policy    EvictionPolicy
	subBuffer int
	closed    bool

	seq        uint64                  // commit sequence, monotonic
	batches    []*storedBatch          // commit order, oldest first
	batchIndex map[string]*storedBatch // batch ID -> batch
	entryIndex map[string]entryRef     // entry ID -> batch + ordinal
	entryCount int
	byType     map[EntryType]int
	evictions  uint64

	broker *scopepubsub.Broker[Entry]
}

var _ Store = (*MemoryStore)(nil)

type storedBatch struct {
	seq       uint64
	committed time.Time
	hasError  bool
	batch     Batch
}

type entryRef struct {
	sb  *storedBatch
	ord int
}

// NewMemoryStore returns a memory store based on the provided config.
func NewMemoryStore(cfg StoreConfig) *MemoryStore {
	cfg.normalize()
	return &MemoryStore{
		capacity:   cfg.Capacity,
		policy:     cfg.Eviction,
		subBuffer:  cfg.SubscriberBuffer,
		batchIndex: map[string]*storedBatch{},
		entryIndex: map[string]entryRef{},
		byType:     map[EntryType]int{},
		broker:     scopepubsub.NewBroker[Entry](nil, cfg.SubscriberBuffer),
	}
}

// Insert implements [Store].
func (s *MemoryStore) Insert(ctx context.Context, batch Batch) error {
	if batch.ID == "" {
		return fmt.Errorf("insert: batch without ID")
	}
	if len(batch.Entries) == 0 {
		return fmt.Errorf("insert: batch %s without entries", batch.ID)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return fmt.Errorf("insert: %w", ErrStoreClosed)
	}

	if _, ok := s.batchIndex[batch.ID]; ok {
		return fmt.Errorf("insert: batch %s already present", batch.ID)
	}

	s.seq++
	sb := &storedBatch{
		seq:       s.seq,
		committed: time.Now(),
		hasError:  batchHasError(batch),
		batch:     batch,
	}

	s.batches = append(s.batches, sb)
	s.batchIndex[batch.ID] = sb
	for i, e := range batch.Entries {
		s.entryIndex[e.ID] = entryRef{sb: sb, ord: i}
		s.byType[e.Type]++
	}
	s.entryCount += len(batch.Entries)

	s.evictLocked()

	// Publish while still holding the lock, so subscribers receive entries
	// in exactly commit order. Publish only enqueues, it never blocks on a
	// subscriber.
	if _, ok := s.batchIndex[batch.ID]; ok { // the new batch may itself have been evicted
		for _, e := range batch.Entries {
			s.broker.Publish(ctx, e)
		}
	}

	return nil
}

// evictLocked removes whole batches until the store is back under capacity.
// The caller must hold the write lock.
func (s *MemoryStore) evictLocked() {
	for s.entryCount > s.capacity && len(s.batches) > 0 {
		idx := 0
		if s.policy != nil {
			candidates := make([]EvictionCandidate, len(s.batches))
			for i, sb := range s.batches {
				candidates[i] = EvictionCandidate{
					BatchID:   sb.batch.ID,
					Committed: sb.committed,
					Entries:   len(sb.batch.Entries),
					HasError:  sb.hasError,
				}
			}
			if i := s.policy(candidates); i >= 0 && i < len(s.batches) {
				idx = i
			}
		}

		sb := s.batches[idx]
		s.batches = append(s.batches[:idx], s.batches[idx+1:]...)
		delete(s.batchIndex, sb.batch.ID)
		for _, e := range sb.batch.Entries {
			delete(s.entryIndex, e.ID)
			s.byType[e.Type]--
		}
		s.entryCount -= len(sb.batch.Entries)
		s.evictions++
	}
}

func batchHasError(batch Batch) bool {
	for _, e := range batch.Entries {
		switch p := e.Payload.(type) {
		case *ExceptionPayload:
			return true
		case *RequestPayload:
			if p.Status >= 500 {
				return true
			}
		}
	}
	return false
}

// Get implements [Store].
func (s *MemoryStore) Get(ctx context.Context, entryID string) (Entry, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if s.closed {
		return Entry{}, fmt.Errorf("get: %w", ErrStoreClosed)
	}

	ref, ok := s.entryIndex[entryID]
	if !ok {
		return Entry{}, fmt.Errorf("entry %s: %w", entryID, ErrNotFound)
	}

	return ref.sb.batch.Entries[ref.ord], nil
}

// GetBatch implements [Store].
func (s *MemoryStore) GetBatch(ctx context.Context, batchID string) (Batch, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if s.closed {
		return Batch{}, fmt.Errorf("get batch: %w", ErrStoreClosed)
	}

	sb, ok := s.batchIndex[batchID]
	if !ok {
		return Batch{}, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}

	return sb.batch, nil
}

// Scan implements [Store].
func (s *MemoryStore) Scan(ctx context.Context, req *ScanRequest) (*ScanResponse, error) {
	begin := time.Now()

	problems, err := normalizeScanRequest(req)
	if err != nil {
		return nil, err
	}

	var after cursor
	if req.Cursor != "" {
		after, err = decodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
	}

	res := &ScanResponse{
		Request:  req,
		Problems: problems,
	}

	s.mtx.RLock()

	if s.closed {
		s.mtx.RUnlock()
		return nil, fmt.Errorf("scan: %w", ErrStoreClosed)
	}

	res.TotalCount = s.entryCount

	// Walk batches newest-committed first, entries in emission order,
	// counting every match and collecting the page that begins after the
	// cursor position.
	var (
		lastPos cursor
		sources = map[string]struct{}{}
	)
	for i := len(s.batches) - 1; i >= 0; i-- {
		sb := s.batches[i]
		for ord, e := range sb.batch.Entries {
			if !req.Filter.Allow(e) {
				continue
			}
			res.MatchCount++
			if sb.batch.Source != "" {
				sources[sb.batch.Source] = struct{}{}
			}

			pos := cursor{seq: sb.seq, ord: ord}
			if req.Cursor != "" && !cursorAfter(pos, after) {
				continue // at or before the cursor position
			}
			if len(res.Entries) >= req.Limit {
				if res.Cursor == "" {
					res.Cursor = encodeCursor(lastPos)
				}
				continue // keep counting matches, the page is full
			}
			res.Entries = append(res.Entries, e)
			lastPos = pos
		}
	}

	s.mtx.RUnlock()

	for source := range sources {
		res.Sources = append(res.Sources, source)
	}
	sort.Strings(res.Sources)

	res.Duration = Duration(time.Since(begin))

	return res, nil
}

// cursorAfter reports whether position a is visited strictly after position b
// in scan order, which walks batches newest first and entries within a batch
// in emission order.
func cursorAfter(a, b cursor) bool {
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.ord > b.ord
}

// normalizeScanRequest splits Normalize results into hard errors, which
// reject the request, and advisory problems, which travel in the response.
func normalizeScanRequest(req *ScanRequest) (problems []string, _ error) {
	for _, err := range req.Normalize() {
		if isBadRequest(err) {
			return nil, err
		}
		problems = append(problems, err.Error())
	}
	return problems, nil
}

// Subscribe implements [Store].
func (s *MemoryStore) Subscribe(ctx context.Context, f Filter, buffer int, ch chan<- Entry) (SubStats, error) {
	for _, err := range f.Normalize() {
		if isBadRequest(err) {
			return SubStats{}, err
		}
	}

	s.mtx.RLock()
	closed := s.closed
	s.mtx.RUnlock()
	if closed {
		return SubStats{}, fmt.Errorf("subscribe: %w", ErrStoreClosed)
	}

	if buffer <= 0 {
		buffer = s.subBuffer
	}

	stats, err := s.broker.Subscribe(ctx, f.Allow, buffer, ch)
	return SubStats(stats), err
}

// SubscribeStats implements [Store].
func (s *MemoryStore) SubscribeStats(ctx context.Context, ch chan<- Entry) (SubStats, error) {
	stats, err := s.broker.Stats(ctx, ch)
	return SubStats(stats), err
}

// Stats implements [Store].
func (s *MemoryStore) Stats(ctx context.Context) (StoreStats, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if s.closed {
		return StoreStats{}, fmt.Errorf("stats: %w", ErrStoreClosed)
	}

	byType := make(map[EntryType]int, len(s.byType))
	for t, n := range s.byType {
		if n > 0 {
			byType[t] = n
		}
	}

	stats := StoreStats{
		Capacity:      s.capacity,
		BatchCount:    len(s.batches),
		EntryCount:    s.entryCount,
		EntriesByType: byType,
		Evictions:     s.evictions,
		Subscribers:   s.broker.ActiveSubscribers(),
	}
	if len(s.batches) > 0 {
		stats.Oldest = s.batches[0].committed
		stats.Newest = s.batches[len(s.batches)-1].committed
	}

	return stats, nil
}

// Purge implements [Store].
func (s *MemoryStore) Purge(ctx context.Context) (PurgeStats, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return PurgeStats{}, fmt.Errorf("purge: %w", ErrStoreClosed)
	}

	stats := PurgeStats{
		Batches: len(s.batches),
		Entries: s.entryCount,
	}

	s.batches = nil
	s.batchIndex = map[string]*storedBatch{}
	s.entryIndex = map[string]entryRef{}
	s.byType = map[EntryType]int{}
	s.entryCount = 0

	return stats, nil
}

// Close implements [Store]. Active subscriptions are not interrupted, but
// receive nothing further; their contexts end them as usual.
func (s *MemoryStore) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.closed = true
	s.batches = nil
	s.batchIndex = map[string]*storedBatch{}
	s.entryIndex = map[string]entryRef{}
	s.byType = map[EntryType]int{}
	s.entryCount = 0

	return nil
}
