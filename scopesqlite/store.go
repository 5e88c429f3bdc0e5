// Package scopesqlite provides a durable scope store backed by SQLite, for
// hosts that want captured batches to survive a restart. It honors the same
// contract as the in-memory store: hard entry-count capacity, whole-batch
// eviction, commit-ordered scans and subscriptions.
package scopesqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scopekit/scope"
	"github.com/scopekit/scope/internal/scopepubsub"
)

// Store is a scope store persisted in a single SQLite database file.
type Store struct {
	mtx       sync.Mutex // serializes insert+evict+publish, guards closed
	db        *sql.DB
	capacity  int
	policy    scope.EvictionPolicy
	subBuffer int
	closed    bool
	evictions uint64

	broker *scopepubsub.Broker[scope.Entry]
}

var _ scope.Store = (*Store)(nil)

const (
	capacityDefault  = 10000
	subBufferDefault = 100
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    source TEXT NOT NULL DEFAULT '',
    started INTEGER NOT NULL,
    ended INTEGER NOT NULL,
    committed INTEGER NOT NULL,
    has_error INTEGER NOT NULL DEFAULT 0,
    entry_count INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
    id TEXT PRIMARY KEY,
    batch_seq INTEGER NOT NULL,
    batch_id TEXT NOT NULL,
    ordinal INTEGER NOT NULL,
    type TEXT NOT NULL,
    at INTEGER NOT NULL,
    entry_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS entries_by_batch ON entries (batch_seq, ordinal);
CREATE INDEX IF NOT EXISTS entries_by_type ON entries (type);
`

// Open opens, or creates, the database at path and returns a store over it.
func Open(path string, cfg scope.StoreConfig) (*Store, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = capacityDefault
	}
	if cfg.Eviction == nil {
		cfg.Eviction = scope.EvictOldestFirst
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = subBufferDefault
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// A single connection sidesteps SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{
		db:        db,
		capacity:  cfg.Capacity,
		policy:    cfg.Eviction,
		subBuffer: cfg.SubscriberBuffer,
		broker:    scopepubsub.NewBroker[scope.Entry](nil, cfg.SubscriberBuffer),
	}, nil
}

// Insert implements [scope.Store].
func (s *Store) Insert(ctx context.Context, batch scope.Batch) error {
	if batch.ID == "" {
		return fmt.Errorf("insert: batch without ID")
	}
	if len(batch.Entries) == 0 {
		return fmt.Errorf("insert: batch %s without entries", batch.ID)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return fmt.Errorf("insert: %w", scope.ErrStoreClosed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO batches (id, source, started, ended, committed, has_error, entry_count) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		batch.ID, batch.Source, batch.Started.UnixNano(), batch.Ended.UnixNano(), time.Now().UnixNano(), batchHasError(batch), len(batch.Entries),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("insert: batch %s already present", batch.ID)
		}
		return fmt.Errorf("insert: batch %s: %w", batch.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert: batch %s: %w", batch.ID, err)
	}

	for i, e := range batch.Entries {
		buf, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("insert: encode entry %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entries (id, batch_seq, batch_id, ordinal, type, at, entry_json) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, seq, batch.ID, i, string(e.Type), e.When.UnixNano(), string(buf),
		); err != nil {
			return fmt.Errorf("insert: entry %s: %w", e.ID, err)
		}
	}

	survived, err := s.evictTx(ctx, tx)
	if err != nil {
		return fmt.Errorf("insert: evict: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert: commit: %w", err)
	}

	// Publish under the insert lock, so subscribers receive entries in
	// exactly commit order. Publish only enqueues, it never blocks.
	if _, ok := survived[batch.ID]; ok {
		for _, e := range batch.Entries {
			s.broker.Publish(ctx, e)
		}
	}

	return nil
}

// evictTx removes whole batches until the store is back under capacity,
// returning the set of batch IDs still present. The caller holds the insert
// lock and the open transaction.
func (s *Store) evictTx(ctx context.Context, tx *sql.Tx) (map[string]struct{}, error) {
	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(entry_count), 0) FROM batches`).Scan(&total); err != nil {
		return nil, err
	}

	survived := map[string]struct{}{}

	for total > s.capacity {
		rows, err := tx.QueryContext(ctx, `SELECT seq, id, committed, entry_count, has_error FROM batches ORDER BY seq ASC`)
		if err != nil {
			return nil, err
		}
		var (
			seqs       []int64
			candidates []scope.EvictionCandidate
		)
		for rows.Next() {
			var (
				seq       int64
				id        string
				committed int64
				count     int
				hasError  bool
			)
			if err := rows.Scan(&seq, &id, &committed, &count, &hasError); err != nil {
				rows.Close()
				return nil, err
			}
			seqs = append(seqs, seq)
			candidates = append(candidates, scope.EvictionCandidate{
				BatchID:   id,
				Committed: time.Unix(0, committed),
				Entries:   count,
				HasError:  hasError,
			})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			break
		}

		idx := 0
		if i := s.policy(candidates); i >= 0 && i < len(candidates) {
			idx = i
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE batch_seq = ?`, seqs[idx]); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE seq = ?`, seqs[idx]); err != nil {
			return nil, err
		}

		total -= candidates[idx].Entries
		s.evictions++
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM batches`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		survived[id] = struct{}{}
	}

	return survived, rows.Err()
}

func batchHasError(batch scope.Batch) bool {
	for _, e := range batch.Entries {
		switch p := e.Payload.(type) {
		case *scope.ExceptionPayload:
			return true
		case *scope.RequestPayload:
			if p.Status >= 500 {
				return true
			}
		}
	}
	return false
}

// Get implements [scope.Store].
func (s *Store) Get(ctx context.Context, entryID string) (scope.Entry, error) {
	if err := s.check(); err != nil {
		return scope.Entry{}, fmt.Errorf("get: %w", err)
	}

	var buf string
	err := s.db.QueryRowContext(ctx, `SELECT entry_json FROM entries WHERE id = ?`, entryID).Scan(&buf)
	switch {
	case err == sql.ErrNoRows:
		return scope.Entry{}, fmt.Errorf("entry %s: %w", entryID, scope.ErrNotFound)
	case err != nil:
		return scope.Entry{}, fmt.Errorf("get entry %s: %w", entryID, err)
	}

	var e scope.Entry
	if err := json.Unmarshal([]byte(buf), &e); err != nil {
		return scope.Entry{}, fmt.Errorf("decode entry %s: %w", entryID, err)
	}

	return e, nil
}

// GetBatch implements [scope.Store].
func (s *Store) GetBatch(ctx context.Context, batchID string) (scope.Batch, error) {
	if err := s.check(); err != nil {
		return scope.Batch{}, fmt.Errorf("get batch: %w", err)
	}

	var (
		seq            int64
		source         string
		started, ended int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT seq, source, started, ended FROM batches WHERE id = ?`, batchID).Scan(&seq, &source, &started, &ended)
	switch {
	case err == sql.ErrNoRows:
		return scope.Batch{}, fmt.Errorf("batch %s: %w", batchID, scope.ErrNotFound)
	case err != nil:
		return scope.Batch{}, fmt.Errorf("get batch %s: %w", batchID, err)
	}

	batch := scope.Batch{
		ID:      batchID,
		Source:  source,
		Started: time.Unix(0, started),
		Ended:   time.Unix(0, ended),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT entry_json FROM entries WHERE batch_seq = ? ORDER BY ordinal ASC`, seq)
	if err != nil {
		return scope.Batch{}, fmt.Errorf("get batch %s entries: %w", batchID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var buf string
		if err := rows.Scan(&buf); err != nil {
			return scope.Batch{}, fmt.Errorf("get batch %s entries: %w", batchID, err)
		}
		var e scope.Entry
		if err := json.Unmarshal([]byte(buf), &e); err != nil {
			return scope.Batch{}, fmt.Errorf("decode batch %s entry: %w", batchID, err)
		}
		batch.Entries = append(batch.Entries, e)
	}

	return batch, rows.Err()
}

// Scan implements [scope.Store]. SQL prefilters narrow the walked rows by
// type, time range, batch, and ID; tag and regexp matching happens in Go via
// the filter itself.
func (s *Store) Scan(ctx context.Context, req *scope.ScanRequest) (*scope.ScanResponse, error) {
	begin := time.Now()

	if err := s.check(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	var problems []string
	for _, err := range req.Normalize() {
		if errors.Is(err, scope.ErrBadRequest) {
			return nil, err
		}
		problems = append(problems, err.Error())
	}

	var after cursor
	if req.Cursor != "" {
		var err error
		after, err = decodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
	}

	res := &scope.ScanResponse{
		Request:  req,
		Problems: problems,
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&res.TotalCount); err != nil {
		return nil, fmt.Errorf("scan: count: %w", err)
	}

	query, args := buildScanQuery(req.Filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	defer rows.Close()

	var (
		lastPos cursor
		sources = map[string]struct{}{}
	)
	for rows.Next() {
		var (
			seq    uint64
			ord    int
			source string
			buf    string
		)
		if err := rows.Scan(&seq, &ord, &source, &buf); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		var e scope.Entry
		if err := json.Unmarshal([]byte(buf), &e); err != nil {
			return nil, fmt.Errorf("scan: decode entry: %w", err)
		}
		if !req.Filter.Allow(e) {
			continue
		}
		res.MatchCount++
		if source != "" {
			sources[source] = struct{}{}
		}

		pos := cursor{seq: seq, ord: ord}
		if req.Cursor != "" && !cursorAfter(pos, after) {
			continue
		}
		if len(res.Entries) >= req.Limit {
			if res.Cursor == "" {
				res.Cursor = encodeCursor(lastPos)
			}
			continue
		}
		res.Entries = append(res.Entries, e)
		lastPos = pos
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	for source := range sources {
		res.Sources = append(res.Sources, source)
	}
	sort.Strings(res.Sources)

	res.Duration = scope.Duration(time.Since(begin))

	return res, nil
}

// buildScanQuery assembles the prefiltered entry walk, batches newest first,
// emission order within a batch.
func buildScanQuery(f scope.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)

	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, t := range f.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, fmt.Sprintf("e.type IN (%s)", strings.Join(marks, ", ")))
	}

	if len(f.IDs) > 0 {
		marks := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			marks[i] = "?"
			args = append(args, id)
		}
		where = append(where, fmt.Sprintf("e.id IN (%s)", strings.Join(marks, ", ")))
	}

	if f.BatchID != "" {
		where = append(where, "e.batch_id = ?")
		args = append(args, f.BatchID)
	}

	if !f.From.IsZero() {
		where = append(where, "e.at >= ?")
		args = append(args, f.From.UnixNano())
	}

	if !f.To.IsZero() {
		where = append(where, "e.at <= ?")
		args = append(args, f.To.UnixNano())
	}

	query := `SELECT e.batch_seq, e.ordinal, b.source, e.entry_json FROM entries e JOIN batches b ON b.seq = e.batch_seq`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY e.batch_seq DESC, e.ordinal ASC`

	return query, args
}

// Subscribe implements [scope.Store].
func (s *Store) Subscribe(ctx context.Context, f scope.Filter, buffer int, ch chan<- scope.Entry) (scope.SubStats, error) {
	for _, err := range f.Normalize() {
		if errors.Is(err, scope.ErrBadRequest) {
			return scope.SubStats{}, err
		}
	}

	if err := s.check(); err != nil {
		return scope.SubStats{}, fmt.Errorf("subscribe: %w", err)
	}

	if buffer <= 0 {
		buffer = s.subBuffer
	}

	stats, err := s.broker.Subscribe(ctx, f.Allow, buffer, ch)
	return scope.SubStats(stats), err
}

// SubscribeStats implements [scope.Store].
func (s *Store) SubscribeStats(ctx context.Context, ch chan<- scope.Entry) (scope.SubStats, error) {
	stats, err := s.broker.Stats(ctx, ch)
	return scope.SubStats(stats), err
}

// Stats implements [scope.Store].
func (s *Store) Stats(ctx context.Context) (scope.StoreStats, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return scope.StoreStats{}, fmt.Errorf("stats: %w", scope.ErrStoreClosed)
	}

	stats := scope.StoreStats{
		Capacity:    s.capacity,
		Evictions:   s.evictions,
		Subscribers: s.broker.ActiveSubscribers(),
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(entry_count), 0) FROM batches`).Scan(&stats.BatchCount, &stats.EntryCount); err != nil {
		return scope.StoreStats{}, fmt.Errorf("stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM entries GROUP BY type`)
	if err != nil {
		return scope.StoreStats{}, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	byType := map[scope.EntryType]int{}
	for rows.Next() {
		var (
			t string
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return scope.StoreStats{}, fmt.Errorf("stats: %w", err)
		}
		byType[scope.EntryType(t)] = n
	}
	if err := rows.Err(); err != nil {
		return scope.StoreStats{}, fmt.Errorf("stats: %w", err)
	}
	if len(byType) > 0 {
		stats.EntriesByType = byType
	}

	if stats.BatchCount > 0 {
		var oldest, newest int64
		if err := s.db.QueryRowContext(ctx, `SELECT MIN(committed), MAX(committed) FROM batches`).Scan(&oldest, &newest); err != nil {
			return scope.StoreStats{}, fmt.Errorf("stats: %w", err)
		}
		stats.Oldest = time.Unix(0, oldest)
		stats.Newest = time.Unix(0, newest)
	}

	return stats, nil
}

// Purge implements [scope.Store].
func (s *Store) Purge(ctx context.Context) (scope.PurgeStats, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return scope.PurgeStats{}, fmt.Errorf("purge: %w", scope.ErrStoreClosed)
	}

	var stats scope.PurgeStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(entry_count), 0) FROM batches`).Scan(&stats.Batches, &stats.Entries); err != nil {
		return scope.PurgeStats{}, fmt.Errorf("purge: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return scope.PurgeStats{}, fmt.Errorf("purge: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return scope.PurgeStats{}, fmt.Errorf("purge: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM batches`); err != nil {
		return scope.PurgeStats{}, fmt.Errorf("purge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return scope.PurgeStats{}, fmt.Errorf("purge: %w", err)
	}

	return stats, nil
}

// Close implements [scope.Store].
func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return scope.ErrStoreClosed
	}
	s.closed = true

	return s.db.Close()
}

func (s *Store) check() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return scope.ErrStoreClosed
	}
	return nil
}

//
//
//

// The cursor addresses a (batch sequence, ordinal) position and matches the
// in-memory store's encoding, so pages resume identically across backends.
type cursor struct {
	seq uint64
	ord int
}

func encodeCursor(c cursor) string {
	return fmt.Sprintf("%016x.%04x", c.seq, c.ord)
}

func decodeCursor(s string) (cursor, error) {
	fields := strings.SplitN(s, ".", 2)
	if len(fields) != 2 {
		return cursor{}, fmt.Errorf("%w: invalid cursor %q", scope.ErrBadRequest, s)
	}

	seq, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: invalid cursor %q", scope.ErrBadRequest, s)
	}

	ord, err := strconv.ParseUint(fields[1], 16, 32)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: invalid cursor %q", scope.ErrBadRequest, s)
	}

	return cursor{seq: seq, ord: int(ord)}, nil
}

// cursorAfter reports whether position a is visited strictly after position b
// in scan order.
func cursorAfter(a, b cursor) bool {
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.ord > b.ord
}
