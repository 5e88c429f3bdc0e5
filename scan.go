package scope

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/scopekit/scope/internal/scopeutil"
)

// Scanner models anything that can serve scan requests: a store, a remote
// client, or an aggregation of either.
type Scanner interface {
	Scan(context.Context, *ScanRequest) (*ScanResponse, error)
}

//
//
//

// ScanRequest describes a complete scan request: a filter, pagination bounds,
// and an optional cursor from a previous response.
type ScanRequest struct {
	Filter Filter `json:"filter,omitempty"`
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Normalize ensures the scan request is valid, modifying it if necessary.
// Errors wrapping [ErrBadRequest] mean the request must be rejected; any
// other returned error is advisory, describing an adjustment that was made.
func (req *ScanRequest) Normalize() []error {
	var errs []error

	for _, err := range req.Filter.Normalize() {
		errs = append(errs, fmt.Errorf("filter: %w", err))
	}

	if req.Cursor != "" {
		if _, err := decodeCursor(req.Cursor); err != nil {
			errs = append(errs, err)
		}
	}

	switch {
	case req.Limit <= 0:
		req.Limit = ScanLimitDefault
	case req.Limit < ScanLimitMin:
		errs = append(errs, fmt.Errorf("limit raised to %d", ScanLimitMin))
		req.Limit = ScanLimitMin
	case req.Limit > ScanLimitMax:
		errs = append(errs, fmt.Errorf("limit lowered to %d", ScanLimitMax))
		req.Limit = ScanLimitMax
	}

	return errs
}

// String implements fmt.Stringer.
func (req ScanRequest) String() string {
	var elems []string

	elems = append(elems, fmt.Sprintf("Filter:[%s]", req.Filter))

	if req.Cursor != "" {
		elems = append(elems, fmt.Sprintf("Cursor:%s", req.Cursor))
	}

	elems = append(elems, fmt.Sprintf("Limit:%d", req.Limit))

	return strings.Join(elems, " ")
}

const (
	// ScanLimitMin is the minimum scan page size.
	ScanLimitMin = 1

	// ScanLimitDefault is the default scan page size.
	ScanLimitDefault = 50

	// ScanLimitMax is the maximum scan page size.
	ScanLimitMax = 1000
)

//
//
//

// ScanResponse is returned by a scan request. Entries are ordered
// newest-committed-first across batches, emission order within a batch.
type ScanResponse struct {
	Request    *ScanRequest `json:"request,omitempty"`
	Sources    []string     `json:"sources,omitempty"`
	TotalCount int          `json:"total_count"`
	MatchCount int          `json:"match_count"`
	Entries    []Entry      `json:"entries"`
	Cursor     string       `json:"cursor,omitempty"`
	Problems   []string     `json:"problems,omitempty"`
	Duration   Duration     `json:"duration"`
}

//
//
//

// cursor addresses a position in a store's commit sequence: the commit
// sequence number of a batch, and the ordinal of an entry within it. A scan
// resumes immediately after the addressed entry. The encoded form is opaque
// to clients, but stable, so pages survive process-local concurrent inserts
// and evictions.
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
		return cursor{}, fmt.Errorf("%w: invalid cursor %q", ErrBadRequest, s)
	}

	seq, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: invalid cursor %q", ErrBadRequest, s)
	}

	ord, err := strconv.ParseUint(fields[1], 16, 32)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: invalid cursor %q", ErrBadRequest, s)
	}

	return cursor{seq: seq, ord: int(ord)}, nil
}

//
//
//

// MultiScanner scatters scan requests over multiple scanners, gathers the
// responses, and merges them into one. It is a client-side convenience for
// operators watching several instances; cursors are not meaningful across
// instances, so merged responses never carry one.
type MultiScanner []Scanner

var _ Scanner = (MultiScanner)(nil)

// Scan implements [Scanner].
func (ms MultiScanner) Scan(ctx context.Context, req *ScanRequest) (*ScanResponse, error) {
	var (
		begin         = time.Now()
		normalizeErrs = req.Normalize()
	)

	type tuple struct {
		id  string
		res *ScanResponse
		err error
	}

	// Scatter.
	tuplec := make(chan tuple, len(ms))
	for i, s := range ms {
		go func(id string, s Scanner) {
			res, err := s.Scan(ctx, req)
			tuplec <- tuple{id, res, err}
		}(strconv.Itoa(i+1), s)
	}

	aggregate := &ScanResponse{
		Request:  req,
		Problems: scopeutil.FlattenErrors(normalizeErrs...),
	}

	// Gather.
	for i := 0; i < cap(tuplec); i++ {
		t := <-tuplec
		switch {
		case t.res == nil && t.err == nil: // weird
			aggregate.Problems = append(aggregate.Problems, fmt.Sprintf("%s: weird: empty response", t.id))
		case t.res == nil && t.err != nil:
			aggregate.Problems = append(aggregate.Problems, t.err.Error())
		case t.res != nil: // take what we got, note the error if any
			aggregate.Sources = append(aggregate.Sources, t.res.Sources...)
			aggregate.TotalCount += t.res.TotalCount
			aggregate.MatchCount += t.res.MatchCount
			aggregate.Entries = append(aggregate.Entries, t.res.Entries...) // needs sort+limit
			aggregate.Problems = append(aggregate.Problems, t.res.Problems...)
			if t.err != nil {
				aggregate.Problems = append(aggregate.Problems, fmt.Sprintf("%s: response with error: %v", t.id, t.err))
			}
		}
	}

	// Entry IDs are ULIDs, so sorting by ID descending is newest-first. Not
	// identical to per-store commit order, but the best a merged view can do.
	sort.Slice(aggregate.Entries, func(i, j int) bool {
		return aggregate.Entries[i].ID > aggregate.Entries[j].ID
	})
	if len(aggregate.Entries) > req.Limit {
		aggregate.Entries = aggregate.Entries[:req.Limit]
	}

	// Dedupe the merged sources.
	{
		index := make(map[string]struct{}, len(aggregate.Sources))
		for _, source := range aggregate.Sources {
			index[source] = struct{}{}
		}
		list := make([]string, 0, len(index))
		for source := range index {
			list = append(list, source)
		}
		sort.Strings(list)
		aggregate.Sources = list
	}

	aggregate.Duration = Duration(time.Since(begin))

	return aggregate, nil
}
