package scope

import (
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// Payload is the type-specific body of an entry. Concrete payloads are plain
// structs, one per entry type, and are read-only once their entry is
// captured.
type Payload interface {
	// EntryType returns the entry type the payload belongs to.
	EntryType() EntryType

	// Text returns the searchable text of the payload, used by query
	// filters.
	Text() string
}

// newPayload returns a zero payload of the concrete type for t, for decoding.
func newPayload(t EntryType) (Payload, error) {
	switch t {
	case EntryTypeRequest:
		return &RequestPayload{}, nil
	case EntryTypeQuery:
		return &QueryPayload{}, nil
	case EntryTypeLog:
		return &LogPayload{}, nil
	case EntryTypeException:
		return &ExceptionPayload{}, nil
	case EntryTypeJob:
		return &JobPayload{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown entry type %q", ErrBadRequest, t)
	}
}

//
//
//

// RequestPayload describes one served HTTP request.
type RequestPayload struct {
	Method        string   `json:"method"`
	Path          string   `json:"path"`
	Query         string   `json:"query,omitempty"`
	Status        int      `json:"status"`
	Category      string   `json:"status_category"`
	Duration      Duration `json:"duration"`
	RemoteAddr    string   `json:"remote_addr,omitempty"`
	BytesOut      int64    `json:"bytes_out"`
	Body          string   `json:"body,omitempty"`
	BodyTruncated bool     `json:"body_truncated,omitempty"`
}

func (p *RequestPayload) EntryType() EntryType { return EntryTypeRequest }

func (p *RequestPayload) Text() string {
	return p.Method + " " + p.Path + " " + p.Query + " " + p.Body
}

// StatusCategory buckets the response status for the dashboard: "pending"
// when no status has been recorded, "2xx" through "5xx" for completed
// responses, "unknown" for anything else.
func (p *RequestPayload) StatusCategory() string {
	switch s := p.Status; {
	case s == 0:
		return "pending"
	case s >= 200 && s < 300:
		return "2xx"
	case s >= 300 && s < 400:
		return "3xx"
	case s >= 400 && s < 500:
		return "4xx"
	case s >= 500 && s < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

//
//
//

// QueryPayload describes one database query issued while handling a unit of
// work.
type QueryPayload struct {
	SQL      string   `json:"sql"`
	Duration Duration `json:"duration"`
	Caller   string   `json:"caller,omitempty"`
	Rows     int64    `json:"rows"`
}

func (p *QueryPayload) EntryType() EntryType { return EntryTypeQuery }

func (p *QueryPayload) Text() string {
	return p.SQL + " " + p.Caller
}

//
//
//

// LogPayload describes one emitted log line.
type LogPayload struct {
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Source  string            `json:"source,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

func (p *LogPayload) EntryType() EntryType { return EntryTypeLog }

func (p *LogPayload) Text() string {
	var sb strings.Builder
	sb.WriteString(p.Level)
	sb.WriteString(" ")
	sb.WriteString(p.Message)
	for k, v := range p.Attrs {
		sb.WriteString(" ")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(v)
	}
	return sb.String()
}

//
//
//

// ExceptionPayload describes one raised exception or recovered panic.
type ExceptionPayload struct {
	Class   string   `json:"class"`
	Message string   `json:"message"`
	Stack   []string `json:"stack,omitempty"`

	// Fingerprint groups recurrences of the same failure. It hashes the
	// class and the top stack frames, deliberately ignoring the message,
	// which often embeds request-specific values.
	Fingerprint string `json:"fingerprint"`
}

func (p *ExceptionPayload) EntryType() EntryType { return EntryTypeException }

func (p *ExceptionPayload) Text() string {
	return p.Class + " " + p.Message + " " + strings.Join(p.Stack, " ")
}

const fingerprintFrames = 4

// Fingerprint computes the grouping fingerprint for an exception with the
// given class and stack.
func Fingerprint(class string, stack []string) string {
	if len(stack) > fingerprintFrames {
		stack = stack[:fingerprintFrames]
	}
	h := xxh3.HashString(class + "\n" + strings.Join(stack, "\n"))
	return fmt.Sprintf("%016x", h)
}

//
//
//

// JobStatus is the lifecycle state of a background job run.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobPayload describes one status transition of a background job run. A run
// produces one entry per transition, all sharing the run's batch ID, each
// carrying the timestamps known at that point.
type JobPayload struct {
	Name      string    `json:"name"`
	Status    JobStatus `json:"status"`
	Created   time.Time `json:"created"`
	Started   time.Time `json:"started,omitempty"`
	Completed time.Time `json:"completed,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func (p *JobPayload) EntryType() EntryType { return EntryTypeJob }

func (p *JobPayload) Text() string {
	return p.Name + " " + string(p.Status) + " " + p.Error
}

// Elapsed returns how long the job has run: zero before it starts, the
// running time so far when unfinished, the total run time once complete.
func (p *JobPayload) Elapsed() Duration {
	switch {
	case p.Started.IsZero():
		return 0
	case p.Completed.IsZero():
		return Duration(time.Since(p.Started))
	default:
		return Duration(p.Completed.Sub(p.Started))
	}
}
