package scope

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Event is a host-side occurrence that a watcher translates into entries.
type Event interface {
	// EntryType routes the event to its watcher.
	EntryType() EntryType
}

// Watcher observes one class of host event and emits entries for the active
// batch. Watchers are registered on the collector at construction, which is
// also how they are enabled: an event type without a registered watcher is
// ignored. A watcher sees only its own events and has no access to other
// watchers.
type Watcher interface {
	// EntryType returns the event type the watcher consumes.
	EntryType() EntryType

	// Watch converts the event into zero or more entries. Identity fields
	// (ID, BatchID, When) are assigned by the collector afterwards.
	Watch(ctx context.Context, ev Event) ([]Entry, error)
}

// Caller returns a short file:line for the calling site, used for query and
// log source attribution. skip counts additional stack frames above the
// caller of Caller.
func Caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

//
//
//

// RequestEvent describes one served HTTP request, observed at completion.
type RequestEvent struct {
	Method        string
	Path          string
	Query         string
	Status        int
	Duration      time.Duration
	RemoteAddr    string
	BytesOut      int64
	Body          []byte
	BodyTruncated bool
	Tags          []string
}

func (RequestEvent) EntryType() EntryType { return EntryTypeRequest }

// RequestWatcher translates request events into request entries.
type RequestWatcher struct {
	// MaxBodyBytes bounds the captured request body. Zero keeps whatever
	// the event carries; negative disables body capture entirely.
	MaxBodyBytes int
}

func (w *RequestWatcher) EntryType() EntryType { return EntryTypeRequest }

func (w *RequestWatcher) Watch(ctx context.Context, ev Event) ([]Entry, error) {
	rev, ok := ev.(RequestEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected event type %T", ev)
	}

	body, bodyTruncated := string(rev.Body), rev.BodyTruncated
	switch {
	case w.MaxBodyBytes < 0:
		body, bodyTruncated = "", false
	case w.MaxBodyBytes > 0 && len(body) > w.MaxBodyBytes:
		body, bodyTruncated = body[:w.MaxBodyBytes], true
	}

	p := &RequestPayload{
		Method:        rev.Method,
		Path:          rev.Path,
		Query:         rev.Query,
		Status:        rev.Status,
		Duration:      Duration(rev.Duration),
		RemoteAddr:    rev.RemoteAddr,
		BytesOut:      rev.BytesOut,
		Body:          body,
		BodyTruncated: bodyTruncated,
	}
	p.Category = p.StatusCategory()

	return []Entry{{Type: EntryTypeRequest, Tags: rev.Tags, Payload: p}}, nil
}

//
//
//

// QueryEvent describes one database query. Callers that want source
// attribution set Caller at the call site, typically via [Caller].
type QueryEvent struct {
	SQL      string
	Duration time.Duration
	Rows     int64
	Caller   string
	Tags     []string
}

func (QueryEvent) EntryType() EntryType { return EntryTypeQuery }

// QueryWatcher translates query events into query entries.
type QueryWatcher struct{}

func (w *QueryWatcher) EntryType() EntryType { return EntryTypeQuery }

func (w *QueryWatcher) Watch(ctx context.Context, ev Event) ([]Entry, error) {
	qev, ok := ev.(QueryEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected event type %T", ev)
	}

	p := &QueryPayload{
		SQL:      qev.SQL,
		Duration: Duration(qev.Duration),
		Caller:   qev.Caller,
		Rows:     qev.Rows,
	}

	return []Entry{{Type: EntryTypeQuery, Tags: qev.Tags, Payload: p}}, nil
}

//
//
//

// LogEvent describes one emitted log line. Hosts using log/slog usually
// don't construct these directly: the CaptureHandler produces them from slog
// records.
type LogEvent struct {
	Level   string
	Message string
	Source  string
	Attrs   map[string]string
	Tags    []string
}

func (LogEvent) EntryType() EntryType { return EntryTypeLog }

// LogWatcher translates log events into log entries.
type LogWatcher struct{}

func (w *LogWatcher) EntryType() EntryType { return EntryTypeLog }

func (w *LogWatcher) Watch(ctx context.Context, ev Event) ([]Entry, error) {
	lev, ok := ev.(LogEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected event type %T", ev)
	}

	p := &LogPayload{
		Level:   strings.ToLower(lev.Level),
		Message: lev.Message,
		Source:  lev.Source,
		Attrs:   lev.Attrs,
	}

	return []Entry{{Type: EntryTypeLog, Tags: lev.Tags, Payload: p}}, nil
}

//
//
//

// ExceptionEvent describes a raised error or a recovered panic. Exactly one
// of Err and Recovered should be set. Stack is a raw goroutine dump as
// produced by runtime/debug.Stack.
type ExceptionEvent struct {
	Err       error
	Recovered any
	Stack     []byte
	Tags      []string
}

func (ExceptionEvent) EntryType() EntryType { return EntryTypeException }

// ExceptionWatcher translates exception events into exception entries.
type ExceptionWatcher struct{}

func (w *ExceptionWatcher) EntryType() EntryType { return EntryTypeException }

func (w *ExceptionWatcher) Watch(ctx context.Context, ev Event) ([]Entry, error) {
	eev, ok := ev.(ExceptionEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected event type %T", ev)
	}

	var class, message string
	switch {
	case eev.Err != nil:
		class, message = fmt.Sprintf("%T", eev.Err), eev.Err.Error()
	case eev.Recovered != nil:
		if err, ok := eev.Recovered.(error); ok {
			class, message = fmt.Sprintf("%T", err), err.Error()
		} else {
			class, message = "panic", fmt.Sprint(eev.Recovered)
		}
	default:
		return nil, fmt.Errorf("exception event with neither error nor recovered value")
	}

	stack := splitStack(eev.Stack)

	p := &ExceptionPayload{
		Class:       class,
		Message:     message,
		Stack:       stack,
		Fingerprint: Fingerprint(class, stack),
	}

	return []Entry{{Type: EntryTypeException, Tags: eev.Tags, Payload: p}}, nil
}

// splitStack converts a raw goroutine dump into trimmed lines.
func splitStack(stack []byte) []string {
	if len(stack) == 0 {
		return nil
	}
	lines := strings.Split(strings.TrimSpace(string(stack)), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, strings.TrimSpace(line))
	}
	return out
}

//
//
//

// JobEvent describes one status transition of a background job run. See
// [RunJob] for the usual way to produce a full run's transitions.
type JobEvent struct {
	Name      string
	Status    JobStatus
	Created   time.Time
	Started   time.Time
	Completed time.Time
	Error     string
	Tags      []string
}

func (JobEvent) EntryType() EntryType { return EntryTypeJob }

// JobWatcher translates job events into job entries.
type JobWatcher struct{}

func (w *JobWatcher) EntryType() EntryType { return EntryTypeJob }

func (w *JobWatcher) Watch(ctx context.Context, ev Event) ([]Entry, error) {
	jev, ok := ev.(JobEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected event type %T", ev)
	}

	p := &JobPayload{
		Name:      jev.Name,
		Status:    jev.Status,
		Created:   jev.Created,
		Started:   jev.Started,
		Completed: jev.Completed,
		Error:     jev.Error,
	}

	return []Entry{{Type: EntryTypeJob, Tags: jev.Tags, Payload: p}}, nil
}
