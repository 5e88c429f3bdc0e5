package scope

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

// EntryType identifies the kind of event an entry records, and selects the
// concrete type of its payload.
type EntryType string

const (
	EntryTypeRequest   EntryType = "request"
	EntryTypeQuery     EntryType = "query"
	EntryTypeLog       EntryType = "log"
	EntryTypeException EntryType = "exception"
	EntryTypeJob       EntryType = "job"
)

// EntryTypes enumerates every known entry type.
func EntryTypes() []EntryType {
	return []EntryType{
		EntryTypeRequest,
		EntryTypeQuery,
		EntryTypeLog,
		EntryTypeException,
		EntryTypeJob,
	}
}

// ParseEntryType converts the string to an EntryType, rejecting unknown
// values with an error wrapping ErrBadRequest.
func ParseEntryType(s string) (EntryType, error) {
	switch t := EntryType(s); t {
	case EntryTypeRequest, EntryTypeQuery, EntryTypeLog, EntryTypeException, EntryTypeJob:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown entry type %q", ErrBadRequest, s)
	}
}

//
//
//

// Entry is one observed event: a served request, an issued query, an emitted
// log line, a raised exception, or a job status transition. Entries are
// immutable once captured.
type Entry struct {
	// ID uniquely identifies the entry. IDs are ULIDs, and therefore sort
	// by creation time.
	ID string `json:"id"`

	// BatchID correlates the entry with the other entries captured during
	// the same unit of work.
	BatchID string `json:"batch_id"`

	// Type identifies the concrete type of the payload.
	Type EntryType `json:"type"`

	// When is the wall-clock capture time.
	When time.Time `json:"when"`

	// Tags are free-form strings used for filtering.
	Tags []string `json:"tags,omitempty"`

	// Payload carries the type-specific fields.
	Payload Payload `json:"payload"`
}

// Match reports whether the regexp matches the entry's searchable text,
// which is its tags plus the payload text.
func (e Entry) Match(re *regexp.Regexp) bool {
	for _, tag := range e.Tags {
		if re.MatchString(tag) {
			return true
		}
	}
	if e.Payload != nil && re.MatchString(e.Payload.Text()) {
		return true
	}
	return false
}

// UnmarshalJSON decodes the entry envelope, restoring the concrete payload
// type selected by the type field.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      string          `json:"id"`
		BatchID string          `json:"batch_id"`
		Type    EntryType       `json:"type"`
		When    time.Time       `json:"when"`
		Tags    []string        `json:"tags"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p, err := newPayload(raw.Type)
	if err != nil {
		return err
	}
	if len(raw.Payload) > 0 {
		if err := json.Unmarshal(raw.Payload, p); err != nil {
			return fmt.Errorf("decode %s payload: %w", raw.Type, err)
		}
	}

	e.ID = raw.ID
	e.BatchID = raw.BatchID
	e.Type = raw.Type
	e.When = raw.When
	e.Tags = raw.Tags
	e.Payload = p

	return nil
}

//
//
//

var entryIDEntropy = ulid.DefaultEntropy()

// newID produces a fresh entry or batch ID for the given timestamp.
func newID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), entryIDEntropy).String()
}

//
//
//

// Duration is a time.Duration which marshals to JSON as fractional
// milliseconds, which is the unit the dashboard sorts and displays.
type Duration time.Duration

// Duration returns the standard library form of the duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	ms := float64(time.Duration(d)) / float64(time.Millisecond)
	return []byte(strconv.FormatFloat(ms, 'f', -1, 64)), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	*d = Duration(math.Round(ms * float64(time.Millisecond)))
	return nil
}
