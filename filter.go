package scope

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Filter is a set of rules applied to an individual entry, which is either
// allowed (pass) or rejected (fail). The zero filter allows everything.
// Normalize must be called before the filter is used.
type Filter struct {
	Types   []EntryType `json:"types,omitempty"`
	Tags    []string    `json:"tags,omitempty"`
	IDs     []string    `json:"ids,omitempty"`
	BatchID string      `json:"batch_id,omitempty"`
	From    time.Time   `json:"from,omitempty"`
	To      time.Time   `json:"to,omitempty"`
	Query   string      `json:"query,omitempty"`
	regexp  *regexp.Regexp
}

// Normalize validates the filter, returning any errors it finds. Validation
// failures wrap [ErrBadRequest].
func (f *Filter) Normalize() []error {
	var errs []error

	for _, t := range f.Types {
		if _, err := ParseEntryType(string(t)); err != nil {
			errs = append(errs, err)
		}
	}

	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		errs = append(errs, fmt.Errorf("%w: from (%s) is after to (%s)", ErrBadRequest, f.From.Format(time.RFC3339), f.To.Format(time.RFC3339)))
	}

	if err := f.initializeQueryRegexp(); err != nil {
		errs = append(errs, fmt.Errorf("%w: query: %v", ErrBadRequest, err))
	}

	return errs
}

// String returns an operator-readable representation of the filter.
func (f Filter) String() string {
	var elems []string

	if len(f.Types) > 0 {
		elems = append(elems, fmt.Sprintf("Types=%v", f.Types))
	}

	if len(f.Tags) > 0 {
		elems = append(elems, fmt.Sprintf("Tags=%v", f.Tags))
	}

	if len(f.IDs) > 0 {
		elems = append(elems, fmt.Sprintf("IDs=%v", f.IDs))
	}

	if f.BatchID != "" {
		elems = append(elems, fmt.Sprintf("BatchID=%s", f.BatchID))
	}

	if !f.From.IsZero() {
		elems = append(elems, fmt.Sprintf("From=%s", f.From.Format(time.RFC3339)))
	}

	if !f.To.IsZero() {
		elems = append(elems, fmt.Sprintf("To=%s", f.To.Format(time.RFC3339)))
	}

	if f.Query != "" {
		elems = append(elems, fmt.Sprintf("Query='%s'", f.Query))
	}

	if len(elems) <= 0 {
		return "(allow all)"
	}

	return strings.Join(elems, " ")
}

// Allow returns true if the entry satisfies all of the conditions in the
// filter. Requested tags have AND semantics: the entry must carry every one.
func (f *Filter) Allow(e Entry) bool {
	if len(f.Types) > 0 {
		var found bool
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, tag := range f.Tags {
		var found bool
		for _, have := range e.Tags {
			if have == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.IDs) > 0 {
		var found bool
		for _, id := range f.IDs {
			if id == e.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if f.BatchID != "" {
		if e.BatchID != f.BatchID {
			return false
		}
	}

	if !f.From.IsZero() {
		if e.When.Before(f.From) {
			return false
		}
	}

	if !f.To.IsZero() {
		if e.When.After(f.To) {
			return false
		}
	}

	f.initializeQueryRegexp()
	if f.regexp != nil {
		if !e.Match(f.regexp) {
			return false
		}
	}

	return true
}

func (f *Filter) initializeQueryRegexp() error {
	if f.regexp != nil {
		return nil
	}

	if f.Query == "" {
		return nil
	}

	re, err := regexp.Compile(f.Query)
	if err != nil {
		f.Query = ""
		return fmt.Errorf("invalid, ignoring (%w)", err)
	}

	f.regexp = re
	return nil
}
