package scopeweb

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/scopekit/scope"
)

const maxRequestBodySizeBytes = 1 * 1024 * 1024 // 1MB

// parseScanRequest builds a scan request from an HTTP request. Clients may
// POST the request as a JSON body, or encode it in URL query parameters.
// Normalization is the store's job, not ours: only decode failures are
// rejected here.
func parseScanRequest(w http.ResponseWriter, r *http.Request) (*scope.ScanRequest, error) {
	var req scope.ScanRequest

	switch {
	case strings.Contains(r.Header.Get("content-type"), "application/json"):
		body := http.MaxBytesReader(w, r.Body, maxRequestBodySizeBytes)
		if err := jsonAPI.NewDecoder(body).Decode(&req); err != nil {
			return nil, fmt.Errorf("%w: decode request body: %v", scope.ErrBadRequest, err)
		}

	default:
		urlquery := r.URL.Query()
		req = scope.ScanRequest{
			Filter: parseFilter(urlquery),
			Cursor: urlquery.Get("cursor"),
			Limit:  parseDefault(urlquery.Get("n"), strconv.Atoi, 0),
		}
	}

	return &req, nil
}

// parseTailFilter builds the filter for a tail subscription from URL query
// parameters. Tail feeds are live, so cursor and limit don't apply.
func parseTailFilter(r *http.Request) scope.Filter {
	return parseFilter(r.URL.Query())
}

func parseFilter(urlquery url.Values) scope.Filter {
	var types []scope.EntryType
	for _, s := range urlquery["type"] {
		types = append(types, scope.EntryType(s))
	}
	return scope.Filter{
		Types:   types,
		Tags:    urlquery["tag"],
		IDs:     urlquery["id"],
		BatchID: urlquery.Get("batch"),
		From:    parseDefault(urlquery.Get("from"), parseRFC3339, time.Time{}),
		To:      parseDefault(urlquery.Get("to"), parseRFC3339, time.Time{}),
		Query:   urlquery.Get("q"),
	}
}

// encodeFilter is the inverse of parseFilter, used by clients.
func encodeFilter(f scope.Filter) url.Values {
	urlquery := url.Values{}
	for _, t := range f.Types {
		urlquery.Add("type", string(t))
	}
	for _, tag := range f.Tags {
		urlquery.Add("tag", tag)
	}
	for _, id := range f.IDs {
		urlquery.Add("id", id)
	}
	if f.BatchID != "" {
		urlquery.Set("batch", f.BatchID)
	}
	if !f.From.IsZero() {
		urlquery.Set("from", f.From.Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		urlquery.Set("to", f.To.Format(time.RFC3339Nano))
	}
	if f.Query != "" {
		urlquery.Set("q", f.Query)
	}
	return urlquery
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseDefault[T any](s string, parse func(string) (T, error), def T) T {
	if v, err := parse(s); err == nil {
		return v
	}
	return def
}

func parseRange[T int](s string, parse func(string) (T, error), min, def, max T) T {
	v, err := parse(s)
	switch {
	case err != nil:
		return def
	case err == nil && v < min:
		return min
	case err == nil && v > max:
		return max
	default:
		return v
	}
}
