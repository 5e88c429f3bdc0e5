package scopeweb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bernerdschaefer/eventsource"

	"github.com/scopekit/scope"
)

// Client queries a remote scope server over its JSON API. It implements
// [scope.Scanner], so a set of clients can be merged with
// [scope.MultiScanner].
type Client struct {
	client HTTPClient
	uri    string
}

var _ scope.Scanner = (*Client)(nil)

// NewClient returns a client using the given HTTP client to query the given
// server URI, which should be the server root, not an endpoint path.
func NewClient(client HTTPClient, uri string) *Client {
	if !strings.HasPrefix(uri, "http") {
		uri = "http://" + uri
	}
	return &Client{
		client: client,
		uri:    strings.TrimRight(uri, "/"),
	}
}

// Scan implements [scope.Scanner].
func (c *Client) Scan(ctx context.Context, req *scope.ScanRequest) (*scope.ScanResponse, error) {
	body, err := jsonAPI.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode scan request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.uri+"/api/entries", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json; charset=utf-8")
	httpReq.Header.Set("accept", "application/json")

	var res scope.ScanResponse
	if err := c.do(httpReq, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

// Get fetches a single entry by ID.
func (c *Client) Get(ctx context.Context, id string) (scope.Entry, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.uri+"/api/entries/"+url.PathEscape(id), nil)
	if err != nil {
		return scope.Entry{}, fmt.Errorf("create HTTP request: %w", err)
	}

	var entry scope.Entry
	if err := c.do(httpReq, &entry); err != nil {
		return scope.Entry{}, err
	}

	return entry, nil
}

// GetBatch fetches a full batch by ID.
func (c *Client) GetBatch(ctx context.Context, id string) (scope.Batch, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.uri+"/api/batches/"+url.PathEscape(id), nil)
	if err != nil {
		return scope.Batch{}, fmt.Errorf("create HTTP request: %w", err)
	}

	var batch scope.Batch
	if err := c.do(httpReq, &batch); err != nil {
		return scope.Batch{}, err
	}

	return batch, nil
}

// Stats fetches store statistics.
func (c *Client) Stats(ctx context.Context) (scope.StoreStats, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.uri+"/api/stats", nil)
	if err != nil {
		return scope.StoreStats{}, fmt.Errorf("create HTTP request: %w", err)
	}

	var stats scope.StoreStats
	if err := c.do(httpReq, &stats); err != nil {
		return scope.StoreStats{}, err
	}

	return stats, nil
}

// Purge drops everything from the remote store.
func (c *Client) Purge(ctx context.Context) (scope.PurgeStats, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.uri+"/api/purge", nil)
	if err != nil {
		return scope.PurgeStats{}, fmt.Errorf("create HTTP request: %w", err)
	}

	var stats scope.PurgeStats
	if err := c.do(httpReq, &stats); err != nil {
		return scope.PurgeStats{}, err
	}

	return stats, nil
}

func (c *Client) do(req *http.Request, into any) error {
	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute HTTP request: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}()

	if res.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		jsonAPI.NewDecoder(res.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(res.StatusCode)
		}
		switch res.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", scope.ErrNotFound, e.Error)
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %s", scope.ErrBadRequest, e.Error)
		default:
			return fmt.Errorf("server gave HTTP %d: %s", res.StatusCode, e.Error)
		}
	}

	if err := jsonAPI.NewDecoder(res.Body).Decode(into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

//
//
//

// TailClient consumes a remote server's SSE tail feed, decoding entry events
// onto a channel.
type TailClient struct {
	// HTTPClient used to make the tail request. Optional.
	HTTPClient HTTPClient

	// URI of the remote server root. Required.
	URI string

	// Buffer requested from the remote subscription. Min 0, max 100k.
	Buffer int

	// OnRead is called for every event received, before decoding.
	// Implementations must not block. Optional.
	OnRead func(ctx context.Context, eventType string, eventData []byte)

	// RetryInterval between reconnect attempts. Default 3s, min 1s, max 60s.
	RetryInterval time.Duration

	// StatsInterval for subscription stats events. Default 10s, min 1s,
	// max 60s.
	StatsInterval time.Duration

	// Logger receives diagnostic output, including stats events. Optional.
	Logger *log.Logger
}

func (c *TailClient) initialize() {
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}

	if c.URI != "" && !strings.HasPrefix(c.URI, "http") {
		c.URI = "http://" + c.URI
	}
	c.URI = strings.TrimRight(c.URI, "/")

	if min, max := 0, 100000; c.Buffer < min {
		c.Buffer = min
	} else if c.Buffer > max {
		c.Buffer = max
	}

	if c.OnRead == nil {
		c.OnRead = func(ctx context.Context, eventType string, eventData []byte) {}
	}

	if def, min, max := 3*time.Second, 1*time.Second, 60*time.Second; c.RetryInterval == 0 {
		c.RetryInterval = def
	} else if c.RetryInterval < min {
		c.RetryInterval = min
	} else if c.RetryInterval > max {
		c.RetryInterval = max
	}

	if def, min, max := 10*time.Second, 1*time.Second, 60*time.Second; c.StatsInterval == 0 {
		c.StatsInterval = def
	} else if c.StatsInterval < min {
		c.StatsInterval = min
	} else if c.StatsInterval > max {
		c.StatsInterval = max
	}

	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
}

// NewTailClient constructs a tail client connecting to the provided URI.
func NewTailClient(uri string) *TailClient {
	c := &TailClient{
		URI: uri,
	}
	c.initialize()
	return c
}

// Tail streams entries matching the filter from the remote server to the
// provided channel. It blocks until the context is canceled or a
// non-recoverable error occurs.
func (c *TailClient) Tail(ctx context.Context, f scope.Filter, ch chan<- scope.Entry) error {
	c.initialize()

	// Explicitly don't provide the context to the request, because
	// EventSource treats context cancelation as a recoverable error, in
	// which case Read can block for a full retry interval before returning.
	//
	// EventSource also re-uses this request across reconnect attempts, which
	// prevents the use of a body, so the filter goes in the URL.
	var req *http.Request
	{
		uri, err := url.Parse(c.URI + "/api/tail")
		if err != nil {
			return err
		}

		query := encodeFilter(f)
		if c.Buffer > 0 {
			query.Set("buf", strconv.Itoa(c.Buffer))
		}
		if c.StatsInterval > 0 {
			query.Set("stats", c.StatsInterval.String())
		}
		uri.RawQuery = query.Encode()

		r, err := http.NewRequest("GET", uri.String(), nil)
		if err != nil {
			return err
		}

		req = r
	}

	es := eventsource.New(req, c.RetryInterval)
	go func() {
		<-ctx.Done()
		es.Close()
	}()

	for {
		ev, err := es.Read()
		if errors.Is(err, eventsource.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read server-sent event: %w", err)
		}

		c.OnRead(ctx, ev.Type, ev.Data)

		switch ev.Type {
		case "init":
			c.Logger.Printf("tail init: %s", string(ev.Data))

		case "entry":
			var entry scope.Entry
			if err := jsonAPI.Unmarshal(ev.Data, &entry); err != nil {
				return fmt.Errorf("decode entry event: %w", err)
			}
			select {
			case <-ctx.Done():
			case ch <- entry:
			}

		case "stats":
			var stats TailStats
			if err := jsonAPI.Unmarshal(ev.Data, &stats); err != nil {
				return fmt.Errorf("invalid stats event: %w", err)
			}
			c.Logger.Printf("tail stats: %s", stats.SubStats)

		default:
			c.Logger.Printf("unknown event type %q", ev.Type)
		}
	}
}
