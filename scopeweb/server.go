// Package scopeweb provides the HTTP boundary of a scope store: the JSON
// query API and SSE tail feed consumed by dashboard clients, the middleware
// that instruments a host application, and clients for both surfaces.
package scopeweb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bernerdschaefer/eventsource"
	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"github.com/valyala/fastjson"

	"github.com/scopekit/scope"
)

// HTTPClient models an http.Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

var _ HTTPClient = (*http.Client)(nil)

//
//
//

// Server exposes a store over HTTP. Responses are JSON; the tail endpoint is
// SSE. Rendering is the dashboard client's concern.
//
//	GET  /api/entries       filtered, paginated scan
//	GET  /api/entries/{id}  entry detail
//	GET  /api/batches/{id}  batch detail
//	GET  /api/tail          SSE feed of newly committed entries
//	GET  /api/stats         store statistics
//	POST /api/purge         drop everything
//	POST /api/replay/{id}   re-issue a captured request against the app
type Server struct {
	store   scope.Store
	appBase string
	client  HTTPClient
	logger  *log.Logger
	router  *mux.Router
}

// ServerConfig defines the configuration parameters for a server.
type ServerConfig struct {
	// Store serves all queries. Required.
	Store scope.Store

	// AppBaseURL is the base URL of the instrumented application, used as
	// the target for replayed requests. Optional. Without it, replay
	// requests are rejected.
	AppBaseURL string

	// Client issues replayed requests. Optional.
	Client HTTPClient

	// Logger receives diagnostic output. Optional. By default,
	// diagnostics are discarded.
	Logger *log.Logger
}

// NewServer returns a server based on the provided config.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}

	s := &Server{
		store:   cfg.Store,
		appBase: strings.TrimRight(cfg.AppBaseURL, "/"),
		client:  cfg.Client,
		logger:  cfg.Logger,
	}

	r := mux.NewRouter()
	r.Handle("/api/entries", gzhttp.GzipHandler(http.HandlerFunc(s.handleScan))).Methods("GET")
	r.Handle("/api/entries/{id}", gzhttp.GzipHandler(http.HandlerFunc(s.handleGetEntry))).Methods("GET")
	r.Handle("/api/batches/{id}", gzhttp.GzipHandler(http.HandlerFunc(s.handleGetBatch))).Methods("GET")
	r.HandleFunc("/api/tail", s.handleTail).Methods("GET")
	r.Handle("/api/stats", gzhttp.GzipHandler(http.HandlerFunc(s.handleStats))).Methods("GET")
	r.HandleFunc("/api/purge", s.handlePurge).Methods("POST")
	r.HandleFunc("/api/replay/{id}", s.handleReplay).Methods("POST")
	s.router = r

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

//
//
//

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := parseScanRequest(w, r)
	if err != nil {
		respondError(w, err)
		return
	}

	res, err := s.store.Scan(ctx, req)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := s.store.GetBatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, batch)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Purge(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	s.logger.Printf("purged %d batches, %d entries", stats.Batches, stats.Entries)
	respondJSON(w, http.StatusOK, stats)
}

//
//
//

const maxReplayBodyBytes = 1 * 1024 * 1024 // 1MB

// handleReplay re-issues a captured request against the instrumented
// application. The replayed request flows through the host's middleware and
// so becomes a new captured batch. An optional POST body replaces the
// originally captured one.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.appBase == "" {
		respondError(w, fmt.Errorf("%w: replay target not configured", scope.ErrBadRequest))
		return
	}

	entry, err := s.store.Get(ctx, mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}

	p, ok := entry.Payload.(*scope.RequestPayload)
	if !ok {
		respondError(w, fmt.Errorf("%w: entry %s is a %s, not a request", scope.ErrBadRequest, entry.ID, entry.Type))
		return
	}

	body := p.Body
	if override, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReplayBodyBytes)); err == nil && len(override) > 0 {
		if strings.Contains(r.Header.Get("content-type"), "application/json") {
			if err := fastjson.ValidateBytes(override); err != nil {
				respondError(w, fmt.Errorf("%w: replacement body: %v", scope.ErrBadRequest, err))
				return
			}
		}
		body = string(override)
	}

	target := s.appBase + p.Path
	if p.Query != "" {
		target += "?" + p.Query
	}

	replayReq, err := http.NewRequestWithContext(ctx, p.Method, target, strings.NewReader(body))
	if err != nil {
		respondError(w, fmt.Errorf("%w: build replay request: %v", scope.ErrBadRequest, err))
		return
	}
	replayReq.Header.Set("X-Scope-Replay", entry.ID)
	if body != "" {
		replayReq.Header.Set("content-type", "application/json")
	}

	replayRes, err := s.client.Do(replayReq)
	if err != nil {
		respondError(w, fmt.Errorf("execute replay request: %w", err))
		return
	}
	io.Copy(io.Discard, replayRes.Body)
	replayRes.Body.Close()

	s.logger.Printf("replayed entry %s: %s %s -> HTTP %d", entry.ID, p.Method, p.Path, replayRes.StatusCode)

	respondJSON(w, http.StatusOK, ReplayResult{
		Replayed: true,
		EntryID:  entry.ID,
		Status:   replayRes.StatusCode,
	})
}

// ReplayResult is the response of a replay request.
type ReplayResult struct {
	Replayed bool   `json:"replayed"`
	EntryID  string `json:"entry_id"`
	Status   int    `json:"status"`
}

//
//
//

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f := parseTailFilter(r)
	for _, err := range f.Normalize() {
		if errors.Is(err, scope.ErrBadRequest) {
			respondError(w, err)
			return
		}
	}

	var (
		statsEvery = parseDefault(r.URL.Query().Get("stats"), time.ParseDuration, 10*time.Second)
		buffer     = parseRange(r.URL.Query().Get("buf"), strconv.Atoi, 1, 100, 100000)
		entryc     = make(chan scope.Entry, buffer)
		donec      = make(chan struct{})
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		stats, err := s.store.Subscribe(ctx, f, buffer, entryc)
		s.logger.Printf("tail subscription ended: %s (%v)", stats, err)
		close(donec)
	}()
	defer func() {
		<-donec
	}()

	eventsource.Handler(func(lastId string, encoder *eventsource.Encoder, stop <-chan bool) {
		statsTicker := time.NewTicker(statsEvery)
		defer statsTicker.Stop()

		initc := make(chan struct{}, 1)
		initc <- struct{}{}

		for {
			select {
			case <-initc:
				data, err := jsonAPI.Marshal(map[string]any{
					"filter": f,
					"buffer": buffer,
				})
				if err != nil {
					s.logger.Printf("marshal init: %v", err)
					continue
				}
				if err := encoder.Encode(eventsource.Event{Type: "init", Data: data}); err != nil {
					s.logger.Printf("encode init: %v", err)
					continue
				}

			case <-statsTicker.C:
				stats, err := s.store.SubscribeStats(ctx, entryc)
				if err != nil {
					s.logger.Printf("get tail stats: %v", err)
					continue
				}
				data, err := jsonAPI.Marshal(TailStats{
					SubStats: stats,
					Overrun:  stats.Overrun(),
				})
				if err != nil {
					s.logger.Printf("marshal stats: %v", err)
					continue
				}
				if err := encoder.Encode(eventsource.Event{Type: "stats", Data: data}); err != nil {
					s.logger.Printf("encode stats: %v", err)
					continue
				}

			case entry := <-entryc:
				data, err := jsonAPI.Marshal(entry)
				if err != nil {
					s.logger.Printf("marshal entry: %v", err)
					continue
				}
				if err := encoder.Encode(eventsource.Event{Type: "entry", Data: data}); err != nil {
					s.logger.Printf("encode entry: %v", err)
					continue
				}

			case <-ctx.Done():
				return

			case <-stop:
				cancel()
				return
			}
		}
	}).ServeHTTP(w, r)
}

// TailStats is the payload of the periodic SSE stats event.
type TailStats struct {
	scope.SubStats
	Overrun bool `json:"overrun"`
}
