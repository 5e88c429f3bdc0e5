package scopeweb

import (
	"bytes"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/scopekit/scope"
)

// MiddlewareConfig defines the configuration parameters for the capture
// middleware.
type MiddlewareConfig struct {
	// Collector receives a batch per served request. Required.
	Collector *scope.Collector

	// SkipPrefixes lists path prefixes that should not be captured, such as
	// the dashboard's own API. Optional.
	SkipPrefixes []string

	// MaxBodyBytes bounds how much of the request body is captured.
	// Optional. Default 64KB; negative disables body capture.
	MaxBodyBytes int

	// BodyContentTypes lists content types whose bodies are captured.
	// Optional. By default only JSON and form bodies are.
	BodyContentTypes []string
}

const middlewareDefaultMaxBodyBytes = 64 * 1024

var middlewareDefaultBodyContentTypes = []string{
	"application/json",
	"application/x-www-form-urlencoded",
}

// Middleware decorates an HTTP handler so that every served request becomes a
// unit of work on the collector: a batch is opened before the handler runs,
// entries observed during the handler join it, and a request entry describing
// method, path, status, and duration is added at completion. Panics are
// captured as exception entries, committed, and re-raised for the outer
// recovery layer.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = middlewareDefaultMaxBodyBytes
	}
	if cfg.BodyContentTypes == nil {
		cfg.BodyContentTypes = middlewareDefaultBodyContentTypes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range cfg.SkipPrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			ctx, _ := cfg.Collector.Begin(r.Context())

			var tags []string
			if r.Header.Get("X-Scope-Replay") != "" {
				tags = append(tags, "replay")
			}

			body, bodyTruncated := captureBody(r, cfg.MaxBodyBytes, cfg.BodyContentTypes)

			iw := newInterceptor(w)

			begin := time.Now()

			defer func() {
				recovered := recover()
				if recovered != nil {
					cfg.Collector.Observe(ctx, scope.ExceptionEvent{
						Recovered: recovered,
						Stack:     debug.Stack(),
						Tags:      tags,
					})
				}

				status := iw.Code()
				if recovered != nil && iw.code == 0 {
					status = http.StatusInternalServerError
				}

				cfg.Collector.Observe(ctx, scope.RequestEvent{
					Method:        r.Method,
					Path:          r.URL.Path,
					Query:         r.URL.RawQuery,
					Status:        status,
					Duration:      time.Since(begin),
					RemoteAddr:    r.RemoteAddr,
					BytesOut:      int64(iw.Written()),
					Body:          body,
					BodyTruncated: bodyTruncated,
					Tags:          tags,
				})

				cfg.Collector.Commit(ctx)

				if recovered != nil {
					panic(recovered)
				}
			}()

			next.ServeHTTP(iw, r.WithContext(ctx))
		})
	}
}

// captureBody reads up to limit bytes of the request body and restores
// r.Body so the handler still sees the full stream.
func captureBody(r *http.Request, limit int, contentTypes []string) ([]byte, bool) {
	if limit < 0 || r.Body == nil || r.Body == http.NoBody {
		return nil, false
	}

	contentType := r.Header.Get("content-type")
	var capture bool
	for _, ct := range contentTypes {
		if strings.Contains(contentType, ct) {
			capture = true
			break
		}
	}
	if !capture {
		return nil, false
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, int64(limit)+1))
	if err != nil {
		r.Body = io.NopCloser(bytes.NewReader(buf))
		return nil, false
	}

	truncated := len(buf) > limit
	if truncated {
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buf), r.Body))
		buf = buf[:limit]
	} else {
		r.Body = io.NopCloser(bytes.NewReader(buf))
	}

	return buf, truncated
}

//
//
//

type interceptor struct {
	http.ResponseWriter

	flush func()
	code  int
	n     int
}

func newInterceptor(w http.ResponseWriter) *interceptor {
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	return &interceptor{ResponseWriter: w, flush: flush}
}

func (i *interceptor) WriteHeader(code int) {
	if i.code == 0 {
		i.code = code
	}
	i.ResponseWriter.WriteHeader(code)
}

func (i *interceptor) Write(p []byte) (int, error) {
	n, err := i.ResponseWriter.Write(p)
	i.n += n
	return n, err
}

func (i *interceptor) Code() int {
	if i.code == 0 {
		return http.StatusOK
	}
	return i.code
}

func (i *interceptor) Written() int {
	return i.n
}

func (i *interceptor) Flush() {
	i.flush()
}
