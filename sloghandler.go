package scope

import (
	"context"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// CaptureHandler is a log/slog handler that feeds records to a collector as
// log events, so hosts using slog capture their own log lines without a
// second logging call site. It is typically installed alongside the host's
// primary handler via a fan-out, and it is safe to leave installed when no
// batch is open: records observed outside a unit of work are dropped by the
// collector.
type CaptureHandler struct {
	collector *Collector
	level     slog.Leveler
	attrs     map[string]string
	groups    []string
}

var _ slog.Handler = (*CaptureHandler)(nil)

// NewCaptureHandler returns a handler feeding the collector, capturing
// records at or above the given level. A nil level means slog.LevelInfo.
func NewCaptureHandler(c *Collector, level slog.Leveler) *CaptureHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &CaptureHandler{
		collector: c,
		level:     level,
	}
}

func (h *CaptureHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *CaptureHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]string, len(h.attrs)+r.NumAttrs())
	for k, v := range h.attrs {
		attrs[k] = v
	}
	prefix := h.groupPrefix()
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.String()
		return true
	})
	if len(attrs) == 0 {
		attrs = nil
	}

	var source string
	if r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			source = filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
		}
	}

	h.collector.Observe(ctx, LogEvent{
		Level:   strings.ToLower(r.Level.String()),
		Message: r.Message,
		Source:  source,
		Attrs:   attrs,
	})

	return nil
}

func (h *CaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := h.clone()
	prefix := next.groupPrefix()
	for _, a := range attrs {
		next.attrs[prefix+a.Key] = a.Value.String()
	}
	return next
}

func (h *CaptureHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.groups = append(next.groups, name)
	return next
}

func (h *CaptureHandler) groupPrefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

func (h *CaptureHandler) clone() *CaptureHandler {
	attrs := make(map[string]string, len(h.attrs))
	for k, v := range h.attrs {
		attrs[k] = v
	}
	groups := make([]string, len(h.groups))
	copy(groups, h.groups)
	return &CaptureHandler{
		collector: h.collector,
		level:     h.level,
		attrs:     attrs,
		groups:    groups,
	}
}
