package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyComponent  = "component"
	KeyIdentity   = "identity"
	KeyModality   = "modality"
	KeyStep       = "step"
	KeyAttemptID  = "attemptId"
	KeyDevice     = "device"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

type contextKey struct{}

// switchableHandler lets package-level loggers created before Init()
// pick up the configured handler once Init runs.
type switchableHandler struct {
	current *atomic.Value // slog.Handler
	attrs   []slog.Attr
	groups  []string
}

func newSwitchableHandler(h slog.Handler) *switchableHandler {
	v := &atomic.Value{}
	v.Store(h)
	return &switchableHandler{current: v}
}

func (h *switchableHandler) set(handler slog.Handler) {
	h.current.Store(handler)
}

func (h *switchableHandler) materialize() slog.Handler {
	handler := h.current.Load().(slog.Handler)
	for _, group := range h.groups {
		handler = handler.WithGroup(group)
	}
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	return handler
}

func (h *switchableHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.materialize().Enabled(ctx, level)
}

func (h *switchableHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.materialize().Handle(ctx, record)
}

func (h *switchableHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &switchableHandler{current: h.current, attrs: merged, groups: h.groups}
}

func (h *switchableHandler) WithGroup(name string) slog.Handler {
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)
	return &switchableHandler{current: h.current, attrs: h.attrs, groups: groups}
}

// payloadGuardHandler replaces raw byte attributes with their length so
// captured frames and audio clips never reach a log sink.
type payloadGuardHandler struct {
	base slog.Handler
}

func (h *payloadGuardHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *payloadGuardHandler) Handle(ctx context.Context, record slog.Record) error {
	guarded := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(a slog.Attr) bool {
		guarded.AddAttrs(guardAttr(a))
		return true
	})
	return h.base.Handle(ctx, guarded)
}

func (h *payloadGuardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	guarded := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		guarded[i] = guardAttr(a)
	}
	return &payloadGuardHandler{base: h.base.WithAttrs(guarded)}
}

func (h *payloadGuardHandler) WithGroup(name string) slog.Handler {
	return &payloadGuardHandler{base: h.base.WithGroup(name)}
}

func guardAttr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		inner := v.Group()
		out := make([]any, len(inner))
		for i, ia := range inner {
			out[i] = guardAttr(ia)
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		if b, ok := v.Any().([]byte); ok {
			return slog.Int(a.Key+"Bytes", len(b))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

var (
	rootHandler   = newSwitchableHandler(&payloadGuardHandler{base: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})})
	defaultLogger = slog.New(rootHandler)
)

func init() {
	slog.SetDefault(defaultLogger)
}

// Init configures the global logger. Call once after config is loaded.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
// output: writer to log to (nil = os.Stderr, stdout is reserved for command output)
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	rootHandler.set(&payloadGuardHandler{base: handler})
	slog.SetDefault(defaultLogger)
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithIdentity returns a child logger carrying the identity and modality
// of an enrollment or authentication flow.
func WithIdentity(logger *slog.Logger, identity, modality string) *slog.Logger {
	if modality == "" {
		return logger.With(slog.String(KeyIdentity, identity))
	}
	return logger.With(
		slog.String(KeyIdentity, identity),
		slog.String(KeyModality, modality),
	)
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the flow logger stored in ctx, or fallback when there
// is none. A nil fallback means the default logger.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	if fallback != nil {
		return fallback
	}
	return defaultLogger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
