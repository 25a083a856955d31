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
	KeySessionID  = "sessionId"
	KeyConnID     = "connectionId"
	KeyStreamID   = "streamId"
	KeyDeviceID   = "deviceId"
	KeyOrgID      = "organizationId"
	KeyRemoteAddr = "remoteAddr"
	KeyError      = "error"
)

// switchableHandler lets package-level loggers created before Init()
// pick up the configured handler once Init runs.
type switchableHandler struct {
	state  *atomic.Value // stores slog.Handler
	attrs  []slog.Attr
	groups []string
}

func (h *switchableHandler) materialize() slog.Handler {
	handler := h.state.Load().(slog.Handler)
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
	return &switchableHandler{state: h.state, attrs: merged, groups: h.groups}
}

func (h *switchableHandler) WithGroup(name string) slog.Handler {
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)
	return &switchableHandler{state: h.state, attrs: h.attrs, groups: groups}
}

var (
	rootState     = newRootState()
	defaultLogger = slog.New(&switchableHandler{state: rootState})
)

func newRootState() *atomic.Value {
	v := &atomic.Value{}
	v.Store(slog.Handler(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	return v
}

func init() {
	slog.SetDefault(defaultLogger)
}

// Init configures the global logger. Call once after config is loaded.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	rootState.Store(handler)
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithSession returns a child logger carrying session correlation fields.
func WithSession(logger *slog.Logger, sessionID, connID string) *slog.Logger {
	return logger.With(
		slog.String(KeySessionID, sessionID),
		slog.String(KeyConnID, connID),
	)
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
