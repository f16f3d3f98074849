package build

import (
	"context"
	"log/slog"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
)

// HandlerSet fans log records out to several handlers, so every record can
// reach both the console and the log file.
type HandlerSet struct {
	level btclog.Level
	set   []btclogv2.Handler
}

// NewHandlerSet constructs a HandlerSet at the Info level.
func NewHandlerSet(handlers ...btclogv2.Handler) *HandlerSet {
	h := &HandlerSet{set: handlers}
	h.SetLevel(btclog.LevelInfo)

	return h
}

// Enabled reports whether every handler accepts the level.
func (h *HandlerSet) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.set {
		if !handler.Enabled(ctx, level) {
			return false
		}
	}
	return true
}

// Handle dispatches the record to every handler.
func (h *HandlerSet) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range h.set {
		if err := handler.Handle(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (h *HandlerSet) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.reduce(func(s slog.Handler) slog.Handler {
		return s.WithAttrs(attrs)
	})
}

func (h *HandlerSet) WithGroup(name string) slog.Handler {
	return h.reduce(func(s slog.Handler) slog.Handler {
		return s.WithGroup(name)
	})
}

func (h *HandlerSet) reduce(f func(slog.Handler) slog.Handler) slog.Handler {
	out := make(sliceHandler, len(h.set))
	for i, handler := range h.set {
		out[i] = f(handler)
	}
	return out
}

// SubSystem returns a HandlerSet whose records carry the subsystem tag.
func (h *HandlerSet) SubSystem(tag string) btclogv2.Handler {
	return h.derive(func(s btclogv2.Handler) btclogv2.Handler {
		return s.SubSystem(tag)
	})
}

// WithPrefix returns a HandlerSet that prefixes every message.
func (h *HandlerSet) WithPrefix(prefix string) btclogv2.Handler {
	return h.derive(func(s btclogv2.Handler) btclogv2.Handler {
		return s.WithPrefix(prefix)
	})
}

func (h *HandlerSet) derive(
	f func(btclogv2.Handler) btclogv2.Handler) *HandlerSet {

	out := &HandlerSet{
		level: h.level,
		set:   make([]btclogv2.Handler, len(h.set)),
	}
	for i, handler := range h.set {
		out.set[i] = f(handler)
	}
	return out
}

// SetLevel changes the level on every handler.
func (h *HandlerSet) SetLevel(level btclog.Level) {
	for _, handler := range h.set {
		handler.SetLevel(level)
	}
	h.level = level
}

func (h *HandlerSet) Level() btclog.Level {
	return h.level
}

var _ btclogv2.Handler = (*HandlerSet)(nil)

// sliceHandler is the plain slog.Handler form of a HandlerSet, produced by
// WithAttrs and WithGroup.
type sliceHandler []slog.Handler

func (s sliceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range s {
		if !handler.Enabled(ctx, level) {
			return false
		}
	}
	return true
}

func (s sliceHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range s {
		if err := handler.Handle(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (s sliceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(sliceHandler, len(s))
	for i, handler := range s {
		out[i] = handler.WithAttrs(attrs)
	}
	return out
}

func (s sliceHandler) WithGroup(name string) slog.Handler {
	out := make(sliceHandler, len(s))
	for i, handler := range s {
		out[i] = handler.WithGroup(name)
	}
	return out
}
