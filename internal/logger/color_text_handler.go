package logger

import (
	"context"
	"io"
	"log/slog"
)

const colorReset = "\033[0m"

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m",
	slog.LevelInfo:  "\033[32m",
	slog.LevelWarn:  "\033[33m",
	slog.LevelError: "\033[31m",
}

// ColorTextHandler prefixes each message with an ANSI colored level tag.
type ColorTextHandler struct {
	*slog.TextHandler
	showLevel bool
}

// NewColorTextHandler wraps slog.NewTextHandler(w, opts).
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showLevel bool) *ColorTextHandler {
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(w, opts),
		showLevel:   showLevel,
	}
}

// Handle implements slog.Handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.showLevel {
		code, ok := levelColors[r.Level]
		if !ok {
			code = colorReset
		}
		r.Message = code + r.Level.String() + colorReset + "  " + r.Message
	}
	return h.TextHandler.Handle(ctx, r)
}

// WithAttrs keeps the color wrapper when attributes are added.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{
		TextHandler: h.TextHandler.WithAttrs(attrs).(*slog.TextHandler),
		showLevel:   h.showLevel,
	}
}

// WithGroup keeps the color wrapper when a group is opened.
func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{
		TextHandler: h.TextHandler.WithGroup(name).(*slog.TextHandler),
		showLevel:   h.showLevel,
	}
}
