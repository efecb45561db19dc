package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// ANSI colors for terminal output.
const (
	ansiReset  = "\x1b[0m"
	ansiGray   = "\x1b[90m"
	ansiCyan   = "\x1b[36m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
)

// textHandler renders records as "15:04:05.000 LEVEL message key=value ...".
// It is intentionally lossy compared to slog.TextHandler: groups are joined
// with dots and attribute values are formatted with %v.
type textHandler struct {
	opts  *slog.HandlerOptions
	color bool

	mu    *sync.Mutex
	w     io.Writer
	attrs []slog.Attr
	group string
}

func newTextHandler(w io.Writer, opts *slog.HandlerOptions, color bool) *textHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textHandler{opts: opts, color: color, mu: &sync.Mutex{}, w: w}
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

func (h *textHandler) levelTag(level slog.Level) string {
	var tag, color string
	switch {
	case level >= slog.LevelError:
		tag, color = "ERROR", ansiRed
	case level >= slog.LevelWarn:
		tag, color = "WARN ", ansiYellow
	case level >= slog.LevelInfo:
		tag, color = "INFO ", ansiGreen
	default:
		tag, color = "DEBUG", ansiCyan
	}
	if h.color {
		return color + tag + ansiReset
	}
	return tag
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time.Format("15:04:05.000")
	if h.color {
		b.WriteString(ansiGray + ts + ansiReset)
	} else {
		b.WriteString(ts)
	}
	b.WriteByte(' ')
	b.WriteString(h.levelTag(r.Level))
	b.WriteByte(' ')
	b.WriteString(r.Message)

	writeAttr := func(a slog.Attr) {
		if a.Equal(slog.Attr{}) {
			return
		}
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		if h.color {
			fmt.Fprintf(&b, " %s%s=%s%v", ansiGray, key, ansiReset, a.Value.Resolve())
		} else {
			fmt.Fprintf(&b, " %s=%v", key, a.Value.Resolve())
		}
	}

	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &h2
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	h2 := *h
	if h.group != "" {
		h2.group = h.group + "." + name
	} else {
		h2.group = name
	}
	return &h2
}
