// Package logger provides the process-wide structured logger.
//
// It wraps log/slog with a runtime-adjustable level and two output formats:
// a colored, human-oriented text format for terminals and JSON for log
// collectors. All packages log through the package-level functions; the
// handler is swapped atomically when configuration changes.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-isatty"
)

// Config holds logger configuration.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or a file path
}

// Level is the minimum severity the logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	level  atomic.Int32
	format atomic.Value // "text" or "json"

	mu      sync.RWMutex
	out     io.Writer = os.Stdout
	color   bool
	slogger *slog.Logger
)

func init() {
	level.Store(int32(LevelInfo))
	format.Store("text")
	if f, ok := out.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd())
	}
	rebuild()
}

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// rebuild swaps the handler to match the current settings. Callers must not
// hold mu.
func rebuild() {
	mu.Lock()
	defer mu.Unlock()

	opts := &slog.HandlerOptions{Level: Level(level.Load()).slog()}

	var h slog.Handler
	if f, _ := format.Load().(string); f == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = newTextHandler(out, opts, color)
	}
	slogger = slog.New(h)
}

// Init configures the logger. Output may be "stdout", "stderr", or a file
// path; files are opened in append mode and never colored.
func Init(cfg Config) error {
	if cfg.Output != "" {
		mu.Lock()
		switch strings.ToLower(cfg.Output) {
		case "stdout":
			out = os.Stdout
			color = isatty.IsTerminal(os.Stdout.Fd())
		case "stderr":
			out = os.Stderr
			color = isatty.IsTerminal(os.Stderr.Fd())
		default:
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				mu.Unlock()
				return fmt.Errorf("failed to open log file %q: %w", cfg.Output, err)
			}
			out = f
			color = false
		}
		mu.Unlock()
	}

	if cfg.Level != "" {
		SetLevel(cfg.Level)
	}
	if cfg.Format != "" {
		SetFormat(cfg.Format)
	}
	return nil
}

// InitWithWriter points the logger at an arbitrary writer. Used by tests.
func InitWithWriter(w io.Writer, lvl, fmt string) {
	mu.Lock()
	out = w
	color = false
	mu.Unlock()
	if lvl != "" {
		SetLevel(lvl)
	}
	if fmt != "" {
		SetFormat(fmt)
	}
}

// SetLevel sets the minimum log level. Unknown values are ignored.
func SetLevel(lvl string) {
	switch strings.ToUpper(lvl) {
	case "DEBUG":
		level.Store(int32(LevelDebug))
	case "INFO":
		level.Store(int32(LevelInfo))
	case "WARN":
		level.Store(int32(LevelWarn))
	case "ERROR":
		level.Store(int32(LevelError))
	default:
		return
	}
	rebuild()
}

// SetFormat selects "text" or "json" output. Unknown values are ignored.
func SetFormat(f string) {
	f = strings.ToLower(f)
	if f != "text" && f != "json" {
		return
	}
	format.Store(f)
	rebuild()
}

func current() *slog.Logger {
	mu.RLock()
	l := slogger
	mu.RUnlock()
	return l
}

// Debug logs at debug level: Debug("msg", "key", value, ...).
func Debug(msg string, args ...any) {
	if Level(level.Load()) > LevelDebug {
		return
	}
	current().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	if Level(level.Load()) > LevelInfo {
		return
	}
	current().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	if Level(level.Load()) > LevelWarn {
		return
	}
	current().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	current().Error(msg, args...)
}
