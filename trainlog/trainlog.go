// Package trainlog builds the training logger: colorized console output
// when attached to a terminal, fanned out to a plain-text log file in the
// experiment directory.
package trainlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// New opens the log file in append mode and returns the fanout logger plus
// a close func for the file handle.
func New(logPath string, level slog.Level) (*slog.Logger, func() error, error) {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open train log: %w", err)
	}

	console := newConsoleHandler(os.Stderr, level, isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()))
	file := slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})
	logger := slog.New(&fanoutHandler{handlers: []slog.Handler{console, file}})
	return logger, f.Close, nil
}

// LogStats writes one epoch-summary line the way training logs read:
// epoch, learning rate, then each stage's statistics.
func LogStats(logger *slog.Logger, epoch int, lr float64, stages map[string]map[string]float64) {
	args := []any{"epoch", epoch, "lr", lr}
	names := make([]string, 0, len(stages))
	for name := range stages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		keys := make([]string, 0, len(stages[name]))
		for k := range stages[name] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			args = append(args, name+"_"+k, stages[name][k])
		}
	}
	logger.Info("epoch stats", args...)
}

const (
	ansiReset  = "\x1b[0m"
	ansiDim    = "\x1b[2m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
	ansiCyan   = "\x1b[36m"
)

// consoleHandler renders compact human-oriented lines.
type consoleHandler struct {
	mu      sync.Mutex
	writer  io.Writer
	level   slog.Level
	colored bool
	attrs   []slog.Attr
}

func newConsoleHandler(w io.Writer, level slog.Level, colored bool) *consoleHandler {
	return &consoleHandler{writer: w, level: level, colored: colored}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	var b strings.Builder
	if !record.Time.IsZero() {
		h.paint(&b, ansiDim, record.Time.Format("15:04:05"))
		b.WriteByte(' ')
	}
	h.paint(&b, levelColor(record.Level), record.Level.String())
	b.WriteByte(' ')
	b.WriteString(record.Message)

	for _, attr := range h.attrs {
		h.writeAttr(&b, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		h.writeAttr(&b, attr)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, b.String())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &consoleHandler{writer: h.writer, level: h.level, colored: h.colored}
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler { return h }

func (h *consoleHandler) writeAttr(b *strings.Builder, attr slog.Attr) {
	b.WriteByte(' ')
	h.paint(b, ansiCyan, attr.Key)
	b.WriteByte('=')
	b.WriteString(attr.Value.String())
}

func (h *consoleHandler) paint(b *strings.Builder, color, s string) {
	if !h.colored {
		b.WriteString(s)
		return
	}
	b.WriteString(color)
	b.WriteString(s)
	b.WriteString(ansiReset)
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed
	case level >= slog.LevelWarn:
		return ansiYellow
	default:
		return ansiDim
	}
}

// fanoutHandler forwards records to every child handler that accepts the
// level.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for i, handler := range h.handlers {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		rec := record
		if i < len(h.handlers)-1 {
			rec = record.Clone()
		}
		if err := handler.Handle(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}
