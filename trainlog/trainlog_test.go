package trainlog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewWritesToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "train_log.txt")
	logger, closeLog, err := New(logPath, slog.LevelInfo)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Info("epoch complete", "epoch", 1, "valid_per", 42.5)
	if err := closeLog(); err != nil {
		t.Fatalf("Failed to close log: %v", err)
	}

	contents, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	text := string(contents)
	if !strings.Contains(text, "epoch complete") {
		t.Error("Expected message in log file")
	}
	if !strings.Contains(text, "valid_per=42.5") {
		t.Error("Expected attributes in log file")
	}
}

func TestNewAppends(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "train_log.txt")
	for i := 0; i < 2; i++ {
		logger, closeLog, err := New(logPath, slog.LevelInfo)
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}
		logger.Info("run", "attempt", i)
		closeLog()
	}

	contents, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	if got := strings.Count(string(contents), "msg=run"); got != 2 {
		t.Errorf("Expected 2 appended lines, got %d", got)
	}
}

func TestConsoleHandlerPlainOutput(t *testing.T) {
	var b strings.Builder
	h := newConsoleHandler(&b, slog.LevelInfo, false)

	record := slog.NewRecord(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), slog.LevelInfo, "hello", 0)
	record.AddAttrs(slog.Int("epoch", 3))
	if err := h.Handle(context.Background(), record); err != nil {
		t.Fatalf("Failed to handle record: %v", err)
	}

	out := b.String()
	if !strings.Contains(out, "hello") || !strings.Contains(out, "epoch=3") {
		t.Errorf("Unexpected console line: %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("Expected no ANSI codes without a terminal")
	}
}

func TestConsoleHandlerColorOutput(t *testing.T) {
	var b strings.Builder
	h := newConsoleHandler(&b, slog.LevelInfo, true)
	record := slog.NewRecord(time.Now(), slog.LevelError, "boom", 0)
	if err := h.Handle(context.Background(), record); err != nil {
		t.Fatalf("Failed to handle record: %v", err)
	}
	if !strings.Contains(b.String(), ansiRed) {
		t.Error("Expected error level painted red")
	}
}

func TestConsoleHandlerLevelGate(t *testing.T) {
	h := newConsoleHandler(&strings.Builder{}, slog.LevelWarn, false)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info suppressed at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("Expected error enabled at warn level")
	}
}

func TestLogStats(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "train_log.txt")
	logger, closeLog, err := New(logPath, slog.LevelInfo)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	LogStats(logger, 2, 0.5, map[string]map[string]float64{
		"train": {"loss": 1.25},
		"valid": {"loss": 1.5, "per": 40.0},
	})
	closeLog()

	contents, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	text := string(contents)
	for _, want := range []string{"epoch=2", "train_loss=1.25", "valid_per=40"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in stats line, got %q", want, text)
		}
	}
}
