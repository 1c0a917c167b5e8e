package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"foreman/internal/config"
	"foreman/internal/logging"
	"foreman/internal/services"
)

func TestNewFromConfigConsole(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger instance")
	}
	logger.Info("hello")
	if _, err := os.Stat(filepath.Join(cfg.Paths.LogDir, "foreman.log")); err != nil {
		t.Fatalf("expected log file to be created: %v", err)
	}
}

func TestConsoleLoggerLiftsRunScope(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "info", Console: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := services.WithRunID(context.Background(), "run-1")
	ctx = services.WithWorker(ctx, "geowiz")
	log := logging.WithContext(ctx, logging.NewComponentLogger(logger, "execution"))
	log.Warn("worker did not succeed",
		logging.Args(logging.WorkerOutcome("FAILURE", 2, 1500*time.Millisecond)...)...)
	log.Debug("hidden")

	line := buf.String()
	if !strings.Contains(line, "WARN  [run-1/geowiz] execution: worker did not succeed") {
		t.Fatalf("expected scoped prefix, got %q", line)
	}
	for _, want := range []string{"status=FAILURE", "exit_code=2", "duration=1.5s"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %s in %q", want, line)
		}
	}
	if strings.Contains(line, "run_id=") || strings.Contains(line, "component=") {
		t.Fatalf("scope fields should not repeat as pairs: %q", line)
	}
	if strings.Contains(line, "hidden") || strings.Contains(line, "\x1b[") {
		t.Fatalf("unexpected debug line or colour codes: %q", line)
	}
}

func TestJSONLoggerWritesStructuredFields(t *testing.T) {
	var console bytes.Buffer
	logPath := filepath.Join(t.TempDir(), "logs", "json.log")
	logger, err := logging.New(logging.Options{
		Format:   logging.FormatConsole,
		Level:    "debug",
		Console:  &console,
		FilePath: logPath,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := services.WithRunID(context.Background(), "run-1")
	ctx = services.WithWorker(ctx, "geowiz")
	logging.WithContext(ctx, logger).Info("worker finished", logging.Strings("outputs", []string{"a", "b"}))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(content), &entry); err != nil {
		t.Fatalf("decode json log: %v (%q)", err, content)
	}
	if entry[logging.FieldRunID] != "run-1" || entry[logging.FieldWorker] != "geowiz" {
		t.Fatalf("expected context fields, got %v", entry)
	}
	if entry["level"] != "info" {
		t.Fatalf("expected lowercase level, got %v", entry["level"])
	}
	if !strings.Contains(console.String(), "outputs=a,b") {
		t.Fatalf("expected console copy, got %q", console.String())
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	logging.WarnWithContext(logger, "provider slow", "provider_timeout")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{logging.FieldEventType, logging.FieldErrorHint, logging.FieldImpact} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected %s in %v", key, entry)
		}
	}
}

func TestErrorAttrsClassifies(t *testing.T) {
	err := services.Wrap(services.ErrTimeout, "execution", "run", "deadline", errors.New("killed"))
	attrs := logging.ErrorAttrs(err)
	if !logging.HasAttrKey(attrs, logging.FieldErrorKind) || !logging.HasAttrKey(attrs, logging.FieldErrorHint) {
		t.Fatalf("expected kind and hint attrs, got %v", attrs)
	}
}

func TestNewRunLoggerTeesToFile(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	path := filepath.Join(t.TempDir(), "logs", "driver.log")

	logger, closer, err := logging.NewRunLogger(base, path, "info")
	if err != nil {
		t.Fatalf("NewRunLogger: %v", err)
	}
	logger.Info("round complete", logging.Int("launched", 2))
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !strings.Contains(buf.String(), "round complete") {
		t.Fatalf("expected base logger output, got %q", buf.String())
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	if !strings.Contains(string(content), `"launched":2`) {
		t.Fatalf("expected json run log, got %q", content)
	}
}
