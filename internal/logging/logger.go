package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"foreman/internal/config"
)

// Log formats for the console stream. The log file is always JSON.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Options describes logger construction parameters.
type Options struct {
	Level  string
	Format string
	// Console receives the operator stream; nil means stderr so that command
	// output on stdout stays clean.
	Console io.Writer
	Color   bool
	// FilePath, when set, additionally receives every record as JSON.
	FilePath string
}

// New builds a logger that writes to the console and, optionally, a JSON file.
func New(opts Options) (*slog.Logger, error) {
	level := new(slog.LevelVar)
	level.Set(parseLevel(opts.Level))

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	var handler slog.Handler
	switch format := strings.ToLower(strings.TrimSpace(opts.Format)); format {
	case "", FormatConsole:
		handler = &consoleHandler{state: &consoleState{w: console}, level: level, color: opts.Color}
	case FormatJSON:
		handler = newJSONHandler(console, level)
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}

	if opts.FilePath != "" {
		file, err := openLogFile(opts.FilePath)
		if err != nil {
			return nil, err
		}
		handler = newFanoutHandler(handler, newJSONHandler(file, level))
	}
	return slog.New(handler), nil
}

// NewFromConfig creates the CLI logger: console on stderr plus
// <log_dir>/foreman.log.
func NewFromConfig(cfg *config.Config) (*slog.Logger, error) {
	if cfg == nil {
		return New(Options{Color: colorEnabled(os.Stderr)})
	}
	opts := Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Color:  colorEnabled(os.Stderr),
	}
	if cfg.Paths.LogDir != "" {
		opts.FilePath = filepath.Join(cfg.Paths.LogDir, "foreman.log")
	}
	return New(opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func openLogFile(path string) (*os.File, error) {
	if err := ensureLogDir(path); err != nil {
		return nil, fmt.Errorf("ensure log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return file, nil
}

func ensureLogDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// colorEnabled reports whether w is an interactive terminal and NO_COLOR is unset.
func colorEnabled(w *os.File) bool {
	if os.Getenv("NO_COLOR") != "" || w == nil {
		return false
	}
	fd := w.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func newJSONHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return attr
			}
			switch attr.Key {
			case slog.TimeKey:
				attr.Value = slog.StringValue(attr.Value.Time().UTC().Format(time.RFC3339Nano))
			case slog.LevelKey:
				attr.Value = slog.StringValue(strings.ToLower(attr.Value.String()))
			}
			return attr
		},
	})
}

// consoleHandler renders one line per record:
//
//	15:04:05 WARN  [run-1/geowiz] execution: worker did not succeed status=FAILURE
//
// run_id and worker are lifted into the bracketed scope and component into
// the prefix; everything else follows as key=value pairs.
type consoleHandler struct {
	state *consoleState
	level slog.Leveler
	color bool
	// scope holds run_id, worker and component bound through With.
	runID, worker, component string
	attrs                    []slog.Attr
	group                    string
}

type consoleState struct {
	mu sync.Mutex
	w  io.Writer
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	scoped := *h
	pairs := make([]slog.Attr, 0, len(h.attrs)+record.NumAttrs())
	pairs = append(pairs, h.attrs...)
	record.Attrs(func(a slog.Attr) bool {
		if a = scoped.lift(a); a.Key != "" {
			pairs = append(pairs, a)
		}
		return true
	})

	var b strings.Builder
	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(ts.Format(time.TimeOnly))
	b.WriteByte(' ')
	label := fmt.Sprintf("%-5s", levelLabel(record.Level))
	if h.color {
		label = levelColor(record.Level) + label + colorReset
	}
	b.WriteString(label)
	if scope := scoped.scope(); scope != "" {
		b.WriteString(" [")
		b.WriteString(scope)
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	if scoped.component != "" {
		b.WriteString(scoped.component)
		b.WriteString(": ")
	}
	b.WriteString(record.Message)
	for _, a := range pairs {
		writePair(&b, "", a)
	}
	b.WriteByte('\n')

	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	_, err := io.WriteString(h.state.w, b.String())
	return err
}

// lift moves scope attributes out of the pair list. It returns a zero Attr
// for lifted keys.
func (h *consoleHandler) lift(a slog.Attr) slog.Attr {
	if h.group != "" {
		a.Key = h.group + "." + a.Key
		return a
	}
	switch a.Key {
	case FieldRunID:
		h.runID = a.Value.String()
	case FieldWorker:
		h.worker = a.Value.String()
	case FieldComponent:
		h.component = a.Value.String()
	default:
		return a
	}
	return slog.Attr{}
}

func (h *consoleHandler) scope() string {
	switch {
	case h.runID != "" && h.worker != "":
		return h.runID + "/" + h.worker
	case h.runID != "":
		return h.runID
	default:
		return h.worker
	}
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if a = next.lift(a); a.Key != "" {
			next.attrs = append(next.attrs, a)
		}
	}
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if next.group != "" {
		name = next.group + "." + name
	}
	next.group = name
	return &next
}

func writePair(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, inner := range a.Value.Group() {
			writePair(b, key, inner)
		}
		return
	}
	if key == "" {
		return
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(quoteIfNeeded(valueText(a.Value)))
}

func valueText(v slog.Value) string {
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().Round(time.Millisecond).String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return x.Error()
		case []string:
			return strings.Join(x, ",")
		}
	}
	return v.String()
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " =\"\t\n") {
		return strconv.Quote(s)
	}
	return s
}

const colorReset = "\x1b[0m"

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\x1b[31m"
	case level >= slog.LevelWarn:
		return "\x1b[33m"
	case level >= slog.LevelInfo:
		return "\x1b[32m"
	default:
		return "\x1b[90m"
	}
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
