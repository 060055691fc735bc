// Package logging builds the zerolog loggers used by the pipeline.
//
// There is one pipeline logger per invocation and one logger per unit. Unit
// loggers are created by the orchestrator and handed to the stages; nothing
// in the pipeline reaches for a global logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// PipelineLogName is the file name of the invocation-wide log under logs/.
	PipelineLogName = "defacing_pipeline.log"

	unitLogDir = "units"
)

// Field keys shared by every stage.
const (
	FieldUnit  = "unit"
	FieldStage = "stage"
	FieldScan  = "scan"
	FieldTool  = "tool"
)

// ParseLevel accepts debug, info, warn and error. Empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// New returns a timestamped logger writing to w.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// PlainWriter formats events as plain text lines, suitable for log files.
func PlainWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    true,
		TimeFormat: time.RFC3339,
	}
}

// Sink owns the log files opened for one invocation.
type Sink struct {
	dir   string
	level zerolog.Level

	mu    sync.Mutex
	files []*os.File
}

// NewSink prepares dir (normally <output>/logs) for log files.
func NewSink(dir string, level zerolog.Level) (*Sink, error) {
	if err := os.MkdirAll(filepath.Join(dir, unitLogDir), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Sink{dir: dir, level: level}, nil
}

// Dir is the directory holding the logs.
func (s *Sink) Dir() string { return s.dir }

// Pipeline opens the invocation log. Events also go to console when it is
// not nil.
func (s *Sink) Pipeline(console io.Writer) (zerolog.Logger, error) {
	f, err := s.open(filepath.Join(s.dir, PipelineLogName))
	if err != nil {
		return zerolog.Nop(), err
	}
	var w io.Writer = PlainWriter(f)
	if console != nil {
		w = zerolog.MultiLevelWriter(PlainWriter(f), zerolog.ConsoleWriter{Out: console, TimeFormat: time.Kitchen})
	}
	return New(w, s.level), nil
}

// Unit opens the log of one unit, e.g. logs/units/sub-01_ses-01.log.
func (s *Sink) Unit(name string) (zerolog.Logger, error) {
	f, err := s.open(s.UnitPath(name))
	if err != nil {
		return zerolog.Nop(), err
	}
	return New(PlainWriter(f), s.level).With().Str(FieldUnit, name).Logger(), nil
}

// UnitPath is where Unit writes the log for name.
func (s *Sink) UnitPath(name string) string {
	return filepath.Join(s.dir, unitLogDir, strings.ReplaceAll(name, "/", "_")+".log")
}

// Close closes every file opened by the sink.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.files = nil
	return first
}

func (s *Sink) open(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	s.mu.Lock()
	s.files = append(s.files, f)
	s.mu.Unlock()
	return f, nil
}
