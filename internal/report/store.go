package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bidsdeface/internal/fsutil"
)

const (
	runFileName     = "run.json"
	reportFileName  = "failures.json"
	missingFileName = "failed_refacer_outputs.txt"
)

// Store provides persistent storage for batch state under:
//
//	<logsDir>/run.json
//	<logsDir>/failures.json
//	<logsDir>/failed_refacer_outputs.txt
//
// All writes are atomic and durable (file sync + atomic rename + dir sync).
type Store struct {
	logsDir string
}

func NewStore(logsDir string) (*Store, error) {
	if strings.TrimSpace(logsDir) == "" {
		return nil, errors.New("logsDir is required")
	}
	return &Store{logsDir: logsDir}, nil
}

func (s *Store) RunPath() string     { return filepath.Join(s.logsDir, runFileName) }
func (s *Store) ReportPath() string  { return filepath.Join(s.logsDir, reportFileName) }
func (s *Store) MissingPath() string { return filepath.Join(s.logsDir, missingFileName) }

func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	if err := fsutil.EnsureDir(s.logsDir, 0o755); err != nil {
		return fmt.Errorf("ensure logs dir: %w", err)
	}
	data, err := jsonMarshalStable(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	if err := fsutil.WriteFile(s.RunPath(), data, 0o644); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

func (s *Store) LoadRun() (Run, error) {
	var run Run
	if err := readJSONStrict(s.RunPath(), &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

// SaveReport writes failures.json and the plain missing-output listing.
func (s *Store) SaveReport(rep Report) error {
	if rep.Units == nil {
		rep.Units = []UnitSummary{}
	}
	if rep.Failures == nil {
		rep.Failures = []Failure{}
	}
	if rep.MissingRefacerOutputs == nil {
		rep.MissingRefacerOutputs = []string{}
	}
	if err := rep.Validate(); err != nil {
		return fmt.Errorf("invalid report: %w", err)
	}
	if err := fsutil.EnsureDir(s.logsDir, 0o755); err != nil {
		return fmt.Errorf("ensure logs dir: %w", err)
	}
	data, err := jsonMarshalStable(rep)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := fsutil.WriteFile(s.ReportPath(), data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	var missing bytes.Buffer
	for _, m := range rep.MissingRefacerOutputs {
		missing.WriteString(m)
		missing.WriteByte('\n')
	}
	if err := fsutil.WriteFile(s.MissingPath(), missing.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write missing outputs: %w", err)
	}
	return nil
}

func (s *Store) LoadReport() (Report, error) {
	var rep Report
	if err := readJSONStrict(s.ReportPath(), &rep); err != nil {
		return Report{}, err
	}
	if err := rep.Validate(); err != nil {
		return Report{}, fmt.Errorf("invalid report on disk: %w", err)
	}
	return rep, nil
}

func jsonMarshalStable(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure no trailing junk.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}
