// Package report persists what happened in a batch: the run record, one
// summary per unit and every failure, in <output>/logs.
package report

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"bidsdeface/internal/faults"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"

	// RunStatusPartial means the batch finished but at least one unit failed.
	RunStatusPartial RunStatus = "completed_with_failures"

	// RunStatusAborted means a structural error stopped the batch.
	RunStatusAborted RunStatus = "aborted"
)

// Run is the metadata of one invocation.
type Run struct {
	RunID     string     `json:"run_id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
	InputDir  string     `json:"input_dir"`
	OutputDir string     `json:"output_dir"`
	Mode      string     `json:"mode"`
	Workers   int        `json:"workers"`
	NoClean   bool       `json:"no_clean"`
	Status    RunStatus  `json:"status"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	if r.Workers < 1 {
		errs = append(errs, errors.New("workers must be >= 1"))
	}
	switch r.Status {
	case RunStatusRunning, RunStatusCompleted, RunStatusPartial, RunStatusAborted:
		// ok
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Failure is one recorded problem. Scan is set for per-scan failures.
type Failure struct {
	Unit         string       `json:"unit"`
	Stage        string       `json:"stage"`
	Scan         *string      `json:"scan,omitempty"`
	FailureClass faults.Class `json:"failure_class"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
}

func (f Failure) Validate() error {
	var errs []error
	if strings.TrimSpace(f.Unit) == "" {
		errs = append(errs, errors.New("unit is required"))
	}
	if strings.TrimSpace(f.Stage) == "" {
		errs = append(errs, errors.New("stage is required"))
	}
	if f.Scan != nil && strings.TrimSpace(*f.Scan) == "" {
		errs = append(errs, errors.New("scan must not be empty when provided"))
	}
	if strings.TrimSpace(string(f.FailureClass)) == "" {
		errs = append(errs, errors.New("failure_class is required"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// UnitSummary is the terminal state of one unit.
type UnitSummary struct {
	Unit      string `json:"unit"`
	State     string `json:"state"`
	Published int    `json:"published"`
	Failures  int    `json:"failures"`
}

// Report is the batch failure report.
type Report struct {
	RunID    string        `json:"run_id"`
	Units    []UnitSummary `json:"units"`
	Failures []Failure     `json:"failures"`

	// MissingRefacerOutputs lists the scans for which the refacer left no
	// work directory.
	MissingRefacerOutputs []string `json:"missing_refacer_outputs"`
}

func (r Report) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if r.Units == nil || r.Failures == nil || r.MissingRefacerOutputs == nil {
		errs = append(errs, errors.New("units, failures and missing_refacer_outputs must be arrays (not null)"))
	}
	for i, f := range r.Failures {
		if err := f.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("failures[%d]: %w", i, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// FailureFromError classifies err into a Failure for unit and stage.
func FailureFromError(unit, stage, scan string, err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}
	class, code := faults.Classify(err)
	f := Failure{
		Unit:         unit,
		Stage:        stage,
		FailureClass: class,
		ErrorCode:    code,
		ErrorMessage: err.Error(),
	}
	if scan != "" {
		s := scan
		f.Scan = &s
	}
	return f, nil
}
