package report

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Recorder collects failures from concurrent unit workers and persists the
// batch report when the run ends.
type Recorder struct {
	Store *Store

	mu       sync.Mutex
	run      Run
	failures []Failure
	missing  []string
	units    []UnitSummary
}

// NewRunID returns a random run identifier.
func (r *Recorder) NewRunID() string {
	return uuid.NewString()
}

// StartRun persists run with status running.
func (r *Recorder) StartRun(run Run) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	if run.RunID == "" {
		run.RunID = r.NewRunID()
	}
	if run.StartTime.IsZero() {
		run.StartTime = time.Now().UTC()
	}
	run.Status = RunStatusRunning
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	r.mu.Lock()
	r.run = run
	r.mu.Unlock()
	return r.Store.SaveRun(run)
}

// RunID is the identifier of the started run.
func (r *Recorder) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.RunID
}

// RecordFailure classifies err and adds it to the report.
func (r *Recorder) RecordFailure(unit, stage, scan string, err error) error {
	f, ferr := FailureFromError(unit, stage, scan, err)
	if ferr != nil {
		return ferr
	}
	r.mu.Lock()
	r.failures = append(r.failures, f)
	r.mu.Unlock()
	return nil
}

// RecordMissingOutput notes a scan for which the refacer produced nothing.
func (r *Recorder) RecordMissingOutput(prefix string) {
	r.mu.Lock()
	r.missing = append(r.missing, prefix)
	r.mu.Unlock()
}

// RecordUnit stores the terminal state of a unit.
func (r *Recorder) RecordUnit(s UnitSummary) {
	r.mu.Lock()
	r.units = append(r.units, s)
	r.mu.Unlock()
}

// Snapshot returns the report as collected so far, in canonical order.
func (r *Recorder) Snapshot() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep := Report{
		RunID:                 r.run.RunID,
		Units:                 append([]UnitSummary{}, r.units...),
		Failures:              append([]Failure{}, r.failures...),
		MissingRefacerOutputs: append([]string{}, r.missing...),
	}
	sort.Slice(rep.Units, func(i, j int) bool { return rep.Units[i].Unit < rep.Units[j].Unit })
	sort.SliceStable(rep.Failures, func(i, j int) bool {
		a, b := rep.Failures[i], rep.Failures[j]
		if a.Unit != b.Unit {
			return a.Unit < b.Unit
		}
		if a.Stage != b.Stage {
			return stageOrder(a.Stage) < stageOrder(b.Stage)
		}
		return deref(a.Scan) < deref(b.Scan)
	})
	sort.Strings(rep.MissingRefacerOutputs)
	return rep
}

// Finish writes the report and closes the run record with status.
func (r *Recorder) Finish(status RunStatus) (Report, error) {
	if r == nil || r.Store == nil {
		return Report{}, errors.New("Store is required")
	}
	rep := r.Snapshot()
	if err := r.Store.SaveReport(rep); err != nil {
		return rep, err
	}

	r.mu.Lock()
	now := time.Now().UTC()
	r.run.EndTime = &now
	r.run.Status = status
	run := r.run
	r.mu.Unlock()
	return rep, r.Store.SaveRun(run)
}

func stageOrder(stage string) int {
	switch stage {
	case "discover":
		return 0
	case "deface":
		return 1
	case "mask":
		return 2
	case "register":
		return 3
	case "reorganize":
		return 4
	default:
		return 5
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
