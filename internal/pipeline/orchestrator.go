package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bidsdeface/internal/bids"
	"bidsdeface/internal/core"
	"bidsdeface/internal/faults"
	"bidsdeface/internal/logging"
	"bidsdeface/internal/mapping"
	"bidsdeface/internal/report"
	"bidsdeface/internal/stage"
	"bidsdeface/internal/trace"
)

// LogsDirName is the directory of batch logs and reports under the output.
const LogsDirName = "logs"

// Options configures one batch.
type Options struct {
	InputRoot  string
	OutputRoot string
	Mode       stage.Mode
	Tools      stage.Tools

	// Workers is the number of units processed concurrently; below 1 means 1.
	Workers int

	// NoClean keeps every work_dir.
	NoClean bool

	Selection Selection

	// Summary receives the dataset summary after discovery; nil discards it.
	Summary io.Writer
}

// Orchestrator runs units through the stages.
type Orchestrator struct {
	Runner  core.StepRunner
	Options Options

	// Logs opens the per-unit log files. Without it units log to Logger.
	Logs   *logging.Sink
	Logger zerolog.Logger

	// Trace and Report are created by RunBatch when nil.
	Trace  *trace.Recorder
	Report *report.Recorder
}

// UnitResult is what happened to one unit.
type UnitResult struct {
	Key   bids.SessionKey
	State UnitState

	// FanOut is set when the session had no T1w and every scan was defaced
	// on its own.
	FanOut bool

	Published []stage.Published

	// Scans holds the registration outcome of every other scan; a failed
	// scan does not fail the unit.
	Scans []stage.ScanResult

	// Failures are the errors that failed the unit.
	Failures []error
}

// Err joins the unit failures.
func (r UnitResult) Err() error { return errors.Join(r.Failures...) }

func (o *Orchestrator) layout() stage.Layout {
	return stage.Layout{InputRoot: o.Options.InputRoot, OutputRoot: o.Options.OutputRoot}
}

// Process runs every unit in keys with at most Options.Workers at a time and
// returns one result per key, in key order. Unit failures are carried in the
// results; the error is reserved for invariant violations.
func (o *Orchestrator) Process(ctx context.Context, m *mapping.Mapping, keys []bids.SessionKey) ([]UnitResult, error) {
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	entries := make([]mapping.Entry, len(keys))
	for i, k := range keys {
		e, ok := m.Get(k)
		if !ok {
			return nil, fmt.Errorf("unit %s is not in the mapping", k)
		}
		entries[i] = e
	}
	states := newStateTable(names)
	results := make([]UnitResult, len(keys))

	var g errgroup.Group
	g.SetLimit(max(o.Options.Workers, 1))
	for i, key := range keys {
		entry := entries[i]
		g.Go(func() error {
			unit := key.String()
			if ctx.Err() != nil {
				results[i] = UnitResult{Key: key, State: UnitSkipped}
				return states.transition(unit, UnitPending, UnitSkipped)
			}
			if err := states.transition(unit, UnitPending, UnitRunning); err != nil {
				return err
			}
			res := o.processUnit(ctx, key, entry)
			res.State = UnitSucceeded
			if len(res.Failures) > 0 {
				res.State = UnitFailed
			}
			results[i] = res
			return states.transition(unit, UnitRunning, res.State)
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	if left := states.nonTerminal(); len(left) > 0 {
		return results, fmt.Errorf("units left unfinished: %v", left)
	}

	for _, r := range results {
		if o.Report != nil {
			o.Report.RecordUnit(report.UnitSummary{
				Unit:      r.Key.String(),
				State:     string(states.get(r.Key.String())),
				Published: len(r.Published),
				Failures:  len(r.Failures),
			})
		}
	}
	return results, nil
}

func (o *Orchestrator) unitLogger(key bids.SessionKey) zerolog.Logger {
	if o.Logs != nil {
		l, err := o.Logs.Unit(key.String())
		if err == nil {
			return l
		}
		o.Logger.Warn().Err(err).Str(logging.FieldUnit, key.String()).Msg("unit log unavailable")
	}
	return o.Logger.With().Str(logging.FieldUnit, key.String()).Logger()
}

// processUnit runs deface, mask, register and reorganize for one session.
func (o *Orchestrator) processUnit(ctx context.Context, key bids.SessionKey, entry mapping.Entry) UnitResult {
	log := o.unitLogger(key)
	fanOut := !entry.HasPrimary()
	res := UnitResult{Key: key, FanOut: fanOut}
	unit := key.String()

	layout := o.layout()
	defacer := &stage.Defacer{Runner: o.Runner, Layout: layout, Tools: o.Options.Tools, Mode: o.Options.Mode}
	registrar := &stage.Registrar{Runner: o.Runner, Tools: o.Options.Tools}
	reorganizer := &stage.Reorganizer{Layout: layout, NoClean: o.Options.NoClean}

	if fanOut {
		log.Warn().Int("scans", len(entry.Others)).Msg("no T1w primary; defacing every scan on its own")
	}
	log.Info().Str("primary", entry.Primary).Strs("others", entry.Others).Msg("unit started")

	var defaced []string
	for _, primary := range entry.Primaries() {
		scan := bids.Stem(filepath.Base(primary))
		art, err := defacer.Deface(ctx, key, primary, fanOut, log)
		if err != nil {
			o.fail(&res, log, "deface", scan, err)
			var tf *faults.ExternalToolFailure
			if errors.As(err, &tf) && o.Report != nil {
				o.Report.RecordMissingOutput(scan)
			}
			o.record(trace.Event{Kind: trace.EventUnitDefaceFailed, Unit: unit, Scan: scan, Reason: reasonOf(err)})
			continue
		}
		o.record(trace.Event{Kind: trace.EventUnitDefaced, Unit: unit, Scan: scan})
		defaced = append(defaced, primary)

		if fanOut || len(entry.Others) == 0 {
			continue
		}
		scans, err := o.propagate(ctx, key, art, entry.Others, registrar, log)
		res.Scans = append(res.Scans, scans...)
		if err != nil {
			stageName := "register"
			var md *faults.MaskDerivationError
			if errors.As(err, &md) {
				stageName = "mask"
			}
			o.fail(&res, log, stageName, "", err)
		}
	}

	// Reorganize also runs when nothing was defaced, so that no_clean decides
	// the fate of failed refacer output.
	published, err := reorganizer.Reorganize(ctx, key, defaced, fanOut, log)
	res.Published = published
	if err != nil {
		o.fail(&res, log, "reorganize", "", err)
	} else if len(defaced) > 0 {
		o.record(trace.Event{Kind: trace.EventUnitReorganized, Unit: unit, Outputs: o.relOutputs(published)})
	}

	ev := log.Info()
	if len(res.Failures) > 0 {
		ev = log.Error().Err(res.Err())
	}
	ev.Int("published", len(res.Published)).Int("failures", len(res.Failures)).Msg("unit finished")
	return res
}

// propagate derives the mask from art and registers every other scan. Per-scan
// failures are recorded but not returned.
func (o *Orchestrator) propagate(ctx context.Context, key bids.SessionKey, art *stage.WorkArtifact, others []string, registrar *stage.Registrar, log zerolog.Logger) ([]stage.ScanResult, error) {
	unit := key.String()
	toolLog, err := art.OpenToolLog()
	if err != nil {
		return nil, fmt.Errorf("open tool log: %w", err)
	}
	defer toolLog.Close()

	mask, err := registrar.DeriveMask(ctx, key, art, toolLog)
	if err != nil {
		o.record(trace.Event{Kind: trace.EventMaskFailed, Unit: unit, Reason: reasonOf(err)})
		return nil, err
	}
	o.record(trace.Event{Kind: trace.EventMaskDerived, Unit: unit})

	scans, err := registrar.Register(ctx, key, art, mask, others, toolLog, log)
	for _, s := range scans {
		stem := bids.Stem(filepath.Base(s.Scan))
		if s.Err != nil {
			if o.Report != nil {
				_ = o.Report.RecordFailure(unit, "register", stem, s.Err)
			}
			o.record(trace.Event{Kind: trace.EventScanRegistrationFailed, Unit: unit, Scan: stem, Reason: reasonOf(s.Err)})
			continue
		}
		o.record(trace.Event{Kind: trace.EventScanRegistered, Unit: unit, Scan: stem})
	}
	return scans, err
}

func (o *Orchestrator) fail(res *UnitResult, log zerolog.Logger, stageName, scan string, err error) {
	res.Failures = append(res.Failures, err)
	ev := log.Error().Err(err).Str(logging.FieldStage, stageName)
	if scan != "" {
		ev = ev.Str(logging.FieldScan, scan)
	}
	ev.Msg("stage failed")
	if o.Report != nil {
		_ = o.Report.RecordFailure(res.Key.String(), stageName, scan, err)
	}
}

func (o *Orchestrator) record(ev trace.Event) {
	trace.SafeRecord(o.Trace, ev)
}

func (o *Orchestrator) relOutputs(published []stage.Published) []string {
	root := o.layout().DefacedRoot()
	out := make([]string, 0, len(published))
	for _, p := range published {
		if rel, err := filepath.Rel(root, p.Path); err == nil {
			out = append(out, filepath.ToSlash(rel))
		}
	}
	return out
}

func reasonOf(err error) string {
	_, code := faults.Classify(err)
	return code
}
