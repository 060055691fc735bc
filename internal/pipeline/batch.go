package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"bidsdeface/internal/bids"
	"bidsdeface/internal/faults"
	"bidsdeface/internal/mapping"
	"bidsdeface/internal/qc"
	"bidsdeface/internal/report"
	"bidsdeface/internal/trace"
)

// BatchResult summarizes a finished batch.
type BatchResult struct {
	RunID     string
	Inventory *bids.Inventory
	Mapping   *mapping.Mapping
	Units     []UnitResult
	QC        []qc.Item
	TraceHash string
	Report    report.Report
}

// Failed returns the units that ended FAILED.
func (b *BatchResult) Failed() []UnitResult {
	var out []UnitResult
	for _, u := range b.Units {
		if u.State == UnitFailed {
			out = append(out, u)
		}
	}
	return out
}

// LogsDir is <output>/logs.
func (o *Orchestrator) LogsDir() string {
	return filepath.Join(o.Options.OutputRoot, LogsDirName)
}

// Discover crawls the input, persists the mapping and its listings, and
// returns both. A dataset without any subject directory is a structural
// error.
func (o *Orchestrator) Discover(ctx context.Context) (*bids.Inventory, *mapping.Mapping, error) {
	inv, err := bids.NewDiscoverer(o.Logger).Discover(ctx, o.Options.InputRoot)
	if err != nil {
		return nil, nil, err
	}
	if len(inv.Units) == 0 && len(inv.NoAnat) == 0 && len(inv.Failures) == 0 {
		return nil, nil, faults.Structuralf("NoSubjects", "no sub-* directories in %s", o.Options.InputRoot)
	}
	m, err := mapping.New(inv.Units)
	if err != nil {
		return inv, nil, fmt.Errorf("build mapping: %w", err)
	}
	store, err := mapping.NewStore(o.Options.OutputRoot)
	if err != nil {
		return inv, nil, err
	}
	if err := store.Save(ctx, m, inv); err != nil {
		return inv, nil, err
	}
	for _, f := range inv.Failures {
		o.Logger.Error().Err(f).Msg("session could not be mapped")
	}
	if o.Options.Summary != nil {
		store.WriteSummary(o.Options.Summary, inv)
	}
	o.Logger.Info().Int("sessions", m.Len()).Str("mapping", store.Path()).Msg("mapping written")
	return inv, m, nil
}

// RunBatch performs a complete invocation: discovery, selection, every unit,
// QC staging, the trace and the report.
//
// Structural errors are returned before any tool runs. Once units have
// started the returned error is nil unless the batch itself could not be
// recorded; unit failures are in the result and the report.
func (o *Orchestrator) RunBatch(ctx context.Context) (*BatchResult, error) {
	inv, m, err := o.Discover(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := SelectUnits(m, o.Options.Selection)
	if err != nil {
		return nil, err
	}

	if o.Trace == nil {
		o.Trace = trace.NewRecorder()
	}
	if o.Report == nil {
		store, err := report.NewStore(o.LogsDir())
		if err != nil {
			return nil, err
		}
		o.logPreviousRun(store)
		o.Report = &report.Recorder{Store: store}
	}
	err = o.Report.StartRun(report.Run{
		StartTime: time.Now().UTC(),
		InputDir:  o.Options.InputRoot,
		OutputDir: o.Options.OutputRoot,
		Mode:      string(o.Options.Mode),
		Workers:   max(o.Options.Workers, 1),
		NoClean:   o.Options.NoClean,
	})
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	result := &BatchResult{RunID: o.Report.RunID(), Inventory: inv, Mapping: m}
	o.Logger.Info().Str("run_id", result.RunID).Int("units", len(keys)).Int("workers", max(o.Options.Workers, 1)).Msg("batch started")

	o.recordDiscovery(inv)

	units, err := o.Process(ctx, m, keys)
	result.Units = units
	if err != nil {
		_, _ = o.Report.Finish(report.RunStatusAborted)
		return result, err
	}

	stager := &qc.Stager{InputRoot: o.Options.InputRoot, OutputRoot: o.Options.OutputRoot, Logger: o.Logger}
	items, qcErr := stager.Stage(ctx)
	result.QC = items
	if qcErr != nil {
		o.Logger.Error().Err(qcErr).Msg("QC staging failed")
	}

	dataset := filepath.Base(filepath.Clean(o.Options.InputRoot)) + ":" + string(o.Options.Mode)
	hash, traceErr := trace.WriteFile(o.LogsDir(), o.Trace.Trace(dataset))
	result.TraceHash = hash

	status := report.RunStatusCompleted
	if len(result.Failed()) > 0 || len(o.Report.Snapshot().Failures) > 0 {
		status = report.RunStatusPartial
	}
	rep, err := o.Report.Finish(status)
	result.Report = rep
	if err = errors.Join(err, qcErr, traceErr); err != nil {
		return result, err
	}

	o.Logger.Info().
		Str("status", string(status)).
		Int("failed_units", len(result.Failed())).
		Int("failures", len(rep.Failures)).
		Int("qc_items", len(items)).
		Msg("batch finished")
	return result, nil
}

// logPreviousRun notes the run an earlier invocation left in the logs
// directory. A missing record is normal for a fresh output directory.
func (o *Orchestrator) logPreviousRun(store *report.Store) {
	prev, err := store.LoadRun()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			o.Logger.Warn().Err(err).Str("path", store.RunPath()).Msg("previous run record unreadable")
		}
		return
	}
	ev := o.Logger.Info().Str("previous_run_id", prev.RunID).Str("previous_status", string(prev.Status))
	if rep, err := store.LoadReport(); err == nil && rep.RunID == prev.RunID {
		ev = ev.Int("previous_failures", len(rep.Failures))
	}
	ev.Msg("output directory holds an earlier run; its records will be replaced")
}

// recordDiscovery adds the crawl problems to the report and the trace.
func (o *Orchestrator) recordDiscovery(inv *bids.Inventory) {
	for _, f := range inv.Failures {
		unit := "dataset"
		var di *faults.DataIntegrityError
		if errors.As(f, &di) && di.Unit != "" {
			unit = di.Unit
		}
		_ = o.Report.RecordFailure(unit, "discover", "", f)
		o.record(trace.Event{Kind: trace.EventUnitSkipped, Unit: unit, Reason: reasonOf(f)})
	}
	for _, k := range inv.NoAnat {
		o.record(trace.Event{Kind: trace.EventUnitSkipped, Unit: k.String(), Reason: "NoAnat"})
	}
}
