package trace

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestCanonicalTraceStability_ByteForByte(t *testing.T) {
	trace1 := PipelineTrace{
		Dataset: "ds",
		Events: []Event{
			{Kind: EventUnitReorganized, Unit: "sub-02", Outputs: []string{"b", "a"}},
			{Kind: EventUnitDefaced, Unit: "sub-01", Scan: "sub-01_T1w"},
			{Kind: EventScanRegistrationFailed, Unit: "sub-01", Scan: "sub-01_T2w", Reason: "MissingArtifact"},
		},
	}
	trace2 := PipelineTrace{
		Dataset: "ds",
		Events: []Event{
			{Kind: EventScanRegistrationFailed, Unit: "sub-01", Reason: "MissingArtifact", Scan: "sub-01_T2w"},
			{Kind: EventUnitDefaced, Unit: "sub-01", Scan: "sub-01_T1w"},
			{Kind: EventUnitReorganized, Unit: "sub-02", Outputs: []string{"a", "b"}},
		},
	}

	b1, err := trace1.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (1): %v", err)
	}
	b2, err := trace2.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (2): %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected identical bytes\n1=%s\n2=%s", string(b1), string(b2))
	}
}

func TestCanonicalOrdering_UnitThenKind(t *testing.T) {
	tr := PipelineTrace{
		Dataset: "ds",
		Events: []Event{
			{Kind: EventUnitReorganized, Unit: "sub-01"},
			{Kind: EventUnitDefaced, Unit: "sub-01", Scan: "sub-01_T1w"},
			{Kind: EventUnitSkipped, Unit: "sub-00", Reason: "NoAnat"},
		},
	}
	b, err := tr.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	expected := `{"dataset":"ds","events":[{"kind":"UnitSkipped","unit":"sub-00","reason":"NoAnat"},{"kind":"UnitDefaced","unit":"sub-01","scan":"sub-01_T1w"},{"kind":"UnitReorganized","unit":"sub-01"}]}`
	if string(b) != expected {
		t.Fatalf("unexpected canonical bytes\nexpected=%s\nactual  =%s", expected, string(b))
	}
}

func TestRecorder_ConcurrentRecordingIsOrderIndependent(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for _, u := range []string{"sub-03", "sub-01", "sub-02"} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			SafeRecord(r, Event{Kind: EventUnitDefaced, Unit: u})
		}(u)
	}
	wg.Wait()

	tr := r.Trace("ds")
	if len(tr.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(tr.Events))
	}
	for i, want := range []string{"sub-01", "sub-02", "sub-03"} {
		if tr.Events[i].Unit != want {
			t.Fatalf("events[%d].unit = %q, want %q", i, tr.Events[i].Unit, want)
		}
	}
}

func TestValidate_RequiresUnit(t *testing.T) {
	tr := PipelineTrace{Dataset: "ds", Events: []Event{{Kind: EventUnitDefaced}}}
	if _, err := tr.CanonicalJSON(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestWriteFile_ReturnsHashOfContent(t *testing.T) {
	dir := t.TempDir()
	tr := PipelineTrace{Dataset: "ds", Events: []Event{{Kind: EventMaskDerived, Unit: "sub-01"}}}
	h, err := WriteFile(dir, tr)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	want, err := tr.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h != want {
		t.Fatalf("hash mismatch: %s != %s", h, want)
	}
	b, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.HasSuffix(b, []byte("]}\n")) {
		t.Fatalf("unexpected file content: %s", b)
	}
}

func TestSafeRecord_SwallowsPanics(t *testing.T) {
	SafeRecord(panicSink{}, Event{Kind: EventUnitDefaced, Unit: "x"})
	SafeRecord(nil, Event{})
}

type panicSink struct{}

func (panicSink) Record(Event) { panic("boom") }
