// Package trace records the logical outcome of every unit of a batch as a
// canonical, deterministic document. Two batches over the same dataset with
// the same tool behaviour produce byte-identical traces regardless of worker
// count or scheduling.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// PipelineTrace is the canonical record of one batch.
//
// It holds no timestamps, durations, error strings or absolute paths. Events
// are ordered by Canonicalize, never by arrival.
type PipelineTrace struct {
	// Dataset identifies the input (the BIDS root basename and mode).
	Dataset string
	Events  []Event
}

// EventKind values are part of the canonical bytes; do not rename.
type EventKind string

const (
	EventUnitSkipped            EventKind = "UnitSkipped"
	EventUnitDefaced            EventKind = "UnitDefaced"
	EventUnitDefaceFailed       EventKind = "UnitDefaceFailed"
	EventMaskDerived            EventKind = "MaskDerived"
	EventMaskFailed             EventKind = "MaskFailed"
	EventScanRegistered         EventKind = "ScanRegistered"
	EventScanRegistrationFailed EventKind = "ScanRegistrationFailed"
	EventUnitReorganized        EventKind = "UnitReorganized"
)

// Event is a single logical transition of a unit.
type Event struct {
	Kind EventKind

	// Unit is the session key, e.g. "sub-01/ses-01".
	Unit string

	// Scan is the file stem the event refers to, when it refers to one.
	Scan string

	// Reason is a stable code such as "MissingArtifact" or "NoAnat".
	Reason string

	// Outputs are paths relative to the defaced root.
	Outputs []string
}

func (t *PipelineTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.Dataset == "" {
		return errors.New("dataset is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Unit == "" {
			return fmt.Errorf("events[%d].unit is required for kind %q", i, e.Kind)
		}
		for j, o := range e.Outputs {
			if o == "" {
				return fmt.Errorf("events[%d].outputs[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts outputs and orders events by
// (unit, kindOrder, scan, reason, outputs).
func (t *PipelineTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Outputs) == 0 {
			t.Events[i].Outputs = nil
			continue
		}
		out := make([]string, len(t.Events[i].Outputs))
		copy(out, t.Events[i].Outputs)
		sort.Strings(out)
		t.Events[i].Outputs = out
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a := t.Events[i]
		b := t.Events[j]

		if a.Unit != b.Unit {
			return a.Unit < b.Unit
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Scan != b.Scan {
			return a.Scan < b.Scan
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return compareStringSlices(a.Outputs, b.Outputs)
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventUnitSkipped:
		return 10
	case EventUnitDefaced:
		return 20
	case EventUnitDefaceFailed:
		return 30
	case EventMaskDerived:
		return 40
	case EventMaskFailed:
		return 50
	case EventScanRegistered:
		return 60
	case EventScanRegistrationFailed:
		return 70
	case EventUnitReorganized:
		return 80
	default:
		return 1000
	}
}

func compareStringSlices(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] == b[i] {
			continue
		}
		return a[i] < b[i]
	}
	return len(a) < len(b)
}

// CanonicalJSON canonicalizes a copy of the trace and encodes it.
func (t PipelineTrace) CanonicalJSON() ([]byte, error) {
	c := PipelineTrace{Dataset: t.Dataset}
	c.Events = make([]Event, len(t.Events))
	copy(c.Events, t.Events)
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&c)
}

// Hash is the sha256 of the canonical encoding.
func (t PipelineTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// MarshalJSON fixes field order.
func (t PipelineTrace) MarshalJSON() ([]byte, error) {
	if t.Dataset == "" {
		return nil, errors.New("dataset is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"dataset":`)
	db, _ := json.Marshal(t.Dataset)
	buf.Write(db)
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var outputs []string
	if len(e.Outputs) > 0 {
		outputs = make([]string, len(e.Outputs))
		copy(outputs, e.Outputs)
		sort.Strings(outputs)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)

	writeField := func(name, v string) {
		if v == "" {
			return
		}
		buf.WriteString(`,"` + name + `":`)
		b, _ := json.Marshal(v)
		buf.Write(b)
	}
	writeField("unit", e.Unit)
	writeField("scan", e.Scan)
	writeField("reason", e.Reason)

	if len(outputs) > 0 {
		buf.WriteString(`,"outputs":`)
		ob, _ := json.Marshal(outputs)
		buf.Write(ob)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
