package trace

import "sync"

// Sink receives events from unit workers. Record must not panic or block.
type Sink interface {
	Record(event Event)
}

// SafeRecord records an event, swallowing panics from a buggy sink.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Recorder is a concurrency-safe in-memory collector. Arrival order is
// irrelevant; ordering is computed by Canonicalize.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Snapshot returns a copy of all recorded events.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Trace builds a canonical PipelineTrace from the recorded events.
func (r *Recorder) Trace(dataset string) PipelineTrace {
	tr := PipelineTrace{Dataset: dataset}
	tr.Events = r.Snapshot()
	tr.Canonicalize()
	return tr
}
