package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// UnitState is the runtime state of one session unit.
type UnitState string

const (
	UnitPending   UnitState = "PENDING"
	UnitRunning   UnitState = "RUNNING"
	UnitSucceeded UnitState = "SUCCEEDED"
	UnitFailed    UnitState = "FAILED"

	// UnitSkipped is a unit the batch never started, because it was
	// cancelled first.
	UnitSkipped UnitState = "SKIPPED"
)

// States holds per-unit state keyed by the unit string.
type States map[string]UnitState

// IsTerminal reports whether the state is terminal.
func IsTerminal(s UnitState) bool {
	switch s {
	case UnitSucceeded, UnitFailed, UnitSkipped:
		return true
	default:
		return false
	}
}

// Transition performs a validated transition for a single unit.
//
// The caller supplies the expected prior state (from) to make races
// observable. state is mutated if and only if the transition is valid.
func Transition(state States, unit string, from, to UnitState) error {
	cur, ok := state[unit]
	if !ok {
		return fmt.Errorf("unknown unit in state: %q", unit)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", unit, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", unit, from, to)
	}
	state[unit] = to
	return nil
}

func isAllowedTransition(from, to UnitState) bool {
	switch from {
	case UnitPending:
		return to == UnitRunning || to == UnitSkipped
	case UnitRunning:
		return to == UnitSucceeded || to == UnitFailed
	default:
		return false
	}
}

// stateTable is States shared by the workers of one batch.
type stateTable struct {
	mu     sync.Mutex
	states States
}

func newStateTable(units []string) *stateTable {
	st := make(States, len(units))
	for _, u := range units {
		st[u] = UnitPending
	}
	return &stateTable{states: st}
}

func (t *stateTable) transition(unit string, from, to UnitState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Transition(t.states, unit, from, to)
}

func (t *stateTable) get(unit string) UnitState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[unit]
}

// nonTerminal lists units that have not finished, sorted.
func (t *stateTable) nonTerminal() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for u, s := range t.states {
		if !IsTerminal(s) {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}
