package pipeline

import (
	"testing"

	"bidsdeface/internal/bids"
	"bidsdeface/internal/faults"
	"bidsdeface/internal/mapping"
)

func TestStateMachine_Transitions_ValidAndInvalid(t *testing.T) {
	state := States{"sub-01": UnitPending}

	if err := Transition(state, "sub-01", UnitPending, UnitRunning); err != nil {
		t.Fatalf("expected valid transition, got %v", err)
	}
	if err := Transition(state, "sub-01", UnitRunning, UnitSucceeded); err != nil {
		t.Fatalf("expected valid transition, got %v", err)
	}

	// Terminal -> RUNNING is forbidden.
	if err := Transition(state, "sub-01", UnitSucceeded, UnitRunning); err == nil {
		t.Fatalf("expected error")
	}

	// A stale expected state is rejected without mutating.
	state["sub-01"] = UnitFailed
	if err := Transition(state, "sub-01", UnitRunning, UnitSucceeded); err == nil {
		t.Fatalf("expected error")
	}
	if state["sub-01"] != UnitFailed {
		t.Fatalf("state mutated by rejected transition: %s", state["sub-01"])
	}

	// PENDING cannot jump straight to a result.
	state["sub-02"] = UnitPending
	if err := Transition(state, "sub-02", UnitPending, UnitSucceeded); err == nil {
		t.Fatalf("expected error")
	}

	if err := Transition(state, "sub-03", UnitPending, UnitRunning); err == nil {
		t.Fatalf("expected error for unknown unit")
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []UnitState{UnitSucceeded, UnitFailed, UnitSkipped} {
		if !IsTerminal(s) {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []UnitState{UnitPending, UnitRunning} {
		if IsTerminal(s) {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func sessionMapping(t *testing.T) *mapping.Mapping {
	t.Helper()
	m, err := mapping.New([]bids.Unit{
		{Key: bids.WithSession("01", "01"), Primary: "/d/sub-01/ses-01/anat/sub-01_ses-01_T1w.nii.gz"},
		{Key: bids.WithSession("01", "02"), Primary: "/d/sub-01/ses-02/anat/sub-01_ses-02_T1w.nii.gz"},
		{Key: bids.WithSession("02", "01"), Others: []string{"/d/sub-02/ses-01/anat/sub-02_ses-01_T2w.nii.gz"}},
		{Key: bids.WithoutSession("03"), Primary: "/d/sub-03/anat/sub-03_T1w.nii.gz"},
	})
	if err != nil {
		t.Fatalf("mapping: %v", err)
	}
	return m
}

func keyStrings(keys []bids.SessionKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

func TestSelectUnits(t *testing.T) {
	m := sessionMapping(t)
	cases := []struct {
		name string
		sel  Selection
		want []string
		code string
	}{
		{name: "everything", want: []string{"sub-01/ses-01", "sub-01/ses-02", "sub-02/ses-01", "sub-03"}},
		{name: "participant with prefix", sel: Selection{Participants: []string{"sub-02"}}, want: []string{"sub-02/ses-01"}},
		{name: "participant and session", sel: Selection{Participants: []string{"01"}, Sessions: []string{"ses-02"}}, want: []string{"sub-01/ses-02"}},
		{name: "session across subjects", sel: Selection{Participants: []string{"01", "02"}, Sessions: []string{"01"}}, want: []string{"sub-01/ses-01", "sub-02/ses-01"}},
		{name: "session on flat subject", sel: Selection{Participants: []string{"03"}, Sessions: []string{"01"}}, code: "SessionFilterWithoutSessions"},
		{name: "session without participants spans a flat subject", sel: Selection{Sessions: []string{"01"}}, code: "SessionFilterWithoutSessions"},
		{name: "unknown participant", sel: Selection{Participants: []string{"01", "42"}}, code: "UnknownParticipant"},
		{name: "nothing matches", sel: Selection{Participants: []string{"02"}, Sessions: []string{"09"}}, code: "NoMatchingUnits"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keys, err := SelectUnits(m, tc.sel)
			if tc.code != "" {
				if !faults.IsStructural(err) {
					t.Fatalf("expected structural error, got %v", err)
				}
				if _, code := faults.Classify(err); code != tc.code {
					t.Fatalf("code = %q, want %q", code, tc.code)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := keyStrings(keys)
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestSelectUnits_EmptyMappingIsStructural(t *testing.T) {
	m, err := mapping.New(nil)
	if err != nil {
		t.Fatalf("mapping: %v", err)
	}
	if _, err := SelectUnits(m, Selection{}); !faults.IsStructural(err) {
		t.Fatalf("expected structural error, got %v", err)
	}
}
