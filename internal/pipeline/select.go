package pipeline

import (
	"sort"
	"strings"

	"bidsdeface/internal/bids"
	"bidsdeface/internal/faults"
	"bidsdeface/internal/mapping"
)

// Selection restricts a batch to some participants and sessions. Labels may
// be given with or without their sub-/ses- prefix. Empty means everything.
type Selection struct {
	Participants []string
	Sessions     []string
}

func (s Selection) subjects() map[string]bool {
	return labelSet(bids.SubjectPrefix, s.Participants)
}

func (s Selection) sessions() map[string]bool {
	return labelSet(bids.SessionPrefix, s.Sessions)
}

func labelSet(prefix string, labels []string) map[string]bool {
	if len(labels) == 0 {
		return nil
	}
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		if l = bids.TrimLabel(l); l != "" {
			set[prefix+l] = true
		}
	}
	return set
}

// SelectUnits returns the mapping keys matching sel, sorted.
//
// It fails with a *faults.StructuralConfigError when the mapping is empty, a
// requested participant does not exist, a session filter is applied to a
// subject without sessions, or nothing matches.
func SelectUnits(m *mapping.Mapping, sel Selection) ([]bids.SessionKey, error) {
	if m == nil || m.Len() == 0 {
		return nil, faults.Structuralf("NoUnits", "no session with an anat directory was found")
	}

	subjects := sel.subjects()
	sessions := sel.sessions()

	known := make(map[string]bool)
	for _, s := range m.Subjects() {
		known[s] = true
	}
	var unknown []string
	for s := range subjects {
		if !known[s] {
			unknown = append(unknown, s)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, faults.Structuralf("UnknownParticipant", "participant(s) not in dataset: %s", strings.Join(unknown, ", "))
	}

	if len(sessions) > 0 {
		var flat []string
		for _, s := range m.Subjects() {
			if (subjects == nil || subjects[s]) && !m.HasSessions(s) {
				flat = append(flat, s)
			}
		}
		if len(flat) > 0 {
			return nil, faults.Structuralf("SessionFilterWithoutSessions",
				"session filter given but %s has no session directories", strings.Join(flat, ", "))
		}
	}

	var keys []bids.SessionKey
	for _, k := range m.Keys() {
		if subjects != nil && !subjects[k.Subject] {
			continue
		}
		if sessions != nil && !sessions[k.Session] {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, faults.Structuralf("NoMatchingUnits", "no session matches the participant and session filters")
	}
	return keys, nil
}
