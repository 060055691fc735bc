// Package mapping holds the primary-to-others mapping: for every session, the
// scan that gets defaced directly and the scans that receive its mask.
//
// The JSON form is an interop contract read by other tools:
//
//	{"sub-01": {"ses-01": {"primary_t1": "...", "others": ["..."]}}}
//	{"sub-02": {"primary_t1": "...", "others": ["..."]}}
package mapping

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"bidsdeface/internal/bids"
)

const (
	// FileName is the mapping file name under the output directory.
	FileName = "primary_to_others_mapping.json"

	fieldPrimary = "primary_t1"
	fieldOthers  = "others"
)

// Entry is the mapping for one session.
type Entry struct {
	Primary string   `json:"primary_t1"`
	Others  []string `json:"others"`
}

// HasPrimary reports whether a T1w was found for the session.
func (e Entry) HasPrimary() bool { return e.Primary != "" }

// Primaries returns the scans that are defaced directly: the primary, or
// every other scan when there is none.
func (e Entry) Primaries() []string {
	if e.HasPrimary() {
		return []string{e.Primary}
	}
	return append([]string(nil), e.Others...)
}

func (e Entry) clone() Entry {
	return Entry{Primary: e.Primary, Others: append([]string{}, e.Others...)}
}

// Validate checks the entry invariants.
func (e Entry) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(e.Others))
	for i, o := range e.Others {
		if strings.TrimSpace(o) == "" {
			errs = append(errs, fmt.Errorf("others[%d] must not be empty", i))
		}
		if e.Primary != "" && o == e.Primary {
			errs = append(errs, fmt.Errorf("others[%d] repeats the primary", i))
		}
		if seen[o] {
			errs = append(errs, fmt.Errorf("others[%d] is a duplicate", i))
		}
		seen[o] = true
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Mapping is the immutable result of discovery. Accessors return copies.
type Mapping struct {
	entries map[bids.SessionKey]Entry
}

// New builds a Mapping from crawled units. Others are sorted.
func New(units []bids.Unit) (*Mapping, error) {
	m := &Mapping{entries: make(map[bids.SessionKey]Entry, len(units))}
	for _, u := range units {
		if _, dup := m.entries[u.Key]; dup {
			return nil, fmt.Errorf("duplicate unit %s", u.Key)
		}
		e := Entry{Primary: u.Primary, Others: append([]string{}, u.Others...)}
		sort.Strings(e.Others)
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("unit %s: %w", u.Key, err)
		}
		m.entries[u.Key] = e
	}
	if err := m.checkShape(); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the entry for key.
func (m *Mapping) Get(key bids.SessionKey) (Entry, bool) {
	if m == nil {
		return Entry{}, false
	}
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Keys returns every key, sorted by subject then session.
func (m *Mapping) Keys() []bids.SessionKey {
	if m == nil {
		return nil
	}
	keys := make([]bids.SessionKey, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Len is the number of sessions in the mapping.
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Subjects returns the sorted subject labels present in the mapping.
func (m *Mapping) Subjects() []string {
	var out []string
	for _, k := range m.Keys() {
		if len(out) == 0 || out[len(out)-1] != k.Subject {
			out = append(out, k.Subject)
		}
	}
	return out
}

// HasSessions reports whether subject is organised in session directories.
func (m *Mapping) HasSessions(subject string) bool {
	for k := range m.entries {
		if k.Subject == subject && k.HasSession() {
			return true
		}
	}
	return false
}

// checkShape rejects subjects that mix session and session-less entries;
// the JSON form cannot represent them.
func (m *Mapping) checkShape() error {
	with := map[string]bool{}
	without := map[string]bool{}
	for k := range m.entries {
		if k.HasSession() {
			with[k.Subject] = true
		} else {
			without[k.Subject] = true
		}
	}
	for s := range with {
		if without[s] {
			return fmt.Errorf("subject %s has both session and session-less entries", s)
		}
	}
	return nil
}

// MarshalJSON writes the nested subject/session form with 4-space indent.
// Keys are sorted, so equal mappings produce identical bytes.
func (m *Mapping) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any)
	for _, k := range m.Keys() {
		e := m.entries[k].clone()
		if !k.HasSession() {
			doc[k.Subject] = e
			continue
		}
		sessions, _ := doc[k.Subject].(map[string]Entry)
		if sessions == nil {
			sessions = make(map[string]Entry)
			doc[k.Subject] = sessions
		}
		sessions[k.Session] = e
	}
	return json.MarshalIndent(doc, "", "    ")
}

// UnmarshalJSON reads either shape per subject.
func (m *Mapping) UnmarshalJSON(data []byte) error {
	var doc map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("mapping: %w", err)
	}
	entries := make(map[bids.SessionKey]Entry)
	for subject, body := range doc {
		if !strings.HasPrefix(subject, bids.SubjectPrefix) {
			return fmt.Errorf("mapping: unexpected top-level key %q", subject)
		}
		if isEntry(body) {
			e, err := decodeEntry(body)
			if err != nil {
				return fmt.Errorf("mapping %s: %w", subject, err)
			}
			entries[bids.WithoutSession(subject)] = e
			continue
		}
		for session, raw := range body {
			if !strings.HasPrefix(session, bids.SessionPrefix) {
				return fmt.Errorf("mapping %s: unexpected key %q", subject, session)
			}
			var e Entry
			if err := decodeStrict(raw, &e); err != nil {
				return fmt.Errorf("mapping %s/%s: %w", subject, session, err)
			}
			if e.Others == nil {
				e.Others = []string{}
			}
			entries[bids.WithSession(subject, session)] = e
		}
	}
	m.entries = entries
	return nil
}

func isEntry(body map[string]json.RawMessage) bool {
	_, p := body[fieldPrimary]
	_, o := body[fieldOthers]
	return p || o
}

func decodeEntry(body map[string]json.RawMessage) (Entry, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := decodeStrict(raw, &e); err != nil {
		return Entry{}, err
	}
	if e.Others == nil {
		e.Others = []string{}
	}
	return e, nil
}

func decodeStrict(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
