// Package bids reads the parts of a BIDS dataset the defacing pipeline needs:
// subject and session directories, anatomical scans and their sidecars.
package bids

import (
	"path/filepath"
	"strings"
)

const (
	SubjectPrefix = "sub-"
	SessionPrefix = "ses-"
	AcqPrefix     = "acq-"

	AnatDir = "anat"

	// T1wSuffix marks the scans eligible to become the primary.
	T1wSuffix = "T1w"
)

// SessionKey identifies one unit of work: a subject's session, or the subject
// itself when the dataset has no session level.
type SessionKey struct {
	Subject string
	Session string
}

// WithSession returns the key of a session directory. Labels may be given
// with or without their sub-/ses- prefix.
func WithSession(subject, session string) SessionKey {
	return SessionKey{Subject: withPrefix(SubjectPrefix, subject), Session: withPrefix(SessionPrefix, session)}
}

// WithoutSession returns the key of a session-less subject.
func WithoutSession(subject string) SessionKey {
	return SessionKey{Subject: withPrefix(SubjectPrefix, subject)}
}

// HasSession reports whether the key names a session directory.
func (k SessionKey) HasSession() bool { return k.Session != "" }

// String renders the key as a relative path, e.g. "sub-01/ses-01".
func (k SessionKey) String() string {
	if k.HasSession() {
		return k.Subject + "/" + k.Session
	}
	return k.Subject
}

// Name renders the key as a file-name-safe identifier, e.g. "sub-01_ses-01".
func (k SessionKey) Name() string {
	if k.HasSession() {
		return k.Subject + "_" + k.Session
	}
	return k.Subject
}

// RelDir is the key's directory relative to a dataset root.
func (k SessionKey) RelDir() string {
	if k.HasSession() {
		return filepath.Join(k.Subject, k.Session)
	}
	return k.Subject
}

// AnatDir is the key's anat directory under root.
func (k SessionKey) AnatDir(root string) string {
	return filepath.Join(root, k.RelDir(), AnatDir)
}

// Less orders keys by subject, then session.
func (k SessionKey) Less(o SessionKey) bool {
	if k.Subject != o.Subject {
		return k.Subject < o.Subject
	}
	return k.Session < o.Session
}

// Scan is one anatomical image file. Its identity is its path.
type Scan struct {
	Path        string
	Subject     string
	Session     string
	Acquisition string
	Suffix      string

	// AcquisitionTime comes from the sidecar; empty when it records none.
	AcquisitionTime string
}

// ParseScan reads the BIDS entities from the file name of path.
func ParseScan(path string) Scan {
	s := Scan{Path: path}
	parts := strings.Split(Stem(filepath.Base(path)), "_")
	for i, p := range parts {
		switch {
		case strings.HasPrefix(p, SubjectPrefix):
			s.Subject = p
		case strings.HasPrefix(p, SessionPrefix):
			s.Session = p
		case strings.HasPrefix(p, AcqPrefix):
			s.Acquisition = strings.TrimPrefix(p, AcqPrefix)
		case i == len(parts)-1 && !strings.Contains(p, "-"):
			s.Suffix = p
		}
	}
	return s
}

// Stem is the file name without its extension (".nii", ".nii.gz", ".json").
func (s Scan) Stem() string { return Stem(filepath.Base(s.Path)) }

// Sidecar is the path of the JSON sidecar that belongs to the scan.
func (s Scan) Sidecar() string {
	return filepath.Join(filepath.Dir(s.Path), s.Stem()+".json")
}

// Label is the file name stem without its subject and session entities,
// e.g. "acq-mprage_run-1_T1w".
func (s Scan) Label() string {
	parts := strings.Split(s.Stem(), "_")
	var kept []string
	for _, p := range parts {
		if strings.HasPrefix(p, SubjectPrefix) || strings.HasPrefix(p, SessionPrefix) {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "_")
}

// Entities splits the stem on "_", e.g. [sub-01 ses-01 T1w].
func (s Scan) Entities() []string {
	return strings.Split(s.Stem(), "_")
}

// Stem strips everything from the first "." of a file name.
func Stem(name string) string {
	if i := strings.Index(name, "."); i >= 0 {
		return name[:i]
	}
	return name
}

// IsImage reports whether name is a NIfTI image (".nii" or ".nii.gz").
func IsImage(name string) bool {
	return strings.HasSuffix(name, ".nii") || strings.HasSuffix(name, ".nii.gz")
}

func withPrefix(prefix, label string) string {
	if label == "" || strings.HasPrefix(label, prefix) {
		return label
	}
	return prefix + label
}

// TrimLabel removes a sub- or ses- prefix from a user supplied label.
func TrimLabel(label string) string {
	label = strings.TrimSpace(label)
	for _, p := range []string{SubjectPrefix, SessionPrefix} {
		if strings.HasPrefix(label, p) {
			return strings.TrimPrefix(label, p)
		}
	}
	return label
}
