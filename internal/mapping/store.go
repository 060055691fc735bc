package mapping

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"bidsdeface/internal/bids"
	"bidsdeface/internal/fsutil"
)

const (
	lockName          = ".mapping.lock"
	logsDir           = "logs"
	t1UnavailableName = "t1_unavailable.txt"
	anatMissingName   = "anat_unavailable.txt"

	lockRetryDelay = 100 * time.Millisecond
)

// Store persists the mapping and the discovery diagnostics under an output
// directory:
//
//	<outputDir>/primary_to_others_mapping.json
//	<outputDir>/logs/t1_unavailable.txt
//	<outputDir>/logs/anat_unavailable.txt
//
// Writes are atomic and durable (file sync + atomic rename + dir sync) and
// serialised across processes with a file lock.
type Store struct {
	outputDir string
}

func NewStore(outputDir string) (*Store, error) {
	if strings.TrimSpace(outputDir) == "" {
		return nil, errors.New("outputDir is required")
	}
	return &Store{outputDir: outputDir}, nil
}

// Path is the location of the mapping file.
func (s *Store) Path() string { return filepath.Join(s.outputDir, FileName) }

// T1UnavailablePath lists sessions without a T1w scan.
func (s *Store) T1UnavailablePath() string {
	return filepath.Join(s.outputDir, logsDir, t1UnavailableName)
}

// AnatUnavailablePath lists sessions without an anat directory.
func (s *Store) AnatUnavailablePath() string {
	return filepath.Join(s.outputDir, logsDir, anatMissingName)
}

func (s *Store) lockPath() string { return filepath.Join(s.outputDir, lockName) }

// Save writes the mapping and the diagnostics listings for inv.
func (s *Store) Save(ctx context.Context, m *Mapping, inv *bids.Inventory) error {
	if m == nil {
		return errors.New("nil mapping")
	}
	if err := fsutil.EnsureDir(filepath.Join(s.outputDir, logsDir), 0o755); err != nil {
		return fmt.Errorf("ensure output dir: %w", err)
	}

	lock := flock.New(s.lockPath())
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock mapping: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock mapping: %s is held by another process", s.lockPath())
	}
	defer func() { _ = lock.Unlock() }()

	data, err := m.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	if err := fsutil.WriteFile(s.Path(), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write mapping: %w", err)
	}

	if inv == nil {
		return nil
	}
	if err := fsutil.WriteFile(s.T1UnavailablePath(), listing(inv.Root, inv.NoPrimary), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", t1UnavailableName, err)
	}
	if err := fsutil.WriteFile(s.AnatUnavailablePath(), listing(inv.Root, inv.NoAnat), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", anatMissingName, err)
	}
	return nil
}

// Load reads the mapping file under a shared lock.
func (s *Store) Load(ctx context.Context) (*Mapping, error) {
	lock := flock.New(s.lockPath())
	locked, err := lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock mapping: %w", err)
	}
	if locked {
		defer func() { _ = lock.Unlock() }()
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		return nil, err
	}
	m := &Mapping{}
	if err := m.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	for _, k := range m.Keys() {
		if err := m.entries[k].Validate(); err != nil {
			return nil, fmt.Errorf("invalid mapping on disk: %s: %w", k, err)
		}
	}
	if err := m.checkShape(); err != nil {
		return nil, fmt.Errorf("invalid mapping on disk: %w", err)
	}
	return m, nil
}

// WriteSummary prints the dataset summary shown after a crawl.
func (s *Store) WriteSummary(w io.Writer, inv *bids.Inventory) {
	fmt.Fprintln(w, "====================")
	fmt.Fprintln(w, "Dataset Summary")
	fmt.Fprintln(w, "====================")
	fmt.Fprintf(w, "Total number of sessions with 'anat' directory in the dataset: %d\n", inv.AnatSessions)
	fmt.Fprintf(w, "Sessions with 'anat' directory with at least one T1w scan: %d\n\n", len(inv.WithT1w))
	if len(inv.NoPrimary) > 0 {
		names := make([]string, len(inv.NoPrimary))
		for i, k := range inv.NoPrimary {
			names[i] = k.String()
		}
		fmt.Fprintf(w, "Sessions without a T1w scan: %d\n", len(inv.NoPrimary))
		fmt.Fprintf(w, "List of sessions without a T1w scan:\n %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(w, "\nPlease find the mapping file in JSON format at %s\nand other helpful logs at %s\n\n",
		s.Path(), filepath.Join(s.outputDir, logsDir))
}

// listing renders session directories one per line.
func listing(root string, keys []bids.SessionKey) []byte {
	var b bytes.Buffer
	for _, k := range keys {
		b.WriteString(filepath.Join(root, k.RelDir()))
		b.WriteByte('\n')
	}
	return b.Bytes()
}
