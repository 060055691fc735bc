package bids

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"bidsdeface/internal/faults"
)

// Sidecar fields consulted for the acquisition time, in order of preference.
var acquisitionTimeFields = []string{"AcquisitionTime", "AcquisitionDateTime"}

// Unit is the crawl result for one session: its primary scan and everything
// else in its anat directory.
type Unit struct {
	Key SessionKey

	// Primary is empty when the anat directory has no T1w sidecar.
	Primary string

	// Others is sorted and never contains Primary.
	Others []string
}

// Inventory is everything discovery learned about a dataset.
type Inventory struct {
	Root string

	// Units holds one entry per session with a usable anat directory,
	// sorted by key.
	Units []Unit

	// AnatSessions counts sessions that have an anat directory.
	AnatSessions int

	// WithT1w lists sessions with at least one T1w sidecar.
	WithT1w []SessionKey

	// NoPrimary lists sessions whose anat directory has no T1w sidecar.
	NoPrimary []SessionKey

	// NoAnat lists sessions without an anat directory.
	NoAnat []SessionKey

	// Failures holds one DataIntegrityError per unit that could not be mapped.
	Failures []error
}

// Discoverer crawls a BIDS dataset.
type Discoverer struct {
	// Rand breaks ties when no sidecar carries an acquisition time.
	Rand *rand.Rand

	// Logger receives the no-metadata warnings.
	Logger zerolog.Logger
}

// NewDiscoverer returns a Discoverer whose fallback shuffle is seeded from the clock.
func NewDiscoverer(logger zerolog.Logger) *Discoverer {
	seed := uint64(time.Now().UnixNano())
	return &Discoverer{
		Rand:   rand.New(rand.NewPCG(seed, seed>>1|1)),
		Logger: logger,
	}
}

// Discover walks root and selects a primary scan for every session.
//
// A session where any T1w sidecar has no image next to it fails with a
// DataIntegrityError, recorded in Inventory.Failures; other sessions are
// unaffected. The returned error is reserved for problems with root itself.
func (d *Discoverer) Discover(ctx context.Context, root string) (*Inventory, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, &faults.StructuralConfigError{Code: "InputMissing", Message: fmt.Sprintf("input directory %s is not readable", root), Cause: err}
	}
	if !info.IsDir() {
		return nil, faults.Structuralf("InputMissing", "input path %s is not a directory", root)
	}

	subjects, err := listDirs(root, SubjectPrefix)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}

	inv := &Inventory{Root: root}
	for _, subject := range subjects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sessions, err := listDirs(filepath.Join(root, subject), SessionPrefix)
		if err != nil {
			return nil, fmt.Errorf("list sessions of %s: %w", subject, err)
		}

		keys := make([]SessionKey, 0, len(sessions))
		if len(sessions) == 0 {
			keys = append(keys, WithoutSession(subject))
		}
		for _, ses := range sessions {
			keys = append(keys, WithSession(subject, ses))
		}

		for _, key := range keys {
			d.crawlSession(inv, key)
		}
	}
	return inv, nil
}

func (d *Discoverer) crawlSession(inv *Inventory, key SessionKey) {
	anat := key.AnatDir(inv.Root)
	if fi, err := os.Stat(anat); err != nil || !fi.IsDir() {
		inv.NoAnat = append(inv.NoAnat, key)
		return
	}
	inv.AnatSessions++

	images, err := listImages(anat)
	if err != nil {
		inv.Failures = append(inv.Failures, &faults.DataIntegrityError{Unit: key.String(), Path: anat, Message: "anat directory not readable", Cause: err})
		return
	}
	sidecars, err := filepath.Glob(filepath.Join(anat, "*"+T1wSuffix+".json"))
	if err != nil {
		inv.Failures = append(inv.Failures, &faults.DataIntegrityError{Unit: key.String(), Path: anat, Message: "bad sidecar pattern", Cause: err})
		return
	}
	sort.Strings(sidecars)

	unit := Unit{Key: key}
	if len(sidecars) == 0 {
		inv.NoPrimary = append(inv.NoPrimary, key)
		unit.Others = images
		inv.Units = append(inv.Units, unit)
		return
	}

	candidates := make([]Scan, 0, len(sidecars))
	for _, sc := range sidecars {
		image, ok := imageForSidecar(sc)
		if !ok {
			inv.Failures = append(inv.Failures, &faults.DataIntegrityError{
				Unit:    key.String(),
				Path:    sc,
				Message: "T1w sidecar has no matching .nii.gz or .nii image",
			})
			return
		}
		scan := ParseScan(image)
		when, _, err := ReadAcquisitionTime(sc)
		if err != nil {
			d.Logger.Warn().Err(err).Str("unit", key.String()).Str("sidecar", sc).Msg("sidecar unreadable; ignoring its acquisition time")
		}
		scan.AcquisitionTime = when
		candidates = append(candidates, scan)
	}
	primary := d.selectPrimary(key, candidates).Path

	inv.WithT1w = append(inv.WithT1w, key)
	unit.Primary = primary
	for _, img := range images {
		if img != primary {
			unit.Others = append(unit.Others, img)
		}
	}
	inv.Units = append(inv.Units, unit)
}

// selectPrimary returns the candidate with the latest acquisition time.
// Equal times are broken by sidecar path. When no candidate carries a time at
// all the choice is random, and a warning is logged.
func (d *Discoverer) selectPrimary(key SessionKey, candidates []Scan) Scan {
	var withTime []Scan
	for _, c := range candidates {
		if c.AcquisitionTime != "" {
			withTime = append(withTime, c)
		}
	}

	if len(withTime) > 0 {
		sort.SliceStable(withTime, func(i, j int) bool {
			if withTime[i].AcquisitionTime != withTime[j].AcquisitionTime {
				return withTime[i].AcquisitionTime > withTime[j].AcquisitionTime
			}
			return withTime[i].Sidecar() < withTime[j].Sidecar()
		})
		return withTime[0]
	}

	sidecars := make([]string, len(candidates))
	for i, c := range candidates {
		sidecars[i] = c.Sidecar()
	}
	d.Logger.Warn().
		Str("unit", key.String()).
		Strs("sidecars", sidecars).
		Msg("'AcquisitionTime' or 'AcquisitionDateTime' not found in any T1w sidecar; picking a primary scan arbitrarily")
	shuffled := append([]Scan(nil), candidates...)
	if d.Rand != nil {
		d.Rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	}
	return shuffled[0]
}

// ReadAcquisitionTime returns the acquisition time recorded in a sidecar,
// preferring AcquisitionTime over AcquisitionDateTime.
func ReadAcquisitionTime(sidecar string) (string, bool, error) {
	data, err := os.ReadFile(sidecar)
	if err != nil {
		return "", false, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", false, fmt.Errorf("parse %s: %w", sidecar, err)
	}
	for _, name := range acquisitionTimeFields {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			v = string(raw)
		}
		// null and blank values count as absent.
		if v = strings.TrimSpace(v); v != "" && v != "null" {
			return v, true, nil
		}
	}
	return "", false, nil
}

// imageForSidecar finds the image a sidecar describes, trying .nii.gz first.
func imageForSidecar(sidecar string) (string, bool) {
	base := filepath.Join(filepath.Dir(sidecar), Stem(filepath.Base(sidecar)))
	for _, ext := range []string{".nii.gz", ".nii"} {
		if fi, err := os.Stat(base + ext); err == nil && !fi.IsDir() {
			return base + ext, true
		}
	}
	return "", false
}

// listDirs returns the sorted names of the directories in dir starting with prefix.
func listDirs(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// listImages returns the absolute paths of the .nii and .nii.gz files in dir, sorted.
func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !IsImage(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}
