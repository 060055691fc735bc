// Package testutil provides shared fixtures: small BIDS datasets and a
// scripted stand-in for the AFNI and FSL tools.
package testutil

import (
	"bytes"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"bidsdeface/internal/nifti"
)

// WriteFile writes content to path, creating parent directories.
func WriteFile(t testing.TB, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WriteImage writes a small valid NIfTI volume whose payload depends on seed.
func WriteImage(t testing.TB, path, seed string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, imageBytes(seed), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func imageBytes(seed string) []byte {
	var buf bytes.Buffer
	_ = nifti.NewHeader(2, 2, 2).Write(&buf)
	sum := sha256.Sum256([]byte(seed))
	buf.Write(sum[:16])
	return buf.Bytes()
}

// Scan describes one anatomical image of a fixture dataset.
type Scan struct {
	// Name is the file name, e.g. "sub-01_ses-01_T1w.nii.gz".
	Name string

	// Sidecar is the JSON sidecar content; empty means no sidecar.
	Sidecar string
}

// Dataset builds a BIDS tree under root. Keys are relative session
// directories ("sub-01/ses-01" or "sub-02").
func Dataset(t testing.TB, root string, sessions map[string][]Scan) {
	t.Helper()
	WriteFile(t, filepath.Join(root, "dataset_description.json"), `{"Name": "fixture", "BIDSVersion": "1.8.0"}`)
	for rel, scans := range sessions {
		anat := filepath.Join(root, filepath.FromSlash(rel), "anat")
		for _, s := range scans {
			WriteImage(t, filepath.Join(anat, s.Name), rel+"/"+s.Name)
			if s.Sidecar != "" {
				WriteFile(t, filepath.Join(anat, stem(s.Name)+".json"), s.Sidecar)
			}
		}
	}
}

func stem(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			return name[:i]
		}
	}
	return name
}
