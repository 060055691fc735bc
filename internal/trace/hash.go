package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the trace document written into the logs directory.
const FileName = "pipeline_trace.json"

// ComputeTraceHash is the hex sha256 of a canonical trace encoding.
func ComputeTraceHash(canonicalEncoding []byte) string {
	if len(canonicalEncoding) == 0 {
		return ""
	}
	sum := sha256.Sum256(canonicalEncoding)
	return hex.EncodeToString(sum[:])
}

// WriteFile writes the canonical encoding of t to <dir>/pipeline_trace.json
// and returns its hash.
func WriteFile(dir string, t PipelineTrace) (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write trace: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("write trace: %w", err)
	}
	return ComputeTraceHash(b), nil
}
