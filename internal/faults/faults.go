// Package faults defines the typed errors shared by every pipeline stage.
//
// Each type carries the unit it belongs to so the orchestrator can file the
// error into the batch report without re-deriving context.
package faults

import (
	"errors"
	"fmt"
)

// Class is the stable discriminator written to the batch report.
type Class string

const (
	ClassDataIntegrity   Class = "data_integrity"
	ClassExternalTool    Class = "external_tool"
	ClassMaskDerivation  Class = "mask_derivation"
	ClassStructural      Class = "structural_config"
	ClassInternal        Class = "internal"
	ClassExternalWarning Class = "external_tool_warning"
)

// DataIntegrityError reports a dataset that contradicts itself, e.g. a T1w
// sidecar whose image is missing. Fatal for the unit, never for the batch.
type DataIntegrityError struct {
	Unit    string
	Path    string
	Message string
	Cause   error
}

func (e *DataIntegrityError) Error() string {
	if e == nil {
		return ""
	}
	if e.Path != "" {
		return fmt.Sprintf("data integrity (%s): %s: %s", e.Unit, e.Message, e.Path)
	}
	return fmt.Sprintf("data integrity (%s): %s", e.Unit, e.Message)
}

func (e *DataIntegrityError) Unwrap() error { return e.Cause }

// ExternalToolFailure reports that a tool ran but its expected artifact is
// absent. It is recorded against the unit (or scan) and never aborts the batch.
type ExternalToolFailure struct {
	Unit     string
	Stage    string
	Tool     string
	Scan     string
	Artifact string
	ExitCode int
	TimedOut bool
	Message  string
	Cause    error
}

func (e *ExternalToolFailure) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("expected output %s not produced", e.Artifact)
	}
	if e.TimedOut {
		msg += " (timed out)"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return fmt.Sprintf("%s failed for %s [%s]: %s", e.Tool, nonEmptyOr(e.Scan, e.Unit), e.Stage, msg)
}

func (e *ExternalToolFailure) Unwrap() error { return e.Cause }

// ExternalToolWarning reports stderr output from a tool whose artifact was
// nonetheless produced. It is logged, not counted as a failure.
type ExternalToolWarning struct {
	Unit   string
	Tool   string
	Stderr string
}

func (e *ExternalToolWarning) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s reported errors for %s: %s", e.Tool, e.Unit, e.Stderr)
}

// MaskDerivationError reports that the defacing workdir lacks what is needed
// to build the mask. Registration for the unit stops; defacing output stands.
type MaskDerivationError struct {
	Unit    string
	Workdir string
	Message string
	Cause   error
}

func (e *MaskDerivationError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("mask derivation failed for %s in %s: %s", e.Unit, e.Workdir, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *MaskDerivationError) Unwrap() error { return e.Cause }

// StructuralConfigError reports an invocation that cannot be run at all:
// missing input directory, filters that select nothing, and so on.
type StructuralConfigError struct {
	Code    string
	Message string
	Cause   error
}

func (e *StructuralConfigError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("configuration error (%s): %s", e.Code, msg)
	}
	return "configuration error: " + msg
}

func (e *StructuralConfigError) Unwrap() error { return e.Cause }

// Structuralf builds a StructuralConfigError with a formatted message.
func Structuralf(code, format string, args ...any) error {
	return &StructuralConfigError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Classify maps err onto the report taxonomy. Unknown errors are internal.
func Classify(err error) (Class, string) {
	if err == nil {
		return "", ""
	}

	var di *DataIntegrityError
	if errors.As(err, &di) && di != nil {
		return ClassDataIntegrity, "MissingImage"
	}
	var md *MaskDerivationError
	if errors.As(err, &md) && md != nil {
		return ClassMaskDerivation, "MaskUnavailable"
	}
	var tf *ExternalToolFailure
	if errors.As(err, &tf) && tf != nil {
		if tf.TimedOut {
			return ClassExternalTool, "ToolTimeout"
		}
		return ClassExternalTool, "MissingArtifact"
	}
	var tw *ExternalToolWarning
	if errors.As(err, &tw) && tw != nil {
		return ClassExternalWarning, "ToolStderr"
	}
	var sc *StructuralConfigError
	if errors.As(err, &sc) && sc != nil {
		return ClassStructural, nonEmptyOr(sc.Code, "StructuralConfig")
	}
	return ClassInternal, "UnknownError"
}

// IsStructural reports whether err must abort the whole invocation.
func IsStructural(err error) bool {
	var sc *StructuralConfigError
	return errors.As(err, &sc)
}

func nonEmptyOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
