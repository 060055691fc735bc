package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify_WrappedErrorsKeepTheirClass(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantClass Class
		wantCode  string
	}{
		{"integrity", &DataIntegrityError{Unit: "sub-01", Message: "image missing"}, ClassDataIntegrity, "MissingImage"},
		{"mask", fmt.Errorf("registration: %w", &MaskDerivationError{Unit: "sub-01"}), ClassMaskDerivation, "MaskUnavailable"},
		{"tool", &ExternalToolFailure{Tool: "flirt", Artifact: "x"}, ClassExternalTool, "MissingArtifact"},
		{"timeout", &ExternalToolFailure{Tool: "flirt", TimedOut: true}, ClassExternalTool, "ToolTimeout"},
		{"structural", Structuralf("InputMissing", "no dir"), ClassStructural, "InputMissing"},
		{"unknown", errors.New("boom"), ClassInternal, "UnknownError"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			class, code := Classify(tc.err)
			if class != tc.wantClass || code != tc.wantCode {
				t.Fatalf("Classify = (%s, %s), want (%s, %s)", class, code, tc.wantClass, tc.wantCode)
			}
		})
	}
}

func TestIsStructural(t *testing.T) {
	if !IsStructural(fmt.Errorf("wrap: %w", Structuralf("", "x"))) {
		t.Fatalf("expected wrapped structural error to be detected")
	}
	if IsStructural(&DataIntegrityError{}) {
		t.Fatalf("data integrity error is not structural")
	}
}

func TestExternalToolFailure_MessageNamesScanAndTimeout(t *testing.T) {
	err := &ExternalToolFailure{Unit: "sub-01", Stage: "register", Tool: "fslmaths", Scan: "sub-01_T2w", Artifact: "sub-01_T2w_defaced.nii.gz", TimedOut: true}
	want := "fslmaths failed for sub-01_T2w [register]: expected output sub-01_T2w_defaced.nii.gz not produced (timed out)"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestErrorMessagesCarryCause(t *testing.T) {
	cause := errors.Join(errors.New("bids_dir is required"), errors.New("n_cpus must be >= 1, got 0"))
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"structural", &StructuralConfigError{Code: "InvalidConfig", Message: "invalid configuration", Cause: cause},
			"configuration error (InvalidConfig): invalid configuration: bids_dir is required\nn_cpus must be >= 1, got 0"},
		{"structural without code", &StructuralConfigError{Message: "bad", Cause: errors.New("why")}, "configuration error: bad: why"},
		{"tool", &ExternalToolFailure{Unit: "sub-01", Stage: "reorganize", Tool: "@afni_refacer_run", Scan: "sub-01_T1w",
			Message: "refacer result is not a valid NIfTI image", Cause: errors.New("sizeof_hdr is 0")},
			"@afni_refacer_run failed for sub-01_T1w [reorganize]: refacer result is not a valid NIfTI image: sizeof_hdr is 0"},
		{"mask", &MaskDerivationError{Unit: "sub-01", Workdir: "/w", Message: "mask was not produced", Cause: errors.New("disk full")},
			"mask derivation failed for sub-01 in /w: mask was not produced: disk full"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Error(); got != tc.want {
				t.Fatalf("Error() = %q, want %q", got, tc.want)
			}
		})
	}
}
