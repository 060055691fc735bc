package testutil

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"bidsdeface/internal/core"
)

// Tools is a core.StepRunner that imitates the file effects of
// @afni_refacer_run, fslroi, fslmaths, flirt and fsleyes.
type Tools struct {
	// FailDeface lists primary file names for which the refacer leaves no
	// work directory.
	FailDeface map[string]bool

	// NoMaskSource lists primary file names whose work directory lacks the
	// intermediate the mask is derived from.
	NoMaskSource map[string]bool

	// FailRegister lists other-scan file names that fslmaths refuses to mask.
	FailRegister map[string]bool

	// Unstartable lists executables that cannot be started.
	Unstartable map[string]bool

	// DefaceStderr maps primary file names to text the refacer writes to
	// stderr while still producing its work directory.
	DefaceStderr map[string]string

	mu    sync.Mutex
	calls []core.Command
}

// NewTools returns a Tools where every step succeeds.
func NewTools() *Tools {
	return &Tools{
		FailDeface:   map[string]bool{},
		NoMaskSource: map[string]bool{},
		FailRegister: map[string]bool{},
		Unstartable:  map[string]bool{},
		DefaceStderr: map[string]string{},
	}
}

// Calls returns the commands run so far.
func (f *Tools) Calls() []core.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Command(nil), f.calls...)
}

// CallsTo returns the commands run for one executable.
func (f *Tools) CallsTo(name string) []core.Command {
	var out []core.Command
	for _, c := range f.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func (f *Tools) Run(ctx context.Context, cmd core.Command, log io.Writer) (*core.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	if f.Unstartable[cmd.Name] {
		return nil, fmt.Errorf("failed to start %s: executable file not found in $PATH", cmd.Name)
	}
	if log != nil {
		fmt.Fprintf(log, "fake %s\n", cmd.String())
	}

	var err error
	res := &core.Result{Command: cmd.String()}
	switch cmd.Name {
	case "@afni_refacer_run":
		err = f.refacer(cmd, res)
	case "fslroi":
		if len(cmd.Args) >= 2 && exists(cmd.Args[0]) {
			err = writeImage(cmd.Args[1]+".nii.gz", cmd.Args[0])
		}
	case "fslmaths":
		err = f.fslmaths(cmd, res)
	case "flirt":
		err = flirt(cmd)
	case "fsleyes":
		if out := flagValue(cmd.Args, "--outfile"); out != "" {
			err = os.WriteFile(out, []byte("png"), 0o644)
		}
	default:
		res.ExitCode = 127
		res.Errors = cmd.Name + ": command not found"
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (f *Tools) refacer(cmd core.Command, res *core.Result) error {
	input := flagValue(cmd.Args, "-input")
	prefix := flagValue(cmd.Args, "-prefix")
	if input == "" || prefix == "" {
		res.ExitCode = 1
		res.Errors = "missing -input or -prefix"
		return nil
	}
	scratch := filepath.Dir(prefix)
	base := filepath.Base(prefix)

	// Stray outputs the stage is expected to clean up.
	if err := writeImage(prefix+".nii.gz", input); err != nil {
		return err
	}
	if err := writeImage(prefix+".face.nii.gz", input); err != nil {
		return err
	}
	if err := os.MkdirAll(prefix+"_QC", 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(prefix+"_QC", "qc_00.png"), []byte("png"), 0o644); err != nil {
		return err
	}

	if f.FailDeface[filepath.Base(input)] {
		res.ExitCode = 1
		res.Errors = "** ERROR: refacer failed"
		return nil
	}

	res.Errors = f.DefaceStderr[filepath.Base(input)]

	work := filepath.Join(scratch, "__work_refacer."+base)
	if err := os.MkdirAll(work, 0o755); err != nil {
		return err
	}
	if !f.NoMaskSource[filepath.Base(input)] {
		if err := writeImage(filepath.Join(work, "tmp.05.sh_t2a_thr.nii"), "shell:"+input); err != nil {
			return err
		}
	}
	return writeImage(filepath.Join(work, "tmp.99.result.deface.nii"), "defaced:"+input)
}

func (f *Tools) fslmaths(cmd core.Command, res *core.Result) error {
	args := cmd.Args
	if len(args) < 2 || !exists(args[0]) {
		res.ExitCode = 1
		res.Errors = "Image Exception: input not found"
		return nil
	}
	out := args[len(args)-1]
	if len(args) == 4 && args[1] == "-mas" {
		if f.FailRegister[filepath.Base(args[0])] || !exists(args[2]) {
			res.ExitCode = 1
			res.Errors = "Image Exception: mask mismatch"
			return nil
		}
		return writeImage(out, "masked:"+args[0])
	}
	return writeImage(out, "maths:"+args[0])
}

func flirt(cmd core.Command) error {
	if mat := flagValue(cmd.Args, "-omat"); mat != "" {
		if err := os.WriteFile(mat, []byte("1 0 0 0\n0 1 0 0\n0 0 1 0\n0 0 0 1\n"), 0o644); err != nil {
			return err
		}
	}
	if out := flagValue(cmd.Args, "-out"); out != "" {
		return writeImage(out, "flirt:"+flagValue(cmd.Args, "-in"))
	}
	return nil
}

func flagValue(args []string, flag string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func writeImage(path, seed string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, imageBytes(strings.TrimSpace(seed)), 0o644)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
