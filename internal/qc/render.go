package qc

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bidsdeface/internal/core"
	"bidsdeface/internal/faults"
	"bidsdeface/internal/logging"
)

// Rotation is a yaw/pitch/roll triple in degrees.
type Rotation struct {
	Yaw, Pitch, Roll int
}

// Rotations are the two views rendered per volume.
var Rotations = []Rotation{{45, 5, 10}, {-45, 5, 10}}

// Renderer produces defaced_render_0N.png next to each staged defaced link.
type Renderer struct {
	Runner core.StepRunner
	Tool   string
	Logger zerolog.Logger
}

// RenderFailure is a render whose image was not produced.
type RenderFailure struct {
	Defaced string
	Err     error
}

// DisplayRange is the intensity window for the volume in dir. T2w images are
// brighter and get a wider window.
func DisplayRange(dir string) (string, string) {
	if slices.Contains(strings.Split(filepath.ToSlash(dir), "/"), "T2w") {
		return "80", "1000"
	}
	return "20", "250"
}

// RenderPath is the image of rotation idx inside dir.
func RenderPath(dir string, idx int) string {
	return filepath.Join(dir, RenderPrefix+"_0"+strconv.Itoa(idx)+".png")
}

// Commands returns one fsleyes invocation per rotation. DISPLAY is cleared so
// fsleyes renders offscreen.
func (r *Renderer) Commands(defaced, outDir string) []core.Command {
	lo, hi := DisplayRange(outDir)
	cmds := make([]core.Command, 0, len(Rotations))
	for i, rot := range Rotations {
		cmd := core.NewCommand(core.SuiteFSLeyes, r.tool(),
			"render", "--scene", "3d",
			"-rot", strconv.Itoa(rot.Yaw), strconv.Itoa(rot.Pitch), strconv.Itoa(rot.Roll),
			"--outfile", RenderPath(outDir, i),
			defaced,
			"-dr", lo, hi, "-in", "spline", "-cm", "render1", "-bf", "0.3", "-r", "100", "-ns", "500")
		cmd.Env = map[string]string{"DISPLAY": ""}
		cmds = append(cmds, cmd)
	}
	return cmds
}

func (r *Renderer) tool() string {
	if r.Tool == "" {
		return "fsleyes"
	}
	return r.Tool
}

// Render draws every missing rotation of one defaced volume. The returned
// error is an *faults.ExternalToolFailure when fsleyes ran but left no image.
// fsleyes output is appended to RenderLogName in outDir.
func (r *Renderer) Render(ctx context.Context, defaced, outDir string) (err error) {
	var toolLog *os.File
	defer func() {
		if toolLog != nil {
			if cerr := toolLog.Close(); err == nil {
				err = cerr
			}
		}
	}()
	for i, cmd := range r.Commands(defaced, outDir) {
		out := RenderPath(outDir, i)
		if core.Exists(out) {
			continue
		}
		if toolLog == nil {
			toolLog, err = os.OpenFile(filepath.Join(outDir, RenderLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return err
			}
		}
		res, err := r.Runner.Run(ctx, cmd, toolLog)
		if err != nil {
			return err
		}
		if !core.Exists(out) {
			return &faults.ExternalToolFailure{
				Stage:    "qc",
				Tool:     cmd.Name,
				Scan:     filepath.Base(outDir),
				Artifact: out,
				ExitCode: res.ExitCode,
				TimedOut: res.TimedOut,
			}
		}
	}
	return nil
}

// RenderAll renders every defaced link under qcDir with up to workers
// concurrent fsleyes processes. A failing volume does not stop the others.
func (r *Renderer) RenderAll(ctx context.Context, qcDir string, workers int) ([]RenderFailure, error) {
	var links []string
	err := filepath.WalkDir(qcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Name() == DefacedLink {
			links = append(links, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", qcDir, err)
	}
	sort.Strings(links)

	var (
		mu       sync.Mutex
		failures []RenderFailure
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, link := range links {
		g.Go(func() error {
			dir := filepath.Dir(link)
			if err := r.Render(gctx, link, dir); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				r.Logger.Error().Err(err).Str(logging.FieldScan, dir).Msg("render failed")
				mu.Lock()
				failures = append(failures, RenderFailure{Defaced: link, Err: err})
				mu.Unlock()
				return nil
			}
			r.Logger.Debug().Str(logging.FieldScan, dir).Msg("rendered")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failures, err
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].Defaced < failures[j].Defaced })
	r.Logger.Info().Int("volumes", len(links)).Int("failed", len(failures)).Msg("renders complete")
	return failures, nil
}
