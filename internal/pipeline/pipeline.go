// Package pipeline runs the two-phase generate-then-export flow: a preview
// generation that yields an opaque artifact handle, and any number of
// exports that decode that handle without generating again.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/splatforge/internal/accel"
	"github.com/ent0n29/splatforge/internal/engine"
	"github.com/ent0n29/splatforge/internal/jobs"
	"github.com/ent0n29/splatforge/internal/observability"
	"github.com/ent0n29/splatforge/internal/policy"
)

// Stable per-session output names. Repeated calls overwrite them.
const (
	PreviewFile  = "sample.mp4"
	MeshFile     = "sample.glb"
	GaussianFile = "sample.ply"
)

// Workspace resolves a live session to its working directory and holds it
// active until release is called.
type Workspace interface {
	Acquire(sessionID string) (dir string, release func(), err error)
}

// Deps are the collaborators shared by the orchestrator and the exporter.
// Engine is constructed once at startup and passed in here.
type Deps struct {
	Engine   engine.Engine
	Guard    *accel.Guard
	Sessions Workspace
	Jobs     jobs.Store
	Metrics  *observability.Metrics
}

func (d Deps) validate() error {
	if d.Engine == nil || d.Guard == nil || d.Sessions == nil {
		return fmt.Errorf("pipeline: engine, guard and sessions are required")
	}
	return nil
}

// withAccelerator runs fn under the guard and reclaims accelerator memory
// afterwards, whether fn failed or not.
func (d Deps) withAccelerator(ctx context.Context, fn func(ctx context.Context) error) error {
	return d.Guard.Do(ctx, func(ctx context.Context) error {
		defer func() {
			if err := d.Engine.ReleaseCache(context.WithoutCancel(ctx)); err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("release accelerator cache failed")
			}
		}()
		return fn(ctx)
	})
}

func (d Deps) observeStage(stage string, start time.Time) {
	if d.Metrics != nil {
		d.Metrics.ObserveStage(stage, time.Since(start))
	}
}

func (d Deps) record(ctx context.Context, rec jobs.Record, err error) {
	rec.FinishedAt = time.Now().UTC()
	rec.Status = jobs.StatusSucceeded
	if err != nil {
		rec.Status = jobs.StatusFailed
		rec.Error = policy.Redact(err.Error())
		if d.Metrics != nil {
			d.Metrics.ObservePipelineError(string(rec.Kind), Code(err))
		}
	}
	if d.Jobs == nil {
		return
	}
	if serr := d.Jobs.Save(context.WithoutCancel(ctx), rec); serr != nil {
		log.Ctx(ctx).Warn().Err(serr).Str("session_id", rec.SessionID).Msg("save job record failed")
	}
}

// writeFileAtomic writes through a temp file in dir and renames it over
// name only when write succeeds, so a failed call never leaves a partial
// file and never disturbs the previous one.
func writeFileAtomic(dir, name string, write func(w io.Writer) error) (string, error) {
	tmp, err := os.CreateTemp(dir, "."+name+"-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := write(tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, path); err != nil {
		return "", err
	}
	return path, nil
}
