package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/splatforge/internal/artifact"
	"github.com/ent0n29/splatforge/internal/asset"
	"github.com/ent0n29/splatforge/internal/engine"
	"github.com/ent0n29/splatforge/internal/jobs"
	"github.com/ent0n29/splatforge/internal/observability"
)

// ExportResult points at the written file.
type ExportResult struct {
	Path   string
	Digest string
}

// Exporter turns artifact handles into downloadable files. It never calls
// the generation entry points.
type Exporter struct {
	deps Deps
}

func NewExporter(deps Deps) (*Exporter, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Exporter{deps: deps}, nil
}

// ExportMesh simplifies and textures the mesh from req.State and writes
// sample.glb into the session directory, replacing any earlier export.
func (x *Exporter) ExportMesh(ctx context.Context, sessionID string, req MeshExportRequest) (*ExportResult, error) {
	params := map[string]any{"mesh_simplify": req.Simplify, "texture_size": req.TextureSize}
	return x.export(ctx, sessionID, jobs.KindExportMesh, observability.StageExportGLB, req.State, params, req, MeshFile,
		func(ctx context.Context, out engine.Output, w io.Writer) error {
			return x.deps.Engine.ExportGLB(ctx, out, req.Simplify, req.TextureSize, w)
		})
}

// ExportPointCloud writes the Gaussian from req.State as sample.ply.
func (x *Exporter) ExportPointCloud(ctx context.Context, sessionID string, req GaussianExportRequest) (*ExportResult, error) {
	return x.export(ctx, sessionID, jobs.KindExportGaussian, observability.StageExportPLY, req.State, nil, req, GaussianFile,
		func(_ context.Context, out engine.Output, w io.Writer) error {
			return asset.WritePLY(w, out.Gaussian)
		})
}

func (x *Exporter) export(
	ctx context.Context,
	sessionID string,
	kind jobs.Kind,
	stage string,
	handle string,
	params map[string]any,
	req any,
	name string,
	write func(ctx context.Context, out engine.Output, w io.Writer) error,
) (*ExportResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	dir, release, err := x.deps.Sessions.Acquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	digest := artifact.Digest(handle)
	rec := jobs.Record{
		SessionID: sessionID,
		Kind:      kind,
		Digest:    digest,
		Params:    params,
		StartedAt: start.UTC(),
	}

	path, err := x.run(ctx, dir, handle, name, stage, write)
	rec.OutputPath = path
	x.deps.record(ctx, rec, err)
	if err != nil {
		return nil, err
	}

	if x.deps.Metrics != nil {
		x.deps.Metrics.ObserveExport(strings.TrimPrefix(stage, "export_"), time.Since(start))
	}
	log.Ctx(ctx).Info().
		Str("session_id", sessionID).
		Str("digest", digest).
		Str("path", path).
		Dur("duration", time.Since(start)).
		Msg("export written")
	return &ExportResult{Path: path, Digest: digest}, nil
}

// run decodes the handle before touching the accelerator so a malformed
// state fails fast and leaves no file behind.
func (x *Exporter) run(
	ctx context.Context,
	dir, handle, name, stage string,
	write func(ctx context.Context, out engine.Output, w io.Writer) error,
) (string, error) {
	state, err := artifact.Decode(handle)
	if err != nil {
		return "", err
	}
	g, m, err := artifact.Unpack(state)
	if err != nil {
		return "", err
	}
	out := engine.Output{Gaussian: g, Mesh: m}

	var path string
	err = x.deps.withAccelerator(ctx, func(ctx context.Context) error {
		start := time.Now()
		p, err := writeFileAtomic(dir, name, func(w io.Writer) error {
			return write(ctx, out, w)
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrExportFailed, err)
		}
		x.deps.observeStage(stage, start)
		path = p
		return nil
	})
	return path, err
}
