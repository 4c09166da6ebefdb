package pipeline

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/splatforge/internal/artifact"
	"github.com/ent0n29/splatforge/internal/engine"
	"github.com/ent0n29/splatforge/internal/jobs"
	"github.com/ent0n29/splatforge/internal/observability"
	"github.com/ent0n29/splatforge/internal/segment"
	"github.com/ent0n29/splatforge/internal/video"
)

// PreviewOptions control the turntable clip.
type PreviewOptions struct {
	Frames int
	FPS    int
	// IncludeNormals places the normal render next to the color render.
	IncludeNormals bool
}

// Result is a successful preview generation.
type Result struct {
	State     *artifact.State
	Handle    string
	Digest    string
	Seed      uint32
	VideoPath string
}

// Orchestrator generates previews and preprocesses input images.
type Orchestrator struct {
	deps    Deps
	encoder video.Encoder
	opts    PreviewOptions
}

func NewOrchestrator(deps Deps, encoder video.Encoder, opts PreviewOptions) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if encoder == nil {
		return nil, fmt.Errorf("pipeline: video encoder is required")
	}
	if opts.Frames <= 0 {
		opts.Frames = PreviewFrames
	}
	if opts.FPS <= 0 {
		opts.FPS = PreviewFPS
	}
	return &Orchestrator{deps: deps, encoder: encoder, opts: opts}, nil
}

// GeneratePreview runs one generation for the session, renders and encodes
// the preview clip, and packs the result. On failure no handle is returned
// and no new preview replaces the previous one.
func (o *Orchestrator) GeneratePreview(ctx context.Context, sessionID string, req GenerateRequest) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	dir, release, err := o.deps.Sessions.Acquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	seed := DeriveSeed(req.RandomizeSeed, req.Seed)
	rec := jobs.Record{
		SessionID: sessionID,
		Kind:      jobs.KindGenerate,
		Seed:      &seed,
		StartedAt: start.UTC(),
		Params: map[string]any{
			"images":          len(req.Images),
			"ss_guidance":     req.StructureGuidance,
			"ss_steps":        req.StructureSteps,
			"slat_guidance":   req.DetailGuidance,
			"slat_steps":      req.DetailSteps,
			"multiimage_algo": string(req.mode()),
			"randomize_seed":  req.RandomizeSeed,
		},
	}

	res, err := o.generate(ctx, dir, seed, req)
	if res != nil {
		rec.Digest = res.Digest
		rec.OutputPath = res.VideoPath
	}
	o.deps.record(ctx, rec, err)
	if err != nil {
		return nil, err
	}

	mode := "single"
	if len(req.Images) > 1 {
		mode = "multi"
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveGeneration(mode, time.Since(start))
	}
	log.Ctx(ctx).Info().
		Str("session_id", sessionID).
		Uint32("seed", seed).
		Str("digest", res.Digest).
		Str("mode", mode).
		Dur("duration", time.Since(start)).
		Msg("preview generated")
	return res, nil
}

func (o *Orchestrator) generate(ctx context.Context, dir string, seed uint32, req GenerateRequest) (*Result, error) {
	var res *Result
	err := o.deps.withAccelerator(ctx, func(ctx context.Context) error {
		stageStart := time.Now()
		out, err := o.callEngine(ctx, seed, req)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
		if out.Gaussian == nil || out.Mesh == nil {
			return fmt.Errorf("%w: engine returned an incomplete result", ErrGenerationFailed)
		}
		o.deps.observeStage(observability.StageEngineGenerate, stageStart)

		stageStart = time.Now()
		state, err := artifact.Pack(out.Gaussian, out.Mesh)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
		handle, err := artifact.Encode(state)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
		o.deps.observeStage(observability.StagePack, stageStart)

		videoPath, err := o.renderPreview(ctx, dir, out)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
		res = &Result{
			State:     state,
			Handle:    handle,
			Digest:    artifact.Digest(handle),
			Seed:      seed,
			VideoPath: videoPath,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) callEngine(ctx context.Context, seed uint32, req GenerateRequest) (engine.Output, error) {
	if len(req.Images) == 1 {
		return o.deps.Engine.GenerateSingle(ctx, req.Images[0], seed, req.sampler())
	}
	return o.deps.Engine.GenerateMulti(ctx, req.Images, seed, req.sampler(), req.mode())
}

func (o *Orchestrator) renderPreview(ctx context.Context, dir string, out engine.Output) (string, error) {
	start := time.Now()
	color, err := o.deps.Engine.RenderTurntable(ctx, out, engine.ChannelColor, o.opts.Frames)
	if err != nil {
		return "", fmt.Errorf("render color: %w", err)
	}
	normal, err := o.deps.Engine.RenderTurntable(ctx, out, engine.ChannelNormal, o.opts.Frames)
	if err != nil {
		return "", fmt.Errorf("render normals: %w", err)
	}

	frames := color
	if o.opts.IncludeNormals {
		if frames, err = video.SideBySide(color, normal); err != nil {
			return "", err
		}
	}

	o.deps.observeStage(observability.StageRender, start)

	start = time.Now()
	path := filepath.Join(dir, PreviewFile)
	if err := o.encoder.Encode(ctx, frames, o.opts.FPS, path); err != nil {
		return "", fmt.Errorf("encode preview: %w", err)
	}
	o.deps.observeStage(observability.StageEncode, start)
	return path, nil
}

// Preprocess runs background removal for one image under the accelerator
// guard. It satisfies segment.Preprocessor.
func (o *Orchestrator) Preprocess(ctx context.Context, img image.Image) (image.Image, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: image is required", ErrInvalidRequest)
	}
	var out image.Image
	err := o.deps.Guard.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = o.deps.Engine.Preprocess(ctx, img)
		if err != nil {
			return fmt.Errorf("%w: preprocess: %w", ErrGenerationFailed, err)
		}
		return nil
	})
	return out, err
}

// PreprocessAll preprocesses each image in order.
func (o *Orchestrator) PreprocessAll(ctx context.Context, imgs []image.Image) ([]image.Image, error) {
	out := make([]image.Image, 0, len(imgs))
	for i, img := range imgs {
		p, err := o.Preprocess(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Split cuts a composite multi-view image into its views and preprocesses
// each one. A fully transparent composite yields no views and no error.
func (o *Orchestrator) Split(ctx context.Context, img image.Image) ([]segment.SubImage, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: image is required", ErrInvalidRequest)
	}
	return segment.SplitAndPreprocess(ctx, img, o)
}
