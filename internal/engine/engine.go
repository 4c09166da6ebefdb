// Package engine defines the boundary to the image-to-3D model worker and
// ships two implementations: an HTTP client for a remote worker and a
// deterministic in-process mock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"
	"time"

	"github.com/ent0n29/splatforge/internal/asset"
	"github.com/ent0n29/splatforge/internal/reliability"
)

// StageParams configures one sampler stage.
type StageParams struct {
	Steps       int     `json:"steps"`
	CFGStrength float64 `json:"cfg_strength"`
}

// SamplerParams bundles the coarse structure stage and the fine detail stage.
type SamplerParams struct {
	Structure StageParams `json:"sparse_structure_sampler_params"`
	Detail    StageParams `json:"slat_sampler_params"`
}

// CombinationMode selects how several input views are reconciled.
type CombinationMode string

const (
	CombineStochastic     CombinationMode = "stochastic"
	CombineMultiDiffusion CombinationMode = "multidiffusion"
)

func (m CombinationMode) Valid() bool {
	return m == CombineStochastic || m == CombineMultiDiffusion
}

// Channel selects what a turntable render shows.
type Channel string

const (
	ChannelColor  Channel = "color"
	ChannelNormal Channel = "normal"
)

// Output is one generation result. Batch size is always one.
type Output struct {
	Gaussian *asset.Gaussian
	Mesh     *asset.Mesh
}

// Engine is the generation collaborator. Implementations are not required to
// be safe for concurrent use; callers serialize access to the accelerator.
type Engine interface {
	Preprocess(ctx context.Context, img image.Image) (image.Image, error)
	GenerateSingle(ctx context.Context, img image.Image, seed uint32, params SamplerParams) (Output, error)
	GenerateMulti(ctx context.Context, imgs []image.Image, seed uint32, params SamplerParams, mode CombinationMode) (Output, error)
	// RenderTurntable renders frames evenly spaced over one revolution. The
	// color channel draws out.Gaussian, the normal channel draws out.Mesh.
	RenderTurntable(ctx context.Context, out Output, ch Channel, frames int) ([]*image.NRGBA, error)
	// ExportGLB simplifies and textures the mesh and writes a binary glTF.
	ExportGLB(ctx context.Context, out Output, simplify float64, textureSize int, w io.Writer) error
	// ReleaseCache frees accelerator memory held between calls.
	ReleaseCache(ctx context.Context) error
	Close() error
}

// Config controls engine construction.
type Config struct {
	Mode             string
	HTTPURL          string
	ModelRepo        string
	Timeout          time.Duration
	RenderResolution int
}

func NewEngine(cfg Config) (Engine, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewHTTPEngine(cfg), nil
		}
		return NewMockEngine(cfg.RenderResolution), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("engine HTTP url is required for http mode")
		}
		return NewHTTPEngine(cfg), nil
	case "mock":
		return NewMockEngine(cfg.RenderResolution), nil
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}

// StatusError is returned when the worker answers with a non-2xx status.
type StatusError struct {
	Op        string
	Status    int
	Body      string
	Retryable bool
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("engine %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("engine %s: status %d: %s", e.Op, e.Status, e.Body)
}

// IsRetryable reports whether err carries a StatusError marked retryable
// or a transient connection failure talking to the worker.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return reliability.IsTransientNetError(err)
}
