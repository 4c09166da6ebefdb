package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/splatforge/internal/artifact"
	"github.com/ent0n29/splatforge/internal/imageio"
	"github.com/ent0n29/splatforge/internal/reliability"
)

// HTTPEngine talks JSON to a remote model worker. Generation results travel
// in the artifact state container.
type HTTPEngine struct {
	baseURL    string
	modelRepo  string
	resolution int
	client     *http.Client
}

type generateRequest struct {
	Model   string          `json:"model"`
	Images  []string        `json:"images"`
	Seed    uint32          `json:"seed"`
	Sampler SamplerParams   `json:"sampler"`
	Mode    CombinationMode `json:"mode,omitempty"`
}

type renderRequest struct {
	Model      string          `json:"model"`
	State      *artifact.State `json:"state"`
	Channel    Channel         `json:"channel"`
	Frames     int             `json:"frames"`
	Resolution int             `json:"resolution,omitempty"`
}

type renderResponse struct {
	Frames []string `json:"frames"`
}

type exportRequest struct {
	Model       string          `json:"model"`
	State       *artifact.State `json:"state"`
	Simplify    float64         `json:"simplify"`
	TextureSize int             `json:"texture_size"`
}

func NewHTTPEngine(cfg Config) *HTTPEngine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPEngine{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.HTTPURL), "/"),
		modelRepo:  cfg.ModelRepo,
		resolution: cfg.RenderResolution,
		client:     &http.Client{Timeout: timeout},
	}
}

// WaitReady polls the worker health endpoint with exponential backoff.
func (e *HTTPEngine) WaitReady(ctx context.Context, attempts uint) error {
	if attempts == 0 {
		attempts = 1
	}
	return retry.Do(func() error {
		res, err := e.send(ctx, "healthz", http.MethodGet, "/healthz", "", nil)
		if err != nil {
			return err
		}
		res.Body.Close()
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n+1).Str("url", e.baseURL).Msg("engine not ready")
		}),
	)
}

func (e *HTTPEngine) Preprocess(ctx context.Context, img image.Image) (image.Image, error) {
	body, err := imageio.PNGBytes(img)
	if err != nil {
		return nil, fmt.Errorf("encode preprocess input: %w", err)
	}
	res, err := e.send(ctx, "preprocess", http.MethodPost, "/preprocess", "image/png", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	out, err := imageio.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("engine preprocess: %w", err)
	}
	return out, nil
}

func (e *HTTPEngine) GenerateSingle(ctx context.Context, img image.Image, seed uint32, params SamplerParams) (Output, error) {
	return e.generate(ctx, []image.Image{img}, seed, params, "")
}

func (e *HTTPEngine) GenerateMulti(ctx context.Context, imgs []image.Image, seed uint32, params SamplerParams, mode CombinationMode) (Output, error) {
	return e.generate(ctx, imgs, seed, params, mode)
}

func (e *HTTPEngine) generate(ctx context.Context, imgs []image.Image, seed uint32, params SamplerParams, mode CombinationMode) (Output, error) {
	req := generateRequest{
		Model:   e.modelRepo,
		Images:  make([]string, 0, len(imgs)),
		Seed:    seed,
		Sampler: params,
		Mode:    mode,
	}
	for i, img := range imgs {
		s, err := imageio.PNGBase64(img)
		if err != nil {
			return Output{}, fmt.Errorf("encode image %d: %w", i, err)
		}
		req.Images = append(req.Images, s)
	}

	var state artifact.State
	if err := e.postJSON(ctx, "generate", "/generate", req, &state); err != nil {
		return Output{}, err
	}
	g, m, err := artifact.Unpack(&state)
	if err != nil {
		return Output{}, fmt.Errorf("engine generate: %w", err)
	}
	return Output{Gaussian: g, Mesh: m}, nil
}

func (e *HTTPEngine) RenderTurntable(ctx context.Context, out Output, ch Channel, frames int) ([]*image.NRGBA, error) {
	state, err := artifact.Pack(out.Gaussian, out.Mesh)
	if err != nil {
		return nil, fmt.Errorf("engine render: %w", err)
	}
	req := renderRequest{Model: e.modelRepo, State: state, Channel: ch, Frames: frames, Resolution: e.resolution}
	var resp renderResponse
	if err := e.postJSON(ctx, "render", "/render", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Frames) != frames {
		return nil, fmt.Errorf("engine render: got %d frames, want %d", len(resp.Frames), frames)
	}
	result := make([]*image.NRGBA, 0, frames)
	for i, f := range resp.Frames {
		img, err := imageio.DecodeBase64(f)
		if err != nil {
			return nil, fmt.Errorf("engine render frame %d: %w", i, err)
		}
		result = append(result, toNRGBA(img))
	}
	return result, nil
}

func (e *HTTPEngine) ExportGLB(ctx context.Context, out Output, simplify float64, textureSize int, w io.Writer) error {
	state, err := artifact.Pack(out.Gaussian, out.Mesh)
	if err != nil {
		return fmt.Errorf("engine export: %w", err)
	}
	payload, err := json.Marshal(exportRequest{Model: e.modelRepo, State: state, Simplify: simplify, TextureSize: textureSize})
	if err != nil {
		return fmt.Errorf("marshal export request: %w", err)
	}
	res, err := e.send(ctx, "export", http.MethodPost, "/export/glb", "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if _, err := io.Copy(w, res.Body); err != nil {
		return fmt.Errorf("engine export: read body: %w", err)
	}
	return nil
}

func (e *HTTPEngine) ReleaseCache(ctx context.Context) error {
	res, err := e.send(ctx, "release", http.MethodPost, "/release", "", nil)
	if err != nil {
		return err
	}
	res.Body.Close()
	return nil
}

func (e *HTTPEngine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

func (e *HTTPEngine) postJSON(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}
	res, err := e.send(ctx, op, http.MethodPost, path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("engine %s: decode response: %w", op, err)
	}
	return nil
}

// send performs one request and converts non-2xx answers into StatusError.
// The caller owns the returned body.
func (e *HTTPEngine) send(ctx context.Context, op, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if e.modelRepo != "" {
		req.Header.Set("X-Model-Repo", e.modelRepo)
	}

	res, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", op, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, &StatusError{
			Op:        op,
			Status:    res.StatusCode,
			Body:      strings.TrimSpace(string(msg)),
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}
	return res, nil
}
