package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"io"
	"math"
	"math/rand/v2"
	"sync/atomic"

	"github.com/ent0n29/splatforge/internal/asset"
)

const (
	mockGrid       = 24
	mockRings      = 12
	mockSegments   = 24
	defaultMockRes = 256
	shC0           = 0.28209479177387814
)

// MockEngine produces deterministic synthetic assets from the input pixels
// and the seed. It keeps development and tests independent of a GPU worker.
type MockEngine struct {
	resolution int
	releases   atomic.Int64
	generated  atomic.Int64
}

func NewMockEngine(resolution int) *MockEngine {
	if resolution <= 0 {
		resolution = defaultMockRes
	}
	return &MockEngine{resolution: resolution}
}

// Releases reports how many times ReleaseCache ran.
func (e *MockEngine) Releases() int64 { return e.releases.Load() }

// Generations reports how many generate calls completed.
func (e *MockEngine) Generations() int64 { return e.generated.Load() }

// Preprocess crops to the bounding box of opaque pixels, treating pixels that
// match the corner color as background when the image has no alpha.
func (e *MockEngine) Preprocess(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src := toNRGBA(img)
	b := src.Bounds()
	if b.Empty() {
		return nil, errors.New("preprocess: empty image")
	}
	bg := src.NRGBAAt(b.Min.X, b.Min.Y)
	keyed := bg.A == 255

	out := image.NewNRGBA(b)
	box := image.Rectangle{}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := src.NRGBAAt(x, y)
			if keyed && closeColor(c, bg) {
				c.A = 0
			}
			out.SetNRGBA(x, y, c)
			if c.A > 0 {
				box = box.Union(image.Rect(x, y, x+1, y+1))
			}
		}
	}
	if box.Empty() {
		return out, nil
	}
	return out.SubImage(box), nil
}

func (e *MockEngine) GenerateSingle(ctx context.Context, img image.Image, seed uint32, params SamplerParams) (Output, error) {
	return e.GenerateMulti(ctx, []image.Image{img}, seed, params, CombineStochastic)
}

func (e *MockEngine) GenerateMulti(ctx context.Context, imgs []image.Image, seed uint32, params SamplerParams, mode CombinationMode) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	if len(imgs) == 0 {
		return Output{}, errors.New("generate: no images")
	}
	if params.Structure.Steps <= 0 || params.Detail.Steps <= 0 {
		return Output{}, fmt.Errorf("generate: sampler steps must be positive")
	}
	if !mode.Valid() {
		return Output{}, fmt.Errorf("generate: unknown combination mode %q", mode)
	}

	views := make([]*image.NRGBA, len(imgs))
	h := fnv.New64a()
	for i, img := range imgs {
		views[i] = toNRGBA(img)
		h.Write(views[i].Pix)
	}
	rng := rand.New(rand.NewPCG(uint64(seed), h.Sum64()))

	g := asset.NewGaussian(asset.DefaultGaussianParams())
	for gy := 0; gy < mockGrid; gy++ {
		for gx := 0; gx < mockGrid; gx++ {
			u := (float64(gx) + 0.5) / mockGrid
			v := (float64(gy) + 0.5) / mockGrid
			c, ok := sampleViews(views, u, v, mode, rng)
			if !ok {
				continue
			}
			depth := 0.5 + (rng.Float64()-0.5)*0.3*params.Structure.CFGStrength/10
			g.XYZ = append(g.XYZ, float32(u), float32(depth), float32(1-v))
			g.FeaturesDC = append(g.FeaturesDC,
				float32((float64(c.R)/255-0.5)/shC0),
				float32((float64(c.G)/255-0.5)/shC0),
				float32((float64(c.B)/255-0.5)/shC0))
			g.Scaling = append(g.Scaling, -3.5, -3.5, -3.5)
			g.Rotation = append(g.Rotation, 0, 0, 0, 0)
			g.Opacity = append(g.Opacity, float32(2*float64(c.A)/255))
		}
	}

	e.generated.Add(1)
	return Output{Gaussian: g, Mesh: hullMesh(g)}, nil
}

// sampleViews picks the color at (u, v). Stochastic mode draws one view per
// sample, multidiffusion averages all views.
func sampleViews(views []*image.NRGBA, u, v float64, mode CombinationMode, rng *rand.Rand) (color.NRGBA, bool) {
	at := func(img *image.NRGBA) color.NRGBA {
		b := img.Bounds()
		x := b.Min.X + int(u*float64(b.Dx()))
		y := b.Min.Y + int(v*float64(b.Dy()))
		return img.NRGBAAt(x, y)
	}
	if mode == CombineStochastic || len(views) == 1 {
		c := at(views[rng.IntN(len(views))])
		return c, c.A > 0
	}
	var r, gg, b, a float64
	for _, img := range views {
		c := at(img)
		r += float64(c.R)
		gg += float64(c.G)
		b += float64(c.B)
		a += float64(c.A)
	}
	n := float64(len(views))
	c := color.NRGBA{R: uint8(r / n), G: uint8(gg / n), B: uint8(b / n), A: uint8(a / n)}
	return c, c.A > 0
}

// hullMesh builds an ellipsoid enclosing the splat positions.
func hullMesh(g *asset.Gaussian) *asset.Mesh {
	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for i := 0; i < g.Len(); i++ {
		p := g.Position(i)
		for k := 0; k < 3; k++ {
			lo[k] = math.Min(lo[k], p[k])
			hi[k] = math.Max(hi[k], p[k])
		}
	}
	if g.Len() == 0 {
		lo = [3]float64{-0.1, -0.1, -0.1}
		hi = [3]float64{0.1, 0.1, 0.1}
	}

	m := &asset.Mesh{}
	for r := 0; r <= mockRings; r++ {
		phi := math.Pi * float64(r) / mockRings
		for s := 0; s < mockSegments; s++ {
			theta := 2 * math.Pi * float64(s) / mockSegments
			unit := [3]float64{math.Sin(phi) * math.Cos(theta), math.Sin(phi) * math.Sin(theta), math.Cos(phi)}
			for k := 0; k < 3; k++ {
				mid := (lo[k] + hi[k]) / 2
				half := math.Max((hi[k]-lo[k])/2, 0.02)
				m.Vertices = append(m.Vertices, float32(mid+unit[k]*half))
			}
		}
	}
	for r := 0; r < mockRings; r++ {
		for s := 0; s < mockSegments; s++ {
			a := int32(r*mockSegments + s)
			b := int32(r*mockSegments + (s+1)%mockSegments)
			m.Faces = append(m.Faces, a, a+mockSegments, b, b, a+mockSegments, b+mockSegments)
		}
	}
	return m
}

func (e *MockEngine) RenderTurntable(ctx context.Context, out Output, ch Channel, frames int) ([]*image.NRGBA, error) {
	if frames <= 0 {
		return nil, fmt.Errorf("render: frame count %d", frames)
	}
	result := make([]*image.NRGBA, 0, frames)
	for i := 0; i < frames; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		yaw := 2 * math.Pi * float64(i) / float64(frames)
		switch ch {
		case ChannelColor:
			if out.Gaussian == nil {
				return nil, errors.New("render: color channel needs a gaussian")
			}
			result = append(result, renderSplats(out.Gaussian, yaw, e.resolution))
		case ChannelNormal:
			if out.Mesh == nil {
				return nil, errors.New("render: normal channel needs a mesh")
			}
			result = append(result, renderNormals(out.Mesh, yaw, e.resolution))
		default:
			return nil, fmt.Errorf("render: unknown channel %q", ch)
		}
	}
	return result, nil
}

// ExportGLB ignores textureSize beyond validation: the mock writes an
// untextured mesh.
func (e *MockEngine) ExportGLB(ctx context.Context, out Output, simplify float64, textureSize int, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if textureSize <= 0 {
		return fmt.Errorf("export: texture size %d", textureSize)
	}
	if out.Mesh == nil {
		return errors.New("export: mesh is required")
	}
	simplified, err := out.Mesh.Simplify(simplify)
	if err != nil {
		return fmt.Errorf("export: simplify %.2f: %w", simplify, err)
	}
	return asset.WriteGLB(w, simplified)
}

func (e *MockEngine) ReleaseCache(ctx context.Context) error {
	e.releases.Add(1)
	return nil
}

func (e *MockEngine) Close() error { return nil }

func closeColor(a, b color.NRGBA) bool {
	d := func(x, y uint8) int {
		if x > y {
			return int(x - y)
		}
		return int(y - x)
	}
	return d(a.R, b.R)+d(a.G, b.G)+d(a.B, b.B) < 24
}
