// Package asset holds the host-side Gaussian splat and mesh representations
// produced by generation, plus writers for the downloadable file formats.
package asset

import (
	"errors"
	"fmt"
	"math"
)

// Scaling activations understood by the Gaussian representation.
const (
	ScalingExp      = "exp"
	ScalingSoftplus = "softplus"
)

var ErrInvalidGaussian = errors.New("invalid gaussian")

// GaussianParams are the construction hyperparameters of a Gaussian splat
// set. They are needed to turn the stored raw arrays back into world-space
// positions, scales and opacities.
type GaussianParams struct {
	// AABB is min xyz followed by extent xyz.
	AABB              [6]float64
	SHDegree          int
	MinKernelSize     float64
	ScalingBias       float64
	OpacityBias       float64
	ScalingActivation string
}

// DefaultGaussianParams matches the decoder configuration of the released
// image-to-3D checkpoints.
func DefaultGaussianParams() GaussianParams {
	return GaussianParams{
		AABB:              [6]float64{-0.5, -0.5, -0.5, 1, 1, 1},
		SHDegree:          0,
		MinKernelSize:     9e-4,
		ScalingBias:       4e-3,
		OpacityBias:       0.1,
		ScalingActivation: ScalingSoftplus,
	}
}

// Gaussian is a splat set stored exactly as the generator emits it: raw,
// pre-activation arrays in row-major order.
//
//	XYZ        N x 3   normalized positions in [0,1] relative to AABB
//	FeaturesDC N x 1 x 3
//	Scaling    N x 3
//	Rotation   N x 4   (w, x, y, z) offsets from the identity quaternion
//	Opacity    N x 1
type Gaussian struct {
	Params     GaussianParams
	XYZ        []float32
	FeaturesDC []float32
	Scaling    []float32
	Rotation   []float32
	Opacity    []float32
}

func NewGaussian(p GaussianParams) *Gaussian {
	return &Gaussian{Params: p}
}

// Len is the number of splats.
func (g *Gaussian) Len() int { return len(g.XYZ) / 3 }

func (g *Gaussian) Validate() error {
	n := g.Len()
	if len(g.XYZ)%3 != 0 {
		return fmt.Errorf("%w: xyz length %d is not a multiple of 3", ErrInvalidGaussian, len(g.XYZ))
	}
	checks := []struct {
		name  string
		got   int
		width int
	}{
		{"features_dc", len(g.FeaturesDC), 3},
		{"scaling", len(g.Scaling), 3},
		{"rotation", len(g.Rotation), 4},
		{"opacity", len(g.Opacity), 1},
	}
	for _, c := range checks {
		if c.got != n*c.width {
			return fmt.Errorf("%w: %s has %d values, want %d", ErrInvalidGaussian, c.name, c.got, n*c.width)
		}
	}
	switch g.Params.ScalingActivation {
	case ScalingExp, ScalingSoftplus:
	default:
		return fmt.Errorf("%w: unknown scaling activation %q", ErrInvalidGaussian, g.Params.ScalingActivation)
	}
	return nil
}

// Position returns the world-space position of splat i.
func (g *Gaussian) Position(i int) [3]float64 {
	a := g.Params.AABB
	return [3]float64{
		float64(g.XYZ[3*i])*a[3] + a[0],
		float64(g.XYZ[3*i+1])*a[4] + a[1],
		float64(g.XYZ[3*i+2])*a[5] + a[2],
	}
}

// OpacityAt returns the activated opacity of splat i in (0,1).
func (g *Gaussian) OpacityAt(i int) float64 {
	return sigmoid(g.opacityLogit(i))
}

func (g *Gaussian) opacityLogit(i int) float64 {
	return float64(g.Opacity[i]) + inverseSigmoid(g.Params.OpacityBias)
}

// ScaleAt returns the activated per-axis scale of splat i, widened by the
// minimum kernel size.
func (g *Gaussian) ScaleAt(i int) [3]float64 {
	var out [3]float64
	bias := g.inverseScaling(g.Params.ScalingBias)
	k := g.Params.MinKernelSize
	for j := 0; j < 3; j++ {
		s := g.scaling(float64(g.Scaling[3*i+j]) + bias)
		out[j] = math.Sqrt(s*s + k*k)
	}
	return out
}

// RotationAt returns the unnormalized quaternion (w, x, y, z) of splat i.
func (g *Gaussian) RotationAt(i int) [4]float64 {
	r := g.Rotation[4*i : 4*i+4]
	return [4]float64{float64(r[0]) + 1, float64(r[1]), float64(r[2]), float64(r[3])}
}

// ColorAt converts the DC spherical-harmonics coefficient of splat i to RGB
// in [0,1].
func (g *Gaussian) ColorAt(i int) [3]float64 {
	const c0 = 0.28209479177387814
	var out [3]float64
	for j := 0; j < 3; j++ {
		out[j] = clamp01(float64(g.FeaturesDC[3*i+j])*c0 + 0.5)
	}
	return out
}

func (g *Gaussian) scaling(x float64) float64 {
	if g.Params.ScalingActivation == ScalingExp {
		return math.Exp(x)
	}
	return softplus(x)
}

func (g *Gaussian) inverseScaling(x float64) float64 {
	if g.Params.ScalingActivation == ScalingExp {
		return math.Log(x)
	}
	return x + math.Log(-math.Expm1(-x))
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func inverseSigmoid(x float64) float64 { return math.Log(x / (1 - x)) }

func softplus(x float64) float64 {
	if x > 20 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
