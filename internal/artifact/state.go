// Package artifact converts a generated Gaussian/mesh pair into a
// self-describing state container and back. The container is what callers
// hold between the generate and export phases.
package artifact

import (
	"errors"
	"fmt"

	"github.com/ent0n29/splatforge/internal/asset"
)

// Version is bumped whenever the container layout changes incompatibly.
const Version = 1

var ErrMalformedState = errors.New("malformed artifact state")

// State is the transport-neutral form of a generation result.
type State struct {
	Version  int           `json:"version"`
	Gaussian GaussianState `json:"gaussian"`
	Mesh     MeshState     `json:"mesh"`
}

// GaussianState carries the construction hyperparameters next to the raw
// arrays. Pointers distinguish "absent" from a zero value.
type GaussianState struct {
	AABB              []float64 `json:"aabb"`
	SHDegree          *int      `json:"sh_degree"`
	MinKernelSize     *float64  `json:"minimum_kernel_size"`
	ScalingBias       *float64  `json:"scaling_bias"`
	OpacityBias       *float64  `json:"opacity_bias"`
	ScalingActivation string    `json:"scaling_activation"`

	XYZ        *Tensor `json:"xyz"`
	FeaturesDC *Tensor `json:"features_dc"`
	Scaling    *Tensor `json:"scaling"`
	Rotation   *Tensor `json:"rotation"`
	Opacity    *Tensor `json:"opacity"`
}

type MeshState struct {
	Vertices *Tensor `json:"vertices"`
	Faces    *Tensor `json:"faces"`
}

// Pack copies every array of g and m into a new State. Nothing is
// transformed; Unpack(Pack(g, m)) reproduces the inputs bit for bit.
func Pack(g *asset.Gaussian, m *asset.Mesh) (*State, error) {
	if g == nil || m == nil {
		return nil, errors.New("pack: gaussian and mesh are required")
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("pack: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("pack: %w", err)
	}

	n := g.Len()
	p := g.Params
	shDegree := p.SHDegree
	minKernel := p.MinKernelSize
	scalingBias := p.ScalingBias
	opacityBias := p.OpacityBias

	return &State{
		Version: Version,
		Gaussian: GaussianState{
			AABB:              append([]float64(nil), p.AABB[:]...),
			SHDegree:          &shDegree,
			MinKernelSize:     &minKernel,
			ScalingBias:       &scalingBias,
			OpacityBias:       &opacityBias,
			ScalingActivation: p.ScalingActivation,
			XYZ:               ptr(float32Tensor(g.XYZ, n, 3)),
			FeaturesDC:        ptr(float32Tensor(g.FeaturesDC, n, 1, 3)),
			Scaling:           ptr(float32Tensor(g.Scaling, n, 3)),
			Rotation:          ptr(float32Tensor(g.Rotation, n, 4)),
			Opacity:           ptr(float32Tensor(g.Opacity, n, 1)),
		},
		Mesh: MeshState{
			Vertices: ptr(float32Tensor(m.Vertices, m.VertexCount(), 3)),
			Faces:    ptr(int32Tensor(m.Faces, m.FaceCount(), 3)),
		},
	}, nil
}

// Unpack rebuilds the Gaussian from its stored hyperparameters, repopulates
// its arrays, and rebuilds the mesh. Any missing field or inconsistent shape
// yields ErrMalformedState.
func Unpack(s *State) (*asset.Gaussian, *asset.Mesh, error) {
	if s == nil {
		return nil, nil, fmt.Errorf("%w: nil state", ErrMalformedState)
	}
	if s.Version != Version {
		return nil, nil, fmt.Errorf("%w: version %d, want %d", ErrMalformedState, s.Version, Version)
	}
	g, err := unpackGaussian(&s.Gaussian)
	if err != nil {
		return nil, nil, err
	}
	m, err := unpackMesh(&s.Mesh)
	if err != nil {
		return nil, nil, err
	}
	return g, m, nil
}

func unpackGaussian(gs *GaussianState) (*asset.Gaussian, error) {
	if len(gs.AABB) != 6 {
		return nil, fmt.Errorf("%w: aabb has %d values, want 6", ErrMalformedState, len(gs.AABB))
	}
	if gs.SHDegree == nil || gs.MinKernelSize == nil || gs.ScalingBias == nil || gs.OpacityBias == nil || gs.ScalingActivation == "" {
		return nil, fmt.Errorf("%w: gaussian hyperparameters incomplete", ErrMalformedState)
	}

	var params asset.GaussianParams
	copy(params.AABB[:], gs.AABB)
	params.SHDegree = *gs.SHDegree
	params.MinKernelSize = *gs.MinKernelSize
	params.ScalingBias = *gs.ScalingBias
	params.OpacityBias = *gs.OpacityBias
	params.ScalingActivation = gs.ScalingActivation
	g := asset.NewGaussian(params)

	fields := []struct {
		name  string
		t     *Tensor
		shape []int
		dst   *[]float32
	}{
		{"xyz", gs.XYZ, []int{-1, 3}, &g.XYZ},
		{"features_dc", gs.FeaturesDC, []int{-1, 1, 3}, &g.FeaturesDC},
		{"scaling", gs.Scaling, []int{-1, 3}, &g.Scaling},
		{"rotation", gs.Rotation, []int{-1, 4}, &g.Rotation},
		{"opacity", gs.Opacity, []int{-1, 1}, &g.Opacity},
	}
	points := -1
	for _, f := range fields {
		if f.t == nil {
			return nil, fmt.Errorf("%w: gaussian field %s missing", ErrMalformedState, f.name)
		}
		rows, _, err := f.t.elements(f.name, DTypeFloat32, f.shape...)
		if err != nil {
			return nil, err
		}
		if points >= 0 && rows != points {
			return nil, fmt.Errorf("%w: %s has %d rows, other fields have %d", ErrMalformedState, f.name, rows, points)
		}
		points = rows
		*f.dst = f.t.float32s()
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedState, err)
	}
	return g, nil
}

func unpackMesh(ms *MeshState) (*asset.Mesh, error) {
	if ms.Vertices == nil || ms.Faces == nil {
		return nil, fmt.Errorf("%w: mesh vertices or faces missing", ErrMalformedState)
	}
	if _, _, err := ms.Vertices.elements("vertices", DTypeFloat32, -1, 3); err != nil {
		return nil, err
	}
	if _, _, err := ms.Faces.elements("faces", DTypeInt32, -1, 3); err != nil {
		return nil, err
	}
	m := &asset.Mesh{
		Vertices: ms.Vertices.float32s(),
		Faces:    ms.Faces.int32s(),
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedState, err)
	}
	return m, nil
}

func ptr[T any](v T) *T { return &v }
