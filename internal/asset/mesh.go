package asset

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidMesh = errors.New("invalid mesh")

// Mesh is a triangle mesh: V x 3 vertex positions and F x 3 face indices.
type Mesh struct {
	Vertices []float32
	Faces    []int32
}

func (m *Mesh) VertexCount() int { return len(m.Vertices) / 3 }

func (m *Mesh) FaceCount() int { return len(m.Faces) / 3 }

func (m *Mesh) Validate() error {
	if len(m.Vertices)%3 != 0 {
		return fmt.Errorf("%w: vertices length %d is not a multiple of 3", ErrInvalidMesh, len(m.Vertices))
	}
	if len(m.Faces)%3 != 0 {
		return fmt.Errorf("%w: faces length %d is not a multiple of 3", ErrInvalidMesh, len(m.Faces))
	}
	v := int32(m.VertexCount())
	for i, idx := range m.Faces {
		if idx < 0 || idx >= v {
			return fmt.Errorf("%w: face %d references vertex %d of %d", ErrInvalidMesh, i/3, idx, v)
		}
	}
	return nil
}

// Bounds returns the per-axis minimum and maximum vertex coordinates.
func (m *Mesh) Bounds() (lo, hi [3]float32) {
	if m.VertexCount() == 0 {
		return lo, hi
	}
	for j := 0; j < 3; j++ {
		lo[j] = float32(math.Inf(1))
		hi[j] = float32(math.Inf(-1))
	}
	for i := 0; i < len(m.Vertices); i += 3 {
		for j := 0; j < 3; j++ {
			v := m.Vertices[i+j]
			lo[j] = min(lo[j], v)
			hi[j] = max(hi[j], v)
		}
	}
	return lo, hi
}

// VertexNormals returns area-weighted unit normals, one per vertex. Vertices
// not referenced by any face get a zero normal.
func (m *Mesh) VertexNormals() []float32 {
	acc := make([]float64, len(m.Vertices))
	for f := 0; f+2 < len(m.Faces); f += 3 {
		a, b, c := int(m.Faces[f]), int(m.Faces[f+1]), int(m.Faces[f+2])
		pa, pb, pc := m.vertex(a), m.vertex(b), m.vertex(c)
		n := cross(sub(pb, pa), sub(pc, pa))
		for _, idx := range []int{a, b, c} {
			acc[3*idx] += n[0]
			acc[3*idx+1] += n[1]
			acc[3*idx+2] += n[2]
		}
	}
	out := make([]float32, len(acc))
	for i := 0; i < len(acc); i += 3 {
		l := math.Sqrt(acc[i]*acc[i] + acc[i+1]*acc[i+1] + acc[i+2]*acc[i+2])
		if l == 0 {
			continue
		}
		out[i] = float32(acc[i] / l)
		out[i+1] = float32(acc[i+1] / l)
		out[i+2] = float32(acc[i+2] / l)
	}
	return out
}

func (m *Mesh) vertex(i int) [3]float64 {
	return [3]float64{float64(m.Vertices[3*i]), float64(m.Vertices[3*i+1]), float64(m.Vertices[3*i+2])}
}

func sub(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}
