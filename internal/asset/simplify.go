package asset

import (
	"errors"
	"math"
)

var ErrDegenerateMesh = errors.New("degenerate mesh")

// Simplify reduces m by vertex clustering. ratio is the share of vertices
// to remove, in [0, 1). Vertices falling in the same grid cell are merged
// into their centroid and faces that collapse are dropped.
func (m *Mesh) Simplify(ratio float64) (*Mesh, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if ratio <= 0 || m.VertexCount() == 0 {
		return &Mesh{
			Vertices: append([]float32(nil), m.Vertices...),
			Faces:    append([]int32(nil), m.Faces...),
		}, nil
	}
	if ratio >= 1 {
		return nil, ErrDegenerateMesh
	}

	target := math.Max(4, float64(m.VertexCount())*(1-ratio))
	cells := int(math.Ceil(math.Cbrt(target)))
	lo, hi := m.Bounds()
	var size [3]float64
	for i := range size {
		size[i] = float64(hi[i] - lo[i])
		if size[i] == 0 {
			size[i] = 1
		}
	}

	cellOf := func(v [3]float64) int {
		var idx [3]int
		for i := range idx {
			c := int(float64(cells) * (v[i] - float64(lo[i])) / size[i])
			idx[i] = min(max(c, 0), cells-1)
		}
		return (idx[0]*cells+idx[1])*cells + idx[2]
	}

	remap := make([]int32, m.VertexCount())
	clusters := map[int]int32{}
	var sums [][4]float64
	for i := range remap {
		v := m.vertex(i)
		c := cellOf(v)
		id, ok := clusters[c]
		if !ok {
			id = int32(len(sums))
			clusters[c] = id
			sums = append(sums, [4]float64{})
		}
		sums[id][0] += v[0]
		sums[id][1] += v[1]
		sums[id][2] += v[2]
		sums[id][3]++
		remap[i] = id
	}

	out := &Mesh{Vertices: make([]float32, 0, 3*len(sums))}
	for _, s := range sums {
		out.Vertices = append(out.Vertices, float32(s[0]/s[3]), float32(s[1]/s[3]), float32(s[2]/s[3]))
	}
	seen := map[[3]int32]bool{}
	for f := 0; f < m.FaceCount(); f++ {
		a, b, c := remap[m.Faces[3*f]], remap[m.Faces[3*f+1]], remap[m.Faces[3*f+2]]
		if a == b || b == c || a == c {
			continue
		}
		key := canonicalFace(a, b, c)
		if seen[key] {
			continue
		}
		seen[key] = true
		out.Faces = append(out.Faces, a, b, c)
	}
	if len(out.Faces) == 0 {
		return nil, ErrDegenerateMesh
	}
	return out, nil
}

// canonicalFace rotates a triangle so its smallest index comes first,
// keeping winding order.
func canonicalFace(a, b, c int32) [3]int32 {
	switch {
	case b < a && b < c:
		return [3]int32{b, c, a}
	case c < a && c < b:
		return [3]int32{c, a, b}
	default:
		return [3]int32{a, b, c}
	}
}
