package asset

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

var plyProperties = []string{
	"x", "y", "z",
	"nx", "ny", "nz",
	"f_dc_0", "f_dc_1", "f_dc_2",
	"opacity",
	"scale_0", "scale_1", "scale_2",
	"rot_0", "rot_1", "rot_2", "rot_3",
}

// viewerAxes maps the generator's z-up frame to the y-down camera frame splat
// viewers expect: (x, y, z) -> (x, -z, y).
var viewerAxes = [3][3]float64{
	{1, 0, 0},
	{0, 0, -1},
	{0, 1, 0},
}

// WritePLY writes g as a binary little-endian 3D Gaussian splatting PLY.
// Opacities are stored as logits, scales as logarithms, and positions and
// rotations in the viewer frame.
func WritePLY(out io.Writer, g *Gaussian) error {
	if err := g.Validate(); err != nil {
		return err
	}

	w := bufio.NewWriter(out)
	if _, err := fmt.Fprintf(w, "ply\nformat binary_little_endian 1.0\nelement vertex %d\n", g.Len()); err != nil {
		return err
	}
	for _, p := range plyProperties {
		if _, err := fmt.Fprintf(w, "property float %s\n", p); err != nil {
			return err
		}
	}
	if _, err := w.WriteString("end_header\n"); err != nil {
		return err
	}

	row := make([]float32, len(plyProperties))
	buf := make([]byte, 4*len(row))
	for i := 0; i < g.Len(); i++ {
		pos := mulVec(viewerAxes, g.Position(i))
		scale := g.ScaleAt(i)
		rot := matrixToQuat(mulMat(viewerAxes, quatToMatrix(g.RotationAt(i))))

		row[0], row[1], row[2] = float32(pos[0]), float32(pos[1]), float32(pos[2])
		row[3], row[4], row[5] = 0, 0, 0
		copy(row[6:9], g.FeaturesDC[3*i:3*i+3])
		row[9] = float32(g.opacityLogit(i))
		for j := 0; j < 3; j++ {
			row[10+j] = float32(math.Log(scale[j]))
		}
		for j := 0; j < 4; j++ {
			row[13+j] = float32(rot[j])
		}

		for j, v := range row {
			binary.LittleEndian.PutUint32(buf[4*j:], math.Float32bits(v))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return w.Flush()
}

// quatToMatrix converts a (w, x, y, z) quaternion, normalizing it first.
func quatToMatrix(q [4]float64) [3][3]float64 {
	n := math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if n == 0 {
		return [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	}
	w, x, y, z := q[0]/n, q[1]/n, q[2]/n, q[3]/n
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

// matrixToQuat returns a unit (w, x, y, z) quaternion with w >= 0.
func matrixToQuat(m [3][3]float64) [4]float64 {
	var q [4]float64
	tr := m[0][0] + m[1][1] + m[2][2]
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = [4]float64{s / 4, (m[2][1] - m[1][2]) / s, (m[0][2] - m[2][0]) / s, (m[1][0] - m[0][1]) / s}
	case m[0][0] > m[1][1] && m[0][0] > m[2][2]:
		s := math.Sqrt(1+m[0][0]-m[1][1]-m[2][2]) * 2
		q = [4]float64{(m[2][1] - m[1][2]) / s, s / 4, (m[0][1] + m[1][0]) / s, (m[0][2] + m[2][0]) / s}
	case m[1][1] > m[2][2]:
		s := math.Sqrt(1+m[1][1]-m[0][0]-m[2][2]) * 2
		q = [4]float64{(m[0][2] - m[2][0]) / s, (m[0][1] + m[1][0]) / s, s / 4, (m[1][2] + m[2][1]) / s}
	default:
		s := math.Sqrt(1+m[2][2]-m[0][0]-m[1][1]) * 2
		q = [4]float64{(m[1][0] - m[0][1]) / s, (m[0][2] + m[2][0]) / s, (m[1][2] + m[2][1]) / s, s / 4}
	}
	if q[0] < 0 {
		for i := range q {
			q[i] = -q[i]
		}
	}
	return q
}

func mulVec(m [3][3]float64, v [3]float64) [3]float64 {
	return [3]float64{
		m[0][0]*v[0] + m[0][1]*v[1] + m[0][2]*v[2],
		m[1][0]*v[0] + m[1][1]*v[1] + m[1][2]*v[2],
		m[2][0]*v[0] + m[2][1]*v[1] + m[2][2]*v[2],
	}
}

func mulMat(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}
