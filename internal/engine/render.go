package engine

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"sort"

	"github.com/ent0n29/splatforge/internal/asset"
)

// The mock camera orbits the z axis and looks along +y.
const viewScale = 0.9

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)
	return out
}

func newFrame(res int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, res, res))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.NRGBA{A: 255}), image.Point{}, draw.Src)
	return img
}

func orbit(p [3]float64, yaw float64) [3]float64 {
	s, c := math.Sincos(yaw)
	return [3]float64{p[0]*c - p[1]*s, p[0]*s + p[1]*c, p[2]}
}

func project(p [3]float64, res int) (float64, float64) {
	half := float64(res) / 2
	return half + p[0]*float64(res)*viewScale, half - p[2]*float64(res)*viewScale
}

func renderSplats(g *asset.Gaussian, yaw float64, res int) *image.NRGBA {
	img := newFrame(res)
	type splat struct {
		x, y, depth, radius float64
		rgb                 [3]float64
		alpha               float64
	}
	splats := make([]splat, 0, g.Len())
	for i := 0; i < g.Len(); i++ {
		p := orbit(g.Position(i), yaw)
		x, y := project(p, res)
		s := g.ScaleAt(i)
		r := math.Max(1, 2*math.Max(s[0], math.Max(s[1], s[2]))*float64(res)*viewScale)
		splats = append(splats, splat{x: x, y: y, depth: p[1], radius: r, rgb: g.ColorAt(i), alpha: g.OpacityAt(i)})
	}
	sort.Slice(splats, func(a, b int) bool { return splats[a].depth > splats[b].depth })

	for _, sp := range splats {
		x0, x1 := int(math.Floor(sp.x-sp.radius)), int(math.Ceil(sp.x+sp.radius))
		y0, y1 := int(math.Floor(sp.y-sp.radius)), int(math.Ceil(sp.y+sp.radius))
		for y := max(y0, 0); y <= min(y1, res-1); y++ {
			for x := max(x0, 0); x <= min(x1, res-1); x++ {
				dx, dy := float64(x)+0.5-sp.x, float64(y)+0.5-sp.y
				d2 := (dx*dx + dy*dy) / (sp.radius * sp.radius)
				if d2 > 1 {
					continue
				}
				a := sp.alpha * math.Exp(-2*d2)
				dst := img.NRGBAAt(x, y)
				img.SetNRGBA(x, y, color.NRGBA{
					R: blend(dst.R, sp.rgb[0], a),
					G: blend(dst.G, sp.rgb[1], a),
					B: blend(dst.B, sp.rgb[2], a),
					A: 255,
				})
			}
		}
	}
	return img
}

func blend(dst uint8, src, a float64) uint8 {
	v := float64(dst)/255*(1-a) + src*a
	return uint8(math.Round(math.Min(math.Max(v, 0), 1) * 255))
}

// renderNormals rasterizes m with a depth buffer and colors each face by
// its view-space normal mapped from [-1,1] to [0,255].
func renderNormals(m *asset.Mesh, yaw float64, res int) *image.NRGBA {
	img := newFrame(res)
	depth := make([]float64, res*res)
	for i := range depth {
		depth[i] = math.Inf(1)
	}

	verts := make([][3]float64, m.VertexCount())
	screen := make([][2]float64, m.VertexCount())
	for i := range verts {
		v := [3]float64{float64(m.Vertices[3*i]), float64(m.Vertices[3*i+1]), float64(m.Vertices[3*i+2])}
		verts[i] = orbit(v, yaw)
		screen[i][0], screen[i][1] = project(verts[i], res)
	}

	for f := 0; f < m.FaceCount(); f++ {
		ia, ib, ic := m.Faces[3*f], m.Faces[3*f+1], m.Faces[3*f+2]
		n := faceNormal(verts[ia], verts[ib], verts[ic])
		c := color.NRGBA{
			R: uint8((n[0]*0.5 + 0.5) * 255),
			G: uint8((n[1]*0.5 + 0.5) * 255),
			B: uint8((n[2]*0.5 + 0.5) * 255),
			A: 255,
		}
		a, b, cc := screen[ia], screen[ib], screen[ic]
		area := edge(a, b, cc)
		if area == 0 {
			continue
		}
		x0 := max(int(math.Floor(math.Min(a[0], math.Min(b[0], cc[0])))), 0)
		x1 := min(int(math.Ceil(math.Max(a[0], math.Max(b[0], cc[0])))), res-1)
		y0 := max(int(math.Floor(math.Min(a[1], math.Min(b[1], cc[1])))), 0)
		y1 := min(int(math.Ceil(math.Max(a[1], math.Max(b[1], cc[1])))), res-1)
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				p := [2]float64{float64(x) + 0.5, float64(y) + 0.5}
				w0, w1, w2 := edge(b, cc, p)/area, edge(cc, a, p)/area, edge(a, b, p)/area
				if w0 < 0 || w1 < 0 || w2 < 0 {
					continue
				}
				z := w0*verts[ia][1] + w1*verts[ib][1] + w2*verts[ic][1]
				if z >= depth[y*res+x] {
					continue
				}
				depth[y*res+x] = z
				img.SetNRGBA(x, y, c)
			}
		}
	}
	return img
}

func edge(a, b, p [2]float64) float64 {
	return (p[0]-a[0])*(b[1]-a[1]) - (p[1]-a[1])*(b[0]-a[0])
}

func faceNormal(a, b, c [3]float64) [3]float64 {
	u := [3]float64{b[0] - a[0], b[1] - a[1], b[2] - a[2]}
	v := [3]float64{c[0] - a[0], c[1] - a[1], c[2] - a[2]}
	n := [3]float64{u[1]*v[2] - u[2]*v[1], u[2]*v[0] - u[0]*v[2], u[0]*v[1] - u[1]*v[0]}
	l := math.Sqrt(n[0]*n[0] + n[1]*n[1] + n[2]*n[2])
	if l == 0 {
		return [3]float64{0, 0, 1}
	}
	return [3]float64{n[0] / l, n[1] / l, n[2] / l}
}
