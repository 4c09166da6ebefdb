package artifact

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ent0n29/splatforge/internal/asset"
)

func sampleAssets() (*asset.Gaussian, *asset.Mesh) {
	g := asset.NewGaussian(asset.DefaultGaussianParams())
	g.XYZ = []float32{0.1, 0.2, 0.3, 0.9, 0.8, 0.7}
	g.FeaturesDC = []float32{1, 2, 3, -1, -2, -3}
	g.Scaling = []float32{-4, -4, -4, -3, -3, -3}
	g.Rotation = []float32{1, 0, 0, 0, 0, 1, 0, 0}
	g.Opacity = []float32{0.5, -0.5}
	m := &asset.Mesh{
		Vertices: []float32{0, 0, 0, 1, 0, 0, 0, 1, 0},
		Faces:    []int32{0, 1, 2},
	}
	return g, m
}

func bits(vals []float32) []uint32 {
	out := make([]uint32, len(vals))
	for i, v := range vals {
		out[i] = math.Float32bits(v)
	}
	return out
}

func requireSameAssets(t require.TestingT, g1, g2 *asset.Gaussian, m1, m2 *asset.Mesh) {
	require.Equal(t, g1.Params, g2.Params)
	require.Equal(t, bits(g1.XYZ), bits(g2.XYZ))
	require.Equal(t, bits(g1.FeaturesDC), bits(g2.FeaturesDC))
	require.Equal(t, bits(g1.Scaling), bits(g2.Scaling))
	require.Equal(t, bits(g1.Rotation), bits(g2.Rotation))
	require.Equal(t, bits(g1.Opacity), bits(g2.Opacity))
	require.Equal(t, bits(m1.Vertices), bits(m2.Vertices))
	require.Equal(t, append([]int32{}, m1.Faces...), append([]int32{}, m2.Faces...))
}

func TestPackUnpackRoundTrip(t *testing.T) {
	g, m := sampleAssets()
	s, err := Pack(g, m)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 1, 3}, s.Gaussian.FeaturesDC.Shape)
	assert.Equal(t, []int{1, 3}, s.Mesh.Faces.Shape)
	assert.Equal(t, "softplus", s.Gaussian.ScalingActivation)

	g2, m2, err := Unpack(s)
	require.NoError(t, err)
	requireSameAssets(t, g, g2, m, m2)
}

func TestPackDoesNotAliasInputs(t *testing.T) {
	g, m := sampleAssets()
	s, err := Pack(g, m)
	require.NoError(t, err)

	g.XYZ[0] = 42
	m.Faces[0] = 2
	g2, m2, err := Unpack(s)
	require.NoError(t, err)
	assert.Equal(t, float32(0.1), g2.XYZ[0])
	assert.Equal(t, int32(0), m2.Faces[0])
}

func TestPackEmptyAssets(t *testing.T) {
	g := asset.NewGaussian(asset.DefaultGaussianParams())
	m := &asset.Mesh{}
	s, err := Pack(g, m)
	require.NoError(t, err)

	g2, m2, err := Unpack(s)
	require.NoError(t, err)
	assert.Zero(t, g2.Len())
	assert.Zero(t, m2.FaceCount())
}

func TestUnpackMalformed(t *testing.T) {
	cases := map[string]func(s *State){
		"missing xyz":          func(s *State) { s.Gaussian.XYZ = nil },
		"missing faces":        func(s *State) { s.Mesh.Faces = nil },
		"missing sh degree":    func(s *State) { s.Gaussian.SHDegree = nil },
		"missing activation":   func(s *State) { s.Gaussian.ScalingActivation = "" },
		"short aabb":           func(s *State) { s.Gaussian.AABB = s.Gaussian.AABB[:5] },
		"bad version":          func(s *State) { s.Version = 99 },
		"faces not triples":    func(s *State) { s.Mesh.Faces.Shape = []int{3, 1} },
		"features rank two":    func(s *State) { s.Gaussian.FeaturesDC.Shape = []int{2, 3} },
		"row count mismatch":   func(s *State) { s.Gaussian.Opacity = ptr(float32Tensor([]float32{1}, 1, 1)) },
		"truncated data":       func(s *State) { s.Gaussian.Scaling.Data = s.Gaussian.Scaling.Data[:8] },
		"wrong dtype":          func(s *State) { s.Mesh.Faces.DType = DTypeFloat32 },
		"face index too large": func(s *State) { s.Mesh.Faces = ptr(int32Tensor([]int32{0, 1, 7}, 1, 3)) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			g, m := sampleAssets()
			s, err := Pack(g, m)
			require.NoError(t, err)
			mutate(s)
			_, _, err = Unpack(s)
			assert.ErrorIs(t, err, ErrMalformedState)
		})
	}
	_, _, err := Unpack(nil)
	assert.ErrorIs(t, err, ErrMalformedState)
}

func TestHandleRoundTrip(t *testing.T) {
	g, m := sampleAssets()
	g.XYZ[0] = math.Float32frombits(0x7fc00001) // NaN with payload
	s, err := Pack(g, m)
	require.NoError(t, err)

	h, err := Encode(s)
	require.NoError(t, err)
	assert.NotContains(t, h, "+")
	assert.NotContains(t, h, "/")

	decoded, err := Decode(h)
	require.NoError(t, err)
	g2, m2, err := Unpack(decoded)
	require.NoError(t, err)
	requireSameAssets(t, g, g2, m, m2)

	assert.Equal(t, Digest(h), Digest(h))
	assert.Len(t, Digest(h), 16)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, h := range []string{"", "!!!", "aGVsbG8"} {
		_, err := Decode(h)
		assert.ErrorIs(t, err, ErrMalformedState, "handle %q", h)
	}
}

func TestPackUnpackProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 16).Draw(t, "points")
		floats := func(label string, k int) []float32 {
			raw := rapid.SliceOfN(rapid.Uint32(), k, k).Draw(t, label)
			out := make([]float32, k)
			for i, b := range raw {
				out[i] = math.Float32frombits(b)
			}
			return out
		}

		params := asset.DefaultGaussianParams()
		if rapid.Bool().Draw(t, "exp") {
			params.ScalingActivation = asset.ScalingExp
		}
		g := asset.NewGaussian(params)
		g.XYZ = floats("xyz", 3*n)
		g.FeaturesDC = floats("features", 3*n)
		g.Scaling = floats("scaling", 3*n)
		g.Rotation = floats("rotation", 4*n)
		g.Opacity = floats("opacity", n)

		verts := rapid.IntRange(1, 12).Draw(t, "vertices")
		faces := rapid.IntRange(0, 8).Draw(t, "faces")
		m := &asset.Mesh{Vertices: floats("verts", 3*verts)}
		m.Faces = rapid.SliceOfN(rapid.Int32Range(0, int32(verts-1)), 3*faces, 3*faces).Draw(t, "idx")

		s, err := Pack(g, m)
		if err != nil {
			t.Fatalf("pack: %v", err)
		}
		h, err := Encode(s)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		decoded, err := Decode(h)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		g2, m2, err := Unpack(decoded)
		if err != nil {
			t.Fatalf("unpack: %v", err)
		}
		requireSameAssets(t, g, g2, m, m2)
	})
}
