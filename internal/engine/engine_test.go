package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/splatforge/internal/artifact"
	"github.com/ent0n29/splatforge/internal/imageio"
)

var defaultParams = SamplerParams{
	Structure: StageParams{Steps: 12, CFGStrength: 7.5},
	Detail:    StageParams{Steps: 12, CFGStrength: 3},
}

func disc(size int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	r := float64(size) / 3
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x-size/2), float64(y-size/2)
			if dx*dx+dy*dy <= r*r {
				img.SetNRGBA(x, y, c)
			}
		}
	}
	return img
}

func TestNewEngineModes(t *testing.T) {
	e, err := NewEngine(Config{Mode: "mock"})
	require.NoError(t, err)
	assert.IsType(t, &MockEngine{}, e)

	e, err = NewEngine(Config{})
	require.NoError(t, err)
	assert.IsType(t, &MockEngine{}, e)

	e, err = NewEngine(Config{Mode: "auto", HTTPURL: "http://worker:8000"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPEngine{}, e)

	_, err = NewEngine(Config{Mode: "http"})
	assert.Error(t, err)

	_, err = NewEngine(Config{Mode: "cuda"})
	assert.Error(t, err)
}

func TestMockGenerateDeterministic(t *testing.T) {
	e := NewMockEngine(64)
	img := disc(48, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	ctx := context.Background()

	a, err := e.GenerateSingle(ctx, img, 7, defaultParams)
	require.NoError(t, err)
	b, err := e.GenerateSingle(ctx, img, 7, defaultParams)
	require.NoError(t, err)
	c, err := e.GenerateSingle(ctx, img, 8, defaultParams)
	require.NoError(t, err)

	require.NoError(t, a.Gaussian.Validate())
	require.NoError(t, a.Mesh.Validate())
	assert.Positive(t, a.Gaussian.Len())
	assert.Equal(t, a.Gaussian.XYZ, b.Gaussian.XYZ)
	assert.NotEqual(t, a.Gaussian.XYZ, c.Gaussian.XYZ)
	assert.Equal(t, int64(3), e.Generations())
}

func TestMockGenerateMulti(t *testing.T) {
	e := NewMockEngine(64)
	views := []image.Image{
		disc(32, color.NRGBA{R: 255, A: 255}),
		disc(32, color.NRGBA{B: 255, A: 255}),
	}
	for _, mode := range []CombinationMode{CombineStochastic, CombineMultiDiffusion} {
		out, err := e.GenerateMulti(context.Background(), views, 1, defaultParams, mode)
		require.NoError(t, err, mode)
		assert.Positive(t, out.Gaussian.Len(), mode)
	}

	_, err := e.GenerateMulti(context.Background(), views, 1, defaultParams, "average")
	assert.Error(t, err)
	_, err = e.GenerateMulti(context.Background(), nil, 1, defaultParams, CombineStochastic)
	assert.Error(t, err)
}

func TestMockRenderTurntable(t *testing.T) {
	e := NewMockEngine(32)
	out, err := e.GenerateSingle(context.Background(), disc(32, color.NRGBA{G: 255, A: 255}), 0, defaultParams)
	require.NoError(t, err)

	frames, err := e.RenderTurntable(context.Background(), out, ChannelColor, 6)
	require.NoError(t, err)
	require.Len(t, frames, 6)
	assert.Equal(t, image.Rect(0, 0, 32, 32), frames[0].Bounds())

	normals, err := e.RenderTurntable(context.Background(), out, ChannelNormal, 3)
	require.NoError(t, err)
	require.Len(t, normals, 3)
	center := normals[0].NRGBAAt(16, 16)
	assert.NotEqual(t, color.NRGBA{A: 255}, center)

	_, err = e.RenderTurntable(context.Background(), out, "depth", 3)
	assert.Error(t, err)
}

func TestMockExportGLB(t *testing.T) {
	e := NewMockEngine(32)
	out, err := e.GenerateSingle(context.Background(), disc(32, color.NRGBA{G: 255, A: 255}), 0, defaultParams)
	require.NoError(t, err)

	faces := func(simplify float64) uint32 {
		var buf bytes.Buffer
		require.NoError(t, e.ExportGLB(context.Background(), out, simplify, 1024, &buf))
		data := buf.Bytes()
		jsonLen := binary.LittleEndian.Uint32(data[12:16])
		var doc struct {
			Accessors []struct {
				Count uint32 `json:"count"`
			} `json:"accessors"`
		}
		require.NoError(t, json.Unmarshal(bytes.TrimRight(data[20:20+jsonLen], " "), &doc))
		return doc.Accessors[2].Count
	}
	assert.Less(t, faces(0.95), faces(0.5))

	assert.Error(t, e.ExportGLB(context.Background(), out, 1, 1024, io.Discard))

	require.NoError(t, e.ReleaseCache(context.Background()))
	assert.Equal(t, int64(1), e.Releases())
}

func TestMockPreprocessKeysBackground(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 20, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			c := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
			if x >= 5 && x < 9 && y >= 2 && y < 6 {
				c = color.NRGBA{R: 10, G: 20, B: 30, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	out, err := NewMockEngine(0).Preprocess(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(5, 2, 9, 6), out.Bounds())
}

func TestHTTPEngineGenerate(t *testing.T) {
	mock := NewMockEngine(16)
	var gotModel atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/generate":
			var req generateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			gotModel.Store(req.Model)
			img, err := imageio.DecodeBase64(req.Images[0])
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			out, err := mock.GenerateSingle(r.Context(), img, req.Seed, req.Sampler)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			state, _ := artifact.Pack(out.Gaussian, out.Mesh)
			_ = json.NewEncoder(w).Encode(state)
		case "/release":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e := NewHTTPEngine(Config{HTTPURL: srv.URL + "/", ModelRepo: "jetx/trellis-image-large"})
	img := disc(24, color.NRGBA{R: 90, G: 90, B: 200, A: 255})
	out, err := e.GenerateSingle(context.Background(), img, 3, defaultParams)
	require.NoError(t, err)
	assert.Equal(t, "jetx/trellis-image-large", gotModel.Load())

	want, err := mock.GenerateSingle(context.Background(), img, 3, defaultParams)
	require.NoError(t, err)
	assert.Equal(t, want.Gaussian.XYZ, out.Gaussian.XYZ)
	assert.Equal(t, want.Mesh.Faces, out.Mesh.Faces)

	require.NoError(t, e.ReleaseCache(context.Background()))
}

func TestHTTPEngineStatusError(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "worker busy", status)
	}))
	defer srv.Close()

	e := NewHTTPEngine(Config{HTTPURL: srv.URL})
	_, err := e.GenerateSingle(context.Background(), disc(8, color.NRGBA{A: 255}), 0, defaultParams)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
	assert.Equal(t, "worker busy", se.Body)
	assert.True(t, IsRetryable(err))

	status = http.StatusBadRequest
	_, err = e.GenerateSingle(context.Background(), disc(8, color.NRGBA{A: 255}), 0, defaultParams)
	assert.False(t, IsRetryable(err))
}

func TestHTTPEngineWaitReady(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewHTTPEngine(Config{HTTPURL: srv.URL})
	require.NoError(t, e.WaitReady(context.Background(), 5))
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(-100)
	assert.Error(t, e.WaitReady(context.Background(), 2))
}

func TestHTTPEngineUnreachableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	e := NewHTTPEngine(Config{HTTPURL: url, Timeout: time.Second})
	_, err := e.GenerateSingle(context.Background(), disc(8, color.NRGBA{A: 255}), 0, defaultParams)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}
