package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/splatforge/internal/accel"
	"github.com/ent0n29/splatforge/internal/config"
	"github.com/ent0n29/splatforge/internal/engine"
	"github.com/ent0n29/splatforge/internal/imageio"
	"github.com/ent0n29/splatforge/internal/jobs"
	"github.com/ent0n29/splatforge/internal/observability"
	"github.com/ent0n29/splatforge/internal/pipeline"
	"github.com/ent0n29/splatforge/internal/protocol"
	"github.com/ent0n29/splatforge/internal/session"
)

type stubEncoder struct{}

func (stubEncoder) Encode(_ context.Context, frames []*image.NRGBA, _ int, path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("clip %d", len(frames))), 0o644)
}

type testServer struct {
	*httptest.Server
	sessions *session.Manager
	metrics  *observability.Metrics
	api      *Server
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	return newTunedTestServer(t, mutate, nil)
}

func newTunedTestServer(t *testing.T, mutate func(*config.Config), tune func(*Server)) *testServer {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		EngineMode:               "mock",
		ModelRepo:                "jetx/trellis-image-large",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sessions := session.NewManager(t.TempDir(), cfg.SessionInactivityTimeout)
	metrics := observability.NewMetrics("test")
	deps := pipeline.Deps{
		Engine:   engine.NewMockEngine(24),
		Guard:    accel.NewGuard(1, metrics.ObserveAcceleratorWait),
		Sessions: sessions,
		Jobs:     jobs.NewInMemoryStore(0),
		Metrics:  metrics,
	}
	orch, err := pipeline.NewOrchestrator(deps, stubEncoder{}, pipeline.PreviewOptions{Frames: 4, FPS: 4})
	require.NoError(t, err)
	exporter, err := pipeline.NewExporter(deps)
	require.NoError(t, err)

	api := New(cfg, sessions, orch, exporter, deps.Jobs, metrics)
	if tune != nil {
		tune(api)
	}
	ts := httptest.NewServer(api.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, sessions: sessions, metrics: metrics, api: api}
}

func (ts *testServer) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return res, decodeBody(t, res)
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	return res, decodeBody(t, res)
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func subjectPNG(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 6; y < 26; y++ {
		for x := 8; x < 24; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 90, B: 40, A: 255})
		}
	}
	b64, err := imageio.PNGBase64(img)
	require.NoError(t, err)
	return b64
}

func TestCreateGetEndSession(t *testing.T) {
	ts := newTestServer(t, nil)

	res, created := ts.postJSON(t, "/v1/sessions", map[string]any{})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	id, _ := created["session_id"].(string)
	require.NotEmpty(t, id)
	assert.EqualValues(t, (2 * time.Minute).Milliseconds(), created["inactivity_ttl_ms"])
	dir, _ := created["work_dir"].(string)
	assert.DirExists(t, dir)

	res, got := ts.get(t, "/v1/sessions/"+id)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "active", got["status"])

	res, ended := ts.postJSON(t, "/v1/sessions/"+id+"/end", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ended", ended["status"])
	assert.NoDirExists(t, dir)

	res, missing := ts.get(t, "/v1/sessions/"+id)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, pipeline.CodeSessionNotFound, missing["code"])
}

func TestCreateSessionWithClientID(t *testing.T) {
	ts := newTestServer(t, nil)

	res, created := ts.postJSON(t, "/v1/sessions", map[string]any{"session_id": "client-7"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "client-7", created["session_id"])

	res, body := ts.postJSON(t, "/v1/sessions", map[string]any{"session_id": "../escape"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, pipeline.CodeInvalidRequest, body["code"])
}

func TestGenerateThenExport(t *testing.T) {
	ts := newTestServer(t, nil)
	_, err := ts.sessions.Start("s1")
	require.NoError(t, err)

	res, gen := ts.postJSON(t, "/v1/sessions/s1/generate", map[string]any{
		"images": []string{subjectPNG(t)},
		"seed":   7,
	})
	require.Equal(t, http.StatusOK, res.StatusCode, gen)
	assert.EqualValues(t, 7, gen["seed"])
	assert.Len(t, gen["digest"], 16)
	assert.True(t, strings.HasSuffix(gen["video_path"].(string), pipeline.PreviewFile))
	assert.Equal(t, "/v1/sessions/s1/files/sample.mp4", gen["video_url"])
	state := gen["state"].(string)
	require.NotEmpty(t, state)

	res, glb := ts.postJSON(t, "/v1/sessions/s1/export/glb", map[string]any{
		"state":         state,
		"mesh_simplify": 0.95,
		"texture_size":  1024,
	})
	require.Equal(t, http.StatusOK, res.StatusCode, glb)
	assert.True(t, strings.HasSuffix(glb["path"].(string), pipeline.MeshFile))
	assert.Equal(t, gen["digest"], glb["digest"])

	res, ply := ts.postJSON(t, "/v1/sessions/s1/export/gaussian", map[string]any{"state": state})
	require.Equal(t, http.StatusOK, res.StatusCode, ply)
	assert.True(t, strings.HasSuffix(ply["path"].(string), pipeline.GaussianFile))

	fileRes, err := http.Get(ts.URL + glb["url"].(string))
	require.NoError(t, err)
	data, err := io.ReadAll(fileRes.Body)
	fileRes.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, fileRes.StatusCode)
	assert.Equal(t, "model/gltf-binary", fileRes.Header.Get("Content-Type"))
	assert.Equal(t, "glTF", string(data[:4]))

	res, list := ts.get(t, "/v1/sessions/s1/jobs")
	require.Equal(t, http.StatusOK, res.StatusCode)
	records := list["jobs"].([]any)
	require.Len(t, records, 3)
	assert.Equal(t, string(jobs.KindGenerate), records[0].(map[string]any)["kind"])

	res, perf := ts.get(t, "/v1/perf/latency")
	require.Equal(t, http.StatusOK, res.StatusCode)
	seen := map[string]bool{}
	for _, st := range perf["stages"].([]any) {
		seen[st.(map[string]any)["stage"].(string)] = true
	}
	for _, stage := range []string{"engine_generate", "pack", "render", "encode", "export_glb", "export_ply", "accelerator_wait"} {
		assert.True(t, seen[stage], "missing stage %s", stage)
	}
}

func TestGenerateRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, nil)
	_, err := ts.sessions.Start("s1")
	require.NoError(t, err)

	cases := []struct {
		name string
		path string
		body map[string]any
		want int
		code string
	}{
		{"no images", "/v1/sessions/s1/generate", map[string]any{"images": []string{}}, http.StatusBadRequest, pipeline.CodeInvalidRequest},
		{"bad base64", "/v1/sessions/s1/generate", map[string]any{"images": []string{"%%%"}}, http.StatusBadRequest, pipeline.CodeInvalidRequest},
		{"seed too large", "/v1/sessions/s1/generate", map[string]any{"images": []string{subjectPNG(t)}, "seed": uint64(1) << 31}, http.StatusBadRequest, pipeline.CodeInvalidRequest},
		{"unknown mode", "/v1/sessions/s1/generate", map[string]any{"images": []string{subjectPNG(t)}, "multiimage_algo": "average"}, http.StatusBadRequest, pipeline.CodeInvalidRequest},
		{"unknown session", "/v1/sessions/nope/generate", map[string]any{"images": []string{subjectPNG(t)}}, http.StatusNotFound, pipeline.CodeSessionNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, body := ts.postJSON(t, tc.path, tc.body)
			assert.Equal(t, tc.want, res.StatusCode)
			assert.Equal(t, tc.code, body["code"])
			assert.Equal(t, false, body["retryable"])
		})
	}
}

func TestExportRejectsMalformedState(t *testing.T) {
	ts := newTestServer(t, nil)
	s, err := ts.sessions.Start("s1")
	require.NoError(t, err)

	res, body := ts.postJSON(t, "/v1/sessions/s1/export/glb", map[string]any{"state": "bm90LWEtc3RhdGU"})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, pipeline.CodeMalformedState, body["code"])

	res, body = ts.postJSON(t, "/v1/sessions/s1/export/glb", map[string]any{"state": "x", "texture_size": 100})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, pipeline.CodeInvalidRequest, body["code"])

	entries, err := os.ReadDir(s.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileDownloadsAreWhitelisted(t *testing.T) {
	ts := newTestServer(t, nil)
	s, err := ts.sessions.Start("s1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.WorkDir, "secret.txt"), []byte("x"), 0o644))

	res, body := ts.get(t, "/v1/sessions/s1/files/secret.txt")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "file_not_found", body["code"])

	res, _ = ts.get(t, "/v1/sessions/s1/files/sample.ply")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, body = ts.get(t, "/v1/sessions/other/files/sample.ply")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, pipeline.CodeSessionNotFound, body["code"])
}

func TestPreprocessAndSplit(t *testing.T) {
	ts := newTestServer(t, nil)

	composite := image.NewNRGBA(image.Rect(0, 0, 60, 10))
	for y := 2; y < 8; y++ {
		for _, span := range [][2]int{{5, 20}, {40, 55}} {
			for x := span[0]; x <= span[1]; x++ {
				composite.SetNRGBA(x, y, color.NRGBA{R: 10, G: 200, B: 90, A: 255})
			}
		}
	}
	data, err := imageio.PNGBytes(composite)
	require.NoError(t, err)

	res, err := http.Post(ts.URL+"/v1/images/split", "image/png", bytes.NewReader(data))
	require.NoError(t, err)
	body := decodeBody(t, res)
	require.Equal(t, http.StatusOK, res.StatusCode, body)
	views := body["images"].([]any)
	require.Len(t, views, 2)
	first := views[0].(map[string]any)
	assert.EqualValues(t, 5, first["start"])
	assert.EqualValues(t, 20, first["end"])
	img, err := imageio.DecodeBase64(first["png_base64"].(string))
	require.NoError(t, err)
	assert.Equal(t, 6, img.Bounds().Dy())

	res, err = http.Post(ts.URL+"/v1/images/preprocess", "image/png", bytes.NewReader(data))
	require.NoError(t, err)
	out, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "image/png", res.Header.Get("Content-Type"))
	_, err = imageio.Decode(out)
	assert.NoError(t, err)

	res, err = http.Post(ts.URL+"/v1/images/preprocess", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	bad := decodeBody(t, res)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, pipeline.CodeInvalidRequest, bad["code"])
}

func TestRateLimitPerClient(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimitRPS = 0.001
		cfg.RateLimitBurst = 1
	})
	_, err := ts.sessions.Start("s1")
	require.NoError(t, err)

	res, _ := ts.postJSON(t, "/v1/sessions/s1/export/gaussian", map[string]any{"state": "bm9wZQ"})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)

	res, body := ts.postJSON(t, "/v1/sessions/s1/export/gaussian", map[string]any{"state": "bm9wZQ"})
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "rate_limited", body["code"])
	assert.Equal(t, true, body["retryable"])
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.RateLimited.WithLabelValues("export_gaussian")))

	// Session routes without a budget are unaffected.
	res, _ = ts.get(t, "/v1/sessions/s1")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.api.SetReadiness(func(context.Context) map[string]any {
		return map[string]any{"encoder_available": true}
	})

	res, health := ts.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", health["status"])
	assert.NotEmpty(t, res.Header.Get(RequestIDHeader))

	res, ready := ts.get(t, "/readyz")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "mock", ready["engine_mode"])
	assert.Equal(t, true, ready["encoder_available"])

	metricsRes, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	text, _ := io.ReadAll(metricsRes.Body)
	metricsRes.Body.Close()
	assert.Contains(t, string(text), "test_active_sessions")
}

func dialSession(t *testing.T, ts *testServer, sessionID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestSessionWebsocketLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialSession(t, ts, "w1")

	started := readMessage(t, conn)
	assert.Equal(t, string(protocol.TypeSessionStarted), started["type"])
	assert.Equal(t, "w1", started["session_id"])
	dir, err := ts.sessions.Dir("w1")
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: "w1", Action: protocol.ActionPing}))
	pong := readMessage(t, conn)
	assert.Equal(t, "pong", pong["code"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"wat"}`)))
	errEvent := readMessage(t, conn)
	assert.Equal(t, "invalid_client_message", errEvent["code"])

	require.NoError(t, conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: "w1", Action: protocol.ActionEnd}))
	ended := readMessage(t, conn)
	assert.Equal(t, string(protocol.TypeSessionEnded), ended["type"])
	assert.Equal(t, "client_end", ended["reason"])
	assert.NoDirExists(t, dir)
	_, err = ts.sessions.Get("w1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestSessionWebsocketDisconnectEndsSession(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialSession(t, ts, "w2")
	readMessage(t, conn)
	dir, err := ts.sessions.Dir("w2")
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, err := ts.sessions.Get("w2")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoDirExists(t, dir)
}

func TestQuietWebsocketStaysConnected(t *testing.T) {
	ts := newTunedTestServer(t, nil, func(s *Server) {
		s.wsReadTimeout = 300 * time.Millisecond
		s.wsPingInterval = 50 * time.Millisecond
	})

	// Reading is what lets the client answer pings; it never sends anything.
	conn := dialSession(t, ts, "quiet")
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(time.Second)
	_, err := ts.sessions.Get("quiet")
	assert.NoError(t, err)
}

func TestUnresponsiveWebsocketIsDropped(t *testing.T) {
	ts := newTunedTestServer(t, nil, func(s *Server) {
		s.wsReadTimeout = 200 * time.Millisecond
		s.wsPingInterval = 50 * time.Millisecond
	})

	dialSession(t, ts, "gone")
	require.Eventually(t, func() bool {
		_, err := ts.sessions.Get("gone")
		return err != nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSessionWebsocketReceivesJobEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialSession(t, ts, "w3")
	readMessage(t, conn)

	res, gen := ts.postJSON(t, "/v1/sessions/w3/generate", map[string]any{
		"images":         []string{subjectPNG(t)},
		"randomize_seed": true,
	})
	require.Equal(t, http.StatusOK, res.StatusCode, gen)

	ev := readMessage(t, conn)
	assert.Equal(t, string(protocol.TypeJobEvent), ev["type"])
	assert.Equal(t, string(jobs.KindGenerate), ev["kind"])
	assert.Equal(t, string(jobs.StatusSucceeded), ev["status"])
	assert.Equal(t, gen["digest"], ev["digest"])
	assert.LessOrEqual(t, gen["seed"].(float64), float64(pipeline.MaxSeed))

	// Ending over REST closes the socket after session_ended.
	res, _ = ts.postJSON(t, "/v1/sessions/w3/end", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	ended := readMessage(t, conn)
	assert.Equal(t, "client_end", ended["reason"])
}

func TestExpiredSessionNotifiesSocket(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialSession(t, ts, "w4")
	readMessage(t, conn)

	sess, err := ts.sessions.End("w4")
	require.NoError(t, err)
	ts.api.OnSessionExpired(sess, nil)

	ended := readMessage(t, conn)
	assert.Equal(t, "expired", ended["reason"])
}
