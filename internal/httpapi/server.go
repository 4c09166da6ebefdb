package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/splatforge/internal/config"
	"github.com/ent0n29/splatforge/internal/jobs"
	"github.com/ent0n29/splatforge/internal/observability"
	"github.com/ent0n29/splatforge/internal/pipeline"
	"github.com/ent0n29/splatforge/internal/policy"
	"github.com/ent0n29/splatforge/internal/protocol"
	"github.com/ent0n29/splatforge/internal/segment"
	"github.com/ent0n29/splatforge/internal/session"
)

// Generator is the generation side of the pipeline.
type Generator interface {
	GeneratePreview(ctx context.Context, sessionID string, req pipeline.GenerateRequest) (*pipeline.Result, error)
	Preprocess(ctx context.Context, img image.Image) (image.Image, error)
	PreprocessAll(ctx context.Context, imgs []image.Image) ([]image.Image, error)
	Split(ctx context.Context, img image.Image) ([]segment.SubImage, error)
}

// Exporter is the export side of the pipeline.
type Exporter interface {
	ExportMesh(ctx context.Context, sessionID string, req pipeline.MeshExportRequest) (*pipeline.ExportResult, error)
	ExportPointCloud(ctx context.Context, sessionID string, req pipeline.GaussianExportRequest) (*pipeline.ExportResult, error)
}

// Readiness reports whether optional collaborators are usable.
type Readiness func(ctx context.Context) map[string]any

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	generator Generator
	exporter  Exporter
	ledger    jobs.Store
	metrics   *observability.Metrics
	readiness Readiness
	events    *hub
	limiter   *ipLimiter
	upgrader  websocket.Upgrader

	// A socket that answers neither messages nor pings within wsReadTimeout
	// is treated as disconnected.
	wsReadTimeout  time.Duration
	wsPingInterval time.Duration
}

func New(cfg config.Config, sessions *session.Manager, generator Generator, exporter Exporter, ledger jobs.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		generator: generator,
		exporter:  exporter,
		ledger:    ledger,
		metrics:   metrics,
		events:    newHub(),
		limiter:   newIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),

		wsReadTimeout:  120 * time.Second,
		wsPingInterval: 50 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// SetReadiness installs extra checks reported by /readyz.
func (s *Server) SetReadiness(fn Readiness) { s.readiness = fn }

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.handleCORS)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/images", func(r chi.Router) {
		r.With(s.rateLimit("preprocess")).Post("/preprocess", s.handlePreprocess)
		r.With(s.rateLimit("split")).Post("/split", s.handleSplit)
	})

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/ws", s.handleSessionWS)
		r.Get("/{id}", s.handleGetSession)
		r.Post("/{id}/end", s.handleEndSession)
		r.With(s.rateLimit("generate")).Post("/{id}/generate", s.handleGenerate)
		r.With(s.rateLimit("export_glb")).Post("/{id}/export/glb", s.handleExportGLB)
		r.With(s.rateLimit("export_gaussian")).Post("/{id}/export/gaussian", s.handleExportGaussian)
		r.Get("/{id}/files/{name}", s.handleFile)
		r.Get("/{id}/jobs", s.handleListJobs)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":      "ready",
		"engine_mode": s.cfg.EngineMode,
		"model_repo":  s.cfg.ModelRepo,
	}
	if s.readiness != nil {
		for k, v := range s.readiness(r.Context()) {
			body[k] = v
		}
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.StartRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, pipeline.CodeInvalidRequest, err.Error())
		return
	}

	var (
		sess *session.Session
		err  error
	)
	if id := strings.TrimSpace(req.SessionID); id != "" {
		sess, err = s.sessions.Start(id)
	} else {
		sess, err = s.sessions.Create()
	}
	if err != nil {
		respondPipelineError(w, r, err)
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.NewStartResponse(sess, s.cfg.SessionInactivityTimeout))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondPipelineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, session.NewStartResponse(sess, s.cfg.SessionInactivityTimeout))
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.endSession(r.Context(), id, "client_end")
	if errors.Is(err, session.ErrNotFound) {
		respondPipelineError(w, r, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, pipeline.CodeInternal, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// endSession removes the session and everything recorded for it. The
// session is gone even when removing its directory failed.
func (s *Server) endSession(ctx context.Context, id, reason string) (*session.Session, error) {
	sess, err := s.sessions.End(id)
	if errors.Is(err, session.ErrNotFound) {
		return nil, err
	}
	s.forgetSession(ctx, id, reason, err)
	return sess, err
}

// OnSessionExpired is the session janitor hook.
func (s *Server) OnSessionExpired(sess *session.Session, err error) {
	s.forgetSession(context.Background(), sess.ID, "expired", err)
}

func (s *Server) forgetSession(ctx context.Context, id, reason string, removeErr error) {
	logger := log.Ctx(ctx).With().Str("session_id", id).Str("reason", reason).Logger()
	if removeErr != nil {
		logger.Error().Err(removeErr).Msg("session teardown failed")
	}
	if s.ledger != nil {
		if err := s.ledger.DeleteSession(context.WithoutCancel(ctx), id); err != nil {
			logger.Warn().Err(err).Msg("delete job records failed")
		}
	}
	s.broadcast(id, protocol.SessionEnded{
		Type:      protocol.TypeSessionEnded,
		SessionID: id,
		Reason:    reason,
	})
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues(eventForReason(reason)).Inc()
	logger.Info().Msg("session ended")
}

func eventForReason(reason string) string {
	if reason == "expired" {
		return "expired"
	}
	return "ended"
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondPipelineError maps a pipeline, session or artifact error to its
// HTTP status and carries the collaborator's retry hint.
func respondPipelineError(w http.ResponseWriter, r *http.Request, err error) {
	code := pipeline.Code(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		log.Ctx(r.Context()).Error().Err(err).Str("code", code).Msg("request failed")
	}
	respondJSON(w, status, errorResponse{
		Error:     policy.Redact(err.Error()),
		Code:      code,
		Retryable: pipeline.Retryable(err),
	})
}

func statusForCode(code string) int {
	switch code {
	case pipeline.CodeInvalidRequest:
		return http.StatusBadRequest
	case pipeline.CodeSessionNotFound:
		return http.StatusNotFound
	case pipeline.CodeMalformedState:
		return http.StatusUnprocessableEntity
	case pipeline.CodeGenerationFailed, pipeline.CodeExportFailed:
		return http.StatusBadGateway
	case pipeline.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
