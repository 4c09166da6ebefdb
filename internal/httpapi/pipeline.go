package httpapi

import (
	"errors"
	"fmt"
	"image"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/splatforge/internal/engine"
	"github.com/ent0n29/splatforge/internal/imageio"
	"github.com/ent0n29/splatforge/internal/jobs"
	"github.com/ent0n29/splatforge/internal/pipeline"
	"github.com/ent0n29/splatforge/internal/policy"
	"github.com/ent0n29/splatforge/internal/protocol"
)

// maxJSONBody bounds request bodies carrying base64 images.
const maxJSONBody = 8 * imageio.MaxUploadBytes

// downloadable maps the files a session may serve to their content type.
var downloadable = map[string]string{
	pipeline.PreviewFile:  "video/mp4",
	pipeline.MeshFile:     "model/gltf-binary",
	pipeline.GaussianFile: "application/octet-stream",
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", pipeline.ErrInvalidRequest, err)
}

func (s *Server) handlePreprocess(w http.ResponseWriter, r *http.Request) {
	img, err := imageio.ReadAll(http.MaxBytesReader(w, r.Body, imageio.MaxUploadBytes))
	if err != nil {
		respondPipelineError(w, r, invalid(err))
		return
	}
	out, err := s.generator.Preprocess(r.Context(), img)
	if err != nil {
		respondPipelineError(w, r, err)
		return
	}
	data, err := imageio.PNGBytes(out)
	if err != nil {
		respondError(w, http.StatusInternalServerError, pipeline.CodeInternal, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type splitView struct {
	Start     int    `json:"start"`
	End       int    `json:"end"`
	PNGBase64 string `json:"png_base64"`
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	img, err := imageio.ReadAll(http.MaxBytesReader(w, r.Body, imageio.MaxUploadBytes))
	if err != nil {
		respondPipelineError(w, r, invalid(err))
		return
	}
	subs, err := s.generator.Split(r.Context(), img)
	if err != nil {
		respondPipelineError(w, r, err)
		return
	}
	views := make([]splitView, 0, len(subs))
	for _, sub := range subs {
		b64, err := imageio.PNGBase64(sub.Image)
		if err != nil {
			respondError(w, http.StatusInternalServerError, pipeline.CodeInternal, err.Error())
			return
		}
		views = append(views, splitView{Start: sub.Start, End: sub.End, PNGBase64: b64})
	}
	respondJSON(w, http.StatusOK, map[string]any{"images": views})
}

// generateBody mirrors the stock generation form. Omitted sampler fields
// take their defaults; an omitted seed means a randomized one.
type generateBody struct {
	Images         []string `json:"images"`
	Preprocess     bool     `json:"preprocess"`
	Seed           *uint32  `json:"seed"`
	RandomizeSeed  *bool    `json:"randomize_seed"`
	SSGuidance     *float64 `json:"ss_guidance_strength"`
	SSSteps        *int     `json:"ss_sampling_steps"`
	SlatGuidance   *float64 `json:"slat_guidance_strength"`
	SlatSteps      *int     `json:"slat_sampling_steps"`
	MultiimageAlgo string   `json:"multiimage_algo"`
}

func (b generateBody) request() (pipeline.GenerateRequest, error) {
	imgs := make([]image.Image, 0, len(b.Images))
	for i, raw := range b.Images {
		img, err := imageio.DecodeBase64(raw)
		if err != nil {
			return pipeline.GenerateRequest{}, invalid(fmt.Errorf("images[%d]: %w", i, err))
		}
		imgs = append(imgs, img)
	}

	req := pipeline.NewGenerateRequest(imgs...)
	req.RandomizeSeed = b.Seed == nil
	if b.RandomizeSeed != nil {
		req.RandomizeSeed = *b.RandomizeSeed
	}
	if b.Seed != nil {
		req.Seed = *b.Seed
	}
	if b.SSGuidance != nil {
		req.StructureGuidance = *b.SSGuidance
	}
	if b.SSSteps != nil {
		req.StructureSteps = *b.SSSteps
	}
	if b.SlatGuidance != nil {
		req.DetailGuidance = *b.SlatGuidance
	}
	if b.SlatSteps != nil {
		req.DetailSteps = *b.SlatSteps
	}
	if b.MultiimageAlgo != "" {
		req.CombinationMode = engine.CombinationMode(b.MultiimageAlgo)
	}
	return req, nil
}

type generateResponse struct {
	State     string `json:"state"`
	Digest    string `json:"digest"`
	Seed      uint32 `json:"seed"`
	VideoPath string `json:"video_path"`
	VideoURL  string `json:"video_url"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)

	var body generateBody
	if err := decodeJSON(r, &body); err != nil {
		respondPipelineError(w, r, invalid(err))
		return
	}
	req, err := body.request()
	if err != nil {
		respondPipelineError(w, r, err)
		return
	}
	if body.Preprocess {
		if req.Images, err = s.generator.PreprocessAll(r.Context(), req.Images); err != nil {
			respondPipelineError(w, r, err)
			return
		}
	}

	res, err := s.generator.GeneratePreview(r.Context(), id, req)
	if err != nil {
		s.publishJob(id, jobs.KindGenerate, "", "", err)
		respondPipelineError(w, r, err)
		return
	}
	url := fileURL(id, pipeline.PreviewFile)
	s.publishJob(id, jobs.KindGenerate, res.Digest, url, nil)
	respondJSON(w, http.StatusOK, generateResponse{
		State:     res.Handle,
		Digest:    res.Digest,
		Seed:      res.Seed,
		VideoPath: res.VideoPath,
		VideoURL:  url,
	})
}

type meshExportBody struct {
	State        string   `json:"state"`
	MeshSimplify *float64 `json:"mesh_simplify"`
	TextureSize  *int     `json:"texture_size"`
}

type gaussianExportBody struct {
	State string `json:"state"`
}

type exportResponse struct {
	Path   string `json:"path"`
	URL    string `json:"url"`
	Digest string `json:"digest"`
}

func (s *Server) handleExportGLB(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)

	var body meshExportBody
	if err := decodeJSON(r, &body); err != nil {
		respondPipelineError(w, r, invalid(err))
		return
	}
	req := pipeline.MeshExportRequest{
		State:       body.State,
		Simplify:    pipeline.DefaultMeshSimplify,
		TextureSize: pipeline.DefaultTextureSize,
	}
	if body.MeshSimplify != nil {
		req.Simplify = *body.MeshSimplify
	}
	if body.TextureSize != nil {
		req.TextureSize = *body.TextureSize
	}

	res, err := s.exporter.ExportMesh(r.Context(), id, req)
	s.respondExport(w, r, id, jobs.KindExportMesh, pipeline.MeshFile, res, err)
}

func (s *Server) handleExportGaussian(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)

	var body gaussianExportBody
	if err := decodeJSON(r, &body); err != nil {
		respondPipelineError(w, r, invalid(err))
		return
	}
	res, err := s.exporter.ExportPointCloud(r.Context(), id, pipeline.GaussianExportRequest{State: body.State})
	s.respondExport(w, r, id, jobs.KindExportGaussian, pipeline.GaussianFile, res, err)
}

func (s *Server) respondExport(w http.ResponseWriter, r *http.Request, id string, kind jobs.Kind, name string, res *pipeline.ExportResult, err error) {
	if err != nil {
		s.publishJob(id, kind, "", "", err)
		respondPipelineError(w, r, err)
		return
	}
	url := fileURL(id, name)
	s.publishJob(id, kind, res.Digest, url, nil)
	respondJSON(w, http.StatusOK, exportResponse{Path: res.Path, URL: url, Digest: res.Digest})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")
	contentType, ok := downloadable[name]
	if !ok {
		respondError(w, http.StatusNotFound, "file_not_found", "unknown file "+strconv.Quote(name))
		return
	}
	dir, err := s.sessions.Dir(id)
	if err != nil {
		respondPipelineError(w, r, err)
		return
	}
	p := filepath.Join(dir, name)
	if _, err := os.Stat(p); err != nil {
		respondError(w, http.StatusNotFound, "file_not_found", name+" has not been produced yet")
		return
	}
	w.Header().Set("Content-Type", contentType)
	http.ServeFile(w, r, p)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		respondPipelineError(w, r, err)
		return
	}
	limit := jobs.DefaultSessionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondPipelineError(w, r, invalid(errors.New("limit must be a positive integer")))
			return
		}
		limit = n
	}

	records := []jobs.Record{}
	if s.ledger != nil {
		list, err := s.ledger.ListBySession(r.Context(), id, limit)
		if err != nil {
			respondError(w, http.StatusInternalServerError, pipeline.CodeInternal, err.Error())
			return
		}
		if list != nil {
			records = list
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "jobs": records})
}

func (s *Server) publishJob(id string, kind jobs.Kind, digest, url string, err error) {
	ev := protocol.JobEvent{
		Type:      protocol.TypeJobEvent,
		SessionID: id,
		Kind:      string(kind),
		Status:    string(jobs.StatusSucceeded),
		Digest:    digest,
		URL:       url,
	}
	if err != nil {
		ev.Status = string(jobs.StatusFailed)
		ev.Error = policy.Redact(err.Error())
	}
	s.broadcast(id, ev)
}

func fileURL(sessionID, name string) string {
	return path.Join("/v1/sessions", sessionID, "files", name)
}
