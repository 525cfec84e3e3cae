// Package router configures the HTTP API of the icst server.
//
// Routes configured:
//   - POST /classify          - Classify a JSON batch with the QC gate
//   - POST /probability       - Raw class probabilities for a JSON batch
//   - POST /confidence        - Start a bootstrap confidence job
//   - POST /confidence/sync   - Bootstrap confidence for a small batch, inline
//   - POST /analyse           - Start a classification job for an uploaded matrix
//   - POST /extract           - Align an uploaded matrix without scoring it
//   - GET  /results/{kind}/{id} - Poll a job (201 while pending)
//   - GET  /genelist          - Accepted feature list
//   - PUT  /genelist          - Replace the feature list (admin)
//   - POST /admin/reload      - Reload artifacts from disk (admin)
//   - GET  /livez             - 200 while the process is serving
//   - GET  /healthz           - 200 once artifacts are loaded
//   - GET  /metrics           - Prometheus metrics
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/icstlab/icst/pkg/apperr"
	"github.com/icstlab/icst/pkg/artifacts"
	"github.com/icstlab/icst/pkg/httpx"
	"github.com/icstlab/icst/pkg/jobs"
	"github.com/icstlab/icst/pkg/pipeline"
	"github.com/icstlab/icst/pkg/storage"
)

// uploadField is the multipart field carrying the expression matrix.
const uploadField = "samples"

// multipartMemory is the part of a multipart body kept in memory before
// spilling to disk.
const multipartMemory = 8 << 20

// pollTimeout bounds a result lookup in the store.
const pollTimeout = 2 * time.Second

// Artifacts is the artifact handle as seen by the HTTP layer.
type Artifacts interface {
	Current() *artifacts.Bundle
	Ready() bool
	Reload() error
	ReplaceFeatures(names []string) error
}

// Deps holds everything the routes need.
type Deps struct {
	Pipeline  *pipeline.Service
	Jobs      *jobs.Orchestrator
	Artifacts Artifacts
	// Gatherer serves /metrics. Nil selects the default registry.
	Gatherer prometheus.Gatherer
	// UploadDir holds uploaded files until their job finishes.
	UploadDir string
	// PublicURL prefixes result links. Empty yields relative links.
	PublicURL    string
	AdminToken   string
	MaxBodyBytes int64
	// RateLimiter is optional.
	RateLimiter *httpx.RateLimiter
	Logger      *slog.Logger
}

// Accepted is the body of a 202 response.
type Accepted struct {
	JobID     string `json:"jobId"`
	ResultURL string `json:"resultURL"`
}

// Pending is the body of a 201 poll response.
type Pending struct {
	Status string `json:"status"`
}

// SetupRoutes builds the server handler with its middleware chain.
func SetupRoutes(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.UploadDir == "" {
		d.UploadDir = os.TempDir()
	}
	h := &handlers{Deps: d}

	mux := http.NewServeMux()

	mux.Handle("GET /livez", httpx.HealthHandler())
	mux.Handle("GET /healthz", httpx.HealthHandlerWithCheck(h.ready))
	mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /classify", h.classify)
	mux.HandleFunc("POST /probability", h.probability)
	mux.HandleFunc("POST /confidence", h.confidence)
	mux.HandleFunc("POST /confidence/sync", h.confidenceSync)
	mux.HandleFunc("POST /analyse", h.analyse)
	mux.HandleFunc("POST /extract", h.extract)
	mux.HandleFunc("GET /results/{kind}/{id}", h.result)
	mux.HandleFunc("GET /genelist", h.geneList)

	admin := httpx.BearerAuth(d.AdminToken)
	mux.Handle("PUT /genelist", admin(http.HandlerFunc(h.replaceGeneList)))
	mux.Handle("POST /admin/reload", admin(http.HandlerFunc(h.reload)))

	mws := []httpx.Middleware{
		httpx.RecoveryMiddleware(d.Logger),
		httpx.LoggingMiddleware(d.Logger),
	}
	if d.RateLimiter != nil {
		mws = append(mws, d.RateLimiter.Middleware())
	}
	if d.MaxBodyBytes > 0 {
		mws = append(mws, httpx.BodyLimitMiddleware(d.MaxBodyBytes))
	}
	return httpx.Chain(mux, mws...)
}

type handlers struct {
	Deps
}

func (h *handlers) ready() error {
	if !h.Artifacts.Ready() {
		return apperr.New(apperr.ModelUnavailable, "artifacts are not loaded")
	}
	return nil
}

func (h *handlers) classify(w http.ResponseWriter, r *http.Request) {
	var req pipeline.SamplesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	out, err := h.Pipeline.Classify(r.Context(), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, out)
}

func (h *handlers) probability(w http.ResponseWriter, r *http.Request) {
	var req pipeline.SamplesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	out, err := h.Pipeline.Probabilities(r.Context(), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, out)
}

func (h *handlers) confidence(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ConfidenceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	if err := h.Pipeline.ValidateConfidence(&req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.submit(w, r, jobs.KindConfidence, &req, "")
}

func (h *handlers) confidenceSync(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ConfidenceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	out, err := h.Pipeline.ConfidenceSync(r.Context(), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, out)
}

func (h *handlers) analyse(w http.ResponseWriter, r *http.Request) {
	if err := h.ready(); err != nil {
		httpx.WriteAppError(w, err)
		return
	}

	file, header, err := h.upload(r)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	defer file.Close()

	threshold, err := formFloat(r, "qcThreshold")
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	if err := h.Pipeline.ValidateAnalyse(threshold); err != nil {
		h.fail(w, r, err)
		return
	}

	path, err := h.saveUpload(file, header.Filename)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	req := &pipeline.FileRequest{
		Path:        path,
		Filename:    filepath.Base(header.Filename),
		Delimiter:   r.FormValue("delimiter"),
		QCThreshold: threshold,
	}
	if err := req.Validate(); err != nil {
		_ = os.Remove(path)
		httpx.WriteAppError(w, err)
		return
	}

	h.submit(w, r, jobs.KindAnalyse, req, path)
}

func (h *handlers) extract(w http.ResponseWriter, r *http.Request) {
	file, header, err := h.upload(r)
	if err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	defer file.Close()

	out, err := h.Pipeline.Extract(r.Context(), file, header.Filename, r.FormValue("delimiter"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, out)
}

func (h *handlers) result(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	id := r.PathValue("id")

	ctx, cancel := context.WithTimeout(r.Context(), pollTimeout)
	defer cancel()

	job, err := h.Jobs.Poll(ctx, id)
	if err == nil && job.Kind != kind {
		err = apperr.New(apperr.NotFound, "no %s job with id %q", kind, id)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	switch job.State {
	case storage.Pending:
		if err := httpx.WriteJSON(w, http.StatusCreated, Pending{Status: string(storage.Pending)}); err != nil {
			h.Logger.Error("failed to write JSON response", "error", err)
		}
	case storage.Succeeded:
		httpx.WriteData(w, http.StatusOK, job.Result)
	default:
		httpx.WriteDetail(w, job.Error)
	}
}

func (h *handlers) geneList(w http.ResponseWriter, r *http.Request) {
	b := h.Artifacts.Current()
	if b == nil {
		httpx.WriteAppError(w, apperr.New(apperr.ModelUnavailable, "artifacts are not loaded"))
		return
	}
	httpx.WriteData(w, http.StatusOK, map[string]any{
		"results": b.Features.Names(),
		"version": b.Version,
	})
}

// geneListRequest is the body of PUT /genelist.
type geneListRequest struct {
	GeneList []string `json:"geneList"`
}

func (h *handlers) replaceGeneList(w http.ResponseWriter, r *http.Request) {
	var req geneListRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteAppError(w, err)
		return
	}
	if len(req.GeneList) == 0 {
		httpx.WriteAppError(w, apperr.New(apperr.MalformedInput, "geneList must be a non-empty list"))
		return
	}
	if err := h.Artifacts.ReplaceFeatures(req.GeneList); err != nil {
		h.fail(w, r, err)
		return
	}
	h.Logger.Info("feature list replaced", "features", len(req.GeneList), "version", h.Artifacts.Current().Version)
	httpx.WriteData(w, http.StatusOK, map[string]string{"message": "success"})
}

func (h *handlers) reload(w http.ResponseWriter, r *http.Request) {
	if err := h.Artifacts.Reload(); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, map[string]string{"version": h.Artifacts.Current().Version})
}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request, kind string, payload any, tempFile string) {
	job, err := h.Jobs.Submit(r.Context(), kind, payload, tempFile)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resultURL := fmt.Sprintf("%s/results/%s/%s", strings.TrimRight(h.PublicURL, "/"), kind, job.ID)
	w.Header().Set("Location", resultURL)
	if err := httpx.WriteJSON(w, http.StatusAccepted, Accepted{JobID: job.ID, ResultURL: resultURL}); err != nil {
		h.Logger.Error("failed to write JSON response", "error", err)
	}
}

// upload returns the uploaded matrix part of a multipart request.
func (h *handlers) upload(r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, nil, apperr.New(apperr.TooLarge, "upload exceeds %d bytes", maxErr.Limit)
		}
		return nil, nil, apperr.Wrap(apperr.MalformedInput, err, "expected a multipart form with a %q file", uploadField)
	}
	file, header, err := r.FormFile(uploadField)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.MalformedInput, err, "missing file %q", uploadField)
	}
	return file, header, nil
}

// saveUpload copies an upload into the upload directory and returns its
// path. The file is owned by the job from then on.
func (h *handlers) saveUpload(src io.Reader, name string) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	dst, err := os.CreateTemp(h.UploadDir, "upload-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("close upload file: %w", err)
	}
	return dst.Name(), nil
}

// fail renders err and logs it when it is not a client error.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status := apperr.Status(apperr.KindOf(err)); status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	httpx.WriteAppError(w, err)
}

func formFloat(r *http.Request, key string) (*float64, error) {
	v := strings.TrimSpace(r.FormValue(key))
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, apperr.New(apperr.MalformedInput, "%s must be a number, got %q", key, v)
	}
	return &f, nil
}
