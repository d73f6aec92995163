package httpadapter

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/mangaanimeden/chapter-ingest/internal/config"
	"github.com/mangaanimeden/chapter-ingest/internal/core/domain"
	"github.com/mangaanimeden/chapter-ingest/internal/core/ports"
	"github.com/mangaanimeden/chapter-ingest/internal/core/usecase"
	"github.com/mangaanimeden/chapter-ingest/internal/observability/metrics"
)

const (
	serviceName  = "ingest-api"
	ownerHeader  = "X-User-Id"
	formOverhead = 1 << 20
	formMemory   = 8 << 20
)

//go:embed openapi.yaml
var openAPISpec []byte

// OpenAPISpec returns the embedded API description.
func OpenAPISpec() []byte {
	return openAPISpec
}

type Router struct {
	cfg      config.Config
	uploads  ports.UploadManager
	sessions ports.UploadReader
	archives ports.ArchiveSubmitter
	progress ports.ProgressAggregator
	metrics  *metrics.HTTPServerMetrics
}

func NewRouter(
	cfg config.Config,
	uploads ports.UploadManager,
	sessions ports.UploadReader,
	archives ports.ArchiveSubmitter,
	progress ports.ProgressAggregator,
	httpMetrics *metrics.HTTPServerMetrics,
) *Router {
	if httpMetrics == nil {
		httpMetrics = metrics.NewHTTPServerMetrics(serviceName)
	}
	return &Router{
		cfg:      cfg,
		uploads:  uploads,
		sessions: sessions,
		archives: archives,
		progress: progress,
		metrics:  httpMetrics,
	}
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/uploads", rt.handleInitUpload)
	api.HandleFunc("GET /v1/uploads/{id}", rt.handleGetUpload)
	api.HandleFunc("POST /v1/uploads/{id}/chunks", rt.handleUploadChunk)
	api.HandleFunc("POST /v1/uploads/{id}/complete", rt.handleCompleteUpload)
	api.HandleFunc("POST /v1/series/{series_id}/archives", rt.handleProcessArchives)
	api.HandleFunc("POST /v1/chapters/{chapter_id}/reprocess", rt.handleReprocessChapter)
	api.HandleFunc("GET /v1/progress", rt.handlePollProgress)

	var limited http.Handler = api
	limited = backpressureMiddleware(limited, rt.cfg.APIMaxInFlight, rt.cfg.APIInFlightWait)
	limited = rateLimitMiddleware(limited, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	root.Handle("GET /metrics", rt.metrics.Handler())
	root.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(openAPISpec)
	})
	root.Handle("/v1/", limited)

	var handler http.Handler = root
	handler = rt.metrics.Middleware(serviceName, handler)
	handler = accessLogMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

type initUploadRequest struct {
	Filename    string `json:"filename"`
	TotalChunks int    `json:"total_chunks"`
}

func (rt *Router) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	var req initUploadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	owner := strings.TrimSpace(r.Header.Get(ownerHeader))

	session, err := rt.uploads.Init(r.Context(), req.Filename, req.TotalChunks, owner)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": session.ID})
}

func (rt *Router) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	session, err := rt.sessions.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type chunkResponse struct {
	OK             bool                `json:"ok"`
	ReceivedChunks int                 `json:"received_chunks"`
	TotalChunks    int                 `json:"total_chunks"`
	Status         domain.UploadStatus `json:"status"`
}

func (rt *Router) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	r.Body = http.MaxBytesReader(w, r.Body, rt.maxChunkBytes()+formOverhead)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("chunk exceeds %d bytes", rt.maxChunkBytes()))
			return
		}
		writeError(w, http.StatusBadRequest, "multipart form with index and chunk is required")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	rawIndex := strings.TrimSpace(r.FormValue("index"))
	if rawIndex == "" {
		writeError(w, http.StatusBadRequest, "index is required")
		return
	}
	index, err := strconv.Atoi(rawIndex)
	if err != nil {
		writeError(w, http.StatusBadRequest, "index must be an integer")
		return
	}
	file, header, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, http.StatusBadRequest, "chunk file is required")
		return
	}
	defer file.Close()
	if header.Size > rt.maxChunkBytes() {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("chunk exceeds %d bytes", rt.maxChunkBytes()))
		return
	}

	session, err := rt.uploads.SaveChunk(r.Context(), sessionID, index, file)
	rt.metrics.RecordChunk(serviceName, header.Size, err)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chunkResponse{
		OK:             true,
		ReceivedChunks: session.ReceivedChunks,
		TotalChunks:    session.TotalChunks,
		Status:         session.Status,
	})
}

func (rt *Router) maxChunkBytes() int64 {
	if rt.cfg.MaxChunkBytes <= 0 {
		return 16 << 20
	}
	return rt.cfg.MaxChunkBytes
}

func (rt *Router) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	finalKey, err := rt.uploads.Assemble(r.Context(), r.PathValue("id"))
	rt.metrics.RecordAssembly(serviceName, err)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"final_location": finalKey})
}

type processArchivesRequest struct {
	SessionIDs string `json:"session_ids"`
}

func (rt *Router) handleProcessArchives(w http.ResponseWriter, r *http.Request) {
	var req processArchivesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 256<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	accepted, err := rt.archives.Submit(r.Context(), r.PathValue("series_id"), usecase.SplitIDs(req.SessionIDs))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	rt.metrics.RecordArchivesAccepted(serviceName, accepted)
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted_count": accepted})
}

func (rt *Router) handleReprocessChapter(w http.ResponseWriter, r *http.Request) {
	force := false
	if raw := strings.TrimSpace(r.URL.Query().Get("force")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "force must be a boolean")
			return
		}
		force = parsed
	}

	chapterID := r.PathValue("chapter_id")
	if err := rt.archives.Reprocess(r.Context(), chapterID, force); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"chapter_id": chapterID, "status": "queued"})
}

func (rt *Router) handlePollProgress(w http.ResponseWriter, r *http.Request) {
	report, err := rt.progress.Aggregate(r.Context(), usecase.SplitIDs(r.URL.Query().Get("session_ids")))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	rt.metrics.RecordProgressPoll(serviceName, string(report.Status))
	writeJSON(w, http.StatusOK, report)
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, errorMessage(err))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
