package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/slidescan/internal/errors"
	"github.com/3leaps/slidescan/pkg/analysis"
	"github.com/3leaps/slidescan/pkg/eventbus"
	"github.com/3leaps/slidescan/pkg/slides"
	"github.com/3leaps/slidescan/pkg/statusstore"
	"github.com/3leaps/slidescan/pkg/taskqueue"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Queue admits analysis jobs.
type Queue interface {
	Submit(ctx context.Context, keys []analysis.JobKey) []analysis.StatusRecord
	Stats() taskqueue.Stats
}

// StatusLister exposes the status store to the API.
type StatusLister interface {
	List() []analysis.StatusRecord
	Stats() statusstore.Stats
}

// EventSource is the event bus seen by the streaming endpoint.
type EventSource interface {
	Subscribe() *eventbus.Subscription
	Unsubscribe(sub *eventbus.Subscription)
	Stats() eventbus.Stats
}

// Previewer produces slide preview images.
type Previewer interface {
	Extract(ctx context.Context, containerPath, fileID string) (string, error)
}

// PipelineStats is optionally implemented by the pipeline runner.
type PipelineStats interface {
	Invocations() int64
	CacheHits() int64
}

// APIDeps wires the analysis API.
type APIDeps struct {
	Queue     Queue
	Store     StatusLister
	Events    EventSource
	Previewer Previewer
	Pipeline  PipelineStats

	// SlidePatterns filters folder listings; empty means *.svs.
	SlidePatterns []string

	Logger *zap.Logger
}

// API serves the analysis endpoints.
type API struct {
	deps   APIDeps
	logger *zap.Logger
}

// NewAPI validates deps and returns an API.
func NewAPI(deps APIDeps) (*API, error) {
	if deps.Queue == nil || deps.Store == nil || deps.Events == nil {
		return nil, errors.New("api requires queue, store, and event source")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{deps: deps, logger: logger}, nil
}

// FileInfo is the per-job view returned by the API.
type FileInfo struct {
	FolderPath   string              `json:"folderPath"`
	File         string              `json:"file"`
	IsNormalized analysis.Variant    `json:"isNormalized"`
	Status       analysis.JobState   `json:"status"`
	Result       *analysis.Result    `json:"result"`
	Error        *analysis.ErrorInfo `json:"error,omitempty"`
	Attempts     int                 `json:"attempts,omitempty"`
	UpdatedAt    *time.Time          `json:"updatedAt,omitempty"`
}

func fileInfoFrom(rec analysis.StatusRecord) FileInfo {
	info := FileInfo{
		FolderPath:   rec.Key.ContainerPath,
		File:         rec.Key.FileID,
		IsNormalized: rec.Key.Variant,
		Status:       rec.State,
		Result:       rec.Result,
		Error:        rec.Error,
		Attempts:     rec.Attempts,
	}
	switch {
	case rec.EndedAt != nil:
		info.UpdatedAt = rec.EndedAt
	case rec.StartedAt != nil:
		info.UpdatedAt = rec.StartedAt
	default:
		t := rec.SubmittedAt
		info.UpdatedAt = &t
	}
	return info
}

// FileInfosResponse wraps job views.
type FileInfosResponse struct {
	Success   bool       `json:"success"`
	FileInfos []FileInfo `json:"fileInfos"`
}

type analyzeRequest struct {
	FolderPath   string   `json:"folderPath"`
	Files        []string `json:"files"`
	IsNormalized string   `json:"isNormalized"`
}

// Analyze admits one job per requested file and returns each job's state
// after admission.
func (a *API) Analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	if req.Files == nil {
		respondWithError(w, r, apperrors.NewValidationError("files must be an array"))
		return
	}
	if strings.TrimSpace(req.FolderPath) == "" {
		respondWithError(w, r, apperrors.NewValidationError("folderPath is required"))
		return
	}
	variant, err := analysis.ParseVariant(req.IsNormalized)
	if err != nil {
		respondWithError(w, r, apperrors.NewValidationError(err.Error()).
			WithDetails(map[string]any{"isNormalized": req.IsNormalized}))
		return
	}

	keys := make([]analysis.JobKey, len(req.Files))
	for i, f := range req.Files {
		keys[i] = analysis.JobKey{ContainerPath: req.FolderPath, FileID: f, Variant: variant}
	}

	recs := a.deps.Queue.Submit(r.Context(), keys)
	a.logger.Info("Analysis requested",
		zap.String("folder", req.FolderPath),
		zap.Int("files", len(keys)),
		zap.String("variant", variant.String()))

	apperrors.WriteJSON(w, http.StatusOK, FileInfosResponse{Success: true, FileInfos: fileInfos(recs)})
}

// Status returns every known job.
func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, FileInfosResponse{
		Success:   true,
		FileInfos: fileInfos(a.deps.Store.List()),
	})
}

func fileInfos(recs []analysis.StatusRecord) []FileInfo {
	out := make([]FileInfo, len(recs))
	for i, rec := range recs {
		out[i] = fileInfoFrom(rec)
	}
	return out
}

// StatsResponse reports runtime counters.
type StatsResponse struct {
	Queue    taskqueue.Stats   `json:"queue"`
	Store    statusstore.Stats `json:"store"`
	Events   eventbus.Stats    `json:"events"`
	Pipeline *pipelineStats    `json:"pipeline,omitempty"`
}

type pipelineStats struct {
	Invocations int64 `json:"invocations"`
	CacheHits   int64 `json:"cache_hits"`
}

// Stats reports queue, store, and event counters.
func (a *API) Stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Queue:  a.deps.Queue.Stats(),
		Store:  a.deps.Store.Stats(),
		Events: a.deps.Events.Stats(),
	}
	if p := a.deps.Pipeline; p != nil {
		resp.Pipeline = &pipelineStats{Invocations: p.Invocations(), CacheHits: p.CacheHits()}
	}
	apperrors.WriteJSON(w, http.StatusOK, resp)
}

type filesRequest struct {
	FolderPath string `json:"folderPath"`
}

// FilesResponse lists slide files in a folder.
type FilesResponse struct {
	Success bool     `json:"success"`
	Files   []string `json:"files"`
}

// Files lists the slide files directly inside a folder.
func (a *API) Files(w http.ResponseWriter, r *http.Request) {
	var req filesRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	if strings.TrimSpace(req.FolderPath) == "" {
		respondWithError(w, r, apperrors.NewValidationError("folderPath is required"))
		return
	}

	files, err := slides.List(r.Context(), req.FolderPath, a.deps.SlidePatterns)
	if err != nil {
		a.logger.Warn("Failed to list slides", zap.String("folder", req.FolderPath), zap.Error(err))
		if errors.Is(err, os.ErrNotExist) {
			respondWithError(w, r, apperrors.NewNotFound(fmt.Sprintf("folder %s not found", req.FolderPath)))
			return
		}
		respondWithError(w, r, apperrors.Wrap(err, http.StatusInternalServerError, apperrors.CodeInternal,
			"cannot read folder: "+err.Error()))
		return
	}
	if files == nil {
		files = []string{}
	}
	apperrors.WriteJSON(w, http.StatusOK, FilesResponse{Success: true, Files: files})
}

type previewRequest struct {
	SlideFolder   string `json:"slide_folder"`
	SlideFileName string `json:"slide_file_name"`
}

// PreviewResponse names the generated preview image.
type PreviewResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	ImgFileName string `json:"img_file_name"`
}

// Preview makes sure a slide's preview PNG exists.
func (a *API) Preview(w http.ResponseWriter, r *http.Request) {
	if a.deps.Previewer == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailable("preview extraction is not configured"))
		return
	}
	var req previewRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	name, err := a.deps.Previewer.Extract(r.Context(), req.SlideFolder, req.SlideFileName)
	if err != nil {
		if errors.Is(err, analysis.ErrInvalidKey) {
			respondWithError(w, r, apperrors.NewValidationError(err.Error()))
			return
		}
		a.logger.Error("Preview extraction failed",
			zap.String("folder", req.SlideFolder),
			zap.String("file", req.SlideFileName),
			zap.Error(err))
		respondWithError(w, r, apperrors.NewExternalServiceError("preview extraction failed").
			WithDetails(map[string]any{"kind": string(analysis.KindOf(err))}))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, PreviewResponse{Success: true, Message: "preview ready", ImgFileName: name})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.NewBadRequest("request body is required")
		}
		return apperrors.Wrap(err, http.StatusBadRequest, apperrors.CodeBadRequest, "invalid JSON body")
	}
	return nil
}
