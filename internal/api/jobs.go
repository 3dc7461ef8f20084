package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pullbox/backend/internal/auth"
	"github.com/pullbox/backend/internal/engine"
	apperrors "github.com/pullbox/backend/internal/errors"
	"github.com/pullbox/backend/internal/storage"
)

const maxItemsPerJob = 100

// CreateJobRequest is the submission payload for a new download job.
type CreateJobRequest struct {
	Title string          `json:"title"`
	Items []CreateJobItem `json:"items"`
}

// CreateJobItem is one requested download within a job.
type CreateJobItem struct {
	SourceURL  string         `json:"source_url"`
	Provider   string         `json:"provider,omitempty"`
	Filename   string         `json:"filename,omitempty"`
	BytesTotal *int64         `json:"bytes_total,omitempty"`
	ThumbURL   string         `json:"thumb_url,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// JobResponse is a job with its items.
type JobResponse struct {
	Job   *engine.Job    `json:"job"`
	Items []*engine.Item `json:"items"`
}

// JobListResponse is one page of a user's jobs, newest first.
type JobListResponse struct {
	Jobs       []*engine.Job `json:"jobs"`
	NextBefore *time.Time    `json:"next_before,omitempty"`
}

// BlobChecker verifies a stored object still exists before its URL is
// signed.
type BlobChecker interface {
	ObjectExists(ctx context.Context, key string) (bool, error)
}

// JobHandlers exposes the download engine over HTTP.
type JobHandlers struct {
	engine    *engine.Engine
	presigner *storage.Presigner
	blobs     BlobChecker
}

// NewJobHandlers creates the job handler set. presigner may be nil; asset
// URLs are then unavailable. blobs may be nil; the existence check is then
// skipped.
func NewJobHandlers(eng *engine.Engine, presigner *storage.Presigner, blobs BlobChecker) *JobHandlers {
	return &JobHandlers{
		engine:    eng,
		presigner: presigner,
		blobs:     blobs,
	}
}

// CreateJob handles POST /api/v1/jobs.
func (h *JobHandlers) CreateJob(w http.ResponseWriter, r *http.Request) error {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		return apperrors.Unauthorized("not authenticated")
	}

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return apperrors.BadRequest("invalid request body")
	}
	if len(req.Items) == 0 {
		return apperrors.ValidationError("at least one item is required")
	}
	if len(req.Items) > maxItemsPerJob {
		return apperrors.ValidationError("too many items in one job")
	}

	reqs := make([]engine.NewItem, len(req.Items))
	for i, item := range req.Items {
		reqs[i] = engine.NewItem{
			SourceURL:  strings.TrimSpace(item.SourceURL),
			Provider:   item.Provider,
			Filename:   item.Filename,
			BytesTotal: item.BytesTotal,
			ThumbURL:   item.ThumbURL,
			Meta:       item.Meta,
		}
	}

	job, items, err := h.engine.CreateJob(r.Context(), user.UserID.String(), req.Title, reqs)
	if err != nil {
		return err
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusCreated, JobResponse{Job: job, Items: items})
	return nil
}

// ListJobs handles GET /api/v1/jobs?limit=&before=.
func (h *JobHandlers) ListJobs(w http.ResponseWriter, r *http.Request) error {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		return apperrors.Unauthorized("not authenticated")
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return apperrors.ValidationError("limit must be a positive integer")
		}
		limit = n
	}

	var before *time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return apperrors.ValidationError("before must be an RFC 3339 timestamp")
		}
		before = &t
	}

	jobs, err := h.engine.Store().ListJobs(r.Context(), user.UserID.String(), limit, before)
	if err != nil {
		return err
	}

	resp := JobListResponse{Jobs: jobs}
	if len(jobs) > 0 {
		cursor := jobs[len(jobs)-1].CreatedAt
		resp.NextBefore = &cursor
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, resp)
	return nil
}

// GetJob handles GET /api/v1/jobs/{job_id}.
func (h *JobHandlers) GetJob(w http.ResponseWriter, r *http.Request) error {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		return apperrors.Unauthorized("not authenticated")
	}

	job, items, err := h.engine.Store().GetJob(r.Context(), user.UserID.String(), r.PathValue("job_id"))
	if err != nil {
		return err
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, JobResponse{Job: job, Items: items})
	return nil
}

// CancelJob handles POST /api/v1/jobs/{job_id}/cancel.
func (h *JobHandlers) CancelJob(w http.ResponseWriter, r *http.Request) error {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		return apperrors.Unauthorized("not authenticated")
	}

	job, items, err := h.engine.CancelJob(r.Context(), user.UserID.String(), r.PathValue("job_id"))
	if err != nil {
		return err
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, JobResponse{Job: job, Items: items})
	return nil
}

// RetryItem handles POST /api/v1/items/{item_id}/retry.
func (h *JobHandlers) RetryItem(w http.ResponseWriter, r *http.Request) error {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		return apperrors.Unauthorized("not authenticated")
	}

	item, err := h.engine.RetryItem(r.Context(), user.UserID.String(), r.PathValue("item_id"))
	if err != nil {
		return err
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, map[string]any{"item": item})
	return nil
}

// GetItemAsset handles GET /api/v1/items/{item_id}/asset: a presigned
// download URL for a completed item's stored object.
func (h *JobHandlers) GetItemAsset(w http.ResponseWriter, r *http.Request) error {
	user := auth.GetUserFromContext(r.Context())
	if user == nil {
		return apperrors.Unauthorized("not authenticated")
	}
	if h.presigner == nil {
		return apperrors.StorageError("asset downloads are not configured")
	}

	item, err := h.engine.Store().GetItemOwned(r.Context(), user.UserID.String(), r.PathValue("item_id"))
	if err != nil {
		return err
	}
	if item.Status != engine.ItemCompleted || item.StoragePath == "" {
		return apperrors.Conflict("item has no downloadable asset")
	}

	if h.blobs != nil {
		exists, err := h.blobs.ObjectExists(r.Context(), item.StoragePath)
		if err != nil {
			return apperrors.StorageError("failed to check asset").WithCause(err)
		}
		if !exists {
			return apperrors.NotFound("asset")
		}
	}

	signed, err := h.presigner.PresignGet(r.Context(), item.StoragePath)
	if err != nil {
		return apperrors.StorageError("failed to sign asset url").WithCause(err)
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, signed)
	return nil
}
