package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/letterdrop/letterdrop/internal/metrics"
	"github.com/letterdrop/letterdrop/internal/models"
	"github.com/letterdrop/letterdrop/internal/storage"
)

type NewsletterHandler struct {
	store storage.Storage
}

func NewNewsletterHandler(store storage.Storage) *NewsletterHandler {
	return &NewsletterHandler{store: store}
}

type publishRequest struct {
	Title       string `json:"title"`
	TextContent string `json:"text_content"`
	HTMLContent string `json:"html_content"`
}

type publishResponse struct {
	IssueID          string `json:"issue_id"`
	DeliveriesQueued int64  `json:"deliveries_queued"`
}

const (
	maxPublishBodySize   = 256 * 1024 // 256KB
	maxIdempotencyKeyLen = 64
)

func (h *NewsletterHandler) Publish(w http.ResponseWriter, r *http.Request) {
	author := AuthorFromContext(r.Context())
	if author == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, http.StatusBadRequest, "Idempotency-Key is too long")
		return
	}

	// Validation happens before the key is claimed: a rejected payload
	// must leave the key usable for the corrected retry.
	r.Body = http.MaxBytesReader(w, r.Body, maxPublishBodySize)
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.TextContent == "" && req.HTMLContent == "" {
		writeError(w, http.StatusBadRequest, "text_content or html_content is required")
		return
	}

	outcome, err := h.store.BeginPublish(r.Context(), author.ID, key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start publish")
		return
	}
	if outcome.Replay != nil {
		metrics.IssuesReplayed.Inc()
		writeSavedResponse(w, outcome.Replay)
		return
	}
	guard := outcome.Guard

	issue := &models.NewsletterIssue{
		ID:          models.NewID("iss"),
		Title:       req.Title,
		TextContent: req.TextContent,
		HTMLContent: req.HTMLContent,
		PublishedAt: time.Now().UTC(),
	}
	if err := guard.InsertIssue(r.Context(), issue); err != nil {
		guard.Rollback()
		writeError(w, http.StatusInternalServerError, "failed to insert issue")
		return
	}

	queued, err := guard.EnqueueDeliveries(r.Context(), issue.ID)
	if err != nil {
		guard.Rollback()
		writeError(w, http.StatusInternalServerError, "failed to enqueue deliveries")
		return
	}

	body, err := json.Marshal(publishResponse{IssueID: issue.ID, DeliveriesQueued: queued})
	if err != nil {
		guard.Rollback()
		writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	saved := &models.SavedResponse{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		Body:       body,
	}
	if err := guard.SaveResponse(r.Context(), saved); err != nil {
		guard.Rollback()
		writeError(w, http.StatusInternalServerError, "failed to save response")
		return
	}
	if err := guard.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to commit publish")
		return
	}

	metrics.IssuesPublished.Inc()
	metrics.DeliveriesEnqueued.Add(float64(queued))
	writeSavedResponse(w, saved)
}

func (h *NewsletterHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	issue, err := h.store.GetIssue(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get issue")
		return
	}
	if issue == nil {
		writeError(w, http.StatusNotFound, "issue not found")
		return
	}

	progress, err := h.store.GetIssueProgress(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get delivery progress")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issue":      issue,
		"deliveries": progress,
	})
}

func (h *NewsletterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	issues, err := h.store.ListIssues(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list issues")
		return
	}
	if issues == nil {
		issues = []models.NewsletterIssue{}
	}
	writeJSON(w, http.StatusOK, issues)
}
