package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kislikjeka/gatekeeper/internal/deal"
	apperrors "github.com/kislikjeka/gatekeeper/internal/shared/errors"
	"github.com/kislikjeka/gatekeeper/internal/syncqueue"
)

// SyncService exposes the sync worker to operators
type SyncService interface {
	Stats(ctx context.Context) (syncqueue.Stats, error)
	LastCycle() syncqueue.CycleReport
	Entries(ctx context.Context, status syncqueue.Status, limit int) ([]*syncqueue.Entry, error)
	Requeue(ctx context.Context, id int64) error
}

// SyncHandler handles sync queue HTTP requests
type SyncHandler struct {
	sync SyncService
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(sync SyncService) *SyncHandler {
	return &SyncHandler{sync: sync}
}

// SyncStatusResponse is the operational view of the queue
type SyncStatusResponse struct {
	PendingCount           int                   `json:"pending_count"`
	PermanentlyFailedCount int                   `json:"permanently_failed_count"`
	Stats                  syncqueue.Stats       `json:"stats"`
	LastCycle              syncqueue.CycleReport `json:"last_cycle"`
}

// EntryResponse is one queued mutation without its payload
type EntryResponse struct {
	ID            int64     `json:"id"`
	Table         string    `json:"table"`
	Operation     string    `json:"operation"`
	EntityKey     string    `json:"entity_key"`
	DependsOn     string    `json:"depends_on,omitempty"`
	Status        string    `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	Resolution    string    `json:"resolution,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toEntryResponse(e *syncqueue.Entry) EntryResponse {
	return EntryResponse{
		ID:            e.ID,
		Table:         string(e.Table),
		Operation:     string(e.Operation),
		EntityKey:     e.EntityKey,
		DependsOn:     e.DependsOn,
		Status:        string(e.Status),
		AttemptCount:  e.AttemptCount,
		NextAttemptAt: e.NextAttemptAt,
		LastError:     e.LastError,
		Resolution:    string(e.Resolution),
		CreatedAt:     e.CreatedAt,
	}
}

// GetStatus handles GET /sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sync.Stats(r.Context())
	if err != nil {
		respondAppError(w, apperrors.DatabaseError("failed to read sync queue", err))
		return
	}
	respondJSON(w, SyncStatusResponse{
		PendingCount:           stats.PendingCount(),
		PermanentlyFailedCount: stats.PermanentlyFailed,
		Stats:                  stats,
		LastCycle:              h.sync.LastCycle(),
	}, http.StatusOK)
}

// ListEntries handles GET /sync/entries?status=permanently_failed
func (h *SyncHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		respondAppError(w, err)
		return
	}

	entries, err := h.sync.Entries(r.Context(), syncqueue.Status(r.URL.Query().Get("status")), limit)
	if err != nil {
		respondAppError(w, apperrors.DatabaseError("failed to list sync entries", err))
		return
	}

	resp := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, toEntryResponse(e))
	}
	respondJSON(w, resp, http.StatusOK)
}

// RequeueEntry handles POST /sync/entries/{id}/requeue
func (h *SyncHandler) RequeueEntry(w http.ResponseWriter, r *http.Request) {
	if a, ok := deal.ActorFrom(r.Context()); !ok || !a.Role.CanDecide() {
		respondError(w, apperrors.ErrCodeForbidden, "only finance or admin users can requeue entries", http.StatusForbidden)
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, apperrors.ErrCodeInvalidInput, "invalid entry id", http.StatusBadRequest)
		return
	}

	err = h.sync.Requeue(r.Context(), id)
	switch {
	case err == nil:
		respondJSON(w, map[string]any{"id": id, "status": string(syncqueue.StatusPending)}, http.StatusOK)
	case errors.Is(err, syncqueue.ErrEntryNotFound):
		respondError(w, apperrors.ErrCodeNotFound, "sync entry not found", http.StatusNotFound)
	case errors.Is(err, syncqueue.ErrNotRequeueable):
		respondError(w, apperrors.ErrCodeConflict, syncqueue.ErrNotRequeueable.Error(), http.StatusConflict)
	default:
		respondAppError(w, apperrors.DatabaseError("failed to requeue entry", err))
	}
}
