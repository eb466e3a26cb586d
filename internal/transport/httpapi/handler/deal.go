package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kislikjeka/gatekeeper/internal/archival"
	"github.com/kislikjeka/gatekeeper/internal/deal"
	"github.com/kislikjeka/gatekeeper/internal/intake"
	apperrors "github.com/kislikjeka/gatekeeper/internal/shared/errors"
)

// IntakeService defines the deal operations needed by DealHandler
type IntakeService interface {
	Ingest(ctx context.Context, req *intake.IngestRequest) (*deal.Transaction, error)
	Get(ctx context.Context, id string) (*deal.Transaction, error)
	List(ctx context.Context, status deal.Status, limit int) ([]*deal.Transaction, error)
	Cancel(ctx context.Context, id, reason string) (*deal.Transaction, error)
}

// Decider runs approve and reject decisions
type Decider interface {
	Approve(ctx context.Context, id string) (*archival.Outcome, error)
	Reject(ctx context.Context, id, note string) (*archival.Outcome, error)
}

// DealHandler handles deal-related HTTP requests
type DealHandler struct {
	intake  IntakeService
	decider Decider
}

// NewDealHandler creates a new deal handler
func NewDealHandler(intake IntakeService, decider Decider) *DealHandler {
	return &DealHandler{intake: intake, decider: decider}
}

// DealResponse is a deal header with its detail lines
type DealResponse struct {
	*deal.Transaction
	FixedCosts        []deal.FixedCost        `json:"fixed_costs"`
	RecurringServices []deal.RecurringService `json:"recurring_services"`
}

func toDealResponse(t *deal.Transaction) DealResponse {
	resp := DealResponse{
		Transaction:       t,
		FixedCosts:        t.FixedCosts,
		RecurringServices: t.RecurringServices,
	}
	if resp.FixedCosts == nil {
		resp.FixedCosts = []deal.FixedCost{}
	}
	if resp.RecurringServices == nil {
		resp.RecurringServices = []deal.RecurringService{}
	}
	return resp
}

// DealListResponse is a page of deal headers
type DealListResponse struct {
	Deals []*deal.Transaction `json:"deals"`
	Count int                 `json:"count"`
}

// DecisionRequest carries the optional free text of a reject or cancel
type DecisionRequest struct {
	Note string `json:"note"`
}

// IngestDeal handles POST /deals
func (h *DealHandler) IngestDeal(w http.ResponseWriter, r *http.Request) {
	var req intake.IngestRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		respondAppError(w, err)
		return
	}

	t, err := h.intake.Ingest(r.Context(), &req)
	if err != nil {
		respondAppError(w, err)
		return
	}

	status := http.StatusCreated
	if req.TransactionID != "" {
		status = http.StatusOK
	}
	respondJSON(w, toDealResponse(t), status)
}

// GetDeal handles GET /deals/{id}
func (h *DealHandler) GetDeal(w http.ResponseWriter, r *http.Request) {
	t, err := h.intake.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, toDealResponse(t), http.StatusOK)
}

// ListDeals handles GET /deals?status=PENDING&limit=50
func (h *DealHandler) ListDeals(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		respondAppError(w, err)
		return
	}

	deals, err := h.intake.List(r.Context(), deal.Status(r.URL.Query().Get("status")), limit)
	if err != nil {
		respondAppError(w, err)
		return
	}
	if deals == nil {
		deals = []*deal.Transaction{}
	}
	respondJSON(w, DealListResponse{Deals: deals, Count: len(deals)}, http.StatusOK)
}

// ApproveDeal handles POST /deals/{id}/approve
func (h *DealHandler) ApproveDeal(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.decider.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, outcome, http.StatusOK)
}

// RejectDeal handles POST /deals/{id}/reject
func (h *DealHandler) RejectDeal(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		respondAppError(w, err)
		return
	}

	outcome, err := h.decider.Reject(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, outcome, http.StatusOK)
}

// CancelDeal handles POST /deals/{id}/cancel
func (h *DealHandler) CancelDeal(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		respondAppError(w, err)
		return
	}

	t, err := h.intake.Cancel(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, t, http.StatusOK)
}

// queryLimit parses the optional limit parameter
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > 1000 {
		return 0, apperrors.New(apperrors.ErrCodeInvalidInput, "limit must be between 0 and 1000")
	}
	return n, nil
}
