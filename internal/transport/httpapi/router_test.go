package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kislikjeka/gatekeeper/internal/archival"
	"github.com/kislikjeka/gatekeeper/internal/deal"
	"github.com/kislikjeka/gatekeeper/internal/intake"
	apperrors "github.com/kislikjeka/gatekeeper/internal/shared/errors"
	"github.com/kislikjeka/gatekeeper/internal/syncqueue"
	"github.com/kislikjeka/gatekeeper/internal/transport/httpapi/handler"
	"github.com/kislikjeka/gatekeeper/internal/transport/httpapi/middleware"
	"github.com/kislikjeka/gatekeeper/pkg/logger"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type MockIntake struct {
	mock.Mock
}

func (m *MockIntake) Ingest(ctx context.Context, req *intake.IngestRequest) (*deal.Transaction, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*deal.Transaction), args.Error(1)
}

func (m *MockIntake) Get(ctx context.Context, id string) (*deal.Transaction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*deal.Transaction), args.Error(1)
}

func (m *MockIntake) List(ctx context.Context, status deal.Status, limit int) ([]*deal.Transaction, error) {
	args := m.Called(ctx, status, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*deal.Transaction), args.Error(1)
}

func (m *MockIntake) Cancel(ctx context.Context, id, reason string) (*deal.Transaction, error) {
	args := m.Called(ctx, id, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*deal.Transaction), args.Error(1)
}

type MockDecider struct {
	mock.Mock
}

func (m *MockDecider) Approve(ctx context.Context, id string) (*archival.Outcome, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*archival.Outcome), args.Error(1)
}

func (m *MockDecider) Reject(ctx context.Context, id, note string) (*archival.Outcome, error) {
	args := m.Called(ctx, id, note)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*archival.Outcome), args.Error(1)
}

type MockSync struct {
	mock.Mock
}

func (m *MockSync) Stats(ctx context.Context) (syncqueue.Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(syncqueue.Stats), args.Error(1)
}

func (m *MockSync) LastCycle() syncqueue.CycleReport {
	return m.Called().Get(0).(syncqueue.CycleReport)
}

func (m *MockSync) Entries(ctx context.Context, status syncqueue.Status, limit int) ([]*syncqueue.Entry, error) {
	args := m.Called(ctx, status, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*syncqueue.Entry), args.Error(1)
}

func (m *MockSync) Requeue(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

type pinger struct{ err error }

func (p pinger) Health(context.Context) error { return p.err }

// =============================================================================
// Test Helpers
// =============================================================================

const dealID = "FLX26-1015140000000001"

var (
	finance = deal.Actor{UserID: "u-finance", Role: deal.RoleFinance}
	sales   = deal.Actor{UserID: "u-sales", Role: deal.RoleSales}
)

type fixture struct {
	router  http.Handler
	jwt     *middleware.JWTService
	intake  *MockIntake
	decider *MockDecider
	sync    *MockSync
}

func setup(t *testing.T, remote error) *fixture {
	t.Helper()
	f := &fixture{
		jwt:     middleware.NewJWTService("test-secret-key-minimum-32-characters-long", time.Hour),
		intake:  &MockIntake{},
		decider: &MockDecider{},
		sync:    &MockSync{},
	}
	f.router = NewRouter(Config{
		Logger:        logger.Discard(),
		DealHandler:   handler.NewDealHandler(f.intake, f.decider),
		SyncHandler:   handler.NewSyncHandler(f.sync),
		HealthHandler: handler.NewHealthHandler(pinger{}, map[string]handler.Pinger{"remote_store": pinger{err: remote}}, "test"),
		JWTMiddleware: middleware.JWTMiddleware(f.jwt),
	})
	return f
}

func (f *fixture) do(t *testing.T, a *deal.Actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if a != nil {
		token, err := f.jwt.GenerateToken(*a)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) handler.ErrorResponse {
	t.Helper()
	var resp handler.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func actorIs(want deal.Actor) any {
	return mock.MatchedBy(func(ctx context.Context) bool {
		a, ok := deal.ActorFrom(ctx)
		return ok && a == want
	})
}

// =============================================================================
// Tests
// =============================================================================

func TestRouter_RequiresBearerToken(t *testing.T) {
	f := setup(t, nil)

	rec := f.do(t, nil, http.MethodPost, "/api/v1/deals/"+dealID+"/approve", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperrors.ErrCodeUnauthorized, decodeError(t, rec).Code)
	f.decider.AssertNotCalled(t, "Approve", mock.Anything, mock.Anything)
}

func TestApprove_PassesActorAndReturnsOutcome(t *testing.T) {
	f := setup(t, nil)
	outcome := &archival.Outcome{
		TransactionID: dealID,
		Decision:      deal.StatusApproved,
		State:         archival.StateCompleted,
		ArchivedPath:  "/archive/02_ARCHIVE_APPROVED/2026/CORPORATIVO/x.xlsx.zst.age",
		Encrypted:     true,
	}
	f.decider.On("Approve", actorIs(finance), dealID).Return(outcome, nil)

	rec := f.do(t, &finance, http.MethodPost, "/api/v1/deals/"+dealID+"/approve", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var got archival.Outcome
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, archival.StateCompleted, got.State)
	assert.True(t, got.Encrypted)
	f.decider.AssertExpectations(t)
}

func TestApprove_MapsFailuresToStatuses(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"locked", apperrors.FileLocked("/inbox/a.xlsx"), http.StatusLocked, apperrors.ErrCodeFileLocked},
		{"not steady", apperrors.NotSteady("/inbox/a.xlsx"), http.StatusServiceUnavailable, apperrors.ErrCodeNotSteady},
		{"mismatch", apperrors.FingerprintMismatch("/inbox/a.xlsx", "blake3:aa", "blake3:bb"), http.StatusConflict, apperrors.ErrCodeFingerprintMismatch},
		{"terminal", apperrors.AlreadyTerminal(dealID, "APPROVED"), http.StatusConflict, apperrors.ErrCodeAlreadyTerminal},
		{"in progress", apperrors.InProgress(dealID), http.StatusConflict, apperrors.ErrCodeInProgress},
		{"forbidden", apperrors.Forbidden("no"), http.StatusForbidden, apperrors.ErrCodeForbidden},
		{"not found", apperrors.NotFound("transaction"), http.StatusNotFound, apperrors.ErrCodeNotFound},
		{"partial", apperrors.PartialArchival(dealID, "/archive/x", errors.New("disk full")), http.StatusInternalServerError, apperrors.ErrCodePartialArchival},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, nil)
			f.decider.On("Approve", mock.Anything, dealID).Return(nil, tt.err)

			rec := f.do(t, &finance, http.MethodPost, "/api/v1/deals/"+dealID+"/approve", nil)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestApprove_NotSteadySuggestsRetry(t *testing.T) {
	f := setup(t, nil)
	f.decider.On("Approve", mock.Anything, dealID).Return(nil, apperrors.NotSteady("/inbox/a.xlsx"))

	rec := f.do(t, &finance, http.MethodPost, "/api/v1/deals/"+dealID+"/approve", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestApprove_PartialFailureReportsArchivedPath(t *testing.T) {
	f := setup(t, nil)
	f.decider.On("Approve", mock.Anything, dealID).
		Return(nil, apperrors.PartialArchival(dealID, "/archive/x.zst.age", errors.New("database is locked")))

	rec := f.do(t, &finance, http.MethodPost, "/api/v1/deals/"+dealID+"/approve", nil)

	resp := decodeError(t, rec)
	assert.Equal(t, "/archive/x.zst.age", resp.Details["archived_path"])
	assert.NotContains(t, resp.Error, "database is locked")
}

func TestReject_ForwardsNote(t *testing.T) {
	f := setup(t, nil)
	f.decider.On("Reject", actorIs(finance), dealID, "margin too low").
		Return(&archival.Outcome{TransactionID: dealID, Decision: deal.StatusRejected, State: archival.StateCompleted}, nil)

	rec := f.do(t, &finance, http.MethodPost, "/api/v1/deals/"+dealID+"/reject", handler.DecisionRequest{Note: "margin too low"})

	assert.Equal(t, http.StatusOK, rec.Code)
	f.decider.AssertExpectations(t)
}

func TestReject_EmptyBodyIsAllowed(t *testing.T) {
	f := setup(t, nil)
	f.decider.On("Reject", mock.Anything, dealID, "").
		Return(&archival.Outcome{TransactionID: dealID, Decision: deal.StatusRejected}, nil)

	rec := f.do(t, &finance, http.MethodPost, "/api/v1/deals/"+dealID+"/reject", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngest_CreatesDeal(t *testing.T) {
	f := setup(t, nil)
	created := &deal.Transaction{
		ID:         dealID,
		ClientName: "Minera Andina",
		Status:     deal.StatusPending,
		FixedCosts: []deal.FixedCost{{TransactionID: dealID, Line: 1, Category: "equipment"}},
	}
	f.intake.On("Ingest", actorIs(sales), mock.MatchedBy(func(r *intake.IngestRequest) bool {
		return r.ClientName == "Minera Andina" && r.BusinessUnit == "CORPORATIVO"
	})).Return(created, nil)

	rec := f.do(t, &sales, http.MethodPost, "/api/v1/deals", map[string]any{
		"business_unit": "CORPORATIVO",
		"client_name":   "Minera Andina",
		"file_name":     "andina.xlsx",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var got map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, dealID, got["id"])
	assert.Len(t, got["fixed_costs"], 1)
	assert.Empty(t, got["recurring_services"])
}

func TestIngest_RejectsUnknownFields(t *testing.T) {
	f := setup(t, nil)

	rec := f.do(t, &sales, http.MethodPost, "/api/v1/deals", map[string]any{"client": "x"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.ErrCodeBadRequest, decodeError(t, rec).Code)
	f.intake.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything)
}

func TestListDeals_ValidatesLimit(t *testing.T) {
	f := setup(t, nil)
	f.intake.On("List", mock.Anything, deal.StatusPending, 20).Return([]*deal.Transaction{{ID: dealID}}, nil)

	rec := f.do(t, &sales, http.MethodGet, "/api/v1/deals?status=PENDING&limit=20", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, &sales, http.MethodGet, "/api/v1/deals?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncStatus(t *testing.T) {
	f := setup(t, nil)
	f.sync.On("Stats", mock.Anything).Return(syncqueue.Stats{Pending: 3, Failed: 1, PermanentlyFailed: 2, Done: 9}, nil)
	f.sync.On("LastCycle").Return(syncqueue.CycleReport{Sent: 4})

	rec := f.do(t, &sales, http.MethodGet, "/api/v1/sync/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var got handler.SyncStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, 4, got.PendingCount)
	assert.Equal(t, 2, got.PermanentlyFailedCount)
	assert.Equal(t, 4, got.LastCycle.Sent)
}

func TestRequeue(t *testing.T) {
	f := setup(t, nil)
	f.sync.On("Requeue", mock.Anything, int64(7)).Return(nil)
	f.sync.On("Requeue", mock.Anything, int64(8)).Return(syncqueue.ErrNotRequeueable)
	f.sync.On("Requeue", mock.Anything, int64(9)).Return(syncqueue.ErrEntryNotFound)

	assert.Equal(t, http.StatusOK, f.do(t, &finance, http.MethodPost, "/api/v1/sync/entries/7/requeue", nil).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, &finance, http.MethodPost, "/api/v1/sync/entries/8/requeue", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, &finance, http.MethodPost, "/api/v1/sync/entries/9/requeue", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, &finance, http.MethodPost, "/api/v1/sync/entries/x/requeue", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, &sales, http.MethodPost, "/api/v1/sync/entries/7/requeue", nil).Code)
}

func TestReadiness_RemoteOutageDegradesOnly(t *testing.T) {
	f := setup(t, errors.New("connection refused"))

	rec := f.do(t, nil, http.MethodGet, "/health/ready", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var got handler.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "degraded", got.Status)
	assert.Equal(t, "healthy", got.Checks["local_store"])
}

func TestReadiness_LocalStoreDownIsUnavailable(t *testing.T) {
	r := NewRouter(Config{
		Logger:        logger.Discard(),
		HealthHandler: handler.NewHealthHandler(pinger{err: errors.New("disk I/O error")}, nil, "test"),
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecovery_ReturnsJSONError(t *testing.T) {
	f := setup(t, nil)
	f.intake.On("Get", mock.Anything, dealID).Run(func(mock.Arguments) { panic("nil map") })

	rec := f.do(t, &sales, http.MethodGet, "/api/v1/deals/"+dealID, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, apperrors.ErrCodeInternal, decodeError(t, rec).Code)
}
