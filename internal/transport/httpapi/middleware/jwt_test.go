package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kislikjeka/gatekeeper/internal/deal"
	"github.com/kislikjeka/gatekeeper/pkg/logger"
)

const secret = "test-secret-key-minimum-32-characters-long"

func TestJWTService_GenerateAndValidateToken(t *testing.T) {
	svc := NewJWTService(secret, time.Hour)
	actor := deal.Actor{UserID: "u-finance", Role: deal.RoleFinance}

	t.Run("round trip", func(t *testing.T) {
		token, err := svc.GenerateToken(actor)
		require.NoError(t, err)

		got, err := svc.ValidateToken(token)
		require.NoError(t, err)
		assert.Equal(t, actor, got)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := NewJWTService("another-secret-key-minimum-32-characters", time.Hour).GenerateToken(actor)
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		old := NewJWTService(secret, time.Hour)
		old.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		token, err := old.GenerateToken(actor)
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("deactivated role", func(t *testing.T) {
		token, err := svc.GenerateToken(deal.Actor{UserID: "u-gone", Role: deal.RoleDeactivated})
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.ValidateToken("invalid.token.here")
		assert.Error(t, err)
	})
}

func TestJWTMiddleware_StoresActor(t *testing.T) {
	svc := NewJWTService(secret, time.Hour)
	actor := deal.Actor{UserID: "u-sales", Role: deal.RoleSales}
	token, err := svc.GenerateToken(actor)
	require.NoError(t, err)

	var seen deal.Actor
	h := Logger(logger.Discard())(JWTMiddleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = deal.ActorFrom(r.Context())
		assert.Equal(t, "u-sales", r.Context().Value(logger.UserIDKey))
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, actor, seen)
}

func TestJWTMiddleware_RejectsMalformedHeader(t *testing.T) {
	h := JWTMiddleware(NewJWTService(secret, time.Hour))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	for _, header := range []string{"", "Token abc", "Bearer", "Bearer a b"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}
}
