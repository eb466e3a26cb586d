package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kislikjeka/gatekeeper/internal/deal"
)

func TestRateLimiter_PerCaller(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Date(2026, 10, 15, 14, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := rl.Middleware(ok)

	call := func(a *deal.Actor, addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		if a != nil {
			req = req.WithContext(deal.WithActor(req.Context(), *a))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	alice := &deal.Actor{UserID: "alice", Role: deal.RoleSales}
	bob := &deal.Actor{UserID: "bob", Role: deal.RoleSales}

	assert.Equal(t, http.StatusOK, call(alice, "10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, call(alice, "10.0.0.2:1000"))
	assert.Equal(t, http.StatusTooManyRequests, call(alice, "10.0.0.3:1000"), "keyed by user, not address")
	assert.Equal(t, http.StatusOK, call(bob, "10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, call(nil, "10.0.0.1:1000"))

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, call(alice, "10.0.0.1:1000"), "refilled after a second")
}

func TestRateLimiter_EvictsIdleCallers(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2026, 10, 15, 14, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("a"))
	assert.True(t, rl.allow("b"))
	now = now.Add(rl.idle + time.Second)
	assert.True(t, rl.allow("b"))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.visitors, "a")
	assert.Contains(t, rl.visitors, "b")
}
