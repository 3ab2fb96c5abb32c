package httpmiddleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"classattend/internal/auth"
	"classattend/internal/status"
)

func TestTokenBucketRefills(t *testing.T) {
	l := NewSimpleTokenBucket(2, 60)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	if !l.Allow(ctx, "a") || !l.Allow(ctx, "a") {
		t.Fatal("first two requests must pass")
	}
	if l.Allow(ctx, "a") {
		t.Fatal("third request must be limited")
	}
	if !l.Allow(ctx, "b") {
		t.Fatal("other keys have their own bucket")
	}
	now = now.Add(time.Second)
	if !l.Allow(ctx, "a") {
		t.Fatal("one token refills per second at 60/min")
	}
}

func TestRateLimitKeysByCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewSimpleTokenBucket(1, 1)
	r := gin.New()
	r.Use(auth.Bearer("k", "classattend"), RateLimit(l))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	call := func(subject string) int {
		token, _, _ := auth.Issue(subject, status.RoleStudent, "classattend", "k", time.Minute)
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if got := call("s1"); got != http.StatusOK {
		t.Fatalf("expected 200, got %d", got)
	}
	if got := call("s1"); got != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", got)
	}
	if got := call("s2"); got != http.StatusOK {
		t.Fatalf("a different caller on the same IP must pass, got %d", got)
	}
}
