package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"classattend/internal/status"
)

func TestIssueParseRoundTrip(t *testing.T) {
	token, exp, err := Issue("t1", status.RoleTeacher, "classattend", "k", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatal("expiry must be in the future")
	}
	claims, err := Parse(token, "k", "classattend")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	caller, err := claims.Caller()
	if err != nil {
		t.Fatalf("caller: %v", err)
	}
	if caller.ID != "t1" || caller.Role != status.RoleTeacher {
		t.Fatalf("unexpected caller %+v", caller)
	}
}

func TestParseRejects(t *testing.T) {
	token, _, _ := Issue("s1", status.RoleStudent, "classattend", "k", time.Minute)
	if _, err := Parse(token, "other-key", "classattend"); err == nil {
		t.Fatal("wrong key must fail")
	}
	if _, err := Parse(token, "k", "someone-else"); err == nil {
		t.Fatal("wrong issuer must fail")
	}
	expired, _, _ := Issue("s1", status.RoleStudent, "classattend", "k", -time.Minute)
	if _, err := Parse(expired, "k", "classattend"); err == nil {
		t.Fatal("expired token must fail")
	}
}

func TestClaimsWithUnknownRole(t *testing.T) {
	c := Claims{Role: "admin"}
	c.Subject = "x"
	if _, err := c.Caller(); err == nil {
		t.Fatal("unknown role must be rejected")
	}
}

func TestBearerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", Bearer("k", "classattend"), func(c *gin.Context) {
		caller, ok := CallerFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, caller.ID+":"+caller.Role.String())
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	token, _, _ := Issue("s1", status.RoleStudent, "classattend", "k", time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "s1:student" {
		t.Fatalf("unexpected response %d %q", w.Code, w.Body.String())
	}
}
