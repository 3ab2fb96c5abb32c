package faceclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestScoreCallsVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["user_id"] != "s1" || in["image_url"] != "https://img/1.jpg" {
			t.Errorf("unexpected payload %v", in)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"verified": true, "similarity": 0.71, "threshold": 0.5})
	}))
	defer srv.Close()

	c := New(srv.URL, false)
	score, err := c.Score(context.Background(), "s1", "https://img/1.jpg")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score != 0.71 {
		t.Fatalf("expected 0.71, got %v", score)
	}
}

func TestVerifyServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no face", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	if _, err := New(srv.URL, false).Verify(context.Background(), "s1", "https://img/1.jpg"); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestSkipMode(t *testing.T) {
	c := New("http://unused", true)
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("health in skip mode: %v", err)
	}
	res, err := c.Verify(context.Background(), "s1", "")
	if err != nil || !res.Verified {
		t.Fatalf("skip verify: %+v %v", res, err)
	}
}
