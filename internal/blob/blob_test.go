package blob

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"classattend/internal/config"
)

func TestCloudinaryUploadSignsAndReturnsURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1_1/demo/raw/upload" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		if r.FormValue("public_id") != "app-1/att-1-note" || r.FormValue("signature") == "" {
			t.Errorf("unexpected form %v", r.MultipartForm.Value)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		b, _ := io.ReadAll(f)
		if string(b) != "%PDF" {
			t.Errorf("unexpected body %q", b)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"secure_url": "https://res.example/note.pdf"})
	}))
	defer srv.Close()

	c := NewCloudinary("demo", "key", "secret", "")
	c.BaseURL = srv.URL
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	url, err := c.Upload(context.Background(), "app-1/att-1-note.pdf", "application/pdf", []byte("%PDF"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if url != "https://res.example/note.pdf" {
		t.Fatalf("unexpected url %q", url)
	}
}

func TestCloudinaryUploadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"Invalid Signature"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()
	c := NewCloudinary("demo", "key", "secret", "")
	c.BaseURL = srv.URL
	_, err := c.Upload(context.Background(), "a/b.jpg", "image/jpeg", []byte{1})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected upload failure, got %v", err)
	}
}

func TestSignIgnoresAPIKey(t *testing.T) {
	c := NewCloudinary("demo", "key", "secret", "")
	a := c.sign(map[string]string{"timestamp": "1", "api_key": "one"})
	b := c.sign(map[string]string{"timestamp": "1", "api_key": "two"})
	if a != b {
		t.Fatal("api_key must not affect the signature")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	s, err := New(config.App{BlobBackend: "none"})
	if err != nil || s != nil {
		t.Fatalf("none must yield no store, got %v %v", s, err)
	}
	if _, err := New(config.App{BlobBackend: "cloudinary"}); err == nil {
		t.Fatal("missing cloudinary credentials must fail")
	}
	if _, err := New(config.App{BlobBackend: "oss"}); err == nil {
		t.Fatal("missing oss settings must fail")
	}
	s, err = New(config.App{BlobBackend: "cloudinary", CloudinaryCloudName: "c", CloudinaryAPIKey: "k", CloudinaryAPISecret: "s"})
	if err != nil || s == nil {
		t.Fatalf("expected cloudinary store, got %v %v", s, err)
	}
}

func TestOSSObjectKeyAndURL(t *testing.T) {
	s := &OSS{endpoint: "https://oss-cn-hangzhou.aliyuncs.com", bucketName: "att", prefix: "leave"}
	key := s.objectKey("/app-1/a.pdf")
	if key != "leave/app-1/a.pdf" {
		t.Fatalf("unexpected key %q", key)
	}
	if got := s.PublicURL(key); got != "https://att.oss-cn-hangzhou.aliyuncs.com/leave/app-1/a.pdf" {
		t.Fatalf("unexpected url %q", got)
	}
}
