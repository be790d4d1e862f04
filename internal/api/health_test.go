package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/avolkov/converse/internal/store"
	"github.com/go-chi/chi/v5"
)

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func newHealthRouter(t *testing.T, repo store.Repository, mountPoint string) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	NewHealthHandler(repo, mountPoint).RegisterHealth(r)
	return r
}

func TestHealthHandler_AllComponents(t *testing.T) {
	dir := t.TempDir()
	repo, err := store.NewSQLite(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})

	rec := httptest.NewRecorder()
	newHealthRouter(t, repo, dir).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	for _, name := range []string{"database", "cpu", "memory", "storage"} {
		if _, ok := resp.Checks[name]; !ok {
			t.Errorf("Expected a %s check in the response", name)
		}
	}
	if resp.Checks["database"] != "ok" {
		t.Errorf("Expected database check ok, got %q", resp.Checks["database"])
	}
}

func TestHealthHandler_DatabaseDown(t *testing.T) {
	dir := t.TempDir()
	repo, err := store.NewSQLite(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	rec := httptest.NewRecorder()
	newHealthRouter(t, repo, dir).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", rec.Code)
	}
	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("Expected degraded status, got %q", resp.Status)
	}
	if !strings.HasPrefix(resp.Checks["database"], "failed") {
		t.Errorf("Expected failed database check, got %q", resp.Checks["database"])
	}
}
