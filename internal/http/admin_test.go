package httpadmin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/you/cliprater/internal/clipstore"
)

type fakeStore struct {
	res        clipstore.MigrationResult
	err        error
	migrated   int
	indexCalls int
}

func (f *fakeStore) Migrate(context.Context) (clipstore.MigrationResult, error) {
	f.migrated++
	return f.res, f.err
}

func (f *fakeStore) EnsureIndexes(context.Context) error {
	f.indexCalls++
	return f.err
}

func serve(t *testing.T, srv *Server, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	srv.Register(mux)
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestMigrateSuccess(t *testing.T) {
	store := &fakeStore{res: clipstore.MigrationResult{Matched: 3, Modified: 2}}
	rec := serve(t, New(store, ""), http.MethodPost, "/admin/migrate", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("expected content-type application/json; charset=utf-8, got %q", ct)
	}

	var payload struct {
		Status   string `json:"status"`
		Matched  int64  `json:"matched"`
		Modified int64  `json:"modified"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Status != "ok" || payload.Matched != 3 || payload.Modified != 2 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if store.migrated != 1 {
		t.Fatalf("expected one migration, got %d", store.migrated)
	}
}

func TestMigrateError(t *testing.T) {
	srv := New(&fakeStore{err: errors.New("boom")}, "")
	rec := serve(t, srv, http.MethodPost, "/admin/migrate", "")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	if body := rec.Body.String(); body != "migrate failed: boom\n" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestEnsureIndexes(t *testing.T) {
	store := &fakeStore{}
	rec := serve(t, New(store, ""), http.MethodPost, "/admin/indexes", "")
	if rec.Code != http.StatusOK || store.indexCalls != 1 {
		t.Fatalf("status %d, calls %d", rec.Code, store.indexCalls)
	}
}

func TestAdminRequiresPost(t *testing.T) {
	store := &fakeStore{}
	rec := serve(t, New(store, ""), http.MethodGet, "/admin/migrate", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
	if store.migrated != 0 {
		t.Fatalf("GET must not migrate")
	}
}

func TestAdminToken(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"correct", "s3cret", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{}
			rec := serve(t, New(store, " s3cret "), http.MethodPost, "/admin/migrate", tc.token)
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rec.Code)
			}
			if tc.status == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Fatalf("expected WWW-Authenticate header")
			}
		})
	}

	rec := serve(t, New(&fakeStore{}, "s3cret"), http.MethodGet, "/admin/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz should stay open, got %d %q", rec.Code, rec.Body.String())
	}
}
