package httpadmin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/you/cliprater/internal/clipstore"
)

// Maintainer is the store maintenance surface exposed to operators.
type Maintainer interface {
	Migrate(ctx context.Context) (clipstore.MigrationResult, error)
	EnsureIndexes(ctx context.Context) error
}

const opTimeout = 2 * time.Minute

type Server struct {
	store Maintainer
	token string
}

// New returns admin handlers for store. When token is non-empty every
// mutating route requires "Authorization: Bearer <token>".
func New(store Maintainer, token string) *Server {
	return &Server{store: store, token: strings.TrimSpace(token)}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/migrate", s.guard(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
		defer cancel()
		res, err := s.store.Migrate(ctx)
		if err != nil {
			http.Error(w, "migrate failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"status": "ok", "matched": res.Matched, "modified": res.Modified})
	}))
	mux.HandleFunc("/admin/indexes", s.guard(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
		defer cancel()
		if err := s.store.EnsureIndexes(ctx); err != nil {
			http.Error(w, "ensure indexes failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"status": "ok"})
	}))
}

func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="cliprater-admin"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
