package httpapi

import (
	"net/http"
	"runtime"
	"time"
)

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

type infoResponse struct {
	Version  string         `json:"version"`
	Revision string         `json:"rev"`
	BuiltAt  string         `json:"built_at,omitempty"`
	Go       string         `json:"go"`
	Backend  string         `json:"backend,omitempty"`
	Ready    bool           `json:"ready"`
	Config   map[string]any `json:"config,omitempty"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := infoResponse{
		Version:  s.opts.Build.Version,
		Revision: s.opts.Build.Revision,
		Go:       runtime.Version(),
		Backend:  s.opts.Backend,
		Ready:    s.ready.Load(),
		Config:   s.opts.ConfigSnapshot,
	}
	if !s.opts.Build.BuiltAt.IsZero() {
		resp.BuiltAt = s.opts.Build.BuiltAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}
