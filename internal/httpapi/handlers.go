package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/you/cliprater/internal/clipstore"
	"github.com/you/cliprater/internal/core"
)

const pingTimeout = 2 * time.Second

type errorResponse struct {
	Error  string                     `json:"error"`
	Kind   string                     `json:"kind,omitempty"`
	Fields clipstore.ValidationErrors `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeStoreError maps a store error kind onto an HTTP status.
func writeStoreError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error(), Kind: clipstore.KindName(err)}
	status := http.StatusInternalServerError
	switch clipstore.KindOf(err) {
	case clipstore.ErrValidation:
		status = http.StatusBadRequest
		var verrs clipstore.ValidationErrors
		if errors.As(err, &verrs) {
			resp.Fields = verrs
		}
	case clipstore.ErrDuplicateKey:
		status = http.StatusConflict
	case clipstore.ErrNotFound:
		status = http.StatusNotFound
	default:
		resp.Error = "storage error"
	}
	writeJSON(w, status, resp)
}

// storeFailed counts a failed read and writes the mapped error response.
// Writes are counted by the observing store wrapper instead.
func (s *Server) storeFailed(w http.ResponseWriter, op string, err error) {
	s.StoreError(op, err)
	writeStoreError(w, err)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "migrating", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleListClips(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	clips, err := s.store.ListClips(r.Context())
	if err != nil {
		s.storeFailed(w, clipstore.OpListClips, err)
		return
	}
	writeJSON(w, http.StatusOK, filters.Apply(clips))
}

func (s *Server) handleGetClip(w http.ResponseWriter, r *http.Request) {
	clip, err := s.store.GetClipByMessageID(r.Context(), r.PathValue("messageId"))
	if err != nil {
		s.storeFailed(w, clipstore.OpGetClipByMessageID, err)
		return
	}
	writeJSON(w, http.StatusOK, clip)
}

func (s *Server) handleGetByID(w http.ResponseWriter, r *http.Request) {
	clip, err := s.store.GetClip(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeFailed(w, clipstore.OpGetClip, err)
		return
	}
	writeJSON(w, http.StatusOK, clip)
}

func (s *Server) handleGetByInteraction(w http.ResponseWriter, r *http.Request) {
	clip, err := s.store.GetClipByInteractionID(r.Context(), r.PathValue("interactionId"))
	if err != nil {
		s.storeFailed(w, clipstore.OpGetClipByInteractionID, err)
		return
	}
	writeJSON(w, http.StatusOK, clip)
}

func (s *Server) handleRatings(w http.ResponseWriter, r *http.Request) {
	ratings, err := s.store.GetRatingsForClip(r.Context(), r.PathValue("messageId"))
	if err != nil {
		s.storeFailed(w, clipstore.OpGetRatingsForClip, err)
		return
	}
	writeJSON(w, http.StatusOK, ratings)
}

type averageResponse struct {
	MessageID string  `json:"message_id"`
	AvgRating float64 `json:"avg_rating"`
}

func (s *Server) handleAverage(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("messageId")
	avg, err := s.store.GetAverageRating(r.Context(), messageID)
	if err != nil {
		s.storeFailed(w, clipstore.OpGetAverageRating, err)
		return
	}
	writeJSON(w, http.StatusOK, averageResponse{MessageID: messageID, AvgRating: avg})
}

func (s *Server) handleUserClips(w http.ResponseWriter, r *http.Request) {
	clips, err := s.store.ListClipsByUser(r.Context(), r.PathValue("userId"))
	if err != nil {
		s.storeFailed(w, clipstore.OpListClipsByUser, err)
		return
	}
	writeJSON(w, http.StatusOK, clips)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLimit)
	}
	ranked, err := s.store.ListClipsSortedByAverageRating(r.Context())
	if err != nil {
		s.storeFailed(w, clipstore.OpListSortedByAverage, err)
		return
	}
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	if ranked == nil {
		ranked = []core.RatedClip{}
	}
	writeJSON(w, http.StatusOK, ranked)
}
