package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/you/cliprater/internal/clipstore"
	"github.com/you/cliprater/internal/core"
)

// Writer is the mutating surface of the store. Production traffic writes
// through the chat command layer; the dev server mounts these routes instead.
type Writer interface {
	CreateClip(ctx context.Context, in clipstore.NewClip) (core.Clip, error)
	UpsertRating(ctx context.Context, messageID string, rating int, ratedBy string) (core.Clip, error)
	RemoveRating(ctx context.Context, messageID, ratedBy string) (core.Clip, error)
	RemoveClip(ctx context.Context, messageID string) (core.Clip, error)
}

const maxBodyBytes = 64 << 10

type rateRequest struct {
	Rating int `json:"rating"`
}

// EnableWrites mounts the write routes backed by wr.
func (s *Server) EnableWrites(wr Writer) {
	s.mux.HandleFunc("POST /clips", func(w http.ResponseWriter, r *http.Request) {
		var in clipstore.NewClip
		if !decodeBody(w, r, &in) {
			return
		}
		clip, err := wr.CreateClip(r.Context(), in)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, clip)
	})

	s.mux.HandleFunc("PUT /clips/{messageId}/ratings/{userId}", func(w http.ResponseWriter, r *http.Request) {
		var req rateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		clip, err := wr.UpsertRating(r.Context(), r.PathValue("messageId"), req.Rating, r.PathValue("userId"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, clip)
	})

	s.mux.HandleFunc("DELETE /clips/{messageId}/ratings/{userId}", func(w http.ResponseWriter, r *http.Request) {
		clip, err := wr.RemoveRating(r.Context(), r.PathValue("messageId"), r.PathValue("userId"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, clip)
	})

	s.mux.HandleFunc("DELETE /clips/{messageId}", func(w http.ResponseWriter, r *http.Request) {
		clip, err := wr.RemoveClip(r.Context(), r.PathValue("messageId"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, clip)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return false
	}
	return true
}
