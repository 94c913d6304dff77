package clipstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/you/cliprater/internal/core"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []core.ClipEvent
	failed []string
}

func (r *recordingObserver) ClipEvent(ev core.ClipEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingObserver) StoreError(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, op+"/"+KindName(err))
}

func TestObservedEmitsWriteEvents(t *testing.T) {
	obs := &recordingObserver{}
	s := Observe(openTestSQLite(t, newFakeClock().Now), obs)
	ctx := context.Background()

	if _, err := s.CreateClip(ctx, sampleClip(1)); err != nil {
		t.Fatalf("CreateClip() error = %v", err)
	}
	if _, err := s.UpsertRating(ctx, "m1", 4, "u2"); err != nil {
		t.Fatalf("UpsertRating() error = %v", err)
	}
	if _, err := s.RemoveRating(ctx, "m1", "u2"); err != nil {
		t.Fatalf("RemoveRating() error = %v", err)
	}
	if _, err := s.RemoveClip(ctx, "m1"); err != nil {
		t.Fatalf("RemoveClip() error = %v", err)
	}

	want := []core.EventType{core.EventClipCreated, core.EventRatingUpdated, core.EventRatingRemoved, core.EventClipRemoved}
	if len(obs.events) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), obs.events)
	}
	for i, typ := range want {
		ev := obs.events[i]
		if ev.Type != typ || ev.MessageID != "m1" || ev.Ts.IsZero() {
			t.Fatalf("event %d = %+v, want type %s", i, ev, typ)
		}
	}
	if obs.events[1].User != "u2" || len(obs.events[1].Clip.Ratings) != 1 {
		t.Fatalf("rating event should carry rater and updated clip: %+v", obs.events[1])
	}
	if len(obs.failed) != 0 {
		t.Fatalf("unexpected failures %v", obs.failed)
	}
}

func TestObservedReportsFailures(t *testing.T) {
	obs := &recordingObserver{}
	s := Observe(openTestSQLite(t, nil), obs)
	ctx := context.Background()

	if _, err := s.UpsertRating(ctx, "missing", 3, "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpsertRating(missing) error = %v", err)
	}
	if _, err := s.CreateClip(ctx, NewClip{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("CreateClip(empty) error = %v", err)
	}
	if _, err := s.GetClipByInteractionID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetClipByInteractionID error = %v", err)
	}

	want := []string{"upsert_rating/not_found", "create_clip/validation", "get_clip_by_interaction_id/not_found"}
	if len(obs.failed) != len(want) {
		t.Fatalf("expected %v, got %v", want, obs.failed)
	}
	for i := range want {
		if obs.failed[i] != want[i] {
			t.Fatalf("failure %d = %s, want %s", i, obs.failed[i], want[i])
		}
	}
	if len(obs.events) != 0 {
		t.Fatalf("failed writes must not emit events: %+v", obs.events)
	}
}

func TestObserveNilObserver(t *testing.T) {
	s := Observe(openTestSQLite(t, nil), nil)
	if _, err := s.CreateClip(context.Background(), sampleClip(1)); err != nil {
		t.Fatalf("CreateClip() error = %v", err)
	}
	if _, err := s.GetClipByMessageID(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
