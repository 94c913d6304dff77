package clipstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/you/cliprater/internal/core"
)

// backendFactory returns a fresh, prepared, empty backend whose clock is now.
type backendFactory func(t *testing.T, now func() time.Time) Backend

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

// Now advances one second per call so every write gets a distinct timestamp.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func sampleClip(n int) NewClip {
	return NewClip{
		URL:           "https://youtu.be/dQw4w9WgXcQ",
		Description:   fmt.Sprintf("clip %d", n),
		SubmittedBy:   "u1",
		InteractionID: fmt.Sprintf("i%d", n),
		MessageID:     fmt.Sprintf("m%d", n),
	}
}

func mustCreate(t *testing.T, b Backend, in NewClip) core.Clip {
	t.Helper()
	clip, err := b.CreateClip(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateClip(%+v) error = %v", in, err)
	}
	return clip
}

func mustRate(t *testing.T, b Backend, messageID string, rating int, user string) core.Clip {
	t.Helper()
	clip, err := b.UpsertRating(context.Background(), messageID, rating, user)
	if err != nil {
		t.Fatalf("UpsertRating(%s, %d, %s) error = %v", messageID, rating, user, err)
	}
	return clip
}

func runBackendContract(t *testing.T, factory backendFactory) {
	ctx := context.Background()

	t.Run("create clip", func(t *testing.T) {
		clock := newFakeClock()
		b := factory(t, clock.Now)
		in := NewClip{
			URL:           "https://youtu.be/dQw4w9WgXcQ",
			Description:   "test",
			SubmittedBy:   "u1",
			InteractionID: "i1",
			MessageID:     "m1",
		}
		clip := mustCreate(t, b, in)
		if clip.ID == "" {
			t.Fatalf("expected assigned id")
		}
		if len(clip.Ratings) != 0 || clip.Ratings == nil {
			t.Fatalf("expected empty non-nil ratings, got %#v", clip.Ratings)
		}
		if clip.SubmittedAt.IsZero() {
			t.Fatalf("expected submittedAt to be set")
		}

		got, err := b.GetClip(ctx, clip.ID)
		if err != nil {
			t.Fatalf("GetClip() error = %v", err)
		}
		if got.URL != in.URL || got.Description != in.Description || got.SubmittedBy != in.SubmittedBy ||
			got.InteractionID != in.InteractionID || got.MessageID != in.MessageID {
			t.Fatalf("GetClip() = %+v", got)
		}
		if !got.SubmittedAt.Equal(clip.SubmittedAt) {
			t.Fatalf("submittedAt mismatch: %s vs %s", got.SubmittedAt, clip.SubmittedAt)
		}
		if byMsg, err := b.GetClipByMessageID(ctx, "m1"); err != nil || byMsg.ID != clip.ID {
			t.Fatalf("GetClipByMessageID() = %+v, %v", byMsg, err)
		}
		if byInt, err := b.GetClipByInteractionID(ctx, "i1"); err != nil || byInt.ID != clip.ID {
			t.Fatalf("GetClipByInteractionID() = %+v, %v", byInt, err)
		}
	})

	t.Run("create rejects invalid input before persisting", func(t *testing.T) {
		b := factory(t, newFakeClock().Now)
		bad := []NewClip{
			{URL: "https://vimeo.com/123", Description: "x", SubmittedBy: "u1", InteractionID: "i1", MessageID: "m1"},
			{URL: "https://youtu.be/dQw4w9WgXcQ", Description: "  ", SubmittedBy: "u1", InteractionID: "i1", MessageID: "m1"},
			{URL: "https://youtu.be/dQw4w9WgXcQ", Description: "x", SubmittedBy: "u1", InteractionID: "", MessageID: "m1"},
		}
		for _, in := range bad {
			if _, err := b.CreateClip(ctx, in); !errors.Is(err, ErrValidation) {
				t.Fatalf("CreateClip(%+v) error = %v, want validation", in, err)
			}
		}
		clips, err := b.ListClips(ctx)
		if err != nil {
			t.Fatalf("ListClips() error = %v", err)
		}
		if len(clips) != 0 {
			t.Fatalf("expected no clips after rejected creates, got %d", len(clips))
		}
	})

	t.Run("duplicate ids", func(t *testing.T) {
		b := factory(t, newFakeClock().Now)
		original := mustCreate(t, b, sampleClip(1))

		dupInteraction := sampleClip(2)
		dupInteraction.InteractionID = "i1"
		dupInteraction.Description = "changed"
		if _, err := b.CreateClip(ctx, dupInteraction); !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("duplicate interactionId error = %v", err)
		}

		dupMessage := sampleClip(3)
		dupMessage.MessageID = "m1"
		dupMessage.Description = "changed"
		if _, err := b.CreateClip(ctx, dupMessage); !errors.Is(err, ErrDuplicateKey) {
			t.Fatalf("duplicate messageId error = %v", err)
		}

		clips, err := b.ListClips(ctx)
		if err != nil {
			t.Fatalf("ListClips() error = %v", err)
		}
		if len(clips) != 1 || clips[0].Description != original.Description {
			t.Fatalf("expected original clip untouched, got %+v", clips)
		}
	})

	t.Run("lookups miss", func(t *testing.T) {
		b := factory(t, newFakeClock().Now)
		mustCreate(t, b, sampleClip(1))
		if _, err := b.GetClip(ctx, "not-an-id"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetClip(malformed) error = %v", err)
		}
		if _, err := b.GetClipByMessageID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetClipByMessageID error = %v", err)
		}
		if _, err := b.GetClipByInteractionID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetClipByInteractionID error = %v", err)
		}
	})

	t.Run("list and list by user", func(t *testing.T) {
		b := factory(t, newFakeClock().Now)
		for i := 1; i <= 3; i++ {
			in := sampleClip(i)
			if i == 2 {
				in.SubmittedBy = "u2"
			}
			mustCreate(t, b, in)
		}
		all, err := b.ListClips(ctx)
		if err != nil {
			t.Fatalf("ListClips() error = %v", err)
		}
		if len(all) != 3 || all[0].MessageID != "m1" || all[2].MessageID != "m3" {
			t.Fatalf("ListClips() = %+v", all)
		}
		mine, err := b.ListClipsByUser(ctx, "u1")
		if err != nil {
			t.Fatalf("ListClipsByUser() error = %v", err)
		}
		if len(mine) != 2 {
			t.Fatalf("expected 2 clips for u1, got %d", len(mine))
		}
		for _, c := range mine {
			if c.SubmittedBy != "u1" {
				t.Fatalf("unexpected submitter %q", c.SubmittedBy)
			}
		}
		none, err := b.ListClipsByUser(ctx, "ghost")
		if err != nil || len(none) != 0 {
			t.Fatalf("ListClipsByUser(ghost) = %v, %v", none, err)
		}
	})

	t.Run("upsert replaces by user", func(t *testing.T) {
		b := factory(t, newFakeClock().Now)
		mustCreate(t, b, sampleClip(1))

		first := mustRate(t, b, "m1", 4, "u2")
		firstAt := first.Ratings[0].RatedAt
		second := mustRate(t, b, "m1", 2, "u2")

		ratings, err := b.GetRatingsForClip(ctx, "m1")
		if err != nil {
			t.Fatalf("GetRatingsForClip() error = %v", err)
		}
		if len(ratings) != 1 || ratings[0].Rating != 2 || ratings[0].RatedBy != "u2" {
			t.Fatalf("expected exactly {2, u2}, got %+v", ratings)
		}
		if !ratings[0].RatedAt.After(firstAt) {
			t.Fatalf("expected ratedAt to advance: first %s, now %s", firstAt, ratings[0].RatedAt)
		}
		if len(second.Ratings) != 1 || second.Ratings[0].Rating != 2 {
			t.Fatalf("returned clip not updated: %+v", second.Ratings)
		}
	})

	t.Run("upsert keeps other raters in order", func(t *testing.T) {
		b := factory(t, newFakeClock().Now)
		mustCreate(t, b, sampleClip(1))
		mustRate(t, b, "m1", 5, "a")
		mustRate(t, b, "m1", 3, "b")
		mustRate(t, b, "m1", 1, "c")
		clip := mustRate(t, b, "m1", 4, "b")

		want := []core.Rating{{Rating: 5, RatedBy: "a"}, {Rating: 4, RatedBy: "b"}, {Rating: 1, RatedBy: "c"}}
		if len(clip.Ratings) != len(want) {
			t.Fatalf("expected %d ratings, got %+v", len(want), clip.Ratings)
		}
		for i, w := range want {
			if clip.Ratings[i].Rating != w.Rating || clip.Ratings[i].RatedBy != w.RatedBy {
				t.Fatalf("rating %d = %+v, want %+v", i, clip.Ratings[i], w)
			}
		}
	})

	t.Run("upsert errors", func(t *testing.T) {
		b := factory(t, newFakeClock().Now)
		mustCreate(t, b, sampleClip(1))
		for _, r := range []int{0, 6} {
			if _, err := b.UpsertRating(ctx, "m1", r, "u2"); !errors.Is(err, ErrValidation) {
				t.Fatalf("UpsertRating(%d) error = %v, want validation", r, err)
			}
		}
		if _, err := b.UpsertRating(ctx, "missing", 3, "u2"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("UpsertRating(missing) error = %v", err)
		}
		ratings, _ := b.GetRatingsForClip(ctx, "m1")
		if len(ratings) != 0 {
			t.Fatalf("rejected ratings must not persist: %+v", ratings)
		}
	})

	t.Run("concurrent raters", func(t *testing.T) {
		b := factory(t, newFakeClock().Now)
		mustCreate(t, b, sampleClip(1))

		const users = 8
		var wg sync.WaitGroup
		errs := make(chan error, users*2)
		for i := 0; i < users; i++ {
			for _, v := range []int{1, 5} {
				wg.Add(1)
				go func(user string, v int) {
					defer wg.Done()
					if _, err := b.UpsertRating(ctx, "m1", v, user); err != nil {
						errs <- err
					}
				}(fmt.Sprintf("user-%d", i), v)
			}
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent UpsertRating error = %v", err)
		}

		ratings, err := b.GetRatingsForClip(ctx, "m1")
		if err != nil {
			t.Fatalf("GetRatingsForClip() error = %v", err)
		}
		seen := map[string]int{}
		for _, r := range ratings {
			seen[r.RatedBy]++
		}
		if len(ratings) != users || len(seen) != users {
			t.Fatalf("expected one rating per user, got %d ratings for %d users", len(ratings), len(seen))
		}
	})

	t.Run("remove rating", func(t *testing.T) {
		b := factory(t, newFakeClock().Now)
		mustCreate(t, b, sampleClip(1))
		mustRate(t, b, "m1", 4, "u2")
		mustRate(t, b, "m1", 3, "u3")

		clip, err := b.RemoveRating(ctx, "m1", "u2")
		if err != nil {
			t.Fatalf("RemoveRating() error = %v", err)
		}
		if _, ok := clip.RatingBy("u2"); ok {
			t.Fatalf("returned clip still has u2 rating")
		}
		ratings, _ := b.GetRatingsForClip(ctx, "m1")
		for _, r := range ratings {
			if r.RatedBy == "u2" {
				t.Fatalf("ratings still contain removed user: %+v", ratings)
			}
		}
		if len(ratings) != 1 {
			t.Fatalf("expected u3 rating to remain, got %+v", ratings)
		}

		_, err = b.RemoveRating(ctx, "m1", "u2")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("RemoveRating(never rated) error = %v", err)
		}
		_, missingErr := b.RemoveRating(ctx, "missing", "u2")
		if !errors.Is(missingErr, ErrNotFound) {
			t.Fatalf("RemoveRating(missing clip) error = %v", missingErr)
		}
		if err.Error() == missingErr.Error() {
			t.Fatalf("expected distinct messages, both %q", err.Error())
		}
	})

	t.Run("remove clip", func(t *testing.T) {
		b := factory(t, newFakeClock().Now)
		created := mustCreate(t, b, sampleClip(1))
		mustRate(t, b, "m1", 5, "u2")

		removed, err := b.RemoveClip(ctx, "m1")
		if err != nil {
			t.Fatalf("RemoveClip() error = %v", err)
		}
		if removed.ID != created.ID || len(removed.Ratings) != 1 {
			t.Fatalf("unexpected snapshot %+v", removed)
		}
		if _, err := b.GetClip(ctx, created.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetClip after remove error = %v", err)
		}
		if _, err := b.GetClipByMessageID(ctx, "m1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetClipByMessageID after remove error = %v", err)
		}
		if _, err := b.RemoveClip(ctx, "m1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second RemoveClip error = %v", err)
		}
		ratings, err := b.GetRatingsForClip(ctx, "m1")
		if err != nil || ratings == nil || len(ratings) != 0 {
			t.Fatalf("GetRatingsForClip after remove = %#v, %v", ratings, err)
		}
	})

	t.Run("average rating", func(t *testing.T) {
		b := factory(t, newFakeClock().Now)
		mustCreate(t, b, sampleClip(1))

		if avg, err := b.GetAverageRating(ctx, "m1"); err != nil || avg != 0 {
			t.Fatalf("average of unrated = %v, %v", avg, err)
		}
		if avg, err := b.GetAverageRating(ctx, "missing"); err != nil || avg != 0 {
			t.Fatalf("average of missing = %v, %v", avg, err)
		}
		mustRate(t, b, "m1", 5, "a")
		mustRate(t, b, "m1", 3, "b")
		avg, err := b.GetAverageRating(ctx, "m1")
		if err != nil {
			t.Fatalf("GetAverageRating() error = %v", err)
		}
		if math.Abs(avg-4.0) > 1e-9 {
			t.Fatalf("expected 4.0, got %v", avg)
		}
		clip, _ := b.GetClipByMessageID(ctx, "m1")
		if math.Abs(AverageRating(clip.Ratings)-avg) > 1e-9 {
			t.Fatalf("store average %v disagrees with AverageRating %v", avg, AverageRating(clip.Ratings))
		}
	})

	t.Run("sorted by average", func(t *testing.T) {
		b := factory(t, newFakeClock().Now)
		mustCreate(t, b, sampleClip(1)) // B
		mustCreate(t, b, sampleClip(2)) // A
		mustCreate(t, b, sampleClip(3)) // unrated
		mustRate(t, b, "m1", 2, "x")
		mustRate(t, b, "m2", 5, "x")
		mustRate(t, b, "m2", 5, "y")

		ranked, err := b.ListClipsSortedByAverageRating(ctx)
		if err != nil {
			t.Fatalf("ListClipsSortedByAverageRating() error = %v", err)
		}
		if len(ranked) != 3 {
			t.Fatalf("expected unrated clip to be included, got %d entries", len(ranked))
		}
		wantOrder := []string{"m2", "m1", "m3"}
		wantAvg := []float64{5, 2, 0}
		for i := range wantOrder {
			if ranked[i].Clip.MessageID != wantOrder[i] || ranked[i].AvgRating != wantAvg[i] {
				t.Fatalf("rank %d = %s/%v, want %s/%v", i, ranked[i].Clip.MessageID, ranked[i].AvgRating, wantOrder[i], wantAvg[i])
			}
		}
		if len(ranked[0].Clip.Ratings) != 2 {
			t.Fatalf("expected ranked clip to carry its ratings, got %+v", ranked[0].Clip.Ratings)
		}
	})

	t.Run("migrate is idempotent on current records", func(t *testing.T) {
		b := factory(t, newFakeClock().Now)
		mustCreate(t, b, sampleClip(1))
		res, err := b.Migrate(ctx)
		if err != nil {
			t.Fatalf("Migrate() error = %v", err)
		}
		if res.Modified != 0 {
			t.Fatalf("expected nothing to migrate, got %+v", res)
		}
	})
}
