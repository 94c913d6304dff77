package clipstore

import (
	"context"
	"time"

	"github.com/you/cliprater/internal/core"
)

// Observer is notified after store calls complete.
type Observer interface {
	ClipEvent(core.ClipEvent)
	StoreError(op string, err error)
}

// Observed forwards to a Backend and reports successful writes and failures
// to an Observer.
type Observed struct {
	Backend
	obs Observer
	now func() time.Time
}

// Observe wraps b. A nil observer makes the wrapper a pass-through.
func Observe(b Backend, obs Observer) *Observed {
	return &Observed{Backend: b, obs: obs, now: time.Now}
}

func (o *Observed) emit(t core.EventType, messageID, user string, clip core.Clip) {
	if o.obs == nil {
		return
	}
	o.obs.ClipEvent(core.ClipEvent{Type: t, Ts: o.now().UTC(), MessageID: messageID, User: user, Clip: clip})
}

func (o *Observed) fail(op string, err error) error {
	if err != nil && o.obs != nil {
		o.obs.StoreError(op, err)
	}
	return err
}

func (o *Observed) CreateClip(ctx context.Context, in NewClip) (core.Clip, error) {
	clip, err := o.Backend.CreateClip(ctx, in)
	if err != nil {
		return clip, o.fail(OpCreateClip, err)
	}
	o.emit(core.EventClipCreated, clip.MessageID, clip.SubmittedBy, clip)
	return clip, nil
}

func (o *Observed) UpsertRating(ctx context.Context, messageID string, rating int, ratedBy string) (core.Clip, error) {
	clip, err := o.Backend.UpsertRating(ctx, messageID, rating, ratedBy)
	if err != nil {
		return clip, o.fail(OpUpsertRating, err)
	}
	o.emit(core.EventRatingUpdated, messageID, ratedBy, clip)
	return clip, nil
}

func (o *Observed) RemoveRating(ctx context.Context, messageID, ratedBy string) (core.Clip, error) {
	clip, err := o.Backend.RemoveRating(ctx, messageID, ratedBy)
	if err != nil {
		return clip, o.fail(OpRemoveRating, err)
	}
	o.emit(core.EventRatingRemoved, messageID, ratedBy, clip)
	return clip, nil
}

func (o *Observed) RemoveClip(ctx context.Context, messageID string) (core.Clip, error) {
	clip, err := o.Backend.RemoveClip(ctx, messageID)
	if err != nil {
		return clip, o.fail(OpRemoveClip, err)
	}
	o.emit(core.EventClipRemoved, messageID, "", clip)
	return clip, nil
}

func (o *Observed) GetClip(ctx context.Context, id string) (core.Clip, error) {
	clip, err := o.Backend.GetClip(ctx, id)
	return clip, o.fail(OpGetClip, err)
}

func (o *Observed) GetClipByMessageID(ctx context.Context, messageID string) (core.Clip, error) {
	clip, err := o.Backend.GetClipByMessageID(ctx, messageID)
	return clip, o.fail(OpGetClipByMessageID, err)
}

func (o *Observed) GetClipByInteractionID(ctx context.Context, interactionID string) (core.Clip, error) {
	clip, err := o.Backend.GetClipByInteractionID(ctx, interactionID)
	return clip, o.fail(OpGetClipByInteractionID, err)
}

func (o *Observed) ListClips(ctx context.Context) ([]core.Clip, error) {
	clips, err := o.Backend.ListClips(ctx)
	return clips, o.fail(OpListClips, err)
}

func (o *Observed) ListClipsByUser(ctx context.Context, submittedBy string) ([]core.Clip, error) {
	clips, err := o.Backend.ListClipsByUser(ctx, submittedBy)
	return clips, o.fail(OpListClipsByUser, err)
}

func (o *Observed) GetAverageRating(ctx context.Context, messageID string) (float64, error) {
	avg, err := o.Backend.GetAverageRating(ctx, messageID)
	return avg, o.fail(OpGetAverageRating, err)
}

func (o *Observed) GetRatingsForClip(ctx context.Context, messageID string) ([]core.Rating, error) {
	ratings, err := o.Backend.GetRatingsForClip(ctx, messageID)
	return ratings, o.fail(OpGetRatingsForClip, err)
}

func (o *Observed) ListClipsSortedByAverageRating(ctx context.Context) ([]core.RatedClip, error) {
	ranked, err := o.Backend.ListClipsSortedByAverageRating(ctx)
	return ranked, o.fail(OpListSortedByAverage, err)
}

func (o *Observed) Migrate(ctx context.Context) (MigrationResult, error) {
	res, err := o.Backend.Migrate(ctx)
	return res, o.fail(OpMigrate, err)
}
