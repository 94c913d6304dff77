// Package clipstore persists clips and their embedded ratings.
//
// Two backends implement Backend: MongoStore, a document store holding one
// document per clip in the "clips" collection, and SQLiteStore, which keeps
// ratings in a child table keyed by (clip, rater). Both enforce the same
// contract: one rating per user per clip, globally unique interaction and
// message ids, and validation before any write. Rating upserts and removals
// are single atomic statements, so concurrent raters never lose updates.
//
// Failures are reported as *OpError values that match exactly one of
// ErrValidation, ErrDuplicateKey, ErrNotFound or ErrStorage via errors.Is.
package clipstore

import (
	"context"

	"github.com/you/cliprater/internal/core"
)

// Operation names used in OpError and metrics labels.
const (
	OpCreateClip             = "create_clip"
	OpGetClip                = "get_clip"
	OpGetClipByMessageID     = "get_clip_by_message_id"
	OpGetClipByInteractionID = "get_clip_by_interaction_id"
	OpListClips              = "list_clips"
	OpListClipsByUser        = "list_clips_by_user"
	OpUpsertRating           = "upsert_rating"
	OpRemoveRating           = "remove_rating"
	OpRemoveClip             = "remove_clip"
	OpGetAverageRating       = "get_average_rating"
	OpGetRatingsForClip      = "get_ratings_for_clip"
	OpListSortedByAverage    = "list_clips_sorted_by_average_rating"
	OpMigrate                = "migrate"
	OpEnsureIndexes          = "ensure_indexes"
)

// Backend is the full clip store contract.
type Backend interface {
	CreateClip(ctx context.Context, in NewClip) (core.Clip, error)
	GetClip(ctx context.Context, id string) (core.Clip, error)
	GetClipByMessageID(ctx context.Context, messageID string) (core.Clip, error)
	GetClipByInteractionID(ctx context.Context, interactionID string) (core.Clip, error)
	ListClips(ctx context.Context) ([]core.Clip, error)
	ListClipsByUser(ctx context.Context, submittedBy string) ([]core.Clip, error)
	UpsertRating(ctx context.Context, messageID string, rating int, ratedBy string) (core.Clip, error)
	RemoveRating(ctx context.Context, messageID, ratedBy string) (core.Clip, error)
	RemoveClip(ctx context.Context, messageID string) (core.Clip, error)
	GetAverageRating(ctx context.Context, messageID string) (float64, error)
	GetRatingsForClip(ctx context.Context, messageID string) ([]core.Rating, error)
	ListClipsSortedByAverageRating(ctx context.Context) ([]core.RatedClip, error)

	Migrate(ctx context.Context) (MigrationResult, error)
	EnsureIndexes(ctx context.Context) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// MigrationResult reports what a legacy-id backfill touched.
type MigrationResult struct {
	Matched  int64 `json:"matched"`
	Modified int64 `json:"modified"`
}

// Prepare backfills legacy records and then ensures the unique indexes.
// The backfill must come first: records without ids would collide on the
// messageId index.
func Prepare(ctx context.Context, b Backend) (MigrationResult, error) {
	res, err := b.Migrate(ctx)
	if err != nil {
		return res, err
	}
	if err := b.EnsureIndexes(ctx); err != nil {
		return res, err
	}
	return res, nil
}

func emptyIfNil(ratings []core.Rating) []core.Rating {
	if ratings == nil {
		return []core.Rating{}
	}
	return ratings
}
