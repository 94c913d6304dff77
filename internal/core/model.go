package core

import "time"

// Clip is one user-submitted video reference with its embedded ratings.
type Clip struct {
	ID            string    `json:"id" bson:"-"`
	URL           string    `json:"url" bson:"url"`
	Description   string    `json:"description" bson:"description"`
	SubmittedBy   string    `json:"submitted_by" bson:"submittedBy"` // Discord user ID
	SubmittedAt   time.Time `json:"submitted_at" bson:"submittedAt"`
	InteractionID string    `json:"interaction_id" bson:"interactionId"`
	MessageID     string    `json:"message_id" bson:"messageId"`
	Ratings       []Rating  `json:"ratings" bson:"ratings"`
}

// Rating is a single user's 1-5 score for a clip.
type Rating struct {
	Rating  int       `json:"rating" bson:"rating"`
	RatedBy string    `json:"rated_by" bson:"ratedBy"` // Discord user ID
	RatedAt time.Time `json:"rated_at" bson:"ratedAt"`
}

// RatedClip pairs a clip with its average rating.
type RatedClip struct {
	Clip      Clip    `json:"clip"`
	AvgRating float64 `json:"avg_rating"`
}

// RatingBy returns the rating left by user, if any.
func (c Clip) RatingBy(user string) (Rating, bool) {
	for _, r := range c.Ratings {
		if r.RatedBy == user {
			return r, true
		}
	}
	return Rating{}, false
}

// EventType names a clip mutation.
type EventType string

const (
	EventClipCreated   EventType = "clip.created"
	EventClipRemoved   EventType = "clip.removed"
	EventRatingUpdated EventType = "rating.updated"
	EventRatingRemoved EventType = "rating.removed"
)

// ClipEvent is emitted after a successful write and fanned out to stream clients.
type ClipEvent struct {
	Type      EventType `json:"type"`
	Ts        time.Time `json:"ts"`
	MessageID string    `json:"message_id"`
	User      string    `json:"user,omitempty"`
	Clip      Clip      `json:"clip"`
}
