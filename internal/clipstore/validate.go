package clipstore

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/you/cliprater/internal/cliplink"
	"github.com/you/cliprater/internal/core"
)

const (
	MinRating = 1
	MaxRating = 5
)

// NewClip carries the caller-supplied fields of a clip submission.
type NewClip struct {
	URL           string `json:"url" validate:"required,clipurl"`
	Description   string `json:"description" validate:"notblank"`
	SubmittedBy   string `json:"submitted_by" validate:"notblank"`
	InteractionID string `json:"interaction_id" validate:"notblank"`
	MessageID     string `json:"message_id" validate:"notblank"`
}

type ratingInput struct {
	MessageID string `validate:"notblank"`
	Rating    int    `validate:"rating"`
	RatedBy   string `validate:"notblank"`
}

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// ValidationErrors is the cause attached to ErrValidation failures.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "validation failed"
	}
	msgs := make([]string, 0, len(v))
	for _, fe := range v {
		msgs = append(msgs, fe.Message)
	}
	return strings.Join(msgs, "; ")
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("clipurl", func(fl validator.FieldLevel) bool {
			return ValidateClipURL(fl.Field().String()) == nil
		})
		_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return !blank(fl.Field().String())
		})
		_ = validate.RegisterValidation("rating", func(fl validator.FieldLevel) bool {
			return ValidateRating(int(fl.Field().Int())) == nil
		})
	})
	return validate
}

// ValidateNewClip checks every field of a submission without touching storage.
func ValidateNewClip(in NewClip) error {
	return validateStruct(in)
}

// ValidateClipURL reports whether raw is an accepted YouTube or Twitch clip link.
func ValidateClipURL(raw string) error {
	if _, err := cliplink.Parse(raw); err != nil {
		return ValidationErrors{{Field: "URL", Tag: "clipurl", Message: "URL must be a YouTube or Twitch clip link: " + err.Error()}}
	}
	return nil
}

// ValidateDescription rejects empty or whitespace-only descriptions.
func ValidateDescription(desc string) error {
	if blank(desc) {
		return ValidationErrors{{Field: "Description", Tag: "notblank", Message: "Description is required"}}
	}
	return nil
}

// ValidateRating rejects values outside [MinRating, MaxRating].
func ValidateRating(rating int) error {
	if rating < MinRating || rating > MaxRating {
		return ValidationErrors{{
			Field:   "Rating",
			Tag:     "range",
			Message: fmt.Sprintf("Rating must be between %d and %d, got %d", MinRating, MaxRating, rating),
		}}
	}
	return nil
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func validateRatingInput(messageID string, rating int, ratedBy string) error {
	return validateStruct(ratingInput{MessageID: messageID, Rating: rating, RatedBy: ratedBy})
}

// AverageRating is the arithmetic mean of the rating values, or 0 when empty.
func AverageRating(ratings []core.Rating) float64 {
	if len(ratings) == 0 {
		return 0
	}
	sum := 0
	for _, r := range ratings {
		sum += r.Rating
	}
	return float64(sum) / float64(len(ratings))
}

func validateStruct(s any) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationErrors{{Field: "unknown", Tag: "unknown", Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, FieldError{Field: fe.Field(), Tag: fe.Tag(), Message: translate(fe)})
	}
	return out
}

func translate(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return fe.Field() + " is required"
	case "clipurl":
		return fe.Field() + " must be a YouTube or Twitch clip link"
	case "rating":
		return fmt.Sprintf("%s must be between %d and %d, got %v", fe.Field(), MinRating, MaxRating, fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
