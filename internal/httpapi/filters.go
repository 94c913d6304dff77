package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/you/cliprater/internal/cliplink"
	"github.com/you/cliprater/internal/core"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Order is the submission order used when listing clips.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// Filters captures the parsed query parameters for clip listings.
type Filters struct {
	Platforms  []cliplink.Platform
	Submitters []string
	Since      *time.Time
	Limit      int
	Order      Order
}

// ParseFilters parses query parameters into a Filters struct. Listings
// default to oldest first, which is the store's natural order.
func ParseFilters(values url.Values) (Filters, error) {
	f := Filters{
		Limit: defaultLimit,
		Order: OrderAsc,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "asc":
			f.Order = OrderAsc
		case "desc":
			f.Order = OrderDesc
		default:
			return Filters{}, errors.New("order must be asc or desc")
		}
	}

	if raw := values.Get("since"); raw != "" {
		parsed, err := parseSince(raw)
		if err != nil {
			return Filters{}, err
		}
		f.Since = &parsed
	}

	seenPlatforms := make(map[cliplink.Platform]struct{})
	allowAll := false
	for _, part := range splitValues(values["platform"]) {
		canonical, ok := normalizePlatform(part)
		if !ok {
			return Filters{}, errors.New("invalid platform filter")
		}
		if canonical == "" {
			allowAll = true
			continue
		}
		if _, exists := seenPlatforms[canonical]; !exists {
			f.Platforms = append(f.Platforms, canonical)
			seenPlatforms[canonical] = struct{}{}
		}
	}
	if allowAll {
		f.Platforms = nil
	}

	seen := make(map[string]struct{})
	for _, part := range splitValues(values["submitted_by"]) {
		if _, exists := seen[part]; !exists {
			f.Submitters = append(f.Submitters, part)
			seen[part] = struct{}{}
		}
	}

	return f, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

func splitValues(values []string) []string {
	var out []string
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func normalizePlatform(p string) (cliplink.Platform, bool) {
	switch strings.ToLower(p) {
	case "twitch", "tw", "t":
		return cliplink.PlatformTwitch, true
	case "youtube", "yt", "y":
		return cliplink.PlatformYouTube, true
	case "all", "*":
		return "", true
	default:
		return "", false
	}
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}

// Matches reports whether the clip satisfies the filters.
func (f Filters) Matches(clip core.Clip) bool {
	if len(f.Platforms) > 0 {
		link, err := cliplink.Parse(clip.URL)
		if err != nil {
			return false
		}
		match := false
		for _, p := range f.Platforms {
			if link.Platform == p {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if len(f.Submitters) > 0 {
		match := false
		for _, u := range f.Submitters {
			if clip.SubmittedBy == u {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if f.Since != nil && clip.SubmittedAt.Before(*f.Since) {
		return false
	}
	return true
}

// Apply filters clips in store order, then orders and truncates the result.
func (f Filters) Apply(clips []core.Clip) []core.Clip {
	out := make([]core.Clip, 0, len(clips))
	for _, c := range clips {
		if f.Matches(c) {
			out = append(out, c)
		}
	}
	if f.Order == OrderDesc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// EventFilter selects which clip events a stream client receives.
type EventFilter struct {
	Types     map[core.EventType]struct{}
	MessageID string
}

// ParseEventFilter reads ?type= and ?message_id= from a stream request.
func ParseEventFilter(values url.Values) (EventFilter, error) {
	f := EventFilter{MessageID: strings.TrimSpace(values.Get("message_id"))}
	for _, part := range splitValues(values["type"]) {
		t := core.EventType(strings.ToLower(part))
		switch t {
		case core.EventClipCreated, core.EventClipRemoved, core.EventRatingUpdated, core.EventRatingRemoved:
		default:
			return EventFilter{}, errors.New("invalid event type filter")
		}
		if f.Types == nil {
			f.Types = make(map[core.EventType]struct{})
		}
		f.Types[t] = struct{}{}
	}
	return f, nil
}

func (f EventFilter) Matches(ev core.ClipEvent) bool {
	if len(f.Types) > 0 {
		if _, ok := f.Types[ev.Type]; !ok {
			return false
		}
	}
	return f.MessageID == "" || f.MessageID == ev.MessageID
}
