package httpapi

import (
	"net/url"
	"testing"
	"time"

	"github.com/you/cliprater/internal/cliplink"
	"github.com/you/cliprater/internal/core"
)

func TestParseFilters(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantErr   bool
		platforms []cliplink.Platform
		users     []string
		limit     int
		order     Order
	}{
		{name: "defaults", query: "", limit: defaultLimit, order: OrderAsc},
		{name: "aliases", query: "platform=yt,tw&platform=youtube", platforms: []cliplink.Platform{cliplink.PlatformYouTube, cliplink.PlatformTwitch}, limit: defaultLimit, order: OrderAsc},
		{name: "all wins", query: "platform=yt,all", limit: defaultLimit, order: OrderAsc},
		{name: "users deduped", query: "submitted_by=u1, u2,u1", users: []string{"u1", "u2"}, limit: defaultLimit, order: OrderAsc},
		{name: "limit clamped", query: "limit=5000&order=DESC", limit: maxLimit, order: OrderDesc},
		{name: "bad platform", query: "platform=vimeo", wantErr: true},
		{name: "bad limit", query: "limit=-1", wantErr: true},
		{name: "bad order", query: "order=sideways", wantErr: true},
		{name: "bad since", query: "since=yesterday", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			values, err := url.ParseQuery(tc.query)
			if err != nil {
				t.Fatalf("ParseQuery: %v", err)
			}
			f, err := ParseFilters(values)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", f)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFilters() error = %v", err)
			}
			if len(f.Platforms) != len(tc.platforms) {
				t.Fatalf("platforms = %v, want %v", f.Platforms, tc.platforms)
			}
			for i := range tc.platforms {
				if f.Platforms[i] != tc.platforms[i] {
					t.Fatalf("platforms = %v, want %v", f.Platforms, tc.platforms)
				}
			}
			if len(f.Submitters) != len(tc.users) {
				t.Fatalf("submitters = %v, want %v", f.Submitters, tc.users)
			}
			if f.Limit != tc.limit || f.Order != tc.order {
				t.Fatalf("limit/order = %d/%s, want %d/%s", f.Limit, f.Order, tc.limit, tc.order)
			}
		})
	}
}

func TestParseSinceForms(t *testing.T) {
	got, err := parseSince("2024-05-01T10:00:00Z")
	if err != nil || !got.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("rfc3339 since = %v, %v", got, err)
	}
	got, err = parseSince("1714557600")
	if err != nil || got.Unix() != 1714557600 {
		t.Fatalf("unix since = %v, %v", got, err)
	}
	before := time.Now()
	got, err = parseSince("1h")
	if err != nil || got.After(before.Add(-time.Hour+time.Second)) {
		t.Fatalf("duration since = %v, %v", got, err)
	}
}

func TestFiltersApply(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	clips := []core.Clip{
		{MessageID: "m1", URL: "https://youtu.be/dQw4w9WgXcQ", SubmittedBy: "u1", SubmittedAt: base},
		{MessageID: "m2", URL: "https://clips.twitch.tv/FunnySlug", SubmittedBy: "u2", SubmittedAt: base.Add(time.Hour)},
		{MessageID: "m3", URL: "https://www.twitch.tv/streamer/clip/OtherSlug", SubmittedBy: "u1", SubmittedAt: base.Add(2 * time.Hour)},
		{MessageID: "m4", URL: "not a link", SubmittedBy: "u1", SubmittedAt: base.Add(3 * time.Hour)},
	}

	since := base.Add(30 * time.Minute)
	tests := []struct {
		name string
		f    Filters
		want []string
	}{
		{name: "no filters", f: Filters{}, want: []string{"m1", "m2", "m3", "m4"}},
		{name: "twitch", f: Filters{Platforms: []cliplink.Platform{cliplink.PlatformTwitch}}, want: []string{"m2", "m3"}},
		{name: "user and since", f: Filters{Submitters: []string{"u1"}, Since: &since}, want: []string{"m3", "m4"}},
		{name: "desc limit", f: Filters{Order: OrderDesc, Limit: 2}, want: []string{"m4", "m3"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.f.Apply(clips)
			if len(got) != len(tc.want) {
				t.Fatalf("Apply() = %d clips, want %v", len(got), tc.want)
			}
			for i, id := range tc.want {
				if got[i].MessageID != id {
					t.Fatalf("Apply()[%d] = %s, want %s", i, got[i].MessageID, id)
				}
			}
		})
	}
}

func TestEventFilter(t *testing.T) {
	f, err := ParseEventFilter(url.Values{"type": {"clip.created,Rating.Updated"}, "message_id": {"m1"}})
	if err != nil {
		t.Fatalf("ParseEventFilter() error = %v", err)
	}
	cases := []struct {
		ev   core.ClipEvent
		want bool
	}{
		{core.ClipEvent{Type: core.EventClipCreated, MessageID: "m1"}, true},
		{core.ClipEvent{Type: core.EventRatingUpdated, MessageID: "m1"}, true},
		{core.ClipEvent{Type: core.EventRatingRemoved, MessageID: "m1"}, false},
		{core.ClipEvent{Type: core.EventClipCreated, MessageID: "m2"}, false},
	}
	for _, c := range cases {
		if got := f.Matches(c.ev); got != c.want {
			t.Fatalf("Matches(%s %s) = %v, want %v", c.ev.Type, c.ev.MessageID, got, c.want)
		}
	}

	if _, err := ParseEventFilter(url.Values{"type": {"clip.exploded"}}); err == nil {
		t.Fatalf("expected error for unknown event type")
	}
	if !(EventFilter{}).Matches(core.ClipEvent{Type: core.EventClipRemoved}) {
		t.Fatalf("empty filter should match everything")
	}
}
