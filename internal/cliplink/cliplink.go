// Package cliplink recognises the video links a clip may be submitted with:
// YouTube watch, youtu.be and shorts links, and Twitch clip links.
package cliplink

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Platform identifies the host a clip link points at.
type Platform string

const (
	PlatformYouTube Platform = "YouTube"
	PlatformTwitch  Platform = "Twitch"
)

// Link is a parsed clip URL.
type Link struct {
	Platform  Platform
	ID        string // YouTube video id or Twitch clip slug
	Canonical string
}

var (
	ErrEmpty           = errors.New("cliplink: empty url")
	ErrUnsupportedHost = errors.New("cliplink: unsupported host")
	ErrNotAClip        = errors.New("cliplink: url does not reference a clip")
)

var (
	youtubeIDRe  = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)
	twitchSlugRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Parse normalizes raw and reports which platform and clip it references.
// The scheme may be omitted.
func Parse(raw string) (Link, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Link{}, ErrEmpty
	}
	if strings.ContainsAny(trimmed, " \t\n") {
		return Link{}, fmt.Errorf("cliplink: url contains whitespace")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return Link{}, fmt.Errorf("cliplink: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Link{}, fmt.Errorf("cliplink: unsupported scheme %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	segments := pathSegments(u.Path)

	switch host {
	case "youtu.be":
		if len(segments) != 1 {
			return Link{}, fmt.Errorf("%w: youtu.be link missing video id", ErrNotAClip)
		}
		return youtubeLink(segments[0])
	case "youtube.com", "www.youtube.com", "m.youtube.com":
		if len(segments) == 1 && strings.EqualFold(segments[0], "watch") {
			return youtubeLink(strings.TrimSpace(u.Query().Get("v")))
		}
		if len(segments) == 2 && strings.EqualFold(segments[0], "shorts") {
			return youtubeLink(segments[1])
		}
		return Link{}, fmt.Errorf("%w: youtube path %q", ErrNotAClip, u.Path)
	case "clips.twitch.tv":
		if len(segments) != 1 {
			return Link{}, fmt.Errorf("%w: twitch clip link missing slug", ErrNotAClip)
		}
		return twitchLink(segments[0])
	case "twitch.tv", "www.twitch.tv", "m.twitch.tv":
		if len(segments) == 3 && strings.EqualFold(segments[1], "clip") {
			return twitchLink(segments[2])
		}
		return Link{}, fmt.Errorf("%w: twitch path %q", ErrNotAClip, u.Path)
	default:
		return Link{}, fmt.Errorf("%w %q", ErrUnsupportedHost, u.Host)
	}
}

// Valid reports whether raw is an accepted clip link.
func Valid(raw string) bool {
	_, err := Parse(raw)
	return err == nil
}

func youtubeLink(id string) (Link, error) {
	if !youtubeIDRe.MatchString(id) {
		return Link{}, fmt.Errorf("%w: invalid youtube video id %q", ErrNotAClip, id)
	}
	canonical := &url.URL{
		Scheme:   "https",
		Host:     "www.youtube.com",
		Path:     "/watch",
		RawQuery: url.Values{"v": []string{id}}.Encode(),
	}
	return Link{Platform: PlatformYouTube, ID: id, Canonical: canonical.String()}, nil
}

func twitchLink(slug string) (Link, error) {
	if !twitchSlugRe.MatchString(slug) {
		return Link{}, fmt.Errorf("%w: invalid twitch clip slug %q", ErrNotAClip, slug)
	}
	canonical := &url.URL{Scheme: "https", Host: "clips.twitch.tv", Path: "/" + slug}
	return Link{Platform: PlatformTwitch, ID: slug, Canonical: canonical.String()}, nil
}

func pathSegments(p string) []string {
	cleaned := strings.Trim(path.Clean("/"+p), "/")
	if cleaned == "" {
		return nil
	}
	return strings.Split(cleaned, "/")
}
