package domain

import (
	"net/url"
	"regexp"
	"strings"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// ParseVideoID extracts the upstream video identifier from a URL.
// Unknown URL shapes fall back to the URL itself so dedup still compares something stable.
func ParseVideoID(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return rawURL
	}

	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	host = strings.TrimPrefix(host, "m.")
	host = strings.TrimPrefix(host, "music.")

	switch host {
	case "youtu.be":
		if id := firstSegment(u.Path); videoIDPattern.MatchString(id) {
			return id
		}
	case "youtube.com", "youtube-nocookie.com":
		if id := u.Query().Get("v"); id != "" {
			return id
		}
		for _, prefix := range []string{"/shorts/", "/live/", "/embed/", "/v/"} {
			if rest, ok := strings.CutPrefix(u.Path, prefix); ok {
				if id := firstSegment(rest); videoIDPattern.MatchString(id) {
					return id
				}
			}
		}
		if list := u.Query().Get("list"); list != "" {
			return list
		}
	}
	return rawURL
}

func firstSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}
