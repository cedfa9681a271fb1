// Package extract maps user supplied video URLs to a stable content identifier.
package extract

import (
	"errors"
	"net/url"
	"strings"
)

// ErrNotRecognized is returned for input that is not one of the accepted URL shapes.
var ErrNotRecognized = errors.New("url not recognized as a supported video link")

var watchHosts = map[string]bool{
	"youtube.com":       true,
	"www.youtube.com":   true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
}

var shortHosts = map[string]bool{
	"youtu.be":     true,
	"www.youtu.be": true,
}

// path prefixes on watch hosts that carry the id as the next segment
var idPathPrefixes = []string{"/embed/", "/v/", "/shorts/"}

// VideoID returns the content identifier referenced by raw. Accepted shapes:
//
//	https://www.youtube.com/watch?v=ID
//	https://youtu.be/ID
//	https://www.youtube.com/embed/ID  (also /v/ID and /shorts/ID)
//
// The scheme may be omitted. The identifier is any non-empty token up to the next
// delimiter; its length is not checked.
func VideoID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrNotRecognized
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", ErrNotRecognized
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrNotRecognized
	}
	host := strings.ToLower(u.Hostname())

	switch {
	case shortHosts[host]:
		return firstSegment(strings.TrimPrefix(u.Path, "/"))
	case watchHosts[host]:
		if u.Path == "/watch" || u.Path == "/watch/" {
			return token(u.Query().Get("v"))
		}
		for _, prefix := range idPathPrefixes {
			if strings.HasPrefix(u.Path, prefix) {
				return firstSegment(strings.TrimPrefix(u.Path, prefix))
			}
		}
	}
	return "", ErrNotRecognized
}

// Canonical renders the watch URL for a content identifier.
func Canonical(id string) string {
	return "https://www.youtube.com/watch?v=" + url.QueryEscape(id)
}

func firstSegment(path string) (string, error) {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	return token(path)
}

func token(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrNotRecognized
	}
	return s, nil
}
