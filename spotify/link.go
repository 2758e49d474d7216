package spotify

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/xeptore/quefi/types"
)

var ErrInvalidLink = errors.New("invalid spotify link")

var (
	idPattern   = regexp.MustCompile(`^[0-9A-Za-z]{22}$`)
	intlPattern = regexp.MustCompile(`^intl-[a-z]{2}$`)
)

func isValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ParseLink accepts open.spotify.com track and playlist URLs (with or without
// an intl-xx segment and query string) and spotify:track:<id> style URIs.
func ParseLink(s string) (types.Link, error) {
	s = strings.TrimSpace(s)

	var kind, id string
	if rest, ok := strings.CutPrefix(s, "spotify:"); ok {
		parts := strings.Split(rest, ":")
		if len(parts) != 2 {
			return types.Link{}, fmt.Errorf("%w: unexpected uri format: %s", ErrInvalidLink, s)
		}
		kind, id = parts[0], parts[1]
	} else {
		u, err := url.Parse(s)
		if nil != err {
			return types.Link{}, fmt.Errorf("%w: %v", ErrInvalidLink, err)
		}

		if u.Scheme != "https" && u.Scheme != "http" {
			return types.Link{}, fmt.Errorf("%w: unexpected scheme: %q", ErrInvalidLink, u.Scheme)
		}

		if host := u.Hostname(); host != "open.spotify.com" && host != "play.spotify.com" {
			return types.Link{}, fmt.Errorf("%w: unexpected host: %q", ErrInvalidLink, host)
		}

		pathParts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(pathParts) > 0 && intlPattern.MatchString(pathParts[0]) {
			pathParts = pathParts[1:]
		}
		if len(pathParts) > 0 && pathParts[0] == "embed" {
			pathParts = pathParts[1:]
		}
		if len(pathParts) != 2 {
			return types.Link{}, fmt.Errorf("%w: unexpected path: %q", ErrInvalidLink, u.Path)
		}
		kind, id = pathParts[0], pathParts[1]
	}

	if !isValidID(id) {
		return types.Link{}, fmt.Errorf("%w: malformed id: %q", ErrInvalidLink, id)
	}

	switch kind {
	case "track":
		return types.Link{Kind: types.LinkKindTrack, ID: id}, nil
	case "playlist":
		return types.Link{Kind: types.LinkKindPlaylist, ID: id}, nil
	default:
		return types.Link{}, fmt.Errorf("%w: unsupported link kind: %q", ErrInvalidLink, kind)
	}
}
