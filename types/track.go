package types

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Track describes one resolved track. It is immutable once resolved.
type Track struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Artists         []string `json:"artists"`
	Artist          string   `json:"artist"`
	DurationSeconds uint32   `json:"duration_seconds"`
	// Index is the position of the track in the originating playlist. It is
	// zero for a single track link.
	Index int `json:"index"`
}

func JoinArtists(names []string) string {
	return strings.Join(names, ", ")
}

// Query is the text handed to the search tool.
func (t Track) Query() string {
	if len(t.Artist) == 0 {
		return t.Title
	}

	return t.Artist + " - " + t.Title
}

// Stem is the unsanitized file name stem of the track.
func (t Track) Stem() string {
	return t.Query()
}

func (t Track) Duration() time.Duration {
	return time.Duration(t.DurationSeconds) * time.Second
}

func (t Track) ToDict() *zerolog.Event {
	return zerolog.
		Dict().
		Str("id", t.ID).
		Str("title", t.Title).
		Str("artist", t.Artist).
		Uint32("duration_seconds", t.DurationSeconds).
		Int("index", t.Index)
}

// LibraryEntry is the outcome of one track download handed to the library.
// Path is set for succeeded tracks, Reason for failed ones.
type LibraryEntry struct {
	PlaylistID string    `json:"playlist_id"`
	Index      int       `json:"index"`
	Track      Track     `json:"track"`
	Succeeded  bool      `json:"succeeded"`
	Path       string    `json:"path,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
