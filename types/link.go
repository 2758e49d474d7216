package types

type LinkKind int

func (k LinkKind) String() string {
	switch k {
	case LinkKindPlaylist:
		return "playlist"
	case LinkKindTrack:
		return "track"
	}

	return "unknown"
}

const (
	LinkKindPlaylist LinkKind = iota
	LinkKindTrack
)

type Link struct {
	Kind LinkKind
	ID   string
}

func (l Link) String() string {
	return l.Kind.String() + ":" + l.ID
}
