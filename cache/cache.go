package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"

	"github.com/xeptore/quefi/types"
)

type Cache struct {
	Tracks    TracksCache
	Playlists PlaylistsCache
}

func New() *Cache {
	tracksCache := ccache.New(
		ccache.Configure[types.Track]().
			MaxSize(10_000).
			GetsPerPromote(3).
			PercentToPrune(1),
	)

	playlistsCache := ccache.New(
		ccache.Configure[[]types.Track]().
			MaxSize(100).
			GetsPerPromote(3).
			PercentToPrune(1),
	)

	return &Cache{
		Tracks: TracksCache{
			c:   tracksCache,
			mux: sync.Mutex{},
		},
		Playlists: PlaylistsCache{
			c:   playlistsCache,
			mux: sync.Mutex{},
		},
	}
}

func (c *Cache) Stop() {
	c.Tracks.c.Stop()
	c.Playlists.c.Stop()
}

type TracksCache struct {
	c   *ccache.Cache[types.Track]
	mux sync.Mutex
}

func (c *TracksCache) Fetch(
	k string,
	ttl time.Duration,
	fetch func() (types.Track, error),
) (types.Track, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	v, err := c.c.Fetch(k, ttl, fetch)
	if nil != err {
		return types.Track{}, fmt.Errorf("fetch track: %w", err)
	}

	return v.Value(), nil
}

// PlaylistsCache holds resolved playlists in source order. Callers receive a
// copy so they can never reorder the cached value.
type PlaylistsCache struct {
	c   *ccache.Cache[[]types.Track]
	mux sync.Mutex
}

func (c *PlaylistsCache) Fetch(
	k string,
	ttl time.Duration,
	fetch func() ([]types.Track, error),
) ([]types.Track, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	v, err := c.c.Fetch(k, ttl, fetch)
	if nil != err {
		return nil, fmt.Errorf("fetch playlist: %w", err)
	}

	tracks := v.Value()
	out := make([]types.Track, len(tracks))
	copy(out, tracks)

	return out, nil
}
