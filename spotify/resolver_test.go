package spotify_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/quefi/cache"
	"github.com/xeptore/quefi/config"
	"github.com/xeptore/quefi/spotify"
	"github.com/xeptore/quefi/types"
)

const (
	trackID    = "4uLU6hMCjMI75M1A2tKUQC"
	playlistID = "37i9dQZF1DXcBWIGoYBM5M"
)

type fakeSpotify struct {
	tokenRequests atomic.Int32
	trackRequests atomic.Int32
	rejectTokens  atomic.Int32
	trackStatus   int
}

func (f *fakeSpotify) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/token":
		n := f.tokenRequests.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "id" || pass != "secret" || r.FormValue("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"Invalid client"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"token-` + string(rune('0'+n)) + `","token_type":"Bearer","expires_in":3600}`))
		return
	case strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") && f.rejectTokens.Load() > 0:
		f.rejectTokens.Add(-1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"status":401,"message":"The access token expired"}}`))
		return
	case r.URL.Path == "/v1/tracks/"+trackID:
		f.trackRequests.Add(1)
		if f.trackStatus != 0 {
			w.WriteHeader(f.trackStatus)
			_, _ = w.Write([]byte(`{"error":{"status":` + strconv.Itoa(f.trackStatus) + `,"message":"nope"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"` + trackID + `","name":"Song","type":"track","duration_ms":215500,"artists":[{"name":"A"},{"name":"B"}]}`))
		return
	case r.URL.Path == "/v1/playlists/"+playlistID+"/tracks":
		if r.URL.Query().Get("offset") == "0" {
			next := "http://" + r.Host + "/v1/playlists/" + playlistID + "/tracks?offset=100&limit=100"
			_, _ = w.Write([]byte(`{"total":4,"next":"` + next + `","items":[` +
				`{"track":{"id":"1","name":"One","type":"track","duration_ms":1000,"artists":[{"name":"X"}]}},` +
				`{"track":null},` +
				`{"track":{"id":"e","name":"Episode","type":"episode","duration_ms":1000,"artists":[]}},` +
				`{"track":{"id":"2","name":"Two","type":"track","duration_ms":2000,"artists":[{"name":"Y"}]}}` +
				`]}`))
			return
		}
		_, _ = w.Write([]byte(`{"total":4,"next":null,"items":[` +
			`{"track":{"id":"3","name":"Three","type":"track","duration_ms":3000,"artists":[{"name":"Z"},{"name":"W"}]}}` +
			`]}`))
		return
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"status":404,"message":"Resource not found"}}`))
	}
}

func newResolver(t *testing.T, srv *httptest.Server, cacheTTL int) (*spotify.Resolver, config.Spotify) {
	t.Helper()

	conf := config.Spotify{
		APIURL:       srv.URL,
		AccountsURL:  srv.URL,
		CredsFile:    filepath.Join(t.TempDir(), "creds", "spotify.json"),
		ClientID:     "id",
		ClientSecret: "secret",
		CacheTTL:     cacheTTL,
		Timeouts:     config.SpotifyTimeouts{GetToken: 5, GetTrack: 5, GetPlaylistItems: 5},
		Proxy:        config.Proxy{Host: "", Port: 0, Username: "", Password: ""},
	}

	client, err := spotify.NewHTTPClient(conf.Proxy)
	require.NoError(t, err)

	auth, err := spotify.NewAuth(conf, client)
	require.NoError(t, err)

	c := cache.New()
	t.Cleanup(c.Stop)

	return spotify.NewResolver(zerolog.Nop(), conf, client, auth, c), conf
}

func TestResolveTrack(t *testing.T) {
	t.Parallel()

	fake := &fakeSpotify{} //nolint:exhaustruct
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	r, conf := newResolver(t, srv, 0)
	tracks, err := r.Resolve(t.Context(), types.Link{Kind: types.LinkKindTrack, ID: trackID})
	require.NoError(t, err)
	require.Len(t, tracks, 1)

	track := tracks[0]
	assert.Equal(t, trackID, track.ID)
	assert.Equal(t, "Song", track.Title)
	assert.Equal(t, []string{"A", "B"}, track.Artists)
	assert.Equal(t, "A, B", track.Artist)
	assert.Equal(t, uint32(215), track.DurationSeconds)
	assert.Equal(t, 0, track.Index)
	assert.Equal(t, "A, B - Song", track.Query())

	content, err := spotify.CredsFile(conf.CredsFile).Read()
	require.NoError(t, err)
	assert.Equal(t, "token-1", content.Token)
	assert.Greater(t, content.ExpiresAt, time.Now().Unix())
}

func TestResolvePlaylistPagesAndSkipsUnsearchableItems(t *testing.T) {
	t.Parallel()

	fake := &fakeSpotify{} //nolint:exhaustruct
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	r, _ := newResolver(t, srv, 0)
	tracks, err := r.Resolve(t.Context(), types.Link{Kind: types.LinkKindPlaylist, ID: playlistID})
	require.NoError(t, err)
	require.Len(t, tracks, 3)

	for i, track := range tracks {
		assert.Equal(t, i, track.Index)
	}
	assert.Equal(t, "One", tracks[0].Title)
	assert.Equal(t, "Two", tracks[1].Title)
	assert.Equal(t, "Three", tracks[2].Title)
	assert.Equal(t, "Z, W", tracks[2].Artist)
	assert.Equal(t, uint32(3), tracks[2].DurationSeconds)
	assert.Equal(t, int32(1), fake.tokenRequests.Load())
}

func TestResolveStatusMapping(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		status int
		err    error
	}{
		{name: "bad request", status: http.StatusBadRequest, err: spotify.ErrNotFound},
		{name: "forbidden", status: http.StatusForbidden, err: spotify.ErrNotFound},
		{name: "not found", status: http.StatusNotFound, err: spotify.ErrNotFound},
		{name: "rate limited", status: http.StatusTooManyRequests, err: spotify.ErrUpstream},
		{name: "server error", status: http.StatusInternalServerError, err: spotify.ErrUpstream},
		{name: "bad gateway", status: http.StatusBadGateway, err: spotify.ErrUpstream},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fake := &fakeSpotify{trackStatus: tc.status} //nolint:exhaustruct
			srv := httptest.NewServer(fake)
			t.Cleanup(srv.Close)

			r, _ := newResolver(t, srv, 0)
			_, err := r.Resolve(t.Context(), types.Link{Kind: types.LinkKindTrack, ID: trackID})
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestResolveUnknownPlaylistIsNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&fakeSpotify{}) //nolint:exhaustruct
	t.Cleanup(srv.Close)

	r, _ := newResolver(t, srv, 0)
	_, err := r.Resolve(t.Context(), types.Link{Kind: types.LinkKindPlaylist, ID: "0000000000000000000000"})
	require.ErrorIs(t, err, spotify.ErrNotFound)

	_, err = r.Resolve(t.Context(), types.Link{Kind: types.LinkKindPlaylist, ID: "bogus"})
	require.ErrorIs(t, err, spotify.ErrNotFound)
}

func TestResolveRefreshesRejectedToken(t *testing.T) {
	t.Parallel()

	fake := &fakeSpotify{} //nolint:exhaustruct
	fake.rejectTokens.Store(1)
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	r, _ := newResolver(t, srv, 0)
	tracks, err := r.Resolve(t.Context(), types.Link{Kind: types.LinkKindTrack, ID: trackID})
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, int32(2), fake.tokenRequests.Load())
}

func TestResolveRejectedTwiceIsUpstream(t *testing.T) {
	t.Parallel()

	fake := &fakeSpotify{} //nolint:exhaustruct
	fake.rejectTokens.Store(10)
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	r, _ := newResolver(t, srv, 0)
	_, err := r.Resolve(t.Context(), types.Link{Kind: types.LinkKindTrack, ID: trackID})
	require.ErrorIs(t, err, spotify.ErrUpstream)
	assert.Equal(t, int32(2), fake.tokenRequests.Load())
}

func TestResolveCachesTracks(t *testing.T) {
	t.Parallel()

	fake := &fakeSpotify{} //nolint:exhaustruct
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	r, _ := newResolver(t, srv, 60)
	for range 3 {
		tracks, err := r.Resolve(t.Context(), types.Link{Kind: types.LinkKindTrack, ID: trackID})
		require.NoError(t, err)
		require.Len(t, tracks, 1)
	}
	assert.Equal(t, int32(1), fake.trackRequests.Load())
}

func TestResolveCanceledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&fakeSpotify{}) //nolint:exhaustruct
	t.Cleanup(srv.Close)

	r, _ := newResolver(t, srv, 0)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := r.Resolve(ctx, types.Link{Kind: types.LinkKindTrack, ID: trackID})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewAuthRequiresClientCredentials(t *testing.T) {
	t.Parallel()

	conf := config.Spotify{ //nolint:exhaustruct
		CredsFile: filepath.Join(t.TempDir(), "spotify.json"),
	}
	_, err := spotify.NewAuth(conf, http.DefaultClient)
	require.ErrorIs(t, err, spotify.ErrMissingClientCredentials)
}

func TestSaveClientCredentials(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&fakeSpotify{}) //nolint:exhaustruct
	t.Cleanup(srv.Close)

	conf := config.Spotify{ //nolint:exhaustruct
		AccountsURL: srv.URL,
		CredsFile:   filepath.Join(t.TempDir(), "spotify.json"),
		Timeouts:    config.SpotifyTimeouts{GetToken: 5, GetTrack: 5, GetPlaylistItems: 5},
	}

	err := spotify.SaveClientCredentials(t.Context(), zerolog.Nop(), conf, http.DefaultClient, "id", "wrong")
	require.ErrorIs(t, err, spotify.ErrInvalidClientCredentials)

	require.NoError(t, spotify.SaveClientCredentials(t.Context(), zerolog.Nop(), conf, http.DefaultClient, "id", "secret"))

	content, err := spotify.CredsFile(conf.CredsFile).Read()
	require.NoError(t, err)
	assert.Equal(t, "id", content.ClientID)
	assert.Equal(t, "secret", content.ClientSecret)

	auth, err := spotify.NewAuth(conf, http.DefaultClient)
	require.NoError(t, err)
	assert.Equal(t, content.Token, auth.Credentials().Token)
}
