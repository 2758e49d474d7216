package spotify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/sethvargo/go-retry"

	"github.com/xeptore/quefi/cache"
	"github.com/xeptore/quefi/config"
	"github.com/xeptore/quefi/httputil"
	"github.com/xeptore/quefi/types"
)

const playlistPageSize = 100

var (
	ErrNotFound = errors.New("spotify resource not found")
	ErrUpstream = errors.New("spotify upstream failure")

	errTokenRejected = errors.New("access token rejected")
)

type Resolver struct {
	logger   zerolog.Logger
	apiURL   string
	timeouts config.SpotifyTimeouts
	client   *http.Client
	auth     *Auth
	cache    *cache.Cache
	cacheTTL time.Duration
}

// NewResolver creates a metadata resolver. c may be nil, which disables
// caching just like a zero cache TTL does.
func NewResolver(logger zerolog.Logger, conf config.Spotify, client *http.Client, auth *Auth, c *cache.Cache) *Resolver {
	return &Resolver{
		logger:   logger,
		apiURL:   conf.APIURL,
		timeouts: conf.Timeouts,
		client:   client,
		auth:     auth,
		cache:    c,
		cacheTTL: time.Duration(conf.CacheTTL) * time.Second,
	}
}

// Resolve returns the tracks behind link in source order. A track link yields
// exactly one track with index 0.
func (r *Resolver) Resolve(ctx context.Context, link types.Link) ([]types.Track, error) {
	logger := r.logger.With().Str("link_id", link.ID).Str("link_kind", link.Kind.String()).Logger()

	if !isValidID(link.ID) {
		return nil, fmt.Errorf("%w: malformed id: %q", ErrNotFound, link.ID)
	}

	switch link.Kind {
	case types.LinkKindTrack:
		track, err := r.track(ctx, logger, link.ID)
		if nil != err {
			return nil, err
		}
		track.Index = 0

		return []types.Track{track}, nil
	case types.LinkKindPlaylist:
		return r.playlist(ctx, logger, link.ID)
	default:
		return nil, fmt.Errorf("%w: unsupported link kind: %d", ErrNotFound, link.Kind)
	}
}

func (r *Resolver) cached() bool {
	return nil != r.cache && r.cacheTTL > 0
}

func (r *Resolver) track(ctx context.Context, logger zerolog.Logger, id string) (types.Track, error) {
	fetch := func() (types.Track, error) { return r.getTrack(ctx, logger, id) }
	if !r.cached() {
		return fetch()
	}

	return r.cache.Tracks.Fetch(id, r.cacheTTL, fetch)
}

func (r *Resolver) playlist(ctx context.Context, logger zerolog.Logger, id string) ([]types.Track, error) {
	fetch := func() ([]types.Track, error) { return r.getPlaylistTracks(ctx, logger, id) }
	if !r.cached() {
		return fetch()
	}

	return r.cache.Playlists.Fetch(id, r.cacheTTL, fetch)
}

type artistObject struct {
	Name string `json:"name"`
}

type trackObject struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	DurationMS uint32         `json:"duration_ms"`
	Artists    []artistObject `json:"artists"`
}

func (o *trackObject) toTrack(index int) types.Track {
	artists := lo.FilterMap(o.Artists, func(a artistObject, _ int) (string, bool) {
		return a.Name, len(a.Name) > 0
	})

	return types.Track{
		ID:              o.ID,
		Title:           o.Name,
		Artists:         artists,
		Artist:          types.JoinArtists(artists),
		DurationSeconds: o.DurationMS / 1000,
		Index:           index,
	}
}

func (r *Resolver) getTrack(ctx context.Context, logger zerolog.Logger, id string) (types.Track, error) {
	reqURL, err := url.JoinPath(r.apiURL, "v1", "tracks", id)
	if nil != err {
		return types.Track{}, fmt.Errorf("join track URL: %v", err)
	}

	respBytes, err := r.get(ctx, logger, reqURL, time.Duration(r.timeouts.GetTrack)*time.Second)
	if nil != err {
		return types.Track{}, err
	}

	var obj trackObject
	if err := json.Unmarshal(respBytes, &obj); nil != err {
		logger.Error().Err(err).Bytes("response_body", respBytes).Msg("Failed to decode track response body")
		return types.Track{}, fmt.Errorf("%w: decode track response body: %v", ErrUpstream, err)
	}

	return obj.toTrack(0), nil
}

func (r *Resolver) getPlaylistTracks(ctx context.Context, logger zerolog.Logger, id string) ([]types.Track, error) {
	reqURL, err := url.JoinPath(r.apiURL, "v1", "playlists", id, "tracks")
	if nil != err {
		return nil, fmt.Errorf("join playlist tracks URL: %v", err)
	}

	reqParams := make(url.Values, 3)
	reqParams.Add("limit", strconv.Itoa(playlistPageSize))
	reqParams.Add("offset", "0")
	reqParams.Add("additional_types", "track")
	reqURL += "?" + reqParams.Encode()

	var (
		tracks  []types.Track
		visited = make(map[string]struct{})
	)
	for pageURL := reqURL; len(pageURL) > 0; {
		if _, ok := visited[pageURL]; ok {
			logger.Error().Str("page_url", pageURL).Msg("Playlist paging loops back to an already fetched page")
			return nil, fmt.Errorf("%w: playlist paging loop at %s", ErrUpstream, pageURL)
		}
		visited[pageURL] = struct{}{}

		respBytes, err := r.get(ctx, logger, pageURL, time.Duration(r.timeouts.GetPlaylistItems)*time.Second)
		if nil != err {
			return nil, err
		}

		var page struct {
			Next  *string `json:"next"`
			Total int     `json:"total"`
			Items []struct {
				Track *trackObject `json:"track"`
			} `json:"items"`
		}
		if err := json.Unmarshal(respBytes, &page); nil != err {
			logger.Error().Err(err).Bytes("response_body", respBytes).Msg("Failed to decode playlist tracks response body")
			return nil, fmt.Errorf("%w: decode playlist tracks response body: %v", ErrUpstream, err)
		}

		if nil == tracks {
			tracks = make([]types.Track, 0, min(max(page.Total, 0), 10_000))
		}

		for _, item := range page.Items {
			// Removed tracks come back as null and podcast episodes carry
			// another type; neither can be searched for.
			if nil == item.Track || (len(item.Track.Type) > 0 && item.Track.Type != "track") {
				continue
			}
			tracks = append(tracks, item.Track.toTrack(len(tracks)))
		}

		pageURL = lo.FromPtr(page.Next)
	}

	logger.Debug().Int("tracks", len(tracks)).Msg("Resolved playlist tracks")

	return tracks, nil
}

// get issues an authorized GET request. A rejected access token is replaced
// and the request retried once.
func (r *Resolver) get(ctx context.Context, logger zerolog.Logger, reqURL string, timeout time.Duration) ([]byte, error) {
	var respBytes []byte
	backoff := retry.WithMaxRetries(1, retry.NewConstant(10*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		token, err := r.auth.Token(ctx, logger)
		if nil != err {
			return err
		}

		b, err := r.doGet(ctx, logger, reqURL, token, timeout)
		if nil != err {
			if errors.Is(err, errTokenRejected) {
				logger.Debug().Msg("Access token rejected, requesting a new one")
				r.auth.Invalidate(token)
				return retry.RetryableError(err)
			}

			return err
		}
		respBytes = b

		return nil
	})
	if nil != err {
		if errors.Is(err, errTokenRejected) {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}

		return nil, err
	}

	return respBytes, nil
}

func (r *Resolver) doGet(ctx context.Context, logger zerolog.Logger, reqURL, token string, timeout time.Duration) (respBytes []byte, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, reqURL, nil)
	if nil != err {
		return nil, fmt.Errorf("create get request: %w", err)
	}
	req.Header.Add("Authorization", "Bearer "+token)
	req.Header.Add("Accept", "application/json")

	resp, err := r.client.Do(req)
	if nil != err {
		if ctxErr := ctx.Err(); nil != ctxErr {
			return nil, ctxErr
		}
		logger.Error().Err(err).Str("url", reqURL).Msg("Failed to send get request")
		return nil, fmt.Errorf("%w: send get request: %v", ErrUpstream, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("close response body: %v", closeErr))
		}
	}()

	switch code := resp.StatusCode; code {
	case http.StatusOK:
	case http.StatusUnauthorized:
		_ = httputil.ReadErrorBody(resp)
		return nil, errTokenRejected
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
		msg := httputil.ErrorMessage(httputil.ReadErrorBody(resp))
		logger.Debug().Int("status_code", code).Str("message", msg).Msg("Resource not available")
		return nil, fmt.Errorf("%w: status code %d: %s", ErrNotFound, code, msg)
	case http.StatusTooManyRequests:
		_ = httputil.ReadErrorBody(resp)
		retryAfter := httputil.RetryAfter(resp)
		logger.Error().Int("retry_after", retryAfter).Msg("Rate limited by spotify")
		return nil, fmt.Errorf("%w: too many requests, retry after %d seconds", ErrUpstream, retryAfter)
	default:
		respBytes := httputil.ReadErrorBody(resp)
		logger.Error().Int("status_code", code).Bytes("response_body", respBytes).Msg("Unexpected response status code")
		return nil, fmt.Errorf("%w: unexpected status code %d: %s", ErrUpstream, code, httputil.ErrorMessage(respBytes))
	}

	respBytes, err = httputil.ReadResponseBody(resp)
	if nil != err {
		if ctxErr := ctx.Err(); nil != ctxErr {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	return respBytes, nil
}
