package download_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/quefi/download"
	"github.com/xeptore/quefi/fetcher"
	"github.com/xeptore/quefi/ratelimit"
	"github.com/xeptore/quefi/spotify"
	"github.com/xeptore/quefi/types"
)

var playlistLink = types.Link{Kind: types.LinkKindPlaylist, ID: "37i9dQZF1DXcBWIGoYBM5M"}

type fakeResolver struct {
	tracks []types.Track
	err    error
}

func (r *fakeResolver) Resolve(context.Context, types.Link) ([]types.Track, error) {
	return r.tracks, r.err
}

func tracks(n int) []types.Track {
	out := make([]types.Track, n)
	for i := range out {
		out[i] = types.Track{
			ID:              fmt.Sprintf("track-%d", i),
			Title:           fmt.Sprintf("Title %d", i),
			Artists:         []string{"Artist"},
			Artist:          "Artist",
			DurationSeconds: 200,
			Index:           i,
		}
	}

	return out
}

type fetcherFunc func(ctx context.Context, track types.Track) (string, error)

func (f fetcherFunc) Fetch(ctx context.Context, track types.Track) (string, error) {
	return f(ctx, track)
}

type recordingWriter struct {
	mux     sync.Mutex
	entries []types.LibraryEntry
	err     error
}

func (w *recordingWriter) Write(ctx context.Context, entry types.LibraryEntry) error {
	if nil != ctx.Err() {
		return ctx.Err()
	}

	w.mux.Lock()
	defer w.mux.Unlock()
	w.entries = append(w.entries, entry)

	return w.err
}

func (w *recordingWriter) Entries() []types.LibraryEntry {
	w.mux.Lock()
	defer w.mux.Unlock()

	return slices.Clone(w.entries)
}

func wait(t *testing.T, d *download.Download) download.Summary {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	summary, err := d.Wait(ctx)
	require.NoError(t, err)

	return summary
}

func TestOutOfOrderCompletion(t *testing.T) {
	t.Parallel()

	gates := []chan struct{}{make(chan struct{}), make(chan struct{}), make(chan struct{})}
	fetch := fetcherFunc(func(ctx context.Context, track types.Track) (string, error) {
		select {
		case <-gates[track.Index]:
		case <-ctx.Done():
			return "", ctx.Err()
		}

		if track.Index == 1 {
			return "", fmt.Errorf("%w: nothing", fetcher.ErrNoMatchFound)
		}

		return fmt.Sprintf("/songs/%d.mp3", track.Index), nil
	})

	writer := &recordingWriter{} //nolint:exhaustruct
	c := download.NewCoordinator(
		zerolog.Nop(),
		&fakeResolver{tracks: tracks(3), err: nil},
		fetch,
		ratelimit.New(3, 0),
		writer,
	)

	d, err := c.Start(t.Context(), playlistLink, nil)
	require.NoError(t, err)
	require.Equal(t, 3, d.Len())

	for n, idx := range []int{2, 0, 1} {
		close(gates[idx])
		require.Eventually(t, func() bool { return len(writer.Entries()) == n+1 }, 5*time.Second, time.Millisecond)
	}

	summary := wait(t, d)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, 1, summary.Failures[0].Track.Index)
	assert.Equal(t, "NoMatchFound", summary.Failures[0].Reason)

	entries := writer.Entries()
	assert.Equal(t, []int{2, 0, 1}, []int{entries[0].Index, entries[1].Index, entries[2].Index})

	byIndex := make(map[int]types.LibraryEntry)
	for _, e := range entries {
		assert.Equal(t, playlistLink.ID, e.PlaylistID)
		assert.Equal(t, e.Index, e.Track.Index)
		byIndex[e.Index] = e
	}
	assert.True(t, byIndex[0].Succeeded)
	assert.Equal(t, "/songs/0.mp3", byIndex[0].Path)
	assert.False(t, byIndex[1].Succeeded)
	assert.Equal(t, "NoMatchFound", byIndex[1].Reason)
	assert.Empty(t, byIndex[1].Path)
	assert.True(t, byIndex[2].Succeeded)

	snapshot := d.Snapshot()
	assert.True(t, snapshot.Terminal())
	for i, js := range snapshot.Jobs {
		assert.Equal(t, i, js.Track.Index)
	}
}

func TestJobsAreIndexAligned(t *testing.T) {
	t.Parallel()

	resolved := tracks(50)
	// Indices from the resolver are overridden by slice position.
	for i := range resolved {
		resolved[i].Index = 0
	}

	fetch := fetcherFunc(func(_ context.Context, track types.Track) (string, error) {
		time.Sleep(time.Duration(50-track.Index) * 100 * time.Microsecond)
		return track.ID, nil
	})

	writer := &recordingWriter{} //nolint:exhaustruct
	c := download.NewCoordinator(zerolog.Nop(), &fakeResolver{tracks: resolved, err: nil}, fetch, ratelimit.New(8, 0), writer)

	d, err := c.Start(t.Context(), playlistLink, nil)
	require.NoError(t, err)

	summary := wait(t, d)
	assert.Equal(t, 50, summary.Succeeded)

	snapshot := d.Snapshot()
	require.Len(t, snapshot.Jobs, 50)
	for i, js := range snapshot.Jobs {
		assert.Equal(t, i, js.Track.Index)
		assert.Equal(t, fmt.Sprintf("track-%d", i), js.Path)
	}

	entries := writer.Entries()
	require.Len(t, entries, 50)
	for _, e := range entries {
		assert.Equal(t, fmt.Sprintf("track-%d", e.Index), e.Path)
	}
}

func TestResolverFailureCreatesNothing(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int32
	fetch := fetcherFunc(func(context.Context, types.Track) (string, error) {
		fetches.Add(1)
		return "", nil
	})

	for _, resolveErr := range []error{spotify.ErrNotFound, spotify.ErrUpstream} {
		writer := &recordingWriter{} //nolint:exhaustruct
		c := download.NewCoordinator(zerolog.Nop(), &fakeResolver{tracks: nil, err: resolveErr}, fetch, ratelimit.New(2, 0), writer)

		d, err := c.Start(t.Context(), playlistLink, nil)
		require.ErrorIs(t, err, resolveErr)
		assert.Nil(t, d)
		assert.Empty(t, writer.Entries())
	}

	assert.Zero(t, fetches.Load())
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()

	for _, limit := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("limit %d", limit), func(t *testing.T) {
			t.Parallel()

			var (
				limiter = ratelimit.New(limit, 0)
				current atomic.Int32
				peak    atomic.Int32
			)
			fetch := fetcherFunc(func(_ context.Context, track types.Track) (string, error) {
				n := current.Add(1)
				defer current.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				assert.LessOrEqual(t, limiter.InFlight(), limit)
				time.Sleep(2 * time.Millisecond)

				return track.ID, nil
			})

			var observedInFlight atomic.Int32
			observer := func(js download.JobSnapshot) {
				if js.Status == download.StatusInFlight {
					observedInFlight.Add(1)
				}
				assert.LessOrEqual(t, limiter.InFlight(), limit)
			}

			writer := &recordingWriter{} //nolint:exhaustruct
			c := download.NewCoordinator(zerolog.Nop(), &fakeResolver{tracks: tracks(5), err: nil}, fetch, limiter, writer)

			d, err := c.Start(t.Context(), playlistLink, observer)
			require.NoError(t, err)

			summary := wait(t, d)
			assert.Equal(t, 5, summary.Succeeded)
			assert.LessOrEqual(t, peak.Load(), int32(limit))
			assert.Equal(t, int32(5), observedInFlight.Load())
			assert.Zero(t, limiter.InFlight())
			assert.Len(t, writer.Entries(), 5)
		})
	}
}

func TestToolUnavailableFailsEveryJob(t *testing.T) {
	t.Parallel()

	fetch := fetcherFunc(func(context.Context, types.Track) (string, error) {
		return "", fmt.Errorf("%w: exec: \"yt-dlp\": executable file not found in $PATH", fetcher.ErrToolUnavailable)
	})

	writer := &recordingWriter{} //nolint:exhaustruct
	c := download.NewCoordinator(zerolog.Nop(), &fakeResolver{tracks: tracks(4), err: nil}, fetch, ratelimit.New(2, 0), writer)

	d, err := c.Start(t.Context(), playlistLink, nil)
	require.NoError(t, err)

	summary := wait(t, d)
	assert.Zero(t, summary.Succeeded)
	assert.Equal(t, 4, summary.Failed)
	require.Len(t, summary.Failures, 4)
	for i, f := range summary.Failures {
		assert.Equal(t, i, f.Track.Index)
		assert.Equal(t, "ToolUnavailable", f.Reason)
	}

	entries := writer.Entries()
	require.Len(t, entries, 4)
	for _, e := range entries {
		assert.False(t, e.Succeeded)
		assert.Equal(t, "ToolUnavailable", e.Reason)
	}
}

func TestEmptyPlaylistCompletes(t *testing.T) {
	t.Parallel()

	writer := &recordingWriter{} //nolint:exhaustruct
	fetch := fetcherFunc(func(context.Context, types.Track) (string, error) { return "", nil })
	c := download.NewCoordinator(zerolog.Nop(), &fakeResolver{tracks: nil, err: nil}, fetch, ratelimit.New(1, 0), writer)

	d, err := c.Start(t.Context(), playlistLink, nil)
	require.NoError(t, err)

	summary := wait(t, d)
	assert.Zero(t, summary.Total)
	assert.Empty(t, writer.Entries())
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	t.Parallel()

	fetch := fetcherFunc(func(_ context.Context, track types.Track) (string, error) {
		if track.Index%2 == 0 {
			return "", fetcher.ErrNoMatchFound
		}

		return track.ID, nil
	})

	var (
		mux   sync.Mutex
		trail = make(map[int][]download.Status)
	)
	observer := func(js download.JobSnapshot) {
		mux.Lock()
		defer mux.Unlock()
		trail[js.Track.Index] = append(trail[js.Track.Index], js.Status)
	}

	c := download.NewCoordinator(zerolog.Nop(), &fakeResolver{tracks: tracks(10), err: nil}, fetch, ratelimit.New(3, 0), &recordingWriter{}) //nolint:exhaustruct
	d, err := c.Start(t.Context(), playlistLink, observer)
	require.NoError(t, err)
	wait(t, d)

	mux.Lock()
	defer mux.Unlock()
	require.Len(t, trail, 10)
	for idx, statuses := range trail {
		expectedTerminal := download.StatusSucceeded
		if idx%2 == 0 {
			expectedTerminal = download.StatusFailed
		}
		assert.Equal(t, []download.Status{download.StatusInFlight, expectedTerminal}, statuses, "track %d", idx)
	}
}

func TestCancelKeepsSucceededJobs(t *testing.T) {
	t.Parallel()

	fetch := fetcherFunc(func(ctx context.Context, track types.Track) (string, error) {
		if track.Index == 0 {
			return track.ID, nil
		}
		<-ctx.Done()

		return "", ctx.Err()
	})

	writer := &recordingWriter{} //nolint:exhaustruct
	c := download.NewCoordinator(zerolog.Nop(), &fakeResolver{tracks: tracks(4), err: nil}, fetch, ratelimit.New(4, 0), writer)

	d, err := c.Start(t.Context(), playlistLink, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(writer.Entries()) == 1 }, 5*time.Second, time.Millisecond)
	d.Cancel()

	summary := wait(t, d)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 3, summary.Failed)
	for _, f := range summary.Failures {
		assert.Equal(t, "Canceled", f.Reason)
		assert.ErrorIs(t, f.Err, context.Canceled)
	}

	entries := writer.Entries()
	require.Len(t, entries, 4)
	assert.True(t, entries[0].Succeeded)
	assert.Equal(t, 0, entries[0].Index)
}

func TestCancelFailsPendingJobs(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int32
	fetch := fetcherFunc(func(ctx context.Context, _ types.Track) (string, error) {
		fetches.Add(1)
		<-ctx.Done()

		return "", ctx.Err()
	})

	limiter := ratelimit.New(1, 0)
	writer := &recordingWriter{} //nolint:exhaustruct
	c := download.NewCoordinator(zerolog.Nop(), &fakeResolver{tracks: tracks(3), err: nil}, fetch, limiter, writer)

	d, err := c.Start(t.Context(), playlistLink, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fetches.Load() == 1 }, 5*time.Second, time.Millisecond)
	snapshot := d.Snapshot()
	assert.Equal(t, 1, snapshot.InFlight)
	assert.Equal(t, 2, snapshot.Pending)

	d.Cancel()

	summary := wait(t, d)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, int32(1), fetches.Load())
	assert.Len(t, writer.Entries(), 3)
	for _, js := range d.Snapshot().Jobs {
		assert.Equal(t, download.StatusFailed, js.Status)
		assert.Equal(t, "Canceled", js.Reason)
	}
}

func TestWriterFailuresDoNotChangeOutcome(t *testing.T) {
	t.Parallel()

	fetch := fetcherFunc(func(_ context.Context, track types.Track) (string, error) { return track.ID, nil })
	writer := &recordingWriter{err: errors.New("disk full")} //nolint:exhaustruct
	c := download.NewCoordinator(zerolog.Nop(), &fakeResolver{tracks: tracks(3), err: nil}, fetch, ratelimit.New(2, 0), writer)

	d, err := c.Start(t.Context(), playlistLink, nil)
	require.NoError(t, err)

	summary := wait(t, d)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 3, summary.WriteFailures)
}

func TestWaitHonoursContext(t *testing.T) {
	t.Parallel()

	fetch := fetcherFunc(func(ctx context.Context, _ types.Track) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	c := download.NewCoordinator(zerolog.Nop(), &fakeResolver{tracks: tracks(1), err: nil}, fetch, ratelimit.New(1, 0), &recordingWriter{}) //nolint:exhaustruct

	d, err := c.Start(t.Context(), playlistLink, nil)
	require.NoError(t, err)
	t.Cleanup(d.Cancel)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err = d.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-d.Done():
		t.Fatal("download finished before cancellation")
	default:
	}
}
