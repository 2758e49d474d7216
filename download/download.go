package download

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/xeptore/quefi/ratelimit"
	"github.com/xeptore/quefi/types"
)

type Resolver interface {
	Resolve(ctx context.Context, link types.Link) ([]types.Track, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, track types.Track) (string, error)
}

// LibraryWriter receives every finished job. Entries arrive in completion
// order; implementations must place them by index.
type LibraryWriter interface {
	Write(ctx context.Context, entry types.LibraryEntry) error
}

// Observer is notified on every job status change. It may be called from
// several goroutines at once.
type Observer func(JobSnapshot)

type Coordinator struct {
	logger   zerolog.Logger
	resolver Resolver
	fetcher  Fetcher
	limiter  *ratelimit.Limiter
	writer   LibraryWriter
}

func NewCoordinator(
	logger zerolog.Logger,
	resolver Resolver,
	fetcher Fetcher,
	limiter *ratelimit.Limiter,
	writer LibraryWriter,
) *Coordinator {
	return &Coordinator{
		logger:   logger,
		resolver: resolver,
		fetcher:  fetcher,
		limiter:  limiter,
		writer:   writer,
	}
}

// Start resolves link and dispatches one fetch job per track. Resolution
// failures are returned before any job exists. The returned download runs
// until every job is terminal or ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context, link types.Link, observer Observer) (*Download, error) {
	logger := c.logger.With().Str("link_id", link.ID).Str("link_kind", link.Kind.String()).Logger()

	tracks, err := c.resolver.Resolve(ctx, link)
	if nil != err {
		logger.Error().Err(err).Msg("Failed to resolve link")
		return nil, fmt.Errorf("failed to resolve %s: %w", link, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d := &Download{
		Link:          link,
		StartedAt:     time.Now(),
		jobs:          make([]Job, len(tracks)),
		succeeded:     atomic.Int64{},
		failed:        atomic.Int64{},
		writeFailures: atomic.Int64{},
		elapsed:       atomic.Int64{},
		done:          make(chan struct{}),
		cancel:        cancel,
	}
	for i, track := range tracks {
		// Slice order is authoritative.
		track.Index = i
		d.jobs[i].Track = track
	}

	logger.Info().Int("tracks", len(tracks)).Msg("Starting download")

	var wg errgroup.Group
	for i := range d.jobs {
		job := &d.jobs[i]
		wg.Go(func() error {
			c.run(runCtx, logger, d, job, observer)
			return nil
		})
	}

	go func() {
		_ = wg.Wait()
		cancel()
		elapsed := time.Since(d.StartedAt)
		d.elapsed.Store(int64(elapsed))
		close(d.done)

		logger.Info().
			Int64("succeeded", d.succeeded.Load()).
			Int64("failed", d.failed.Load()).
			Int64("write_failures", d.writeFailures.Load()).
			Dur("elapsed", elapsed).
			Msg("Download finished")
	}()

	return d, nil
}

func (c *Coordinator) run(ctx context.Context, logger zerolog.Logger, d *Download, job *Job, observer Observer) {
	logger = logger.With().Int("track_index", job.Track.Index).Str("query", job.Track.Query()).Logger()

	permit, err := c.limiter.Acquire(ctx)
	if nil != err {
		job.abandon(err)
		d.failed.Add(1)
		notify(observer, job)
		c.emit(ctx, logger, d, job)

		return
	}

	job.start()
	notify(observer, job)

	path, err := c.fetcher.Fetch(ctx, job.Track)
	if nil != err {
		job.fail(err)
		d.failed.Add(1)
		if !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("Failed to fetch track")
		}
	} else {
		job.succeed(path)
		d.succeeded.Add(1)
		logger.Debug().Str("path", path).Msg("Track downloaded")
	}
	permit.Release()

	notify(observer, job)
	c.emit(ctx, logger, d, job)
}

func notify(observer Observer, job *Job) {
	if nil != observer {
		observer(job.Snapshot())
	}
}

// emit hands a terminal job to the library. It ignores cancellation so
// finished downloads are never lost.
func (c *Coordinator) emit(ctx context.Context, logger zerolog.Logger, d *Download, job *Job) {
	s := job.Snapshot()
	entry := types.LibraryEntry{
		PlaylistID: d.Link.ID,
		Index:      s.Track.Index,
		Track:      s.Track,
		Succeeded:  s.Status == StatusSucceeded,
		Path:       s.Path,
		Reason:     s.Reason,
		CreatedAt:  time.Now().UTC(),
	}

	if err := c.writer.Write(context.WithoutCancel(ctx), entry); nil != err {
		d.writeFailures.Add(1)
		logger.Error().Err(err).Msg("Failed to write library entry")
	}
}
