package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/xeptore/quefi/songs"
	"github.com/xeptore/quefi/types"
)

// Searcher finds the best match for query and stores it as a file whose
// name starts with outStem, returning the produced file path.
type Searcher interface {
	SearchAndFetch(ctx context.Context, query, outStem string) (string, error)
}

type Fetcher struct {
	logger    zerolog.Logger
	dir       songs.Dir
	searcher  Searcher
	removeAll func(string) error
}

func New(logger zerolog.Logger, dir songs.Dir, searcher Searcher) *Fetcher {
	return &Fetcher{
		logger:    logger,
		dir:       dir,
		searcher:  searcher,
		removeAll: os.RemoveAll,
	}
}

// Fetch downloads the best match for track into the songs directory and
// returns its final path. Existing files are never overwritten.
func (f *Fetcher) Fetch(ctx context.Context, track types.Track) (string, error) {
	logger := f.logger.With().Int("track_index", track.Index).Str("query", track.Query()).Logger()

	tmpDir, err := f.dir.TempDir()
	if nil != err {
		logger.Error().Err(err).Msg("Failed to create working directory")
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer func() {
		// The fetched file already lives outside tmpDir, so a leftover
		// directory does not affect the outcome.
		if removeErr := f.removeAll(tmpDir); nil != removeErr {
			logger.Warn().Err(removeErr).Str("dir", tmpDir).Msg("Failed to remove working directory")
		}
	}()

	outStem := filepath.Join(tmpDir, strconv.Itoa(track.Index))
	produced, err := f.searcher.SearchAndFetch(ctx, track.Query(), outStem)
	if nil != err {
		if ctxErr := ctx.Err(); nil != ctxErr {
			return "", ctxErr
		}

		logger.Debug().Err(err).Msg("Search tool failed")
		return "", err
	}

	mime, err := verifyAudio(produced)
	if nil != err {
		logger.Debug().Err(err).Str("file", produced).Msg("Fetched file rejected")
		return "", err
	}

	ext := filepath.Ext(produced)
	if len(ext) == 0 {
		ext = mime.Extension()
	}

	slot, err := f.dir.Reserve(track.Stem(), ext)
	if nil != err {
		logger.Error().Err(err).Msg("Failed to reserve destination file")
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}

	if err := slot.Fill(produced); nil != err {
		logger.Error().Err(err).Str("path", slot.Path).Msg("Failed to move fetched file into place")
		return "", errors.Join(fmt.Errorf("%w: %v", ErrIO, err), slot.Release())
	}

	logger.Debug().Str("path", slot.Path).Str("mime", mime.String()).Msg("Track fetched")

	return slot.Path, nil
}

func verifyAudio(p string) (*mimetype.MIME, error) {
	info, err := os.Stat(p)
	if nil != err {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: tool reported missing file %s", ErrNoMatchFound, p)
		}

		return nil, fmt.Errorf("%w: stat fetched file: %v", ErrIO, err)
	}

	if !info.Mode().IsRegular() || info.Size() == 0 {
		return nil, fmt.Errorf("%w: fetched file is empty", ErrNoMatchFound)
	}

	mime, err := mimetype.DetectFile(p)
	if nil != err {
		return nil, fmt.Errorf("%w: detect mime: %v", ErrIO, err)
	}

	if !isAudio(mime) {
		return nil, fmt.Errorf("%w: fetched file is %s, not audio", ErrNoMatchFound, mime.String())
	}

	return mime, nil
}

// isAudio also accepts the containers yt-dlp uses for audio-only streams.
func isAudio(mime *mimetype.MIME) bool {
	for m := mime; nil != m; m = m.Parent() {
		if strings.HasPrefix(m.String(), "audio/") || m.Is("video/webm") || m.Is("video/mp4") || m.Is("application/ogg") {
			return true
		}
	}

	return false
}
