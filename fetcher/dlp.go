package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lrstanley/go-ytdlp"
	"github.com/rs/zerolog"

	"github.com/xeptore/quefi/config"
)

const maxStderrTail = 512

// Dlp searches and downloads tracks with the yt-dlp command line tool.
type Dlp struct {
	logger      zerolog.Logger
	path        string
	audioFormat string
	timeout     time.Duration
}

func NewDlp(logger zerolog.Logger, conf config.Downloader) *Dlp {
	return &Dlp{
		logger:      logger,
		path:        conf.DlpPath,
		audioFormat: conf.AudioFormat,
		timeout:     time.Duration(conf.FetchTimeout) * time.Second,
	}
}

func (d *Dlp) command(bin, outStem string) *ytdlp.Command {
	return ytdlp.New().
		SetExecutable(bin).
		ExtractAudio().
		AudioFormat(d.audioFormat).
		NoPlaylist().
		NoProgress().
		DumpJSON().
		NoSimulate().
		Output(outStem + ".%(ext)s")
}

func (d *Dlp) SearchAndFetch(ctx context.Context, query, outStem string) (string, error) {
	bin, err := exec.LookPath(d.path)
	if nil != err {
		return "", fmt.Errorf("%w: %v", ErrToolUnavailable, err)
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.timeout > 0 {
		runCtx, cancel = context.WithTimeoutCause(ctx, d.timeout, ErrTimedOut)
	}
	defer cancel()

	res, err := d.command(bin, outStem).Run(runCtx, "ytsearch1:"+query)
	if nil != err {
		if ctxErr := ctx.Err(); nil != ctxErr {
			return "", ctxErr
		}

		if errors.Is(context.Cause(runCtx), ErrTimedOut) {
			return "", fmt.Errorf("%w after %s", ErrTimedOut, d.timeout)
		}

		if nil == res || res.ExitCode <= 0 {
			// The process could not be started at all.
			return "", fmt.Errorf("%w: %v", ErrToolUnavailable, err)
		}

		d.logger.Debug().
			Int("exit_code", res.ExitCode).
			Str("stderr", stderrTail(res.Stderr)).
			Str("query", query).
			Msg("yt-dlp exited with failure")

		return "", fmt.Errorf("%w: yt-dlp exited with code %d: %s", ErrNoMatchFound, res.ExitCode, stderrTail(res.Stderr))
	}

	return d.producedFile(res, outStem)
}

// producedFile locates the extracted audio file. The reported filename
// carries the pre-extraction extension, so the audio format extension is
// tried first.
func (d *Dlp) producedFile(res *ytdlp.Result, outStem string) (string, error) {
	info, err := res.GetExtractedInfo()
	if nil != err {
		d.logger.Debug().Err(err).Msg("Failed to parse yt-dlp extracted info")
	}

	for _, v := range info {
		if nil == v || nil == v.Filename || len(*v.Filename) == 0 {
			continue
		}

		name := *v.Filename
		audio := strings.TrimSuffix(name, filepath.Ext(name)) + "." + d.audioFormat
		for _, candidate := range []string{audio, name} {
			if _, err := os.Stat(candidate); nil == err {
				return candidate, nil
			}
		}
	}

	// Some audio formats are stored under a different extension, e.g. vorbis.
	matches, err := filepath.Glob(outStem + ".*")
	if nil != err {
		return "", fmt.Errorf("%w: glob output files: %v", ErrIO, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: yt-dlp produced no file", ErrNoMatchFound)
	}

	return matches[0], nil
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxStderrTail {
		return s
	}

	cut := len(s) - maxStderrTail
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}

	return s[cut:]
}
