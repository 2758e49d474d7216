package dlp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/xeptore/quefi/httputil"
	"github.com/xeptore/quefi/unit"
)

const (
	DefaultReleaseURL = "https://api.github.com/repos/yt-dlp/yt-dlp/releases/latest"
	binaryMode        = 0o0744
	maxAssetSize      = 512 * unit.Mebibyte
)

var ErrAssetNotFound = errors.New("no release asset for this platform")

// AssetName returns the name of the release asset built for goos.
func AssetName(goos string) string {
	switch goos {
	case "windows":
		return "yt-dlp.exe"
	case "darwin":
		return "yt-dlp_macos"
	default:
		return "yt-dlp"
	}
}

type Release struct {
	Tag   string
	Asset string
	URL   string
}

type Installer struct {
	logger     zerolog.Logger
	client     *http.Client
	releaseURL string
	goos       string
}

func NewInstaller(logger zerolog.Logger, client *http.Client, releaseURL string) *Installer {
	if len(releaseURL) == 0 {
		releaseURL = DefaultReleaseURL
	}

	return &Installer{
		logger:     logger,
		client:     client,
		releaseURL: releaseURL,
		goos:       runtime.GOOS,
	}
}

// Install downloads the latest yt-dlp release for the running platform to
// dest. dest is replaced atomically.
func (i *Installer) Install(ctx context.Context, dest string) (*Release, error) {
	release, err := i.latestRelease(ctx)
	if nil != err {
		return nil, fmt.Errorf("failed to get latest release: %w", err)
	}

	logger := i.logger.With().Str("tag", release.Tag).Str("asset", release.Asset).Logger()
	logger.Info().Msg("Downloading yt-dlp release")

	b := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(time.Second*1),
				backoff.WithMaxInterval(time.Second*30),
				backoff.WithMaxElapsedTime(time.Minute*5),
			),
			5,
		),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		logger.Warn().Err(err).Dur("next_attempt_in", next).Msg("Failed to download release asset")
	}
	if err := backoff.RetryNotify(func() error { return i.download(ctx, release.URL, dest) }, b, notify); nil != err {
		return nil, fmt.Errorf("failed to download release asset: %w", err)
	}

	logger.Info().Str("path", dest).Msg("yt-dlp installed")

	return release, nil
}

func (i *Installer) latestRelease(ctx context.Context) (release *Release, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, i.releaseURL, nil)
	if nil != err {
		return nil, fmt.Errorf("create release request: %w", err)
	}
	req.Header.Add("Accept", "application/vnd.github+json")

	resp, err := i.client.Do(req)
	if nil != err {
		return nil, fmt.Errorf("send release request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("close response body: %v", closeErr))
		}
	}()

	if code := resp.StatusCode; code != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d: %s", code, httputil.ReadErrorBody(resp))
	}

	respBytes, err := httputil.ReadResponseBody(resp)
	if nil != err {
		return nil, err
	}

	if !gjson.ValidBytes(respBytes) {
		return nil, errors.New("release response is not valid json")
	}

	assetName := AssetName(i.goos)
	asset := gjson.GetBytes(respBytes, `assets.#(name=="`+assetName+`")`)
	if !asset.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, assetName)
	}

	downloadURL := asset.Get("browser_download_url").String()
	if len(downloadURL) == 0 {
		return nil, fmt.Errorf("release asset %s has no download url", assetName)
	}

	return &Release{
		Tag:   gjson.GetBytes(respBytes, "tag_name").String(),
		Asset: assetName,
		URL:   downloadURL,
	}, nil
}

func (i *Installer) download(ctx context.Context, assetURL, dest string) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if nil != err {
		return backoff.Permanent(fmt.Errorf("create download request: %w", err))
	}

	resp, err := i.client.Do(req)
	if nil != err {
		if ctxErr := ctx.Err(); nil != ctxErr {
			return backoff.Permanent(ctxErr)
		}

		return fmt.Errorf("send download request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("close response body: %v", closeErr))
		}
	}()

	switch code := resp.StatusCode; {
	case code == http.StatusOK:
	case code >= 500 || code == http.StatusTooManyRequests:
		return fmt.Errorf("unexpected status code %d", code)
	default:
		return backoff.Permanent(fmt.Errorf("unexpected status code %d", code))
	}

	f, err := os.CreateTemp(filepath.Dir(dest), ".yt-dlp-*")
	if nil != err {
		return backoff.Permanent(fmt.Errorf("create temporary file: %v", err))
	}
	defer func() {
		if nil != err {
			if removeErr := os.Remove(f.Name()); nil != removeErr && !errors.Is(removeErr, os.ErrNotExist) {
				err = errors.Join(err, fmt.Errorf("remove temporary file: %v", removeErr))
			}
		}
	}()

	n, err := io.Copy(f, io.LimitReader(resp.Body, int64(maxAssetSize)+1))
	if nil != err {
		_ = f.Close()
		return fmt.Errorf("write release asset: %v", err)
	}

	size := unit.Bytes(n)
	if size > maxAssetSize {
		_ = f.Close()
		return backoff.Permanent(fmt.Errorf("release asset exceeds %s", maxAssetSize))
	}
	i.logger.Debug().Stringer("size", size).Msg("Release asset downloaded")

	if err := f.Sync(); nil != err {
		_ = f.Close()
		return fmt.Errorf("sync release asset: %v", err)
	}

	if err := f.Close(); nil != err {
		return fmt.Errorf("close release asset: %v", err)
	}

	if err := os.Chmod(f.Name(), binaryMode); nil != err {
		return backoff.Permanent(fmt.Errorf("set release asset mode: %v", err))
	}

	if err := os.Rename(f.Name(), dest); nil != err {
		return backoff.Permanent(fmt.Errorf("move release asset into place: %v", err))
	}

	return nil
}
