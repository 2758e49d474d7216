package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/urfave/cli/v3"

	"github.com/xeptore/quefi/cache"
	"github.com/xeptore/quefi/config"
	"github.com/xeptore/quefi/constants"
	"github.com/xeptore/quefi/dlp"
	"github.com/xeptore/quefi/download"
	"github.com/xeptore/quefi/fetcher"
	"github.com/xeptore/quefi/library"
	"github.com/xeptore/quefi/log"
	"github.com/xeptore/quefi/ratelimit"
	"github.com/xeptore/quefi/songs"
	"github.com/xeptore/quefi/spotify"
	"github.com/xeptore/quefi/types"
)

func main() {
	logger := log.NewDefault()

	//nolint:exhaustruct
	app := &cli.Command{
		Name:    "quefi",
		Version: constants.Version,
		Metadata: map[string]any{
			"compiled_at": constants.CompileTime,
		},
		Suggest:                    true,
		Usage:                      "Spotify playlist downloader",
		EnableShellCompletion:      true,
		ShellCompletionCommandName: "shell-completion",
		AllowExtFlags:              false,
		Flags: []cli.Flag{
			//nolint:exhaustruct
			&cli.StringFlag{
				Name:     "config",
				Usage:    "Config file path",
				Required: false,
			},
		},
		Commands: []*cli.Command{
			//nolint:exhaustruct
			{
				Name:      "download",
				Usage:     "Download every track of a Spotify playlist or a single track",
				ArgsUsage: "<spotify-link>",
				Action:    downloadRun,
			},
			{
				Name:  "spotify",
				Usage: "Spotify commands",
				Commands: []*cli.Command{
					//nolint:exhaustruct
					{
						Name:   "login",
						Usage:  "Store Spotify application client credentials",
						Action: spotifyLogin,
					},
				},
			},
			{
				Name:  "dlp",
				Usage: "yt-dlp commands",
				Commands: []*cli.Command{
					//nolint:exhaustruct
					{
						Name:  "install",
						Usage: "Install the latest yt-dlp release",
						Flags: []cli.Flag{
							//nolint:exhaustruct
							&cli.StringFlag{
								Name:  "path",
								Usage: "Destination path of the yt-dlp binary (defaults to downloader.dlp_path)",
							},
						},
						Action: dlpInstall,
					},
				},
			},
			{
				Name:  "library",
				Usage: "Library commands",
				Commands: []*cli.Command{
					//nolint:exhaustruct
					{
						Name:      "show",
						Usage:     "Show stored playlists, or the tracks of one playlist",
						ArgsUsage: "[playlist-id | spotify-link]",
						Action:    libraryShow,
					},
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); nil != err {
		if errors.Is(err, context.Canceled) {
			logger.Trace().Msg("Application was canceled")
			os.Exit(1)
		}

		var exitCode exitCodeError
		if errors.As(err, &exitCode) {
			os.Exit(int(exitCode))
		}

		logger.Error().Err(err).Msg("Application exited with error")
		os.Exit(10)
	}
}

type exitCodeError int

func (e exitCodeError) Error() string {
	return "error with exit code: " + strconv.Itoa(int(e))
}

func loadConfig(cmd *cli.Command) (zerolog.Logger, *config.Config, error) {
	logger := log.NewDefault()

	if err := godotenv.Load(); nil != err {
		if !errors.Is(err, os.ErrNotExist) {
			return logger, nil, fmt.Errorf("load .env file: %v", err)
		}
		logger.Debug().Msg(".env file was not found")
	} else {
		logger.Debug().Msg(".env file was loaded")
	}

	conf, err := config.Load(cmd.String("config"))
	if nil != err {
		return logger, nil, fmt.Errorf("load config: %v", err)
	}

	logger = log.FromConfig(conf.Log)

	logger.Debug().Dict("config", conf.ToDict()).Msg("Config loaded")

	return logger, conf, nil
}

func downloadRun(ctx context.Context, cmd *cli.Command) (err error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, conf, err := loadConfig(cmd)
	if nil != err {
		return err
	}

	link, err := spotify.ParseLink(cmd.Args().First())
	if nil != err {
		logger.Error().Err(err).Msg("Invalid Spotify link. Expected a playlist or track link, e.g. https://open.spotify.com/playlist/<id>")
		return exitCodeError(2)
	}

	client, err := spotify.NewHTTPClient(conf.Spotify.Proxy)
	if nil != err {
		return fmt.Errorf("create spotify http client: %v", err)
	}

	auth, err := spotify.NewAuth(conf.Spotify, client)
	if nil != err {
		if errors.Is(err, spotify.ErrMissingClientCredentials) {
			logger.Error().Msg("Spotify client credentials are missing. Run `quefi spotify login` or set SPOTIFY_CLIENT_ID and SPOTIFY_CLIENT_SECRET.")
			return exitCodeError(3)
		}

		return fmt.Errorf("create spotify auth: %v", err)
	}

	metaCache := cache.New()
	defer metaCache.Stop()

	store, err := library.Open(conf.Library.Path)
	if nil != err {
		return fmt.Errorf("open library: %v", err)
	}
	defer func() {
		if closeErr := store.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("close library: %v", closeErr))
		}
	}()

	var (
		resolver = spotify.NewResolver(logger, conf.Spotify, client, auth, metaCache)
		dir      = songs.DirFrom(conf.Downloader.SongsDir)
		trackF   = fetcher.New(logger, dir, fetcher.NewDlp(logger, conf.Downloader))
		limiter  = ratelimit.New(conf.Downloader.MaxConcurrentDownloads, conf.Downloader.RequestsPerSecond)
		coord    = download.NewCoordinator(logger, resolver, trackF, limiter, store)
	)

	d, err := coord.Start(ctx, link, progressObserver(logger))
	if nil != err {
		switch {
		case errors.Is(err, spotify.ErrNotFound):
			logger.Error().Err(err).Msg("Spotify link does not exist or is not accessible")
			return exitCodeError(4)
		case errors.Is(err, spotify.ErrInvalidClientCredentials):
			logger.Error().Err(err).Msg("Spotify rejected the client credentials. Run `quefi spotify login` again.")
			return exitCodeError(3)
		case errors.Is(err, spotify.ErrUpstream):
			logger.Error().Err(err).Msg("Spotify is not available at the moment. Try again later.")
			return exitCodeError(5)
		default:
			return fmt.Errorf("start download: %w", err)
		}
	}
	logger.Info().Int("tracks", d.Len()).Msg("Download started")

	// Interrupting cancels the download, the summary is still collected.
	summary, err := d.Wait(context.WithoutCancel(ctx))
	if nil != err {
		return fmt.Errorf("wait for download: %v", err)
	}

	renderSummary(os.Stdout, summary)

	if summary.Failed > 0 && summary.Succeeded == 0 && summary.Total > 0 {
		if summary.Failures[0].Reason == "ToolUnavailable" {
			logger.Error().Str("dlp_path", conf.Downloader.DlpPath).Msg("yt-dlp is not available. Run `quefi dlp install` or set downloader.dlp_path.")
		}

		return exitCodeError(6)
	}

	return nil
}

func progressObserver(logger zerolog.Logger) download.Observer {
	return func(js download.JobSnapshot) {
		switch js.Status {
		case download.StatusInFlight:
			logger.Debug().Int("track_index", js.Track.Index).Str("query", js.Track.Query()).Msg("Fetching track")
		case download.StatusSucceeded:
			logger.Info().Int("track_index", js.Track.Index).Str("query", js.Track.Query()).Str("path", js.Path).Msg("Track downloaded")
		case download.StatusFailed:
			logger.Warn().Int("track_index", js.Track.Index).Str("query", js.Track.Query()).Str("reason", js.Reason).Msg("Track failed")
		case download.StatusPending:
		}
	}
}

func renderSummary(w io.Writer, s download.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("%s: %d succeeded, %d failed", s.Link.String(), s.Succeeded, s.Failed)
	t.AppendHeader(table.Row{"#", "Track", "Reason"})
	for _, f := range s.Failures {
		t.AppendRow(table.Row{f.Track.Index + 1, f.Track.Query(), text.FgRed.Sprint(f.Reason)})
	}
	t.AppendFooter(table.Row{"", "Total", fmt.Sprintf("%d in %s", s.Total, s.Elapsed.Round(time.Millisecond))})
	if s.WriteFailures > 0 {
		t.AppendFooter(table.Row{"", "Library write failures", s.WriteFailures})
	}
	t.Render()
}

func spotifyLogin(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, conf, err := loadConfig(cmd)
	if nil != err {
		return err
	}

	client, err := spotify.NewHTTPClient(conf.Spotify.Proxy)
	if nil != err {
		return fmt.Errorf("create spotify http client: %v", err)
	}

	if err := spotify.Login(ctx, logger, conf.Spotify, client); nil != err {
		if errors.Is(err, syscall.ENOTTY) {
			logger.Error().Msg("No TTY detected. Please run the container with `--tty` or set `tty: true` in Docker Compose.")
			return exitCodeError(1)
		}

		if errors.Is(err, spotify.ErrInvalidClientCredentials) {
			logger.Error().Err(err).Msg("Spotify rejected the client credentials")
			return exitCodeError(3)
		}

		return fmt.Errorf("login to spotify: %w", err)
	}

	return nil
}

func dlpInstall(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, conf, err := loadConfig(cmd)
	if nil != err {
		return err
	}

	dest := cmd.String("path")
	if len(dest) == 0 {
		// A bare command name is looked up in PATH, so install next to the
		// working directory instead.
		dest = lo.Ternary(
			filepath.Base(conf.Downloader.DlpPath) == conf.Downloader.DlpPath,
			filepath.Join(".", dlp.AssetName(runtime.GOOS)),
			conf.Downloader.DlpPath,
		)
	}

	client, err := spotify.NewHTTPClient(conf.Spotify.Proxy)
	if nil != err {
		return fmt.Errorf("create http client: %v", err)
	}

	release, err := dlp.NewInstaller(logger, client, dlp.DefaultReleaseURL).Install(ctx, dest)
	if nil != err {
		return fmt.Errorf("install yt-dlp: %w", err)
	}

	if abs, err := filepath.Abs(dest); nil == err && abs != conf.Downloader.DlpPath {
		logger.Info().Str("path", abs).Msg("Set downloader.dlp_path to this path to use the installed binary")
	}
	logger.Info().Str("tag", release.Tag).Msg("yt-dlp installed successfully")

	return nil
}

func libraryShow(ctx context.Context, cmd *cli.Command) (err error) {
	logger, conf, err := loadConfig(cmd)
	if nil != err {
		return err
	}

	store, err := library.Open(conf.Library.Path)
	if nil != err {
		return fmt.Errorf("open library: %v", err)
	}
	defer func() {
		if closeErr := store.Close(); nil != closeErr {
			err = errors.Join(err, fmt.Errorf("close library: %v", closeErr))
		}
	}()

	id := cmd.Args().First()
	if len(id) == 0 {
		ids, err := store.Playlists(ctx)
		if nil != err {
			return fmt.Errorf("list playlists: %v", err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{"Playlist"})
		for _, id := range ids {
			t.AppendRow(table.Row{id})
		}
		t.Render()

		return nil
	}

	if link, err := spotify.ParseLink(id); nil == err {
		id = link.ID
	}

	entries, err := store.Playlist(ctx, id)
	if nil != err {
		if errors.Is(err, library.ErrPlaylistNotFound) {
			logger.Error().Str("playlist_id", id).Msg("Playlist is not in the library")
			return exitCodeError(4)
		}

		return fmt.Errorf("load playlist: %v", err)
	}

	renderEntries(os.Stdout, id, entries)

	return nil
}

func renderEntries(w io.Writer, id string, entries []types.LibraryEntry) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(id)
	t.AppendHeader(table.Row{"#", "Track", "Duration", "File"})
	for _, e := range entries {
		file := lo.Ternary(e.Succeeded, e.Path, text.FgRed.Sprint(e.Reason))
		t.AppendRow(table.Row{e.Index + 1, e.Track.Query(), e.Track.Duration().String(), file})
	}
	t.Render()
}
