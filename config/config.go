package config

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/xeptore/quefi/redact"
)

type Config struct {
	Log        Log        `yaml:"log"`
	Spotify    Spotify    `yaml:"spotify"`
	Downloader Downloader `yaml:"downloader"`
	Library    Library    `yaml:"library"`
}

func (c *Config) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Dict("log", c.Log.ToDict()).
		Dict("spotify", c.Spotify.ToDict()).
		Dict("downloader", c.Downloader.ToDict()).
		Dict("library", c.Library.ToDict())
}

func (c *Config) setDefaults() {
	c.Log.setDefaults()
	c.Spotify.setDefaults()
	c.Downloader.setDefaults()
	c.Library.setDefaults()
}

func (c *Config) validate() error {
	if err := c.Log.validate(); nil != err {
		return fmt.Errorf("log config validation failed: %v", err)
	}

	if err := c.Spotify.validate(); nil != err {
		return fmt.Errorf("spotify config validation failed: %v", err)
	}

	if err := c.Downloader.validate(); nil != err {
		return fmt.Errorf("downloader config validation failed: %v", err)
	}

	if err := c.Library.validate(); nil != err {
		return fmt.Errorf("library config validation failed: %v", err)
	}

	return nil
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *Log) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("level", c.Level).
		Str("format", c.Format)
}

func (c *Log) setDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}

	if c.Format == "" {
		c.Format = "pretty"
	}
}

func (c *Log) validate() error {
	if !slices.Contains([]string{"trace", "debug", "info", "warn", "error", "fatal", "panic"}, c.Level) {
		return fmt.Errorf(
			"level must be one of: trace, debug, info, warn, error, fatal, panic, got: %s",
			c.Level,
		)
	}

	if !slices.Contains([]string{"json", "pretty"}, c.Format) {
		return fmt.Errorf("format must be 'json' or 'pretty', got: %s", c.Format)
	}

	return nil
}

type Spotify struct {
	APIURL       string          `yaml:"api_url"`
	AccountsURL  string          `yaml:"accounts_url"`
	CredsFile    string          `yaml:"creds_file"`
	ClientID     string          `yaml:"-"`
	ClientSecret string          `yaml:"-"`
	CacheTTL     int             `yaml:"cache_ttl"`
	Timeouts     SpotifyTimeouts `yaml:"timeouts"`
	Proxy        Proxy           `yaml:"proxy"`
}

func (c *Spotify) ToDict() *zerolog.Event {
	return zerolog.
		Dict().
		Str("api_url", c.APIURL).
		Str("accounts_url", c.AccountsURL).
		Str("creds_file", c.CredsFile).
		Str("client_id", redact.String(c.ClientID)).
		Str("client_secret", redact.String(c.ClientSecret)).
		Int("cache_ttl", c.CacheTTL).
		Dict("timeouts", c.Timeouts.ToDict()).
		Dict("proxy", c.Proxy.ToDict())
}

func (c *Spotify) setDefaults() {
	if c.APIURL == "" {
		c.APIURL = "https://api.spotify.com"
	}

	if c.AccountsURL == "" {
		c.AccountsURL = "https://accounts.spotify.com"
	}

	if c.CredsFile == "" {
		c.CredsFile = "./creds/spotify.json"
	}

	c.Timeouts.setDefaults()
}

func (c *Spotify) validate() error {
	if c.CacheTTL < 0 {
		return errors.New("cache_ttl must not be negative")
	}

	if err := c.Timeouts.validate(); nil != err {
		return fmt.Errorf("timeouts config validation failed: %v", err)
	}

	if err := c.Proxy.validate(); nil != err {
		return fmt.Errorf("proxy config validation failed: %v", err)
	}

	return nil
}

type SpotifyTimeouts struct {
	GetToken         int `yaml:"get_token"`
	GetTrack         int `yaml:"get_track"`
	GetPlaylistItems int `yaml:"get_playlist_items"`
}

func (c *SpotifyTimeouts) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Int("get_token", c.GetToken).
		Int("get_track", c.GetTrack).
		Int("get_playlist_items", c.GetPlaylistItems)
}

func (c *SpotifyTimeouts) setDefaults() {
	if c.GetToken == 0 {
		c.GetToken = 5
	}

	if c.GetTrack == 0 {
		c.GetTrack = 5
	}

	if c.GetPlaylistItems == 0 {
		c.GetPlaylistItems = 10
	}
}

func (c *SpotifyTimeouts) validate() error {
	if c.GetToken < 0 {
		return errors.New("get_token must be greater than 0")
	}

	if c.GetTrack < 0 {
		return errors.New("get_track must be greater than 0")
	}

	if c.GetPlaylistItems < 0 {
		return errors.New("get_playlist_items must be greater than 0")
	}

	return nil
}

type Proxy struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func (c *Proxy) Enabled() bool {
	return len(c.Host) > 0 && c.Port > 0
}

func (c *Proxy) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("host", c.Host).
		Int("port", c.Port).
		Str("username", c.Username).
		Str("password", redact.String(c.Password))
}

func (c *Proxy) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got: %d", c.Port)
	}

	if len(c.Host) > 0 && c.Port == 0 {
		return errors.New("port is required when host is set")
	}

	return nil
}

type Downloader struct {
	MaxConcurrentDownloads int     `yaml:"max_concurrent_downloads"`
	RequestsPerSecond      float64 `yaml:"requests_per_second"`
	SongsDir               string  `yaml:"songs_dir"`
	DlpPath                string  `yaml:"dlp_path"`
	AudioFormat            string  `yaml:"audio_format"`
	FetchTimeout           int     `yaml:"fetch_timeout"`
}

func (c *Downloader) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Int("max_concurrent_downloads", c.MaxConcurrentDownloads).
		Float64("requests_per_second", c.RequestsPerSecond).
		Str("songs_dir", c.SongsDir).
		Str("dlp_path", c.DlpPath).
		Str("audio_format", c.AudioFormat).
		Int("fetch_timeout", c.FetchTimeout)
}

func (c *Downloader) setDefaults() {
	if c.MaxConcurrentDownloads == 0 {
		c.MaxConcurrentDownloads = 3
	}

	if c.SongsDir == "" {
		c.SongsDir = "./songs"
	}

	if c.DlpPath == "" {
		c.DlpPath = "yt-dlp"
	}

	if c.AudioFormat == "" {
		c.AudioFormat = "mp3"
	}

	if c.FetchTimeout == 0 {
		c.FetchTimeout = 300
	}
}

func (c *Downloader) validate() error {
	if c.MaxConcurrentDownloads < 1 {
		return errors.New("max_concurrent_downloads must be at least 1")
	}

	if c.RequestsPerSecond < 0 {
		return errors.New("requests_per_second must not be negative")
	}

	if !slices.Contains([]string{"mp3", "m4a", "opus", "vorbis", "flac", "wav", "aac"}, c.AudioFormat) {
		return fmt.Errorf("audio_format must be one of: mp3, m4a, opus, vorbis, flac, wav, aac, got: %s", c.AudioFormat)
	}

	if c.FetchTimeout < 0 {
		return errors.New("fetch_timeout must be greater than 0")
	}

	if i, err := os.Stat(c.SongsDir); nil != err {
		if errors.Is(err, os.ErrNotExist) {
			return errors.New("songs_dir does not exist")
		}

		return fmt.Errorf("failed to stat songs_dir: %v", err)
	} else if !i.IsDir() {
		return errors.New("songs_dir must be a directory")
	}

	return nil
}

type Library struct {
	Path string `yaml:"path"`
}

func (c *Library) ToDict() *zerolog.Event {
	return zerolog.Dict().
		Str("path", c.Path)
}

func (c *Library) setDefaults() {
	if c.Path == "" {
		c.Path = "quefi.db"
	}
}

func (c *Library) validate() error {
	return nil
}

func Load(filename string) (*Config, error) {
	filename = lo.Ternary(len(filename) > 0, filename, "config.yaml")
	data, err := os.ReadFile(filename)
	if nil != err {
		return nil, fmt.Errorf("failed to read config file %s: %v", filename, err)
	}

	return parse(filename, data)
}

func FromString(data string) (*Config, error) {
	return parse("<string>", []byte(data))
}

func parse(source string, data []byte) (*Config, error) {
	var conf Config
	if err := yaml.Unmarshal(data, &conf); nil != err {
		return nil, fmt.Errorf("failed to parse config %s: %v", source, err)
	}

	conf.Spotify.ClientID = os.Getenv("SPOTIFY_CLIENT_ID")
	conf.Spotify.ClientSecret = os.Getenv("SPOTIFY_CLIENT_SECRET")
	conf.setDefaults()

	if err := conf.validate(); nil != err {
		return nil, fmt.Errorf("configuration validation failed: %v", err)
	}

	return &conf, nil
}
