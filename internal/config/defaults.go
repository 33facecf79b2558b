package config

import "strings"

const (
	DefaultHTTPAddr         = "127.0.0.1:8080"
	DefaultChunkSize        = 7
	DefaultDownloadInterval = "300ms"
	DefaultChunkTitle       = "{account} | {period} | Part {part}"
	DefaultFullTitle        = "{account} | {period} | Full"
	DefaultPollInterval     = "30s"
	DefaultUserAgent        = "storypipe/1.0"
	DefaultMaxUploadMB      = 512
	DefaultPprofAddr        = "127.0.0.1:6060"
)

// Default returns a config that runs locally with a file ledger and the
// local archive.
func Default() *Config {
	c := &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Storage:   StorageConfig{Driver: "file", Path: "./data/ledger"},
		Workspace: WorkspaceConfig{Root: "./data/media", SettingsFile: "./data/settings.json", CredentialsDir: "./data/credentials"},
		Archive:   ArchiveConfig{Driver: "local"},
	}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.HTTP.MaxUploadMB <= 0 {
		c.HTTP.MaxUploadMB = DefaultMaxUploadMB
	}
	if c.Pipeline.ChunkSize == 0 {
		c.Pipeline.ChunkSize = DefaultChunkSize
	}
	if c.Pipeline.DownloadInterval == "" {
		c.Pipeline.DownloadInterval = DefaultDownloadInterval
	}
	if c.Pipeline.ChunkTitle == "" {
		c.Pipeline.ChunkTitle = DefaultChunkTitle
	}
	if c.Pipeline.FullTitle == "" {
		c.Pipeline.FullTitle = DefaultFullTitle
	}
	if c.Scheduler.PollInterval == "" {
		c.Scheduler.PollInterval = DefaultPollInterval
	}
	if c.Fetcher.UserAgent == "" {
		c.Fetcher.UserAgent = DefaultUserAgent
	}
	if c.Encoder.FFmpegPath == "" {
		c.Encoder.FFmpegPath = "ffmpeg"
	}
	if c.Encoder.Width == 0 {
		c.Encoder.Width = 1080
	}
	if c.Encoder.Height == 0 {
		c.Encoder.Height = 1920
	}
	if c.Encoder.CRF == 0 {
		c.Encoder.CRF = 23
	}
	if c.Archive.Driver == "" {
		c.Archive.Driver = "local"
	}
	if c.Pprof.Addr == "" {
		c.Pprof.Addr = DefaultPprofAddr
	}
	if c.Notifier.RatePerSec <= 0 {
		c.Notifier.RatePerSec = 1
	}
}
