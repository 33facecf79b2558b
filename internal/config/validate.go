package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"storypipe/internal/domain"
	logx "storypipe/pkg/logx"
)

// Validate checks every section and reports all problems at once.
// Call ApplyDefaults first.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}

	if !logx.ValidLevel(c.Logging.Level) {
		add("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add("logging.file.path: required when file logging is enabled")
	}

	if _, _, err := net.SplitHostPort(c.HTTP.Addr); c.HTTP.Addr != "" && err != nil {
		add("http.addr: %v", err)
	}
	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add("storage.path: required for driver %q", c.Storage.Driver)
		}
	default:
		add("storage.driver: must be one of file, sqlite, none; got %q", c.Storage.Driver)
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	if strings.TrimSpace(c.Workspace.Root) == "" {
		add("workspace.root: cannot be empty")
	}
	if strings.TrimSpace(c.Workspace.SettingsFile) == "" {
		add("workspace.settings_file: cannot be empty")
	}

	if c.Engine.MaxConcurrent < 0 {
		add("engine.max_concurrent: must be >= 0")
	}

	if c.Pipeline.ChunkSize <= 0 {
		add("pipeline.chunk_size: must be positive, got %d", c.Pipeline.ChunkSize)
	}
	dur("pipeline.download_interval", c.Pipeline.DownloadInterval)
	if tz := strings.TrimSpace(c.Pipeline.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("pipeline.timezone: %v", err)
		}
	}

	if d := dur("scheduler.poll_interval", c.Scheduler.PollInterval); d >= time.Minute {
		add("scheduler.poll_interval: must be below 1m so no minute is skipped, got %s", d)
	}

	if t := strings.TrimSpace(c.Fetcher.FeedURLTemplate); t != "" {
		if !strings.Contains(t, "{account}") {
			add("fetcher.feed_url_template: must contain {account}")
		}
		if _, err := url.Parse(strings.ReplaceAll(t, "{account}", "x")); err != nil {
			add("fetcher.feed_url_template: %v", err)
		}
	}
	dur("fetcher.timeout", c.Fetcher.Timeout)
	if c.Fetcher.Retries < 0 {
		add("fetcher.retries: must be >= 0")
	}

	if c.Encoder.Width <= 0 || c.Encoder.Height <= 0 {
		add("encoder: width and height must be positive")
	}
	if c.Encoder.CRF < 0 || c.Encoder.CRF > 51 {
		add("encoder.crf: must be 0-51, got %d", c.Encoder.CRF)
	}
	dur("encoder.timeout", c.Encoder.Timeout)

	if e := strings.TrimSpace(c.Publisher.Endpoint); e != "" {
		if u, err := url.Parse(e); err != nil || u.Scheme == "" || u.Host == "" {
			add("publisher.endpoint: not an absolute URL: %q", e)
		}
	}
	dur("publisher.timeout", c.Publisher.Timeout)

	switch strings.ToLower(c.Archive.Driver) {
	case "local":
	case "s3":
		if strings.TrimSpace(c.Archive.S3.Bucket) == "" {
			add("archive.s3.bucket: required for the s3 driver")
		}
		if (c.Archive.S3.AccessKeyID == "") != (c.Archive.S3.SecretAccessKey == "") {
			add("archive.s3: access_key_id and secret_access_key go together")
		}
	default:
		add("archive.driver: must be one of local, s3; got %q", c.Archive.Driver)
	}

	if c.Notifier.Enabled {
		if strings.TrimSpace(c.Notifier.Token) == "" {
			add("notifier.token: required when the notifier is enabled")
		}
		if c.Notifier.ChatID == 0 {
			add("notifier.chat_id: required when the notifier is enabled")
		}
	}

	if c.Pprof.Enabled {
		if host, _, err := net.SplitHostPort(c.Pprof.Addr); err != nil {
			add("pprof.addr: %v", err)
		} else if c.Pprof.Token == "" && !isLoopback(host) {
			add("pprof.token: required when pprof.addr is not loopback")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: configuration validation failed:\n  - %s", domain.ErrConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// Location resolves pipeline.timezone, defaulting to the host zone.
func (c *Config) Location() *time.Location {
	if tz := strings.TrimSpace(c.Pipeline.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
