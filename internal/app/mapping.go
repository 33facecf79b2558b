package app

import (
	"fmt"
	"strings"
	"time"

	"storypipe/internal/adapters/feed"
	"storypipe/internal/adapters/ffmpeg"
	"storypipe/internal/adapters/publisher"
	"storypipe/internal/adapters/telegram"
	"storypipe/internal/config"
	"storypipe/internal/domain"
	"storypipe/internal/notifier"
	"storypipe/internal/observability/pprof"
	"storypipe/internal/pipeline"
	"storypipe/internal/storage"
	"storypipe/internal/task/scheduler"
	"storypipe/internal/transport/httpapi"
	logx "storypipe/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, fmt.Errorf("%w: storage.driver %q: downloads need a ledger", domain.ErrConfig, cfg.Storage.Driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}, nil
}

func mapTunables(cfg *config.Config) (pipeline.Tunables, error) {
	interval, err := config.ParseDurationOrDefault("pipeline.download_interval", cfg.Pipeline.DownloadInterval, 300*time.Millisecond)
	if err != nil {
		return pipeline.Tunables{}, err
	}
	return pipeline.Tunables{
		ChunkSize:        cfg.Pipeline.ChunkSize,
		DownloadInterval: interval,
		ChunkTitle:       cfg.Pipeline.ChunkTitle,
		FullTitle:        cfg.Pipeline.FullTitle,
		Location:         cfg.Location(),
	}, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	poll, err := config.ParseDurationOrDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval, scheduler.DefaultPollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{PollInterval: poll, Location: cfg.Location()}, nil
}

func mapFetcher(cfg *config.Config) (feed.Options, error) {
	timeout, err := config.ParseDurationOrDefault("fetcher.timeout", cfg.Fetcher.Timeout, 30*time.Second)
	if err != nil {
		return feed.Options{}, err
	}
	return feed.Options{
		URLTemplate: cfg.Fetcher.FeedURLTemplate,
		UserAgent:   cfg.Fetcher.UserAgent,
		Timeout:     timeout,
		Retries:     cfg.Fetcher.Retries,
	}, nil
}

func mapEncoder(cfg *config.Config) (ffmpeg.Options, error) {
	timeout, err := config.ParseDurationOrDefault("encoder.timeout", cfg.Encoder.Timeout, 30*time.Minute)
	if err != nil {
		return ffmpeg.Options{}, err
	}
	return ffmpeg.Options{
		Binary:  cfg.Encoder.FFmpegPath,
		Width:   cfg.Encoder.Width,
		Height:  cfg.Encoder.Height,
		CRF:     cfg.Encoder.CRF,
		Timeout: timeout,
	}, nil
}

func mapPublisher(cfg *config.Config) (publisher.Options, error) {
	timeout, err := config.ParseDurationOrDefault("publisher.timeout", cfg.Publisher.Timeout, 10*time.Minute)
	if err != nil {
		return publisher.Options{}, err
	}
	return publisher.Options{
		Endpoint:       cfg.Publisher.Endpoint,
		CredentialsDir: cfg.Workspace.CredentialsDir,
		Timeout:        timeout,
	}, nil
}

func mapNotifier(cfg *config.Config) notifier.Config {
	return notifier.Config{
		Enabled:     cfg.Notifier.Enabled,
		RatePerSec:  cfg.Notifier.RatePerSec,
		OnlyErrors:  cfg.Notifier.OnlyErrors,
		RetryMax:    3,
		RetryBase:   time.Second,
		DedupWindow: 30 * time.Second,
	}
}

func mapTelegram(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:    cfg.Notifier.Token,
		ChatID:   cfg.Notifier.ChatID,
		ThreadID: cfg.Notifier.ThreadID,
		Timeout:  15 * time.Second,
	}
}

func mapPprof(cfg *config.Config) pprof.Config {
	return pprof.Config{Enabled: cfg.Pprof.Enabled, Addr: cfg.Pprof.Addr, Token: cfg.Pprof.Token}
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	read, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 0)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 0)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{Addr: cfg.HTTP.Addr, ReadTimeout: read, WriteTimeout: write, MaxUploadMB: cfg.HTTP.MaxUploadMB}, nil
}
