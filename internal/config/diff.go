package config

import (
	"reflect"

	logx "storypipe/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// safe fields for logging them. Secrets are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	var attrs []logx.Field

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		changed = append(changed, "pipeline")
		attrs = append(attrs,
			logx.Int("pipeline.chunk_size", newCfg.Pipeline.ChunkSize),
			logx.String("pipeline.download_interval", newCfg.Pipeline.DownloadInterval),
		)
	}
	if oldCfg.Notifier.Enabled != newCfg.Notifier.Enabled ||
		oldCfg.Notifier.ChatID != newCfg.Notifier.ChatID ||
		oldCfg.Notifier.ThreadID != newCfg.Notifier.ThreadID ||
		oldCfg.Notifier.RatePerSec != newCfg.Notifier.RatePerSec ||
		oldCfg.Notifier.OnlyErrors != newCfg.Notifier.OnlyErrors ||
		oldCfg.Notifier.Token != newCfg.Notifier.Token {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
			logx.Bool("notifier.token_set", newCfg.Notifier.Token != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", newCfg.Pprof.Addr),
		)
	}

	// Sections below are read once at startup.
	for _, s := range []struct {
		name     string
		old, new any
	}{
		{"http", oldCfg.HTTP, newCfg.HTTP},
		{"storage", oldCfg.Storage, newCfg.Storage},
		{"workspace", oldCfg.Workspace, newCfg.Workspace},
		{"engine", oldCfg.Engine, newCfg.Engine},
		{"scheduler", oldCfg.Scheduler, newCfg.Scheduler},
		{"fetcher", oldCfg.Fetcher, newCfg.Fetcher},
		{"encoder", oldCfg.Encoder, newCfg.Encoder},
		{"publisher", oldCfg.Publisher, newCfg.Publisher},
		{"archive", oldCfg.Archive, newCfg.Archive},
	} {
		if !reflect.DeepEqual(s.old, s.new) {
			changed = append(changed, s.name)
		}
	}
	return changed, attrs
}

// RestartRequired reports sections that changed but only apply on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "logging", "pipeline", "notifier", "pprof":
		default:
			out = append(out, c)
		}
	}
	return out
}
