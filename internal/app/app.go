// Package app wires the configured components together and owns their
// start and stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"storypipe/internal/adapters/feed"
	"storypipe/internal/adapters/ffmpeg"
	"storypipe/internal/adapters/publisher"
	"storypipe/internal/adapters/telegram"
	"storypipe/internal/archive"
	"storypipe/internal/config"
	"storypipe/internal/domain"
	"storypipe/internal/eventbus"
	"storypipe/internal/notifier"
	"storypipe/internal/observability/pprof"
	"storypipe/internal/pipeline"
	"storypipe/internal/rotation"
	rtsup "storypipe/internal/runtime/supervisor"
	"storypipe/internal/settings"
	"storypipe/internal/storage"
	"storypipe/internal/task/engine"
	"storypipe/internal/task/registry"
	"storypipe/internal/task/scheduler"
	"storypipe/internal/transport/httpapi"
	"storypipe/internal/workspace"
	logx "storypipe/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	ledger   storage.Ledger
	settings *settings.Store
	ws       *workspace.Workspace

	engine *engine.Service
	pipe   *pipeline.Pipeline
	sched  *scheduler.Service
	notif  *notifier.Service
	pprof  *pprof.Service
	http   *httpapi.Server

	schedEnabled bool
	stopped      bool
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (a *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg))
	log = log.Component("app")
	cfgm.SetLogger(log.Component("config"))
	defer func() {
		if err != nil {
			_ = logs.Close()
		}
	}()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	ledger, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = ledger.Close()
		}
	}()
	log.Info("ledger opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	store, err := settings.Open(cfg.Workspace.SettingsFile, log)
	if err != nil {
		return nil, err
	}
	ws, err := workspace.New(cfg.Workspace.Root)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	eng := engine.New(engine.Config{MaxConcurrent: cfg.Engine.MaxConcurrent}, registry.New(), log, bus)

	fetcher, err := buildFetcher(cfg, log)
	if err != nil {
		return nil, err
	}
	eo, err := mapEncoder(cfg)
	if err != nil {
		return nil, err
	}
	enc := ffmpeg.New(eo, log)
	if !enc.Available() {
		log.Warn("ffmpeg not found; merge jobs will fail", logx.String("binary", eo.Binary))
	}
	pub, err := buildPublisher(cfg, log)
	if err != nil {
		return nil, err
	}
	arch, err := archive.New(context.Background(), cfg.Archive, ws, log)
	if err != nil {
		return nil, err
	}

	tun, err := mapTunables(cfg)
	if err != nil {
		return nil, err
	}
	pipe, err := pipeline.New(pipeline.Deps{
		Fetcher:     fetcher,
		Encoder:     enc,
		Ledger:      ledger,
		Workspace:   ws,
		Rotator:     rotation.New(pub, log),
		Credentials: store,
		Archiver:    arch,
		Log:         log,
	}, tun)
	if err != nil {
		return nil, err
	}
	pipe.Register(eng)

	schedCfg, err := mapScheduler(cfg)
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(schedCfg, store, eng, log, bus)
	if err != nil {
		return nil, err
	}

	var sender notifier.Sender
	if cfg.Notifier.Enabled && strings.TrimSpace(cfg.Notifier.Token) != "" {
		tg, err := telegram.New(mapTelegram(cfg))
		if err != nil {
			return nil, fmt.Errorf("notifier: %w", err)
		}
		sender = tg
	}
	notif := notifier.New(mapNotifier(cfg), sender, log, bus)

	hc, err := mapHTTP(cfg)
	if err != nil {
		return nil, err
	}
	srv := httpapi.New(hc, httpapi.Deps{
		Runner:     eng,
		Settings:   store,
		Ledger:     ledger,
		Scheduler:  sched,
		Notifier:   notif,
		UploadsDir: ws.UploadsDir(),
		ChunkSize:  func() int { return pipe.Tunables().ChunkSize },
		Log:        log,
	})

	return &App{
		cfgm:         cfgm,
		log:          log,
		logs:         logs,
		bus:          bus,
		ledger:       ledger,
		settings:     store,
		ws:           ws,
		engine:       eng,
		pipe:         pipe,
		sched:        sched,
		notif:        notif,
		pprof:        pprof.New(mapPprof(cfg), log),
		http:         srv,
		schedEnabled: cfg.Scheduler.Enabled,
	}, nil
}

func buildFetcher(cfg *config.Config, log logx.Logger) (pipeline.Fetcher, error) {
	if strings.TrimSpace(cfg.Fetcher.FeedURLTemplate) == "" {
		log.Warn("fetcher.feed_url_template is empty; download jobs will fail")
		return unconfiguredFetcher{}, nil
	}
	fo, err := mapFetcher(cfg)
	if err != nil {
		return nil, err
	}
	return feed.New(fo)
}

func buildPublisher(cfg *config.Config, log logx.Logger) (rotation.Publisher, error) {
	if strings.TrimSpace(cfg.Publisher.Endpoint) == "" {
		log.Warn("publisher.endpoint is empty; publish jobs will fail")
		return rotation.PublisherFunc(func(context.Context, domain.Credential, domain.PublishUnit) (string, error) {
			return "", fmt.Errorf("%w: publisher.endpoint is not configured", domain.ErrConfig)
		}), nil
	}
	po, err := mapPublisher(cfg)
	if err != nil {
		return nil, err
	}
	return publisher.New(po)
}

type unconfiguredFetcher struct{}

func (unconfiguredFetcher) Fetch(context.Context, string) ([]domain.Artifact, error) {
	return nil, fmt.Errorf("%w: fetcher.feed_url_template is not configured", domain.ErrConfig)
}

func (unconfiguredFetcher) Open(context.Context, domain.Artifact) (io.ReadCloser, error) {
	return nil, fmt.Errorf("%w: fetcher.feed_url_template is not configured", domain.ErrConfig)
}

// Done is closed when the app context ends, by a fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err is the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// ServerErr delivers a failure of the operator API after Start.
func (a *App) ServerErr() <-chan error { return a.http.Err() }

// HTTPAddr is the bound operator API address.
func (a *App) HTTPAddr() string { return a.http.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapTunables(cfg); err != nil {
			return err
		}
		return nil
	})

	a.engine.Start(a.sup.Context())
	if a.schedEnabled {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Info("scheduler disabled via config")
	}
	a.notif.Start(a.sup.Context())
	a.pprof.Start(a.sup.Context())
	if err := a.http.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config is applied.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.String("http", a.http.Addr()), logx.Bool("scheduler", a.schedEnabled))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if cold := config.RestartRequired(sections); len(cold) > 0 {
		a.log.Warn("config sections changed that only apply after restart", logx.Strings("sections", cold))
	}

	a.logs.Apply(mapLogging(next))

	if tun, err := mapTunables(next); err != nil {
		a.log.Warn("invalid pipeline config; keeping previous", logx.Err(err))
	} else if err := a.pipe.Apply(tun); err != nil {
		a.log.Warn("pipeline tunables rejected; keeping previous", logx.Err(err))
	}

	wasEnabled := a.notif.Enabled()
	a.notif.Apply(mapNotifier(next))
	switch {
	case wasEnabled && !next.Notifier.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && next.Notifier.Enabled:
		a.notif.Start(ctx)
	}

	a.pprof.Reconfigure(ctx, mapPprof(next))

	a.log.Info("config reloaded", fields...)
}

// Stop unwinds in reverse start order. Each step is bounded so one stuck
// component cannot hold up the rest; the ledger closes last.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil || a.stopped {
		return nil
	}
	a.stopped = true
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("http", 5*time.Second, a.http.Stop)
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("engine", 10*time.Second, a.engine.Stop)
	step("notifier", 2*time.Second, a.notif.Stop)
	step("pprof", time.Second, a.pprof.Stop)

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("ledger", time.Second, func(context.Context) error { return a.ledger.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
