package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"storypipe/internal/domain"
	"storypipe/internal/eventbus"
	"storypipe/internal/task/engine"
	logx "storypipe/pkg/logx"
)

const DefaultPollInterval = 30 * time.Second

// Settings is read on every tick, so schedule edits apply without restart.
type Settings interface {
	Schedule() domain.ScheduleConfig
	EnabledAccounts() []string
}

// Submitter is the job runner entry point.
type Submitter interface {
	Submit(ctx context.Context, kind domain.TaskKind, params engine.Params) (string, error)
}

type Config struct {
	// PollInterval must stay below one minute so every minute gets a tick.
	PollInterval time.Duration
	Location     *time.Location
}

type Service struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	src    Settings
	sub    Submitter
	now    func() time.Time
	parser cron.Parser

	mu       sync.Mutex
	c        *cron.Cron
	lastDate string
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, src Settings, sub Submitter, log logx.Logger, bus eventbus.Bus, opts ...Option) (*Service, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollInterval >= time.Minute {
		return nil, fmt.Errorf("%w: scheduler poll interval %s must be below 1m", domain.ErrConfig, cfg.PollInterval)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg,
		log:    log.Component("scheduler"),
		bus:    bus,
		src:    src,
		sub:    sub,
		now:    time.Now,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start registers the tick with cron. Ticks use ctx for submissions.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	spec := "@every " + s.cfg.PollInterval.String()
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("scheduler spec %q: %w", spec, err)
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.cfg.Location))
	c.Schedule(sched, cron.FuncJob(func() { s.Tick(ctx) }))
	c.Start()
	s.c = c
	s.log.Info("scheduler started", logx.Duration("poll", s.cfg.PollInterval), logx.String("tz", s.cfg.Location.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Tick runs one scheduling decision. It returns the submitted task id, or
// "" when nothing fired.
func (s *Service) Tick(ctx context.Context) string {
	sched := s.src.Schedule()
	if !sched.Enabled {
		return ""
	}
	now := s.now().In(s.cfg.Location)
	if now.Hour() != sched.Hour || now.Minute() != sched.Minute {
		return ""
	}
	today := domain.PeriodKey(now, s.cfg.Location)

	// Serializes overlapping ticks, so the date check and the submission
	// happen as one step.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastDate == today {
		return ""
	}
	accounts := s.src.EnabledAccounts()
	if len(accounts) == 0 {
		s.log.Debug("schedule matched but no enabled accounts", logx.String("date", today))
		return ""
	}

	params := engine.Params{Accounts: accounts, Period: today}
	if sched.MergeMode != domain.MergeNone && sched.MergeMode != "" {
		params.Mode = sched.MergeMode
		params.Publish = sched.Publish
	}
	id, err := s.sub.Submit(ctx, domain.KindDownloadBatch, params)
	if err != nil {
		lvl := s.log.Error
		if errors.Is(err, context.Canceled) || errors.Is(err, engine.ErrStopped) {
			lvl = s.log.Debug
		}
		lvl("scheduled batch submit failed", logx.String("date", today), logx.Err(err))
		return ""
	}
	s.lastDate = today
	s.log.Info("scheduled batch submitted", logx.String("task_id", id), logx.String("date", today), logx.Int("accounts", len(accounts)))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleFired, Data: eventbus.ScheduleEvent{TaskID: id, Date: today, Accounts: accounts}})
	}
	return id
}

// LastTriggered is the date of the last fired batch, "" if none.
func (s *Service) LastTriggered() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDate
}

// Next returns when the schedule will next match, or zero when disabled.
func (s *Service) Next() time.Time {
	sched := s.src.Schedule()
	if !sched.Enabled {
		return time.Time{}
	}
	now := s.now().In(s.cfg.Location)
	next := time.Date(now.Year(), now.Month(), now.Day(), sched.Hour, sched.Minute, 0, 0, s.cfg.Location)
	s.mu.Lock()
	firedToday := s.lastDate == domain.PeriodKey(now, s.cfg.Location)
	s.mu.Unlock()
	if firedToday || now.After(next.Add(time.Minute-time.Nanosecond)) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
