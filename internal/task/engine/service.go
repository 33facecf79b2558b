package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"storypipe/internal/domain"
	"storypipe/internal/eventbus"
	rtsup "storypipe/internal/runtime/supervisor"
	"storypipe/internal/task/registry"
	logx "storypipe/pkg/logx"
)

// Service is the job runner: every accepted submission gets its own
// supervised goroutine that walks the handler's stages and reports into
// the task registry.
type Service struct {
	log     logx.Logger
	bus     eventbus.Bus
	reg     *registry.Registry
	limiter Limiter

	mu       sync.Mutex
	handlers map[domain.TaskKind]Handler
	sup      *rtsup.Supervisor
	cancels  map[string]context.CancelFunc
	stopped  bool
}

type Option func(*Service)

// WithLimiter replaces the limiter derived from Config.
func WithLimiter(l Limiter) Option { return func(s *Service) { s.limiter = l } }

func New(cfg Config, reg *registry.Registry, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	s := &Service{
		log:      log.Component("engine"),
		bus:      bus,
		reg:      reg,
		limiter:  NewSemaphore(cfg.MaxConcurrent),
		handlers: map[domain.TaskKind]Handler{},
		cancels:  map[string]context.CancelFunc{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register installs the handler for kind, replacing any previous one.
func (s *Service) Register(kind domain.TaskKind, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

func (s *Service) Registry() *registry.Registry { return s.reg }

// Counters reports the job goroutines the engine has supervised since Start.
func (s *Service) Counters() rtsup.Counters {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup.Counters()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.stopped = false
}

// Submit validates params for kind, registers a pending task and starts its
// worker. Validation failures are returned here and never reach a worker.
func (s *Service) Submit(ctx context.Context, kind domain.TaskKind, params Params) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", ErrStopped
	}
	if s.sup == nil {
		return "", ErrNotStarted
	}
	h, ok := s.handlers[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	p := params.clone()
	if err := h.Validate(&p); err != nil {
		if !errors.Is(err, domain.ErrConfig) {
			err = fmt.Errorf("%w: %v", domain.ErrConfig, err)
		}
		return "", err
	}

	id := s.reg.Create(kind)
	job := Job{ID: id, Kind: kind, Params: p}
	jobCtx, cancel := context.WithCancel(s.sup.Context())
	s.cancels[id] = cancel
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskSubmitted, Data: s.event(id)})

	s.sup.GoWith(jobCtx, "job."+string(kind), func(ctx context.Context) error {
		defer s.forget(id)
		s.execute(ctx, job, h)
		return nil
	})
	s.log.Debug("job submitted", logx.String("task_id", id), logx.String("kind", string(kind)))
	return id, nil
}

// Cancel signals a running or waiting job. Handlers observe it at their
// next stage boundary. It reports whether the job was still active.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Get is the polling entry point.
func (s *Service) Get(id string) domain.TaskView { return s.reg.Get(id) }

// List returns every known task, newest first.
func (s *Service) List() []domain.TaskView { return s.reg.List() }

// Active is the number of jobs not yet finished.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

// Stop rejects new submissions, cancels every job and waits for workers.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || s.sup == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	sup := s.sup
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	err := sup.Stop(ctx)
	s.mu.Lock()
	s.sup = nil
	s.mu.Unlock()
	return err
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()
}

func (s *Service) execute(ctx context.Context, job Job, h Handler) {
	log := s.log.With(logx.String("task_id", job.ID), logx.String("kind", string(job.Kind)))

	release, err := s.limiter.Acquire(ctx)
	if err != nil {
		// pending may only move to running, so pass through it.
		_ = s.reg.SetRunning(job.ID, "Cancelled before start")
		s.finish(log, job, "", err, 0)
		return
	}
	defer release()

	_ = s.reg.SetRunning(job.ID, "Running")
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Data: s.event(job.ID)})
	log.Info("job started")

	start := time.Now()
	summary, err := s.invoke(ctx, log, job, h)
	s.finish(log, job, summary, err, time.Since(start))
}

func (s *Service) invoke(ctx context.Context, log logx.Logger, job Job, h Handler) (summary string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return h.Run(ctx, job, reporter{reg: s.reg, id: job.ID})
}

func (s *Service) finish(log logx.Logger, job Job, summary string, err error, took time.Duration) {
	if err != nil {
		msg := FormatError(err)
		if e := s.reg.SetError(job.ID, msg); e != nil {
			log.Warn("task state update failed", logx.Err(e))
		}
		log.Warn("job failed", logx.String("error_kind", domain.Kind(err)), logx.Err(err), logx.Duration("took", took))
	} else {
		if summary == "" {
			summary = "Done"
		}
		if e := s.reg.SetDone(job.ID, summary); e != nil {
			log.Warn("task state update failed", logx.Err(e))
		}
		log.Info("job done", logx.String("summary", summary), logx.Duration("took", took))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: s.event(job.ID)})
}

func (s *Service) event(id string) eventbus.TaskEvent {
	v := s.reg.Get(id)
	return eventbus.TaskEvent{ID: v.ID, Kind: v.Kind, Status: v.Status, Message: v.Message}
}

type reporter struct {
	reg *registry.Registry
	id  string
}

func (r reporter) Stage(msg string) { _ = r.reg.SetRunning(r.id, msg) }
