package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"storypipe/internal/domain"
	"storypipe/internal/eventbus"
	rtsup "storypipe/internal/runtime/supervisor"
	logx "storypipe/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historyMax = 100

// Service is safe for concurrent use.
type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	sender Sender

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	queue   chan string
	sup     *rtsup.Supervisor
	unsub   func()

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New returns a stopped notifier. A nil sender keeps it permanently idle.
func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.Component("notifier"),
		bus:     bus,
		sender:  sender,
		limiter: rate.NewLimiter(1, 1),
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Apply swaps the config. The queue size only changes on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	s.cfg = cfg
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.RatePerSec)
}

// Start subscribes to the bus and runs the delivery worker. It is a no-op
// without a sender or when already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sender == nil || s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.queue = make(chan string, s.cfg.QueueSize)
	q := s.queue

	if s.bus != nil {
		events, unsub := s.bus.Subscribe(64, eventbus.TaskFinished, eventbus.ScheduleFired)
		s.unsub = unsub
		s.sup.GoRestart("notifier.events", func(c context.Context) error {
			return s.eventLoop(c, events)
		})
	}
	s.sup.GoRestart("notifier.worker", func(c context.Context) error {
		s.workerLoop(c, q)
		return nil
	})
	s.log.Info("notifier started")
}

// Stop unsubscribes and waits for the worker. Queued messages not yet sent
// are dropped.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, unsub := s.sup, s.unsub
	pending := 0
	if s.queue != nil {
		pending = len(s.queue)
	}
	s.sup, s.unsub, s.queue = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	if unsub != nil {
		unsub()
	}
	if pending > 0 {
		s.log.Warn("notifier stopping with unsent messages", logx.Int("pending", pending))
	}
	return sup.Stop(ctx)
}

// Notify queues text for delivery without waiting for it.
func (s *Service) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s.mu.Lock()
	enabled, q, window := s.cfg.Enabled, s.queue, s.cfg.DedupWindow
	s.mu.Unlock()
	if !enabled || s.sender == nil {
		return ErrDisabled
	}
	if q == nil {
		return ErrStopped
	}
	if window > 0 && !s.dedupAllow(text, window) {
		s.log.Debug("notification deduped")
		return nil
	}
	select {
	case q <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

// History lists the most recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			s.mu.Lock()
			onlyErrors := s.cfg.OnlyErrors
			s.mu.Unlock()
			text, ok := Format(e, onlyErrors)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, text); err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Warn("notification not queued", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-q:
			s.deliver(ctx, text)
		}
	}
}

func (s *Service) deliver(ctx context.Context, text string) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	var err error
	delay := cfg.RetryBase
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
		}
		if werr := lim.Wait(ctx); werr != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = s.sender.Send(callCtx, text)
		cancel()
		if err == nil {
			break
		}
		s.log.Debug("notification send failed", logx.Int("attempt", attempt+1), logx.Err(err))
	}
	item := HistoryItem{At: time.Now(), Text: text}
	if err != nil {
		item.Err = err.Error()
		s.log.Warn("notification dropped", logx.Int("attempts", cfg.RetryMax+1), logx.Err(err))
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

func (s *Service) dedupAllow(text string, window time.Duration) bool {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	key := fmt.Sprintf("%x", h.Sum64())
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

// Format renders a bus event as a message. It reports false for events
// that should not produce one.
func Format(e eventbus.Event, onlyErrors bool) (string, bool) {
	switch ev := e.Data.(type) {
	case eventbus.TaskEvent:
		if e.Type != eventbus.TaskFinished {
			return "", false
		}
		if onlyErrors && ev.Status != domain.StatusError {
			return "", false
		}
		icon := "✅"
		if ev.Status == domain.StatusError {
			icon = "❌"
		}
		text := fmt.Sprintf("%s %s %s", icon, ev.Kind, ev.Status)
		if ev.Message != "" {
			text += "\n" + ev.Message
		}
		return text + "\ntask " + ev.ID, true
	case eventbus.ScheduleEvent:
		if onlyErrors {
			return "", false
		}
		return fmt.Sprintf("⏰ Daily run %s: %d accounts\n%s\ntask %s",
			ev.Date, len(ev.Accounts), strings.Join(ev.Accounts, ", "), ev.TaskID), true
	}
	return "", false
}
