package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storypipe/internal/domain"
	"storypipe/internal/eventbus"
	"storypipe/internal/task/engine"
	logx "storypipe/pkg/logx"
)

type fakeSettings struct {
	mu       sync.Mutex
	sched    domain.ScheduleConfig
	accounts []string
}

func (f *fakeSettings) Schedule() domain.ScheduleConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sched
}

func (f *fakeSettings) EnabledAccounts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.accounts...)
}

type submission struct {
	kind   domain.TaskKind
	params engine.Params
}

type fakeSubmitter struct {
	mu   sync.Mutex
	subs []submission
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, kind domain.TaskKind, p engine.Params) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.subs = append(f.subs, submission{kind, p})
	return "task-" + string(rune('a'+len(f.subs)-1)), nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func at(day, hour, min, sec int) time.Time {
	return time.Date(2024, 3, day, hour, min, sec, 0, time.UTC)
}

func newScheduler(t *testing.T, src Settings, sub Submitter, clk *clock, bus eventbus.Bus) *Service {
	t.Helper()
	s, err := New(Config{Location: time.UTC}, src, sub, logx.Nop(), bus, WithClock(clk.now))
	require.NoError(t, err)
	return s
}

func TestFiresOncePerDay(t *testing.T) {
	src := &fakeSettings{
		sched:    domain.ScheduleConfig{Enabled: true, Hour: 9, Minute: 0, MergeMode: domain.MergeChunked},
		accounts: []string{"alice", "bob"},
	}
	sub := &fakeSubmitter{}
	clk := &clock{}
	s := newScheduler(t, src, sub, clk, nil)
	ctx := context.Background()

	for _, ts := range []time.Time{at(1, 9, 0, 0), at(1, 9, 0, 15), at(1, 9, 0, 45)} {
		clk.set(ts)
		s.Tick(ctx)
	}
	require.Equal(t, 1, sub.count())
	got := sub.subs[0]
	assert.Equal(t, domain.KindDownloadBatch, got.kind)
	assert.Equal(t, []string{"alice", "bob"}, got.params.Accounts)
	assert.Equal(t, "2024-03-01", got.params.Period)
	assert.Equal(t, domain.MergeChunked, got.params.Mode)
	assert.Equal(t, "2024-03-01", s.LastTriggered())

	clk.set(at(2, 9, 0, 10))
	assert.NotEmpty(t, s.Tick(ctx))
	assert.Equal(t, 2, sub.count())
}

func TestDoesNotFireOutsideMinute(t *testing.T) {
	src := &fakeSettings{sched: domain.ScheduleConfig{Enabled: true, Hour: 9, Minute: 0}, accounts: []string{"alice"}}
	sub := &fakeSubmitter{}
	clk := &clock{}
	s := newScheduler(t, src, sub, clk, nil)

	for _, ts := range []time.Time{at(1, 8, 59, 59), at(1, 9, 1, 0), at(1, 21, 0, 0)} {
		clk.set(ts)
		assert.Empty(t, s.Tick(context.Background()), ts)
	}
	assert.Zero(t, sub.count())
}

func TestDisabledNeverFires(t *testing.T) {
	src := &fakeSettings{sched: domain.ScheduleConfig{Enabled: false, Hour: 9}, accounts: []string{"alice"}}
	sub := &fakeSubmitter{}
	s := newScheduler(t, src, sub, &clock{t: at(1, 9, 0, 0)}, nil)
	assert.Empty(t, s.Tick(context.Background()))
	assert.Zero(t, sub.count())
}

func TestNoEnabledAccountsLeavesDayOpen(t *testing.T) {
	src := &fakeSettings{sched: domain.ScheduleConfig{Enabled: true, Hour: 9}}
	sub := &fakeSubmitter{}
	clk := &clock{t: at(1, 9, 0, 0)}
	s := newScheduler(t, src, sub, clk, nil)

	assert.Empty(t, s.Tick(context.Background()))
	assert.Empty(t, s.LastTriggered())

	// An account enabled later in the same minute still gets the batch.
	src.mu.Lock()
	src.accounts = []string{"carol"}
	src.mu.Unlock()
	clk.set(at(1, 9, 0, 30))
	assert.NotEmpty(t, s.Tick(context.Background()))
	assert.Equal(t, 1, sub.count())
}

func TestSubmitFailureIsRetriedNextTick(t *testing.T) {
	src := &fakeSettings{sched: domain.ScheduleConfig{Enabled: true, Hour: 9}, accounts: []string{"alice"}}
	sub := &fakeSubmitter{err: errors.New("runner busy")}
	clk := &clock{t: at(1, 9, 0, 0)}
	s := newScheduler(t, src, sub, clk, nil)

	assert.Empty(t, s.Tick(context.Background()))
	assert.Empty(t, s.LastTriggered())

	sub.mu.Lock()
	sub.err = nil
	sub.mu.Unlock()
	clk.set(at(1, 9, 0, 30))
	assert.NotEmpty(t, s.Tick(context.Background()))
}

func TestMergeNoneDropsPublish(t *testing.T) {
	src := &fakeSettings{sched: domain.ScheduleConfig{Enabled: true, Hour: 9, MergeMode: domain.MergeNone}, accounts: []string{"alice"}}
	sub := &fakeSubmitter{}
	s := newScheduler(t, src, sub, &clock{t: at(1, 9, 0, 0)}, nil)
	s.Tick(context.Background())
	require.Equal(t, 1, sub.count())
	assert.Empty(t, sub.subs[0].params.Mode)
	assert.False(t, sub.subs[0].params.Publish)
}

func TestFiredEventPublished(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.ScheduleFired)
	defer unsub()

	src := &fakeSettings{sched: domain.ScheduleConfig{Enabled: true, Hour: 9, MergeMode: domain.MergeBoth, Publish: true}, accounts: []string{"alice"}}
	sub := &fakeSubmitter{}
	s := newScheduler(t, src, sub, &clock{t: at(1, 9, 0, 0)}, bus)
	id := s.Tick(context.Background())
	require.NotEmpty(t, id)
	assert.True(t, sub.subs[0].params.Publish)

	select {
	case e := <-events:
		ev := e.Data.(eventbus.ScheduleEvent)
		assert.Equal(t, id, ev.TaskID)
		assert.Equal(t, "2024-03-01", ev.Date)
	case <-time.After(time.Second):
		t.Fatal("no schedule.fired event")
	}
}

func TestNext(t *testing.T) {
	src := &fakeSettings{sched: domain.ScheduleConfig{Enabled: true, Hour: 9, Minute: 30}, accounts: []string{"alice"}}
	clk := &clock{t: at(1, 8, 0, 0)}
	s := newScheduler(t, src, &fakeSubmitter{}, clk, nil)
	assert.Equal(t, at(1, 9, 30, 0), s.Next())

	clk.set(at(1, 10, 0, 0))
	assert.Equal(t, at(2, 9, 30, 0), s.Next())

	src.sched.Enabled = false
	assert.True(t, s.Next().IsZero())
}

func TestPollIntervalMustBeSubMinute(t *testing.T) {
	_, err := New(Config{PollInterval: time.Minute}, &fakeSettings{}, &fakeSubmitter{}, logx.Nop(), nil)
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestStartStop(t *testing.T) {
	src := &fakeSettings{}
	s, err := New(Config{PollInterval: 10 * time.Millisecond, Location: time.UTC}, src, &fakeSubmitter{}, logx.Nop(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)
}
