package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storypipe/internal/domain"
	"storypipe/internal/eventbus"
	"storypipe/internal/task/registry"
	logx "storypipe/pkg/logx"
)

func newRunner(t *testing.T, opts ...Option) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(Config{}, registry.New(), logx.Nop(), bus, opts...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, bus
}

func waitStatus(t *testing.T, s *Service, id string, want domain.TaskStatus) domain.TaskView {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		v := s.Get(id)
		if v.Status == want {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s status = %s (%q), want %s", id, v.Status, v.Message, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitRunsToDone(t *testing.T) {
	s, bus := newRunner(t)
	events, unsub := bus.Subscribe(16, eventbus.TaskFinished)
	defer unsub()

	s.Register(domain.KindDownload, HandlerFuncs{RunFn: func(_ context.Context, job Job, p Progress) (string, error) {
		p.Stage("Fetching " + job.Params.Account)
		return "Downloaded 3, skipped 1 of 4", nil
	}})

	id, err := s.Submit(context.Background(), domain.KindDownload, Params{Account: "alice"})
	require.NoError(t, err)
	v := waitStatus(t, s, id, domain.StatusDone)
	assert.Equal(t, "Downloaded 3, skipped 1 of 4", v.Message)

	select {
	case e := <-events:
		te := e.Data.(eventbus.TaskEvent)
		assert.Equal(t, id, te.ID)
		assert.Equal(t, domain.StatusDone, te.Status)
	case <-time.After(time.Second):
		t.Fatal("no task.finished event")
	}
}

func TestValidationErrorNeverReachesWorker(t *testing.T) {
	s, _ := newRunner(t)
	ran := make(chan struct{}, 1)
	s.Register(domain.KindMerge, HandlerFuncs{
		ValidateFn: func(p *Params) error {
			if p.ChunkSize <= 0 {
				return errors.New("chunk size must be positive")
			}
			return nil
		},
		RunFn: func(context.Context, Job, Progress) (string, error) {
			ran <- struct{}{}
			return "", nil
		},
	})

	id, err := s.Submit(context.Background(), domain.KindMerge, Params{ChunkSize: 0})
	require.ErrorIs(t, err, domain.ErrConfig)
	assert.Empty(t, id)
	assert.Empty(t, s.Registry().List())
	select {
	case <-ran:
		t.Fatal("handler ran for an invalid submission")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestValidateMayFillDefaults(t *testing.T) {
	s, _ := newRunner(t)
	got := make(chan Params, 1)
	s.Register(domain.KindMerge, HandlerFuncs{
		ValidateFn: func(p *Params) error {
			if p.ChunkSize == 0 {
				p.ChunkSize = 7
			}
			return nil
		},
		RunFn: func(_ context.Context, job Job, _ Progress) (string, error) {
			got <- job.Params
			return "", nil
		},
	})
	_, err := s.Submit(context.Background(), domain.KindMerge, Params{})
	require.NoError(t, err)
	assert.Equal(t, 7, (<-got).ChunkSize)
}

func TestUnknownKind(t *testing.T) {
	s, _ := newRunner(t)
	_, err := s.Submit(context.Background(), domain.KindPublishAll, Params{})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestStageErrorEmbedsKind(t *testing.T) {
	s, _ := newRunner(t)
	s.Register(domain.KindDownload, HandlerFuncs{RunFn: func(context.Context, Job, Progress) (string, error) {
		return "", fmt.Errorf("fetch alice: %w: connection reset", domain.ErrNetwork)
	}})
	id, err := s.Submit(context.Background(), domain.KindDownload, Params{Account: "alice"})
	require.NoError(t, err)
	v := waitStatus(t, s, id, domain.StatusError)
	assert.True(t, strings.HasPrefix(v.Message, "[network] fetch alice"), v.Message)
}

func TestPanicIsConfinedToTask(t *testing.T) {
	s, _ := newRunner(t)
	s.Register(domain.KindMerge, HandlerFuncs{RunFn: func(context.Context, Job, Progress) (string, error) {
		panic("encoder blew up")
	}})
	s.Register(domain.KindDownload, HandlerFuncs{RunFn: func(context.Context, Job, Progress) (string, error) {
		return "ok", nil
	}})

	bad, err := s.Submit(context.Background(), domain.KindMerge, Params{})
	require.NoError(t, err)
	v := waitStatus(t, s, bad, domain.StatusError)
	assert.Contains(t, v.Message, "panic: encoder blew up")

	good, err := s.Submit(context.Background(), domain.KindDownload, Params{})
	require.NoError(t, err)
	waitStatus(t, s, good, domain.StatusDone)
}

func TestCancelStopsAtStageBoundary(t *testing.T) {
	s, _ := newRunner(t)
	started := make(chan struct{})
	s.Register(domain.KindPublish, HandlerFuncs{RunFn: func(ctx context.Context, _ Job, p Progress) (string, error) {
		p.Stage("Publishing 1/3")
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}})
	id, err := s.Submit(context.Background(), domain.KindPublish, Params{})
	require.NoError(t, err)
	<-started
	assert.True(t, s.Cancel(id))
	v := waitStatus(t, s, id, domain.StatusError)
	assert.True(t, strings.HasPrefix(v.Message, "[cancelled]"), v.Message)
}

func TestLimiterKeepsJobsPending(t *testing.T) {
	s, _ := newRunner(t, WithLimiter(NewSemaphore(1)))
	release := make(chan struct{})
	s.Register(domain.KindDownload, HandlerFuncs{RunFn: func(ctx context.Context, _ Job, _ Progress) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "ok", nil
	}})

	first, err := s.Submit(context.Background(), domain.KindDownload, Params{})
	require.NoError(t, err)
	waitStatus(t, s, first, domain.StatusRunning)
	second, err := s.Submit(context.Background(), domain.KindDownload, Params{})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.StatusPending, s.Get(second).Status)

	close(release)
	waitStatus(t, s, first, domain.StatusDone)
	waitStatus(t, s, second, domain.StatusDone)
}

func TestCancelWhileWaitingForSlot(t *testing.T) {
	s, _ := newRunner(t, WithLimiter(NewSemaphore(1)))
	block := make(chan struct{})
	defer close(block)
	s.Register(domain.KindDownload, HandlerFuncs{RunFn: func(ctx context.Context, _ Job, _ Progress) (string, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return "ok", nil
	}})

	first, _ := s.Submit(context.Background(), domain.KindDownload, Params{})
	waitStatus(t, s, first, domain.StatusRunning)
	second, _ := s.Submit(context.Background(), domain.KindDownload, Params{})
	require.True(t, s.Cancel(second))
	v := waitStatus(t, s, second, domain.StatusError)
	assert.Contains(t, v.Message, "[cancelled]")
}

func TestSubmitAfterStop(t *testing.T) {
	s := New(Config{}, registry.New(), logx.Nop(), nil)
	_, err := s.Submit(context.Background(), domain.KindDownload, Params{})
	assert.ErrorIs(t, err, ErrNotStarted)

	s.Start(context.Background())
	s.Register(domain.KindDownload, HandlerFuncs{RunFn: func(context.Context, Job, Progress) (string, error) { return "", nil }})
	require.NoError(t, s.Stop(context.Background()))
	_, err = s.Submit(context.Background(), domain.KindDownload, Params{})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestConcurrentJobsAreIndependent(t *testing.T) {
	s, _ := newRunner(t)
	s.Register(domain.KindDownload, HandlerFuncs{RunFn: func(_ context.Context, job Job, p Progress) (string, error) {
		p.Stage("working")
		if job.Params.Account == "bad" {
			return "", fmt.Errorf("%w: private", domain.ErrNotPublic)
		}
		return "ok " + job.Params.Account, nil
	}})
	ids := map[string]string{}
	for i := 0; i < 20; i++ {
		acct := fmt.Sprintf("user%d", i)
		if i%5 == 0 {
			acct = "bad"
		}
		id, err := s.Submit(context.Background(), domain.KindDownload, Params{Account: acct})
		require.NoError(t, err)
		ids[id] = acct
	}
	for id, acct := range ids {
		if acct == "bad" {
			waitStatus(t, s, id, domain.StatusError)
			continue
		}
		v := waitStatus(t, s, id, domain.StatusDone)
		assert.Equal(t, "ok "+acct, v.Message)
	}
}

func TestCountersTrackJobWorkers(t *testing.T) {
	idle := New(Config{}, registry.New(), logx.Nop(), nil)
	assert.Zero(t, idle.Counters().Started)

	s, _ := newRunner(t)
	s.Register(domain.KindDownload, HandlerFuncs{RunFn: func(context.Context, Job, Progress) (string, error) {
		return "ok", nil
	}})
	for i := 0; i < 2; i++ {
		id, err := s.Submit(context.Background(), domain.KindDownload, Params{})
		require.NoError(t, err)
		waitStatus(t, s, id, domain.StatusDone)
	}
	require.Eventually(t, func() bool { return s.Counters().Active == 0 }, time.Second, 5*time.Millisecond)
	c := s.Counters()
	assert.Equal(t, uint64(2), c.Started)
	assert.Zero(t, c.Panics)
}
