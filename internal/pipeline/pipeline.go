// Package pipeline implements the job kinds: download, downloadBatch,
// merge, publish, publishFile and publishAll. Each kind is an
// engine.Handler; the runner owns task state, this package owns stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"storypipe/internal/chunk"
	"storypipe/internal/domain"
	"storypipe/internal/rotation"
	"storypipe/internal/storage"
	"storypipe/internal/task/engine"
	"storypipe/internal/workspace"
	logx "storypipe/pkg/logx"
)

type Fetcher interface {
	Fetch(ctx context.Context, account string) ([]domain.Artifact, error)
	Open(ctx context.Context, a domain.Artifact) (io.ReadCloser, error)
}

type Encoder interface {
	Merge(ctx context.Context, inputs []string, out string) error
}

type Archiver interface {
	Archive(ctx context.Context, account, period string, paths []string) error
}

type CredentialSource interface {
	Credentials() []domain.Credential
}

// Registrar is the part of the job runner handlers are installed into.
type Registrar interface {
	Register(kind domain.TaskKind, h engine.Handler)
}

// Tunables can change at runtime through Apply.
type Tunables struct {
	ChunkSize        int
	DownloadInterval time.Duration
	ChunkTitle       string
	FullTitle        string
	Location         *time.Location
}

func DefaultTunables() Tunables {
	return Tunables{
		ChunkSize:        chunk.DefaultSize,
		DownloadInterval: 300 * time.Millisecond,
		ChunkTitle:       "{account} | {period} | Part {part}",
		FullTitle:        "{account} | {period} | Full",
		Location:         time.Local,
	}
}

type Deps struct {
	Fetcher     Fetcher
	Encoder     Encoder
	Ledger      storage.Ledger
	Workspace   *workspace.Workspace
	Rotator     *rotation.Rotator
	Credentials CredentialSource
	Archiver    Archiver
	Log         logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Pipeline struct {
	d    Deps
	log  logx.Logger
	pace *rate.Limiter

	mu  sync.RWMutex
	tun Tunables
}

func New(d Deps, t Tunables) (*Pipeline, error) {
	var missing []string
	if d.Fetcher == nil {
		missing = append(missing, "fetcher")
	}
	if d.Encoder == nil {
		missing = append(missing, "encoder")
	}
	if d.Ledger == nil {
		missing = append(missing, "ledger")
	}
	if d.Workspace == nil {
		missing = append(missing, "workspace")
	}
	if d.Rotator == nil {
		missing = append(missing, "rotator")
	}
	if d.Credentials == nil {
		missing = append(missing, "credentials")
	}
	if d.Archiver == nil {
		missing = append(missing, "archiver")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: pipeline missing %s", domain.ErrConfig, strings.Join(missing, ", "))
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	p := &Pipeline{d: d, log: d.Log.Component("pipeline"), pace: rate.NewLimiter(rate.Inf, 1)}
	if err := p.Apply(t); err != nil {
		return nil, err
	}
	return p, nil
}

// Apply swaps the tunables. Zero fields keep their defaults. Jobs already
// running pick up the new pacing immediately and everything else on their
// next submission.
func (p *Pipeline) Apply(t Tunables) error {
	def := DefaultTunables()
	if t.ChunkSize == 0 {
		t.ChunkSize = def.ChunkSize
	}
	if t.ChunkSize < 0 {
		return fmt.Errorf("%w: chunk size must be > 0, got %d", domain.ErrConfig, t.ChunkSize)
	}
	if t.DownloadInterval < 0 {
		return fmt.Errorf("%w: download interval must be >= 0", domain.ErrConfig)
	}
	if t.ChunkTitle == "" {
		t.ChunkTitle = def.ChunkTitle
	}
	if t.FullTitle == "" {
		t.FullTitle = def.FullTitle
	}
	if t.Location == nil {
		t.Location = def.Location
	}
	p.mu.Lock()
	p.tun = t
	p.mu.Unlock()

	lim := rate.Inf
	if t.DownloadInterval > 0 {
		lim = rate.Every(t.DownloadInterval)
	}
	p.pace.SetLimit(lim)
	return nil
}

func (p *Pipeline) Tunables() Tunables {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tun
}

// Register installs every job kind.
func (p *Pipeline) Register(r Registrar) {
	r.Register(domain.KindDownload, engine.HandlerFuncs{ValidateFn: p.validateDownload, RunFn: p.runDownload})
	r.Register(domain.KindDownloadBatch, engine.HandlerFuncs{ValidateFn: p.validateBatch, RunFn: p.runBatch})
	r.Register(domain.KindMerge, engine.HandlerFuncs{ValidateFn: p.validateMerge, RunFn: p.runMerge})
	r.Register(domain.KindPublish, engine.HandlerFuncs{ValidateFn: p.validatePublish, RunFn: p.runPublish})
	r.Register(domain.KindPublishFile, engine.HandlerFuncs{ValidateFn: p.validatePublishFile, RunFn: p.runPublishFile})
	r.Register(domain.KindPublishAll, engine.HandlerFuncs{ValidateFn: p.validatePublishAll, RunFn: p.runPublishAll})
}

// Today is the current period key.
func (p *Pipeline) Today() string {
	return domain.PeriodKey(p.d.Now(), p.Tunables().Location)
}

// Preview partitions n placeholder items, for the partition endpoint.
func Preview(n, size int, mode domain.MergeMode) ([]int, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: count must be >= 0", domain.ErrConfig)
	}
	items := make([]domain.Artifact, n)
	chunks, err := chunk.Partition(items, size, mode)
	if err != nil {
		return nil, err
	}
	return chunk.Sizes(chunks), nil
}

func (p *Pipeline) checkAccount(params *engine.Params) error {
	name, err := domain.NormalizeUsername(params.Account)
	if err != nil {
		return err
	}
	params.Account = name
	return nil
}

func (p *Pipeline) checkPeriod(params *engine.Params) error {
	if params.Period == "" {
		params.Period = p.Today()
		return nil
	}
	if !domain.ValidPeriod(params.Period) {
		return fmt.Errorf("%w: period must be YYYY-MM-DD, got %q", domain.ErrConfig, params.Period)
	}
	return nil
}

// checkMode parses the mode, falling back to def when empty.
func checkMode(params *engine.Params, def domain.MergeMode) error {
	if params.Mode == "" {
		params.Mode = def
		return nil
	}
	m, err := domain.ParseMergeMode(string(params.Mode))
	if err != nil {
		return err
	}
	params.Mode = m
	return nil
}

func (p *Pipeline) checkChunkSize(params *engine.Params) error {
	if params.ChunkSize == 0 {
		params.ChunkSize = p.Tunables().ChunkSize
	}
	if params.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be > 0, got %d", domain.ErrConfig, params.ChunkSize)
	}
	return nil
}

// failure is one failed sub-item of a batch.
type failure struct {
	name string
	err  error
}

// tally collects sub-item outcomes. A batch is done when at least one
// sub-item succeeded.
type tally struct {
	total  int
	ok     int
	failed []failure
}

func (t *tally) fail(name string, err error) { t.failed = append(t.failed, failure{name, err}) }

func (t *tally) failures() string {
	parts := make([]string, len(t.failed))
	for i, f := range t.failed {
		parts[i] = fmt.Sprintf("%s (%s: %v)", f.name, domain.Kind(f.err), f.err)
	}
	return strings.Join(parts, ", ")
}

// result turns the tally into a summary or, if nothing succeeded, an error.
func (t *tally) result(head string) (string, error) {
	msg := head
	if len(t.failed) > 0 {
		msg += "; failed: " + t.failures()
	}
	if t.ok == 0 && len(t.failed) > 0 {
		return "", &batchError{msg: msg, first: t.failed[0].err}
	}
	return msg, nil
}

// batchError keeps the first sub-item error reachable for errors.Is.
type batchError struct {
	msg   string
	first error
}

func (e *batchError) Error() string { return e.msg }
func (e *batchError) Unwrap() error { return e.first }

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
