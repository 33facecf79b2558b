package engine

import (
	"context"

	"storypipe/internal/domain"
)

// Params carries the inputs of every job kind. Each handler reads the
// fields it needs and may fill defaults during Validate.
type Params struct {
	Account   string           `json:"account,omitempty"`
	Accounts  []string         `json:"accounts,omitempty"`
	Period    string           `json:"period,omitempty"`
	Mode      domain.MergeMode `json:"mode,omitempty"`
	ChunkSize int              `json:"chunk_size,omitempty"`
	// Publish asks a batch to publish after merging.
	Publish bool `json:"publish,omitempty"`

	Path        string `json:"path,omitempty"`
	Title       string `json:"title,omitempty"`
	RemoveAfter bool   `json:"remove_after,omitempty"`
}

func (p Params) clone() Params {
	p.Accounts = append([]string(nil), p.Accounts...)
	return p
}

// Job is what a handler runs.
type Job struct {
	ID     string
	Kind   domain.TaskKind
	Params Params
}

// Progress reports the current stage of a running job.
type Progress interface {
	Stage(msg string)
}

// Handler implements one job kind.
//
// Validate runs at submission. Its error is returned to the submitter and
// the job is never started. Run executes the stages in order; a nil error
// marks the task done with the returned summary.
type Handler interface {
	Validate(p *Params) error
	Run(ctx context.Context, job Job, progress Progress) (summary string, err error)
}

// HandlerFuncs adapts plain functions to Handler. A nil ValidateFn accepts
// anything.
type HandlerFuncs struct {
	ValidateFn func(p *Params) error
	RunFn      func(ctx context.Context, job Job, progress Progress) (string, error)
}

func (h HandlerFuncs) Validate(p *Params) error {
	if h.ValidateFn == nil {
		return nil
	}
	return h.ValidateFn(p)
}

func (h HandlerFuncs) Run(ctx context.Context, job Job, progress Progress) (string, error) {
	return h.RunFn(ctx, job, progress)
}

// Config controls the runner.
type Config struct {
	// MaxConcurrent bounds running jobs. 0 means unbounded.
	MaxConcurrent int
}
