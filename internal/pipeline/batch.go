package pipeline

import (
	"context"
	"errors"
	"fmt"

	"storypipe/internal/domain"
	"storypipe/internal/task/engine"
)

type subProgress struct {
	parent engine.Progress
	prefix string
}

func (s subProgress) Stage(msg string) { s.parent.Stage(s.prefix + msg) }

func (p *Pipeline) validateBatch(params *engine.Params) error {
	if len(params.Accounts) == 0 {
		return fmt.Errorf("%w: no accounts given", domain.ErrConfig)
	}
	seen := map[string]bool{}
	out := params.Accounts[:0]
	for _, raw := range params.Accounts {
		name, err := domain.NormalizeUsername(raw)
		if err != nil {
			return err
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	params.Accounts = out
	if err := p.checkPeriod(params); err != nil {
		return err
	}
	if err := checkMode(params, domain.MergeNone); err != nil {
		return err
	}
	if params.Publish && params.Mode == domain.MergeNone {
		return fmt.Errorf("%w: publish requires a merge mode", domain.ErrConfig)
	}
	if params.Publish && len(p.d.Credentials.Credentials()) == 0 {
		return fmt.Errorf("%w: no publish credentials configured", domain.ErrConfig)
	}
	if params.Mode != domain.MergeNone {
		return p.checkChunkSize(params)
	}
	return nil
}

// runBatch handles the accounts one after another. An account fails when
// any of its stages fails; the batch only errors when every account did.
func (p *Pipeline) runBatch(ctx context.Context, job engine.Job, progress engine.Progress) (string, error) {
	prm := job.Params
	t := tally{total: len(prm.Accounts)}
	for i, account := range prm.Accounts {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		sub := subProgress{parent: progress, prefix: fmt.Sprintf("[%d/%d] ", i+1, t.total)}
		if err := p.batchAccount(ctx, prm, account, sub); err != nil {
			if isCancel(err) {
				return "", err
			}
			t.fail(account, err)
			continue
		}
		t.ok++
	}
	return t.result(fmt.Sprintf("Processed %d/%d accounts", t.ok, t.total))
}

func (p *Pipeline) batchAccount(ctx context.Context, prm engine.Params, account string, progress engine.Progress) error {
	if _, err := p.download(ctx, account, prm.Period, progress); err != nil {
		return err
	}
	if prm.Mode == domain.MergeNone {
		return nil
	}
	if _, err := p.merge(ctx, account, prm.Period, prm.Mode, prm.ChunkSize, progress); err != nil {
		// Accounts that only posted images have nothing to merge.
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	if !prm.Publish {
		return nil
	}
	t, err := p.publishFolder(ctx, account, prm.Period, prm.Mode, progress)
	if err != nil {
		return err
	}
	_, err = t.unitResult()
	return err
}
