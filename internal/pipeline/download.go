package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"storypipe/internal/domain"
	"storypipe/internal/storage"
	"storypipe/internal/task/engine"
	"storypipe/internal/workspace"
	logx "storypipe/pkg/logx"
)

func (p *Pipeline) validateDownload(params *engine.Params) error {
	if err := p.checkAccount(params); err != nil {
		return err
	}
	return p.checkPeriod(params)
}

func (p *Pipeline) runDownload(ctx context.Context, job engine.Job, progress engine.Progress) (string, error) {
	st, err := p.download(ctx, job.Params.Account, job.Params.Period, progress)
	if err != nil {
		return "", err
	}
	return st.summary(), nil
}

type downloadStats struct {
	total, fetched, skipped int
}

func (s downloadStats) summary() string {
	if s.total == 0 {
		return "Nothing to download"
	}
	return fmt.Sprintf("Downloaded %d, skipped %d of %d", s.fetched, s.skipped, s.total)
}

// download fetches the feed and stores every artifact the ledger has not
// seen for this account and period. An artifact is recorded only after
// its file is durably in place, so a crash can cause a re-fetch but never
// a false skip.
func (p *Pipeline) download(ctx context.Context, account, period string, progress engine.Progress) (downloadStats, error) {
	var st downloadStats
	log := p.log.With(logx.String("account", account), logx.String("period", period))

	progress.Stage(fmt.Sprintf("Fetching feed for %s", account))
	arts, err := p.d.Fetcher.Fetch(ctx, account)
	if err != nil {
		return st, err
	}
	st.total = len(arts)
	if st.total == 0 {
		log.Info("download finished", logx.Int("total", 0))
		return st, nil
	}
	nums, err := p.takenNumbers(ctx, account, period)
	if err != nil {
		return st, err
	}

	for i, a := range arts {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		n := i + 1
		key := storage.Key{Account: account, Period: period, SourceURL: a.SourceURL}
		seen, err := p.d.Ledger.HasEntry(ctx, key)
		if err != nil {
			return st, fmt.Errorf("ledger lookup: %w", err)
		}
		if seen {
			st.skipped++
			continue
		}
		if err := p.pace.Wait(ctx); err != nil {
			return st, err
		}
		progress.Stage(fmt.Sprintf("Downloading %s %d/%d", account, n, st.total))

		path := p.d.Workspace.ArtifactPath(account, period, nums.next(n), a.Kind)
		if err := p.fetchOne(ctx, a, path); err != nil {
			return st, fmt.Errorf("%s item %d/%d: %w", account, n, st.total, err)
		}
		if err := p.d.Ledger.Record(ctx, key, filepath.Base(path)); err != nil {
			return st, fmt.Errorf("ledger record: %w", err)
		}
		st.fetched++
	}
	log.Info("download finished", logx.Int("total", st.total), logx.Int("fetched", st.fetched), logx.Int("skipped", st.skipped))
	return st, nil
}

// numbers hands out artifact numbers that no file or ledger entry in the
// period already uses. A feed that gained items at the front must never
// overwrite a file the ledger points at.
type numbers struct {
	taken map[int]bool
	max   int
}

func (p *Pipeline) takenNumbers(ctx context.Context, account, period string) (*numbers, error) {
	ns := &numbers{taken: map[int]bool{}}
	onDisk, err := p.d.Workspace.ArtifactNumbers(account, period)
	if err != nil {
		return nil, fmt.Errorf("scan %s/%s: %w", account, period, err)
	}
	for _, n := range onDisk {
		ns.take(n)
	}
	entries, err := p.d.Ledger.Entries(ctx, account, period)
	if err != nil {
		return nil, fmt.Errorf("ledger entries: %w", err)
	}
	for _, e := range entries {
		if n, ok := workspace.ArtifactNumber(e.Filename); ok {
			ns.take(n)
		}
	}
	return ns, nil
}

func (ns *numbers) take(n int) {
	ns.taken[n] = true
	if n > ns.max {
		ns.max = n
	}
}

// next prefers the feed position and falls back to one past the highest
// number seen.
func (ns *numbers) next(preferred int) int {
	n := preferred
	if ns.taken[n] {
		n = ns.max + 1
	}
	ns.take(n)
	return n
}

func (p *Pipeline) fetchOne(ctx context.Context, a domain.Artifact, path string) error {
	body, err := p.d.Fetcher.Open(ctx, a)
	if err != nil {
		return err
	}
	defer body.Close()
	if _, err := workspace.WriteFile(path, body); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: write %s: %v", domain.ErrNetwork, filepath.Base(path), err)
	}
	return nil
}
