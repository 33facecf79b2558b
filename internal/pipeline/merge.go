package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"storypipe/internal/chunk"
	"storypipe/internal/domain"
	"storypipe/internal/task/engine"
	logx "storypipe/pkg/logx"
)

func (p *Pipeline) validateMerge(params *engine.Params) error {
	if err := p.checkAccount(params); err != nil {
		return err
	}
	if err := p.checkPeriod(params); err != nil {
		return err
	}
	if err := checkMode(params, domain.MergeChunked); err != nil {
		return err
	}
	if params.Mode == domain.MergeNone {
		return fmt.Errorf("%w: merge needs mode chunked, single or both", domain.ErrConfig)
	}
	return p.checkChunkSize(params)
}

func (p *Pipeline) runMerge(ctx context.Context, job engine.Job, progress engine.Progress) (string, error) {
	prm := job.Params
	st, err := p.merge(ctx, prm.Account, prm.Period, prm.Mode, prm.ChunkSize, progress)
	if err != nil {
		return "", err
	}
	return st.summary(), nil
}

type mergeStats struct {
	videos int
	chunks int
	single bool
}

func (s mergeStats) summary() string {
	var parts []string
	if s.chunks > 0 {
		parts = append(parts, fmt.Sprintf("%d chunks", s.chunks))
	}
	if s.single {
		parts = append(parts, "1 full video")
	}
	return fmt.Sprintf("Merged %d videos into %s", s.videos, strings.Join(parts, " and "))
}

func (p *Pipeline) merge(ctx context.Context, account, period string, mode domain.MergeMode, size int, progress engine.Progress) (mergeStats, error) {
	var st mergeStats
	paths, err := p.d.Workspace.Videos(account, period)
	if err != nil {
		return st, err
	}
	if len(paths) == 0 {
		return st, fmt.Errorf("%w: no videos for %s/%s", domain.ErrNotFound, account, period)
	}
	st.videos = len(paths)
	items := make([]domain.Artifact, len(paths))
	for i, path := range paths {
		items[i] = domain.Artifact{Kind: domain.ContentVideo, Path: path}
	}

	for _, m := range mode.Modes() {
		chunks, err := chunk.Partition(items, size, m)
		if err != nil {
			return st, err
		}
		if m == domain.MergeChunked {
			if err := p.dropStaleChunks(account, period, len(chunks)); err != nil {
				return st, err
			}
		}
		for _, c := range chunks {
			if err := ctx.Err(); err != nil {
				return st, err
			}
			out := p.d.Workspace.SinglePath(account, period)
			label := "full video"
			if m == domain.MergeChunked {
				out = p.d.Workspace.ChunkPath(account, period, c.Index)
				label = fmt.Sprintf("chunk %d/%d", c.Index, len(chunks))
			}
			progress.Stage(fmt.Sprintf("Merging %s %s", account, label))
			if err := p.d.Encoder.Merge(ctx, memberPaths(c), out); err != nil {
				return st, err
			}
		}
		if m == domain.MergeChunked {
			st.chunks = len(chunks)
		} else {
			st.single = true
		}
	}
	p.log.Info("merge finished",
		logx.String("account", account), logx.String("period", period),
		logx.Int("videos", st.videos), logx.Int("chunks", st.chunks), logx.Bool("single", st.single))
	return st, nil
}

// dropStaleChunks removes merged_<i>.mp4 beyond the new chunk count, left
// from an earlier merge of more videos or a smaller chunk size.
func (p *Pipeline) dropStaleChunks(account, period string, keep int) error {
	units, err := p.d.Workspace.MergedUnits(account, period, domain.MergeChunked)
	if err != nil {
		return err
	}
	for _, u := range units {
		if u.Part > keep {
			if err := os.Remove(u.Path); err != nil && !os.IsNotExist(err) {
				return err
			}
			p.log.Debug("stale chunk removed", logx.String("file", filepath.Base(u.Path)))
		}
	}
	return nil
}

func memberPaths(c domain.Chunk) []string {
	out := make([]string, len(c.Members))
	for i, m := range c.Members {
		out[i] = m.Path
	}
	return out
}

