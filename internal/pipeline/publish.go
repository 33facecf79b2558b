package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"storypipe/internal/domain"
	"storypipe/internal/task/engine"
	"storypipe/internal/workspace"
	logx "storypipe/pkg/logx"
)

func (p *Pipeline) requireCredentials() error {
	if len(p.d.Credentials.Credentials()) == 0 {
		return fmt.Errorf("%w: no publish credentials configured", domain.ErrConfig)
	}
	return nil
}

func (p *Pipeline) validatePublish(params *engine.Params) error {
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
		return fmt.Errorf("%w: publish needs mode chunked, single or both", domain.ErrConfig)
	}
	return p.requireCredentials()
}

func (p *Pipeline) runPublish(ctx context.Context, job engine.Job, progress engine.Progress) (string, error) {
	prm := job.Params
	t, err := p.publishFolder(ctx, prm.Account, prm.Period, prm.Mode, progress)
	if err != nil {
		return "", err
	}
	return t.unitResult()
}

// Title renders the title template for one unit. part is 0 for the single
// merged file.
func (p *Pipeline) Title(account, period string, part int) string {
	t := p.Tunables()
	tmpl := t.FullTitle
	if part > 0 {
		tmpl = t.ChunkTitle
	}
	return strings.NewReplacer(
		"{account}", account,
		"{period}", period,
		"{part}", strconv.Itoa(part),
	).Replace(tmpl)
}

// publishFolder publishes every pending unit of one account/period, each
// with a fresh rotation. A unit that exhausts all credentials is recorded
// and the next unit still runs. Any other publish error stops the folder.
// Units are archived only when all of them were published.
func (p *Pipeline) publishFolder(ctx context.Context, account, period string, mode domain.MergeMode, progress engine.Progress) (tally, error) {
	progress.Stage("Authenticating")
	creds := p.d.Credentials.Credentials()
	if len(creds) == 0 {
		return tally{}, fmt.Errorf("%w: no credentials", domain.ErrAllCredentialsExhausted)
	}

	units, err := p.d.Workspace.MergedUnits(account, period, mode)
	if err != nil {
		return tally{}, err
	}
	if len(units) == 0 {
		return tally{}, fmt.Errorf("%w: no merged output for %s/%s", domain.ErrNotFound, account, period)
	}

	t := tally{total: len(units)}
	var published []string
	for i, u := range units {
		if err := ctx.Err(); err != nil {
			return t, err
		}
		name := filepath.Base(u.Path)
		progress.Stage(fmt.Sprintf("Publishing %s %d/%d: %s", account, i+1, t.total, name))

		unit := domain.PublishUnit{Path: u.Path, Title: p.Title(account, period, u.Part), Part: partLabel(u)}
		res, err := p.d.Rotator.PublishWithRotation(ctx, creds, unit)
		switch {
		case err == nil:
			t.ok++
			published = append(published, u.Path)
			p.log.Info("unit published",
				logx.String("account", account), logx.String("unit", name),
				logx.String("credential", res.Credential.ID), logx.String("remote_id", res.RemoteID))
		case errors.Is(err, domain.ErrAllCredentialsExhausted):
			t.fail(name, err)
		default:
			return t, fmt.Errorf("publish %s after %d/%d units: %w", name, t.ok, t.total, err)
		}
	}

	if t.ok == t.total {
		progress.Stage("Archiving")
		if err := p.d.Archiver.Archive(ctx, account, period, published); err != nil {
			return t, fmt.Errorf("archive %s/%s: %w", account, period, err)
		}
	}
	return t, nil
}

func (t *tally) unitResult() (string, error) {
	return t.result(fmt.Sprintf("Published %d/%d units", t.ok, t.total))
}

func partLabel(u workspace.Unit) string {
	if u.Part == 0 {
		return "Full"
	}
	return strconv.Itoa(u.Part)
}

func (p *Pipeline) validatePublishFile(params *engine.Params) error {
	// RemoveAfter deletes the path, so it must resolve under uploads.
	path, err := p.d.Workspace.Upload(params.Path)
	if err != nil {
		return err
	}
	if strings.TrimSpace(params.Title) == "" {
		params.Title = strings.TrimSuffix(filepath.Base(params.Path), filepath.Ext(params.Path))
	}
	params.Path = path
	return p.requireCredentials()
}

// runPublishFile publishes one ad-hoc file. With RemoveAfter the file is
// deleted whatever the outcome.
func (p *Pipeline) runPublishFile(ctx context.Context, job engine.Job, progress engine.Progress) (string, error) {
	prm := job.Params
	if prm.RemoveAfter {
		defer func() {
			if err := os.Remove(prm.Path); err != nil && !os.IsNotExist(err) {
				p.log.Warn("upload not removed", logx.String("path", prm.Path), logx.Err(err))
			}
		}()
	}
	progress.Stage("Authenticating")
	creds := p.d.Credentials.Credentials()
	if len(creds) == 0 {
		return "", fmt.Errorf("%w: no credentials", domain.ErrAllCredentialsExhausted)
	}
	progress.Stage("Publishing " + prm.Title)
	res, err := p.d.Rotator.PublishWithRotation(ctx, creds, domain.PublishUnit{Path: prm.Path, Title: prm.Title, Part: "Full"})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Published %q as %s", prm.Title, res.RemoteID), nil
}

func (p *Pipeline) validatePublishAll(*engine.Params) error { return p.requireCredentials() }

// runPublishAll publishes every folder with pending merged output.
func (p *Pipeline) runPublishAll(ctx context.Context, _ engine.Job, progress engine.Progress) (string, error) {
	progress.Stage("Scanning merged folders")
	folders, err := p.d.Workspace.PendingFolders()
	if err != nil {
		return "", err
	}
	if len(folders) == 0 {
		return "Nothing to publish", nil
	}
	t := tally{total: len(folders)}
	for i, f := range folders {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		name := f.Account + "/" + f.Period
		sub := subProgress{parent: progress, prefix: fmt.Sprintf("[%d/%d] ", i+1, t.total)}
		ft, err := p.publishFolder(ctx, f.Account, f.Period, domain.MergeBoth, sub)
		if err == nil {
			_, err = ft.unitResult()
		}
		if err != nil {
			if isCancel(err) {
				return "", err
			}
			t.fail(name, err)
			continue
		}
		t.ok++
		// Units that exhausted every credential in an otherwise published folder.
		for _, uf := range ft.failed {
			t.fail(name+"/"+uf.name, uf.err)
		}
	}
	return t.result(fmt.Sprintf("Published %d/%d folders", t.ok, t.total))
}
