// Package rotation publishes one unit through an ordered list of backup
// credentials, advancing only when a credential reports quota exhaustion.
package rotation

import (
	"context"
	"errors"
	"fmt"

	"storypipe/internal/domain"
	logx "storypipe/pkg/logx"
)

// Publisher is the external publish operation. Errors wrapping
// domain.ErrQuotaExceeded advance the rotation; any other error stops it.
type Publisher interface {
	Publish(ctx context.Context, cred domain.Credential, unit domain.PublishUnit) (remoteID string, err error)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, cred domain.Credential, unit domain.PublishUnit) (string, error)

func (f PublisherFunc) Publish(ctx context.Context, cred domain.Credential, unit domain.PublishUnit) (string, error) {
	return f(ctx, cred, unit)
}

// Attempt records one call to the publisher.
type Attempt struct {
	CredentialID string
	Err          error
}

// Result describes a rotation. Credential is set only on success.
type Result struct {
	Credential domain.Credential
	RemoteID   string
	Attempts   []Attempt
}

// Rotator holds no per-call state; one value can serve concurrent jobs.
type Rotator struct {
	pub Publisher
	log logx.Logger
}

func New(pub Publisher, log logx.Logger) *Rotator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Rotator{pub: pub, log: log.Component("rotation")}
}

// PublishWithRotation tries creds in priority order (rank, then id) until
// one publishes unit. It returns domain.ErrAllCredentialsExhausted when
// every credential hit its quota, or the first non-quota error unchanged.
// The context is checked before each attempt.
func (r *Rotator) PublishWithRotation(ctx context.Context, creds []domain.Credential, unit domain.PublishUnit) (Result, error) {
	var res Result
	ordered := domain.SortCredentials(creds)
	for _, cred := range ordered {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		id, err := r.pub.Publish(ctx, cred, unit)
		res.Attempts = append(res.Attempts, Attempt{CredentialID: cred.ID, Err: err})
		if err == nil {
			res.Credential = cred
			res.RemoteID = id
			if len(res.Attempts) > 1 {
				r.log.Info("published after rotation",
					logx.String("unit", unit.Path),
					logx.String("credential", cred.ID),
					logx.Int("attempts", len(res.Attempts)))
			}
			return res, nil
		}
		if !errors.Is(err, domain.ErrQuotaExceeded) {
			return res, err
		}
		r.log.Warn("credential quota exhausted; rotating",
			logx.String("unit", unit.Path),
			logx.String("credential", cred.ID),
			logx.Err(err))
	}
	return res, fmt.Errorf("%w: %d credentials tried for %s", domain.ErrAllCredentialsExhausted, len(ordered), unit.Path)
}
