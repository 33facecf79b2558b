package domain

import "errors"

var (
	// ErrNetwork is a transient transport failure. Surfaced, never retried
	// by the pipeline itself.
	ErrNetwork = errors.New("network error")
	// ErrNotPublic means the source feed is private or gone.
	ErrNotPublic = errors.New("feed not public")
	ErrEncoding  = errors.New("encoding error")
	// ErrQuotaExceeded is the only publish error that triggers rotation.
	ErrQuotaExceeded           = errors.New("quota exceeded")
	ErrPublish                 = errors.New("publish error")
	ErrAllCredentialsExhausted = errors.New("all credentials exhausted")
	ErrConfig                  = errors.New("config error")
	ErrNotFound                = errors.New("not found")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrAllCredentialsExhausted, "exhausted"},
	{ErrQuotaExceeded, "quota"},
	{ErrNotPublic, "not_public"},
	{ErrNetwork, "network"},
	{ErrEncoding, "encoding"},
	{ErrPublish, "publish"},
	{ErrConfig, "config"},
	{ErrNotFound, "not_found"},
}

// Kind returns the short tag for err's category, "internal" when err does
// not wrap any of the package sentinels and "" for nil.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
