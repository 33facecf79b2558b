package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// Account is a followed content feed.
type Account struct {
	Username  string `json:"username"`
	Enabled   bool   `json:"enabled"`
	AvatarRef string `json:"avatar_ref,omitempty"`
}

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// NormalizeUsername trims a leading "@" and surrounding space and checks the
// result is safe to use as a directory name.
func NormalizeUsername(raw string) (string, error) {
	u := strings.TrimPrefix(strings.TrimSpace(raw), "@")
	if !usernameRe.MatchString(u) || u == "." || u == ".." {
		return "", fmt.Errorf("%w: invalid username %q", ErrConfig, raw)
	}
	return u, nil
}
