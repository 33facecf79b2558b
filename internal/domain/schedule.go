package domain

import (
	"fmt"
	"strings"
)

// MergeMode selects how fetched artifacts are grouped into publish units.
type MergeMode string

const (
	MergeNone    MergeMode = "none"
	MergeChunked MergeMode = "chunked"
	MergeSingle  MergeMode = "single"
	MergeBoth    MergeMode = "both"
)

// ParseMergeMode accepts the canonical names plus the legacy aliases
// "shorts" (chunked) and "full" (single). Empty maps to none.
func ParseMergeMode(s string) (MergeMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "false":
		return MergeNone, nil
	case "chunked", "shorts":
		return MergeChunked, nil
	case "single", "full":
		return MergeSingle, nil
	case "both":
		return MergeBoth, nil
	default:
		return "", fmt.Errorf("%w: unknown merge mode %q", ErrConfig, s)
	}
}

// Modes expands both into its two concrete modes.
func (m MergeMode) Modes() []MergeMode {
	switch m {
	case MergeChunked, MergeSingle:
		return []MergeMode{m}
	case MergeBoth:
		return []MergeMode{MergeChunked, MergeSingle}
	default:
		return nil
	}
}

// ScheduleConfig drives the daily batch.
type ScheduleConfig struct {
	Enabled   bool      `json:"enabled"`
	Hour      int       `json:"hour"`
	Minute    int       `json:"minute"`
	MergeMode MergeMode `json:"merge_mode"`
	// Publish also publishes merged output after the daily merge.
	Publish bool `json:"publish,omitempty"`
}

func DefaultSchedule() ScheduleConfig {
	return ScheduleConfig{Enabled: false, Hour: 9, Minute: 0, MergeMode: MergeNone}
}

func (c ScheduleConfig) Validate() error {
	if c.Hour < 0 || c.Hour > 23 {
		return fmt.Errorf("%w: hour must be 0-23, got %d", ErrConfig, c.Hour)
	}
	if c.Minute < 0 || c.Minute > 59 {
		return fmt.Errorf("%w: minute must be 0-59, got %d", ErrConfig, c.Minute)
	}
	if _, err := ParseMergeMode(string(c.MergeMode)); err != nil {
		return err
	}
	if c.Publish && (c.MergeMode == MergeNone || c.MergeMode == "") {
		return fmt.Errorf("%w: publish requires a merge mode", ErrConfig)
	}
	return nil
}
