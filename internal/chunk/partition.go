// Package chunk groups an ordered list of artifacts into merge units.
package chunk

import (
	"fmt"

	"storypipe/internal/domain"
)

// DefaultSize is the chunk size used when none is configured.
const DefaultSize = 7

// Partition splits items into merge units.
//
// chunked: consecutive runs of size, the last run holds the remainder.
// single: one chunk with every item.
// Empty input yields no chunks in either mode. The result only depends on
// the input order and size.
func Partition(items []domain.Artifact, size int, mode domain.MergeMode) ([]domain.Chunk, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be > 0, got %d", domain.ErrConfig, size)
	}
	switch mode {
	case domain.MergeChunked, domain.MergeSingle:
	default:
		return nil, fmt.Errorf("%w: cannot partition in mode %q", domain.ErrConfig, mode)
	}
	if len(items) == 0 {
		return []domain.Chunk{}, nil
	}
	if mode == domain.MergeSingle {
		return []domain.Chunk{{Index: 1, Members: clone(items)}}, nil
	}

	out := make([]domain.Chunk, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, domain.Chunk{Index: len(out) + 1, Members: clone(items[start:end])})
	}
	return out, nil
}

// Sizes is a convenience for previews and logs.
func Sizes(chunks []domain.Chunk) []int {
	out := make([]int, len(chunks))
	for i, c := range chunks {
		out[i] = len(c.Members)
	}
	return out
}

func clone(in []domain.Artifact) []domain.Artifact {
	return append(make([]domain.Artifact, 0, len(in)), in...)
}
