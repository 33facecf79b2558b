package domain

import "sort"

// Credential is one stored authorization for a publish destination. Lower
// Rank is tried first; several credentials may share a ChannelRef.
type Credential struct {
	ID         string `json:"id"`
	Rank       int    `json:"rank"`
	TokenRef   string `json:"token_ref"`
	ChannelRef string `json:"channel_ref,omitempty"`
}

// SortCredentials orders by rank, then id, without touching the input.
func SortCredentials(in []Credential) []Credential {
	out := append([]Credential(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].ID < out[j].ID
	})
	return out
}
