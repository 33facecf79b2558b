package domain

import "strings"

type ContentKind string

const (
	ContentVideo ContentKind = "video"
	ContentImage ContentKind = "image"
	ContentOther ContentKind = "other"
)

// ContentKindOf classifies a MIME type.
func ContentKindOf(mime string) ContentKind {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(mime, "video/"):
		return ContentVideo
	case strings.HasPrefix(mime, "image/"):
		return ContentImage
	default:
		return ContentOther
	}
}

// Ext is the file extension artifacts of this kind are stored under.
func (k ContentKind) Ext() string {
	switch k {
	case ContentVideo:
		return ".mp4"
	case ContentImage:
		return ".jpeg"
	default:
		return ".bin"
	}
}

// Artifact is a single fetched media item prior to merging.
// SourceURL is set for remote items, Path once the item is on disk.
type Artifact struct {
	SourceURL string      `json:"source_url,omitempty"`
	Kind      ContentKind `json:"kind,omitempty"`
	Path      string      `json:"path,omitempty"`
}

// Chunk is one merge unit. Index is 1-based.
type Chunk struct {
	Index   int        `json:"index"`
	Members []Artifact `json:"members"`
}

// PublishUnit is one file handed to the publisher.
type PublishUnit struct {
	Path  string
	Title string
	// Part is "1", "2", ... for chunk output and "Full" for the single file.
	Part string
}
