// Package feed turns an account's public media feed into artifacts.
//
// The feed is fetched with our own HTTP client and handed to gofeed, which
// understands RSS, Atom and JSON Feed. Each item contributes its enclosures,
// then media:content entries, then its link when that looks like media.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"storypipe/internal/domain"
)

type Options struct {
	// URLTemplate contains "{account}".
	URLTemplate string
	UserAgent   string
	Timeout     time.Duration
	Retries     int
}

type Fetcher struct {
	tmpl string
	cl   *httpClient
}

func New(opts Options) (*Fetcher, error) {
	if !strings.Contains(opts.URLTemplate, "{account}") {
		return nil, fmt.Errorf("%w: feed url template must contain {account}", domain.ErrConfig)
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "storypipe/1.0"
	}
	return &Fetcher{tmpl: opts.URLTemplate, cl: newHTTPClient(opts.Timeout, ua, opts.Retries)}, nil
}

// FeedURL is the template with the account substituted.
func (f *Fetcher) FeedURL(account string) string {
	return strings.ReplaceAll(f.tmpl, "{account}", url.PathEscape(account))
}

// Fetch returns the account's current artifacts in feed order, without
// duplicates.
func (f *Fetcher) Fetch(ctx context.Context, account string) ([]domain.Artifact, error) {
	u := f.FeedURL(account)
	resp, err := f.cl.get(ctx, u)
	if err != nil {
		return nil, classify("fetch feed "+account, err)
	}
	defer resp.Body.Close()

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w: %v", account, domain.ErrNetwork, err)
	}
	seen := map[string]bool{}
	var out []domain.Artifact
	add := func(raw, mime string) {
		raw = strings.TrimSpace(raw)
		if raw == "" || seen[raw] {
			return
		}
		seen[raw] = true
		out = append(out, domain.Artifact{SourceURL: raw, Kind: kindOf(raw, mime)})
	}
	for _, it := range feed.Items {
		n := len(out)
		for _, enc := range it.Enclosures {
			if enc != nil {
				add(enc.URL, enc.Type)
			}
		}
		for _, mc := range it.Extensions["media"]["content"] {
			mime := mc.Attrs["type"]
			if mime == "" && mc.Attrs["medium"] != "" {
				mime = mc.Attrs["medium"] + "/"
			}
			add(mc.Attrs["url"], mime)
		}
		if len(out) == n && looksLikeMedia(it.Link) {
			add(it.Link, "")
		}
	}
	return out, nil
}

// Open streams one artifact body. The caller closes it.
func (f *Fetcher) Open(ctx context.Context, a domain.Artifact) (io.ReadCloser, error) {
	resp, err := f.cl.get(ctx, a.SourceURL)
	if err != nil {
		return nil, classify("download "+a.SourceURL, err)
	}
	return resp.Body, nil
}

var mediaExt = map[string]domain.ContentKind{
	".mp4":  domain.ContentVideo,
	".mov":  domain.ContentVideo,
	".webm": domain.ContentVideo,
	".m4v":  domain.ContentVideo,
	".jpg":  domain.ContentImage,
	".jpeg": domain.ContentImage,
	".png":  domain.ContentImage,
	".webp": domain.ContentImage,
}

func extOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(path.Ext(u.Path))
}

func looksLikeMedia(raw string) bool {
	_, ok := mediaExt[extOf(raw)]
	return ok
}

func kindOf(raw, mime string) domain.ContentKind {
	if k := domain.ContentKindOf(mime); k != domain.ContentOther {
		return k
	}
	if k, ok := mediaExt[extOf(raw)]; ok {
		return k
	}
	return domain.ContentOther
}
