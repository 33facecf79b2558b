// Package publisher uploads a publish unit to the destination's HTTP
// endpoint as multipart form data, authorized with one credential.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"storypipe/internal/domain"
)

type Options struct {
	Endpoint string
	// CredentialsDir holds one token file per Credential.TokenRef.
	CredentialsDir string
	Timeout        time.Duration
	Client         *http.Client
}

type Publisher struct {
	endpoint string
	credDir  string
	http     *http.Client
}

func New(opts Options) (*Publisher, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("%w: publisher endpoint is empty", domain.ErrConfig)
	}
	cl := opts.Client
	if cl == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Minute
		}
		cl = &http.Client{Timeout: timeout}
	}
	return &Publisher{endpoint: opts.Endpoint, credDir: opts.CredentialsDir, http: cl}, nil
}

type response struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// Publish uploads unit and returns the remote id.
func (p *Publisher) Publish(ctx context.Context, cred domain.Credential, unit domain.PublishUnit) (string, error) {
	token, err := p.token(cred)
	if err != nil {
		return "", err
	}
	f, err := os.Open(unit.Path)
	if err != nil {
		return "", fmt.Errorf("%w: open unit: %v", domain.ErrNotFound, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, cred, unit, f))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.http.Do(req)
	if err != nil {
		pr.Close()
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", fmt.Errorf("%w: upload %s: %v", domain.ErrNetwork, filepath.Base(unit.Path), err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", classify(resp.StatusCode, body)
	}
	var out response
	if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
		return "", fmt.Errorf("%w: unexpected response: %s", domain.ErrPublish, snippet(body))
	}
	return out.ID, nil
}

func writeForm(mw *multipart.Writer, cred domain.Credential, unit domain.PublishUnit, f io.Reader) error {
	if err := mw.WriteField("title", unit.Title); err != nil {
		return err
	}
	if cred.ChannelRef != "" {
		if err := mw.WriteField("channel", cred.ChannelRef); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", filepath.Base(unit.Path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	return mw.Close()
}

func (p *Publisher) token(cred domain.Credential) (string, error) {
	ref := filepath.Clean(cred.TokenRef)
	if ref == "." || filepath.IsAbs(ref) || strings.HasPrefix(ref, "..") {
		return "", fmt.Errorf("%w: credential %s: bad token_ref", domain.ErrConfig, cred.ID)
	}
	b, err := os.ReadFile(filepath.Join(p.credDir, ref))
	if err != nil {
		return "", fmt.Errorf("%w: credential %s: %v", domain.ErrConfig, cred.ID, err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", fmt.Errorf("%w: credential %s: empty token", domain.ErrConfig, cred.ID)
	}
	return tok, nil
}

// classify: only a 403/429 that names a quota or rate limit rotates.
func classify(code int, body []byte) error {
	lower := strings.ToLower(string(body))
	if code == http.StatusForbidden || code == http.StatusTooManyRequests {
		if strings.Contains(lower, "quota") || strings.Contains(lower, "ratelimit") || strings.Contains(lower, "rate limit") {
			return fmt.Errorf("%w: status %d: %s", domain.ErrQuotaExceeded, code, snippet(body))
		}
	}
	if code >= 500 {
		return fmt.Errorf("%w: status %d: %s", domain.ErrNetwork, code, snippet(body))
	}
	return fmt.Errorf("%w: status %d: %s", domain.ErrPublish, code, snippet(body))
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
