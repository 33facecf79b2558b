package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"storypipe/internal/domain"
)

// httpClient wraps http.Client with a fixed User-Agent and a small linear
// backoff between attempts. 4xx responses are never retried.
type httpClient struct {
	http    *http.Client
	ua      string
	retries int
}

func newHTTPClient(timeout time.Duration, ua string, retries int) *httpClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConnsPerHost:   4,
	}
	return &httpClient{http: &http.Client{Transport: transport, Timeout: timeout}, ua: ua, retries: max(retries, 0)}
}

// statusError carries a non-2xx response code.
type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string { return "http status: " + e.status }

func (c *httpClient) get(ctx context.Context, url string) (*http.Response, error) {
	var lastErr error
	for i := 0; i <= c.retries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("User-Agent", c.ua)
		resp, err := c.http.Do(req)
		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		default:
			resp.Body.Close()
			lastErr = &statusError{code: resp.StatusCode, status: resp.Status}
			if resp.StatusCode < 500 {
				return nil, lastErr
			}
		}
		if i == c.retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * 300 * time.Millisecond):
		}
	}
	return nil, lastErr
}

// classify maps transport outcomes onto the domain error kinds.
func classify(what string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var se *statusError
	if errors.As(err, &se) {
		switch se.code {
		case http.StatusForbidden, http.StatusNotFound, http.StatusGone, http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %s", what, domain.ErrNotPublic, se.status)
		}
	}
	return fmt.Errorf("%s: %w: %v", what, domain.ErrNetwork, err)
}
