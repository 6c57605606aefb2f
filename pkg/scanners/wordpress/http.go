package wordpress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/ratelimit"
)

// ErrInvalidURL is returned for targets that cannot be normalized.
var ErrInvalidURL = errors.New("invalid target URL")

// page is one fetched document.
type page struct {
	URL    string
	Status int
	Header http.Header
	Body   string
}

func (p *page) ok() bool {
	return p != nil && p.Status == http.StatusOK
}

// prober issues time-boxed requests against one target.
type prober struct {
	client  *http.Client
	timeout time.Duration
	limiter *ratelimit.Limiter
	logger  *logger.Logger
}

func (p *prober) get(ctx context.Context, rawURL string) (*page, error) {
	return p.do(ctx, http.MethodGet, rawURL)
}

// fetchContent returns the body of a 200 response and an error otherwise.
func (p *prober) fetchContent(ctx context.Context, rawURL string) (string, error) {
	pg, err := p.get(ctx, rawURL)
	if err != nil {
		return "", err
	}
	if pg.Status != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", pg.Status)
	}
	return pg.Body, nil
}

func (p *prober) do(ctx context.Context, method, rawURL string) (*page, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if p.limiter != nil {
		if u, err := url.Parse(rawURL); err == nil {
			if err := p.limiter.WaitForHost(ctx, u.Host); err != nil {
				return nil, err
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpclient.CloseBody(resp)

	pg := &page{
		URL:    rawURL,
		Status: resp.StatusCode,
		Header: resp.Header,
	}
	if method != http.MethodHead {
		body, err := httpclient.ReadBody(resp)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", rawURL, err)
		}
		pg.Body = string(body)
	}

	p.logger.LogHTTPRequest(ctx, method, rawURL, resp.StatusCode, time.Since(start))
	return pg, nil
}

// NormalizeURL returns the scheme://host[/path] form used as the base for
// every probe: https is assumed when no scheme is given, the host is
// lower-cased, and query, fragment and trailing slash are dropped.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return strings.TrimRight(u.String(), "/"), nil
}
