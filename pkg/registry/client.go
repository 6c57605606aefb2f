// Package registry looks up the latest published versions of WordPress core,
// plugins and themes on api.wordpress.org.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/logger"
	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

const DefaultBaseURL = "https://api.wordpress.org"

// ErrNotFound is returned when the registry does not know a slug.
var ErrNotFound = errors.New("registry: component not found")

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client implements core.LatestVersionSource against the public registry.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	logger     *logger.Logger
}

func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		httpClient: httpclient.NewRegistryClient(cfg.Timeout, cfg.UserAgent),
		logger:     log.WithComponent("registry"),
	}
}

type coreVersionResponse struct {
	Offers []struct {
		Response string `json:"response"`
		Version  string `json:"version"`
	} `json:"offers"`
}

type componentInfoResponse struct {
	Slug    string `json:"slug"`
	Version string `json:"version"`
	Error   string `json:"error"`
}

// LatestCoreVersion returns "" when the registry cannot be reached.
func (c *Client) LatestCoreVersion(ctx context.Context) string {
	v, err := c.CoreVersion(ctx)
	if err != nil {
		c.logger.Debugw("Latest core version lookup failed", "error", err)
		return ""
	}
	return v
}

func (c *Client) LatestPluginVersion(ctx context.Context, slug string) string {
	return c.latest(ctx, types.ComponentPlugin, slug)
}

func (c *Client) LatestThemeVersion(ctx context.Context, slug string) string {
	return c.latest(ctx, types.ComponentTheme, slug)
}

func (c *Client) latest(ctx context.Context, kind types.ComponentKind, slug string) string {
	v, err := c.ComponentVersion(ctx, kind, slug)
	if err != nil {
		c.logger.Debugw("Latest version lookup failed", "kind", kind, "slug", slug, "error", err)
		return ""
	}
	return v
}

// CoreVersion queries the core version-check endpoint. The first offer is
// the newest release.
func (c *Client) CoreVersion(ctx context.Context) (string, error) {
	var body coreVersionResponse
	if err := c.getJSON(ctx, c.baseURL+"/core/version-check/1.7/", &body); err != nil {
		return "", err
	}
	if len(body.Offers) == 0 || body.Offers[0].Version == "" {
		return "", fmt.Errorf("registry: version-check returned no offers")
	}
	return body.Offers[0].Version, nil
}

// ComponentVersion queries the plugin or theme information endpoint.
func (c *Client) ComponentVersion(ctx context.Context, kind types.ComponentKind, slug string) (string, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if !slugPattern.MatchString(slug) {
		return "", fmt.Errorf("registry: invalid slug %q", slug)
	}

	var endpoint string
	q := url.Values{}
	q.Set("request[slug]", slug)
	switch kind {
	case types.ComponentPlugin:
		endpoint = "/plugins/info/1.2/"
		q.Set("action", "plugin_information")
	case types.ComponentTheme:
		endpoint = "/themes/info/1.2/"
		q.Set("action", "theme_information")
	default:
		return "", fmt.Errorf("registry: unsupported component kind %q", kind)
	}

	var body componentInfoResponse
	if err := c.getJSON(ctx, c.baseURL+endpoint+"?"+q.Encode(), &body); err != nil {
		return "", err
	}
	if body.Error != "" || body.Version == "" {
		return "", ErrNotFound
	}
	return body.Version, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry request failed: %w", err)
	}
	defer httpclient.CloseBody(resp)
	c.logger.LogHTTPRequest(ctx, req.Method, rawURL, resp.StatusCode, time.Since(start))

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry returned HTTP %d", resp.StatusCode)
	}

	data, err := httpclient.ReadBody(resp)
	if err != nil {
		return fmt.Errorf("failed to read registry response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		// the info endpoints answer unknown slugs with a bare JSON "false" or null
		if strings.TrimSpace(string(data)) == "false" {
			return ErrNotFound
		}
		return fmt.Errorf("failed to decode registry response: %w", err)
	}
	return nil
}
