// Package httpclient builds the outbound clients used to probe monitored
// sites and the upstream registry.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// MaxBodyBytes caps how much of a probed document is read into memory.
const MaxBodyBytes = 5 << 20

// SecureClientConfig configures the secure HTTP client
type SecureClientConfig struct {
	Timeout         time.Duration
	EnableSSRF      bool // blocks private, loopback and link-local targets
	FollowRedirects bool
	MaxRedirects    int
	UserAgent       string
}

func DefaultConfig() SecureClientConfig {
	return SecureClientConfig{
		Timeout:         10 * time.Second,
		EnableSSRF:      true,
		FollowRedirects: true,
		MaxRedirects:    5,
	}
}

// NewSecureClient creates an HTTP client with a hard timeout and, when
// enabled, SSRF protection on every dial and redirect hop.
func NewSecureClient(config SecureClientConfig) *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if !config.EnableSSRF {
				return dialer.DialContext(ctx, network, addr)
			}

			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("SSRF protection: %w", err)
			}
			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve %s: %w", host, err)
			}
			for _, ip := range ips {
				if IsPrivateIP(ip.IP) {
					return nil, fmt.Errorf("SSRF protection: blocked private IP %s (%s)", ip.IP, host)
				}
			}
			// dial the address that was checked, not a fresh lookup
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
		},

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	var rt http.RoundTripper = transport
	if config.UserAgent != "" {
		rt = &userAgentTransport{base: transport, userAgent: config.UserAgent}
	}

	client := &http.Client{
		Timeout:   config.Timeout,
		Transport: rt,
	}

	if !config.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if config.MaxRedirects > 0 {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= config.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", config.MaxRedirects)
			}
			if config.EnableSSRF {
				if err := ValidateURL(req.URL.String()); err != nil {
					return fmt.Errorf("SSRF protection on redirect: %w", err)
				}
			}
			return nil
		}
	}

	return client
}

// NewProbeClient returns the client used against monitored sites.
func NewProbeClient(timeout time.Duration, userAgent string, enableSSRF bool) *http.Client {
	return NewSecureClient(SecureClientConfig{
		Timeout:         timeout,
		EnableSSRF:      enableSSRF,
		FollowRedirects: true,
		MaxRedirects:    5,
		UserAgent:       userAgent,
	})
}

// NewRegistryClient returns the client used for api.wordpress.org lookups.
func NewRegistryClient(timeout time.Duration, userAgent string) *http.Client {
	return NewSecureClient(SecureClientConfig{
		Timeout:         timeout,
		EnableSSRF:      false,
		FollowRedirects: true,
		MaxRedirects:    3,
		UserAgent:       userAgent,
	})
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

// ValidateURL rejects non-http(s) URLs and literal private IP hosts.
// Hostnames are checked again at dial time.
func ValidateURL(urlStr string) error {
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("missing host in %q", urlStr)
	}
	if host == "localhost" {
		return fmt.Errorf("blocked host: %s", host)
	}
	if ip := net.ParseIP(host); ip != nil && IsPrivateIP(ip) {
		return fmt.Errorf("blocked private IP: %s", ip)
	}
	return nil
}

// IsPrivateIP checks if an IP address is private, loopback, link-local or unspecified.
func IsPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified()
}

// ReadBody reads at most MaxBodyBytes of the response body.
func ReadBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
}

// CloseBody drains and closes a response body so the connection can be reused.
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxBodyBytes))
	_ = resp.Body.Close()
}
