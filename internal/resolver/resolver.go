// Package resolver checks that a monitored host still resolves before the
// scanner spends probe budget on it.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/CodeMonkeyCybersecurity/wpsentry/internal/logger"
)

// ErrNXDomain means every queried nameserver answered that the host does not exist.
var ErrNXDomain = errors.New("host does not exist (NXDOMAIN)")

var defaultNameservers = []string{"1.1.1.1:53", "8.8.8.8:53"}

type Resolver struct {
	nameservers []string
	client      *dns.Client
	logger      *logger.Logger
}

// New builds a resolver. With no nameservers it reads /etc/resolv.conf and
// falls back to public resolvers.
func New(nameservers []string, timeout time.Duration, log *logger.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	if len(nameservers) == 0 {
		nameservers = systemNameservers()
	}
	return &Resolver{
		nameservers: nameservers,
		client:      &dns.Client{Timeout: timeout},
		logger:      log.WithComponent("resolver"),
	}
}

func systemNameservers() []string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return defaultNameservers
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

// Preflight returns ErrNXDomain when the host definitively does not exist.
// Resolver outages are inconclusive and return nil so the HTTP fetch decides.
func (r *Resolver) Preflight(ctx context.Context, host string) error {
	if host == "" {
		return fmt.Errorf("empty host")
	}
	if net.ParseIP(host) != nil || host == "localhost" {
		return nil
	}

	ips, err := r.LookupA(ctx, host)
	if errors.Is(err, ErrNXDomain) {
		return err
	}
	if err != nil {
		r.logger.Debugw("DNS preflight inconclusive", "host", host, "error", err)
		return nil
	}
	r.logger.Debugw("DNS preflight passed", "host", host, "ips", ips)
	return nil
}

// LookupA returns the A records for host, following the answer section only.
func (r *Resolver) LookupA(ctx context.Context, host string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	var lastErr error
	nxCount := 0
	for _, ns := range r.nameservers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, _, err := r.client.ExchangeContext(ctx, m, ns)
		if err != nil {
			lastErr = err
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			var ips []string
			for _, ans := range resp.Answer {
				if a, ok := ans.(*dns.A); ok {
					ips = append(ips, a.A.String())
				}
			}
			// NOERROR with only CNAME/AAAA answers still means the name exists
			return ips, nil
		case dns.RcodeNameError:
			nxCount++
		default:
			lastErr = fmt.Errorf("nameserver %s answered %s", ns, dns.RcodeToString[resp.Rcode])
		}
	}

	if nxCount > 0 && lastErr == nil {
		return nil, ErrNXDomain
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no nameserver answered")
	}
	return nil, lastErr
}
