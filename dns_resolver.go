package plsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/charmbracelet/log"
	"github.com/miekg/dns"
)

// DirectResolver queries a specific DNS server for A and AAAA records,
// bypassing the host's stub resolver. Use it when the local resolver path is
// cached, filtered, or split-horizon and the allow-list must reflect what
// the public DNS actually serves.
type DirectResolver struct {
	Host string

	// Server is the upstream to query, as host:port. When empty the first
	// nameserver from /etc/resolv.conf is used.
	Server string

	// Timeout bounds each query. Defaults to 5 seconds.
	Timeout time.Duration

	logger *log.Logger
}

// SetLogger routes the resolver's warnings about partial failures.
func (r *DirectResolver) SetLogger(logger *log.Logger) {
	r.logger = logger
}

// Resolve implements plsync.Resolver.
//
// The A and AAAA queries are independent: if one fails the other family's
// addresses are still returned, and an error is only reported when both
// queries fail or the combined answer is empty.
func (r *DirectResolver) Resolve(ctx context.Context) ([]netip.Addr, error) {
	logger := r.logger
	if logger == nil {
		logger = discard
	}

	server := r.Server
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("no DNS server configured and resolv.conf unreadable: %w", err)
		}
		if len(conf.Servers) == 0 {
			return nil, errors.New("no DNS server configured and resolv.conf lists none")
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}

	v4, err4 := r.query(ctx, server, dns.TypeA)
	v6, err6 := r.query(ctx, server, dns.TypeAAAA)
	if err4 != nil && err6 != nil {
		return nil, fmt.Errorf("querying %s for %s: %w", server, r.Host, errors.Join(err4, err6))
	}
	if err4 != nil {
		logger.Warn("A query failed; continuing with AAAA only", "host", r.Host, "server", server, "error", err4)
	}
	if err6 != nil {
		logger.Warn("AAAA query failed; continuing with A only", "host", r.Host, "server", server, "error", err6)
	}

	addrs := append(v4, v6...)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("querying %s for %s: %w", server, r.Host, ErrNoAddresses)
	}
	return addrs, nil
}

func (r *DirectResolver) query(ctx context.Context, server string, qtype uint16) ([]netip.Addr, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &dns.Client{Timeout: timeout}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(r.Host), qtype)

	in, _, err := client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", dns.TypeToString[qtype], err)
	}
	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		// treated like an empty record set; the other family decides
		// whether the run can proceed
		return nil, nil
	default:
		return nil, fmt.Errorf("%s query returned %s", dns.TypeToString[qtype], dns.RcodeToString[in.Rcode])
	}

	var addrs []netip.Addr
	for _, rr := range in.Answer {
		var ip net.IP
		switch record := rr.(type) {
		case *dns.A:
			ip = record.A
		case *dns.AAAA:
			ip = record.AAAA
		default:
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			logger := r.logger
			if logger == nil {
				logger = discard
			}
			logger.Warn("skipping unparseable address in DNS answer", "host", r.Host, "record", rr.String())
			continue
		}
		addrs = append(addrs, addr.Unmap())
	}
	return addrs, nil
}
