package plsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/charmbracelet/log"
)

// Resolver produces the current set of addresses that should be allowed.
// Implementations return both IPv4 and IPv6 addresses mixed; the client
// splits them by family.
type Resolver interface {
	Resolve(context.Context) ([]netip.Addr, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(context.Context) ([]netip.Addr, error)

func (f ResolverFunc) Resolve(ctx context.Context) ([]netip.Addr, error) { return f(ctx) }

// LookupResolver resolves a hostname's A and AAAA records with the system
// resolver. The two record types are queried separately so that one family
// failing does not discard the other: a family whose lookup fails after
// retries is returned empty with a warning, and Resolve only errors when
// both families come back empty.
type LookupResolver struct {
	Host string

	// Resolver performs the lookups. nil means net.DefaultResolver.
	Resolver *net.Resolver

	// Timeout bounds each lookup attempt. Defaults to 5 seconds.
	Timeout time.Duration

	// Retries is the number of additional attempts per record type after a
	// transient failure, with doubling backoff. Defaults to 2; a negative
	// value disables retries.
	Retries int

	logger *log.Logger
}

// SetLogger routes the resolver's warnings about partial failures.
func (r *LookupResolver) SetLogger(logger *log.Logger) {
	r.logger = logger
}

// Resolve implements plsync.Resolver.
func (r *LookupResolver) Resolve(ctx context.Context) ([]netip.Addr, error) {
	logger := r.logger
	if logger == nil {
		logger = discard
	}

	v4, err4 := r.lookup(ctx, "ip4")
	v6, err6 := r.lookup(ctx, "ip6")
	if err4 != nil && err6 != nil {
		return nil, fmt.Errorf("resolving %s: %w", r.Host, errors.Join(err4, err6))
	}
	if err4 != nil {
		logger.Warn("IPv4 lookup failed; continuing with IPv6 only", "host", r.Host, "error", err4)
	}
	if err6 != nil {
		logger.Warn("IPv6 lookup failed; continuing with IPv4 only", "host", r.Host, "error", err6)
	}

	addrs := append(v4, v6...)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolving %s: %w", r.Host, ErrNoAddresses)
	}
	return addrs, nil
}

func (r *LookupResolver) lookup(ctx context.Context, network string) ([]netip.Addr, error) {
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := r.Retries
	if retries == 0 {
		retries = 2
	}
	if retries < 0 {
		retries = 0
	}

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		lctx, cancel := context.WithTimeout(ctx, timeout)
		addrs, err := res.LookupNetIP(lctx, network, r.Host)
		cancel()
		if err == nil {
			for i := range addrs {
				addrs[i] = addrs[i].Unmap()
			}
			return addrs, nil
		}

		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			// the name exists but has no records of this type
			return nil, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// FromStrings constructs a resolver that returns a fixed set of parsed
// addresses. It is mostly useful for tests and dry runs.
func FromStrings(addrs ...string) (Resolver, error) {
	parsed := make([]netip.Addr, 0, len(addrs))
	for _, s := range addrs {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("unable to parse IP %q: %w", s, err)
		}
		parsed = append(parsed, a.Unmap())
	}
	return staticResolver(parsed), nil
}

type staticResolver []netip.Addr

func (s staticResolver) Resolve(context.Context) ([]netip.Addr, error) {
	return append([]netip.Addr(nil), s...), nil
}
