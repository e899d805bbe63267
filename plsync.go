package plsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/charmbracelet/log"
)

var discard = log.New(io.Discard)

// staleVersionAttempts bounds the fetch-diff-apply loop when the list is
// being modified concurrently. Each attempt re-reads the list, so one
// interleaved writer costs one extra round trip.
const staleVersionAttempts = 3

// Provider applies a desired block set to a named managed prefix list.
type Provider interface {
	SetPrefixes(ctx context.Context, list string, blocks []netip.Prefix) (SyncOutcome, error)
}

// SyncOutcome describes what a single SetPrefixes call did.
type SyncOutcome struct {
	ListID  string
	Added   int
	Removed int
	Size    int
	Version int64
	Created bool
}

// Config names the source and targets of a sync run. It is passed to New
// rather than read from the environment, so the same process can run several
// differently configured clients.
type Config struct {
	// Hostname is the DNS name whose A/AAAA records define the allow-list.
	Hostname string

	// IPv4List and IPv6List are the prefix list names to converge. An empty
	// name skips that family entirely.
	IPv4List string
	IPv6List string

	// MaxEntries caps the desired entry count per list. A consolidated set
	// larger than this fails the family without touching the list.
	// Defaults to 120.
	MaxEntries int
}

// New returns a client which synchronizes the prefix lists named in cfg with
// the addresses behind cfg.Hostname.
func New(cfg Config, options ...Option) (*Client, error) {
	if cfg.Hostname == "" {
		return nil, errors.New("plsync.New: hostname cannot be empty")
	}
	if cfg.IPv4List == "" && cfg.IPv6List == "" {
		return nil, errors.New("plsync.New: at least one prefix list name is required")
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 120
	}
	c := &Client{
		cfg:      cfg,
		resolver: &LookupResolver{Host: cfg.Hostname},
		logger:   discard,
	}
	for i, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("plsync.New: option %d returned an error: %w", i, err)
		}
	}
	if c.provider == nil {
		return nil, errors.New("plsync.New: no prefix list provider was registered and there is no default option - use plsync.UsingEC2 or similar")
	}

	// this lets us propagate the logger to dependencies that use one if
	// WithLogger was called before all of the dependencies were registered
	withLogger(c.logger)(c)
	return c, nil
}

type Option func(*Client) error

// UsingEC2 registers an EC2 managed prefix list provider built on api,
// which is normally an *ec2.Client.
func UsingEC2(api EC2API) Option {
	return func(c *Client) error {
		if api == nil {
			return errors.New("plsync.UsingEC2: api cannot be nil")
		}
		c.provider = newEC2Provider(api, c.cfg.MaxEntries, c.cfg.Hostname)
		return nil
	}
}

// UsingProvider registers a custom provider implementation.
func UsingProvider(p Provider) Option {
	return func(c *Client) error {
		if p == nil {
			return errors.New("plsync.UsingProvider: provider cannot be nil")
		}
		c.provider = p
		return nil
	}
}

// UsingResolver replaces the default system resolver. A nil resolver
// restores the default.
func UsingResolver(resolver Resolver) Option {
	return func(c *Client) error {
		if resolver == nil {
			resolver = &LookupResolver{Host: c.cfg.Hostname}
		}
		c.resolver = resolver
		return nil
	}
}

// WithLogger sets the logger used by the client and its dependencies. A nil
// logger discards everything, which is the default.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			logger = discard
		}
		c.logger = logger
		return nil
	}
}

func withLogger(logger *log.Logger) Option {
	return func(c *Client) error {
		type setLogger interface {
			SetLogger(*log.Logger)
		}
		if p, ok := c.provider.(*ec2Provider); ok {
			p.logger = logger
		} else if p, ok := c.provider.(setLogger); ok {
			p.SetLogger(logger)
		}
		if r, ok := c.resolver.(setLogger); ok {
			r.SetLogger(logger)
		}
		return nil
	}
}

// Client performs one resolve-consolidate-reconcile pass per Run call.
type Client struct {
	cfg      Config
	resolver Resolver
	provider Provider
	logger   *log.Logger
}

// Report summarizes a Run for both address families. It marshals cleanly,
// so a Lambda handler can return it as the invocation result.
type Report struct {
	IPv4 FamilyResult `json:"ipv4"`
	IPv6 FamilyResult `json:"ipv6"`
}

// FamilyResult is the per-family portion of a Report.
type FamilyResult struct {
	List     string `json:"list,omitempty"`
	ListID   string `json:"list_id,omitempty"`
	Resolved int    `json:"resolved"`
	Blocks   int    `json:"blocks"`
	Added    int    `json:"added"`
	Removed  int    `json:"removed"`
	Size     int    `json:"size"`
	Version  int64  `json:"version,omitempty"`
	Created  bool   `json:"created,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Run resolves the configured hostname and converges each family's prefix
// list. The families are handled independently: a failure on one side is
// reported in the returned error (and the Report) but does not stop the
// other side from converging. Resolution returning no addresses at all is
// fatal before any list is touched.
func (c *Client) Run(ctx context.Context) (Report, error) {
	addrs, err := c.resolver.Resolve(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("error getting IPs for %s: %w", c.cfg.Hostname, err)
	}
	v4, v6 := splitFamilies(addrs)
	c.logger.Info("resolved source hostname", "host", c.cfg.Hostname, "ipv4", len(v4), "ipv6", len(v6))
	if len(v4)+len(v6) == 0 {
		return Report{}, fmt.Errorf("error getting IPs for %s: %w", c.cfg.Hostname, ErrNoAddresses)
	}

	var report Report
	var errs []error
	report.IPv4 = c.syncFamily(ctx, "IPv4", c.cfg.IPv4List, v4, &errs)
	report.IPv6 = c.syncFamily(ctx, "IPv6", c.cfg.IPv6List, v6, &errs)
	return report, errors.Join(errs...)
}

func (c *Client) syncFamily(ctx context.Context, family, list string, addrs []netip.Addr, errs *[]error) FamilyResult {
	result := FamilyResult{List: list, Resolved: len(addrs)}
	logger := c.logger.With("family", family, "list", list)

	if list == "" {
		result.Skipped = true
		return result
	}
	if len(addrs) == 0 {
		// never converge a list toward an empty set; a family with no
		// addresses is treated as unknown, not as gone
		logger.Warn("no addresses resolved; leaving prefix list unchanged")
		result.Skipped = true
		return result
	}

	blocks := Consolidate(addrs)
	result.Blocks = len(blocks)
	logger.Info("consolidated addresses", "addresses", len(addrs), "blocks", len(blocks))

	var outcome SyncOutcome
	var err error
	for attempt := 1; attempt <= staleVersionAttempts; attempt++ {
		outcome, err = c.provider.SetPrefixes(ctx, list, blocks)
		var stale *ConcurrentModificationError
		if errors.As(err, &stale) && attempt < staleVersionAttempts {
			logger.Warn("prefix list changed concurrently; retrying with a fresh read",
				"attempt", attempt, "stale_version", stale.Version)
			continue
		}
		break
	}
	if err != nil {
		logger.Error("prefix list sync failed", "error", err)
		result.Error = err.Error()
		*errs = append(*errs, fmt.Errorf("%s: %w", family, err))
		return result
	}

	result.ListID = outcome.ListID
	result.Added = outcome.Added
	result.Removed = outcome.Removed
	result.Size = outcome.Size
	result.Version = outcome.Version
	result.Created = outcome.Created
	logger.Info("prefix list converged",
		"id", outcome.ListID, "added", outcome.Added, "removed", outcome.Removed,
		"size", outcome.Size, "version", outcome.Version)
	return result
}

func splitFamilies(addrs []netip.Addr) (v4, v6 []netip.Addr) {
	for _, a := range addrs {
		a = a.Unmap()
		switch {
		case a.Is4():
			v4 = append(v4, a)
		case a.Is6():
			v6 = append(v6, a)
		}
	}
	return v4, v6
}

// Syncer is the part of *Client that RunDaemon needs.
type Syncer interface {
	Run(ctx context.Context) (Report, error)
}

// RunDaemon starts syncer as a goroutine, running once per interval until
// ctx is cancelled. Intervals below one minute are raised to one minute.
//
// A nil logger discards errors unless syncer is a *Client, in which case
// the client's logger is used.
func RunDaemon(syncer Syncer, ctx context.Context, interval time.Duration, logger *log.Logger) {
	if interval < 1*time.Minute {
		interval = 1 * time.Minute
	}
	if logger == nil {
		if c, ok := syncer.(*Client); ok && c.logger != nil {
			logger = c.logger
		} else {
			logger = discard
		}
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := syncer.Run(ctx); err != nil {
					logger.Error("sync run failed", "error", err)
				}
			}
		}
	}()
}
