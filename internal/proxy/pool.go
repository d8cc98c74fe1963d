package proxy

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	slogctx "github.com/veqryn/slog-context"
	"golang.org/x/sync/errgroup"
)

// Options configure pool refresh and probing behavior.
type Options struct {
	// Sources are URLs serving plaintext proxy lists, one address per line.
	Sources []string
	// RefreshInterval gates how often a non-forced Refresh hits the sources.
	RefreshInterval time.Duration
	// ProbeURL is the health-check target candidates are probed against.
	ProbeURL string
	// ProbeTimeout bounds each probe request.
	ProbeTimeout time.Duration
	// ProbeLimit caps how many candidates one refresh probes.
	ProbeLimit int
	// HTTPClient fetches source lists. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// Policy selects an address per attempt. Defaults to RandomPolicy.
	Policy Policy
}

// Pool maintains candidate and probe-verified egress addresses and
// quarantines addresses implicated in failures. Every address is in exactly
// one of three sets: candidate (untested), working (verified), failed
// (quarantined). Quarantine is one-way for the process lifetime.
type Pool struct {
	opts   Options
	client *http.Client
	policy Policy
	now    func() time.Time

	mu          sync.Mutex
	candidates  map[string]struct{}
	working     map[string]struct{}
	failed      map[string]struct{}
	lastRefresh time.Time
}

// Stats is pool telemetry for the observability routes.
type Stats struct {
	Candidates  int       `json:"candidates"`
	Working     int       `json:"working"`
	Failed      int       `json:"failed"`
	LastRefresh time.Time `json:"last_refresh"`
}

// NewPool returns an empty pool. Refresh must be called before Select can
// return anything.
func NewPool(opts Options) *Pool {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	policy := opts.Policy
	if policy == nil {
		policy = RandomPolicy{}
	}
	return &Pool{
		opts:       opts,
		client:     client,
		policy:     policy,
		now:        time.Now,
		candidates: make(map[string]struct{}),
		working:    make(map[string]struct{}),
		failed:     make(map[string]struct{}),
	}
}

// Refresh fetches candidate addresses from the configured sources, then
// probes a bounded prefix of the new candidates and promotes successes to
// working. Unless forced, it is a no-op while the last successful refresh is
// within RefreshInterval and the pool is non-empty.
func (p *Pool) Refresh(ctx context.Context, force bool) error {
	p.mu.Lock()
	fresh := !p.lastRefresh.IsZero() && p.now().Sub(p.lastRefresh) < p.opts.RefreshInterval
	nonEmpty := len(p.candidates)+len(p.working) > 0
	p.mu.Unlock()
	if !force && fresh && nonEmpty {
		return nil
	}

	log := slogctx.FromCtx(ctx)
	seen := make(map[string]struct{})
	var fetched []string
	var firstErr error
	for _, src := range p.opts.Sources {
		addrs, err := p.fetchSource(ctx, src)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			log.Warn("proxy source fetch failed", slog.String("source", src), slog.Any("error", err))
			continue
		}
		for _, a := range addrs {
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			fetched = append(fetched, a)
		}
	}
	if len(fetched) == 0 {
		if firstErr != nil {
			return fmt.Errorf("proxy refresh: %w", firstErr)
		}
		return nil
	}

	var toProbe []string
	p.mu.Lock()
	for _, a := range fetched {
		if _, known := p.failed[a]; known {
			continue
		}
		if _, known := p.working[a]; known {
			continue
		}
		p.candidates[a] = struct{}{}
	}
	for a := range p.candidates {
		if len(toProbe) >= p.opts.ProbeLimit {
			break
		}
		toProbe = append(toProbe, a)
	}
	p.lastRefresh = p.now()
	p.mu.Unlock()

	promoted := p.probe(ctx, toProbe)
	log.Info("proxy pool refreshed",
		slog.Int("fetched", len(fetched)),
		slog.Int("probed", len(toProbe)),
		slog.Int("promoted", promoted),
	)
	return nil
}

func (p *Pool) fetchSource(ctx context.Context, src string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source returned status %d", resp.StatusCode)
	}

	var out []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		addr, ok := normalizeAddress(scanner.Text())
		if !ok {
			continue
		}
		out = append(out, addr)
	}
	return out, scanner.Err()
}

// normalizeAddress turns a source-list line into a proxy URL. Bare host:port
// lines get an http scheme.
func normalizeAddress(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", false
	}
	if !strings.Contains(line, "://") {
		line = "http://" + line
	}
	u, err := url.Parse(line)
	if err != nil || u.Host == "" || u.Port() == "" {
		return "", false
	}
	return line, true
}

// probe checks addrs against ProbeURL and promotes responsive ones to
// working. Returns the number promoted.
func (p *Pool) probe(ctx context.Context, addrs []string) int {
	var promoted int
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		g.Go(func() error {
			if !p.probeOne(ctx, addr) {
				return nil
			}
			p.mu.Lock()
			// MarkFailed may have run while the probe was in flight;
			// quarantine wins.
			if _, quarantined := p.failed[addr]; !quarantined {
				delete(p.candidates, addr)
				p.working[addr] = struct{}{}
				mu.Lock()
				promoted++
				mu.Unlock()
			}
			p.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return promoted
}

func (p *Pool) probeOne(ctx context.Context, addr string) bool {
	proxyURL, err := url.Parse(addr)
	if err != nil {
		return false
	}
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return false
	}
	transport := base.Clone()
	transport.Proxy = http.ProxyURL(proxyURL)
	client := &http.Client{Transport: transport, Timeout: p.opts.ProbeTimeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.ProbeURL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusBadRequest
}

// Select returns an address for the next attempt, preferring verified ones.
// ok is false when no non-quarantined address exists, meaning the attempt
// should proceed without a proxy.
func (p *Pool) Select() (addr string, ok bool) {
	p.mu.Lock()
	working := setToSlice(p.working)
	candidates := setToSlice(p.candidates)
	p.mu.Unlock()
	return p.policy.Pick(working, candidates)
}

// MarkFailed quarantines addr for the rest of the process lifetime.
// Idempotent; a refresh never resurrects a quarantined address.
func (p *Pool) MarkFailed(addr string) {
	if addr == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.candidates, addr)
	delete(p.working, addr)
	p.failed[addr] = struct{}{}
}

// Stats returns a snapshot of the pool sets.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Candidates:  len(p.candidates),
		Working:     len(p.working),
		Failed:      len(p.failed),
		LastRefresh: p.lastRefresh,
	}
}

func setToSlice(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	return out
}
