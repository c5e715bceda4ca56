// Package proxy discovers, validates and selects egress proxies.
package proxy

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"portalbridge/internal/core/failure"
	"portalbridge/internal/logger"
)

// ErrNoProxy is returned when no valid proxy was found and direct
// connections are not allowed.
var ErrNoProxy = errors.New("no valid egress proxy")

// Options configures a Pool.
type Options struct {
	Sources       []Source
	Cache         Cache
	Checker       Checker
	SourceTimeout time.Duration
	MaxRetries    int
	// Sample bounds how many candidates are validated per attempt.
	Sample      int
	AllowDirect bool
	Rand        *rand.Rand
	Logger      *logger.Logger
}

// Pool aggregates candidates from its sources and hands out validated ones.
type Pool struct {
	sources       []Source
	cache         Cache
	checker       Checker
	sourceTimeout time.Duration
	maxRetries    int
	sample        int
	allowDirect   bool

	mu sync.Mutex
	// rejected holds candidates marked invalid since the last Reset; they are
	// never validated again within that scope.
	rejected map[string]struct{}
	rand     *rand.Rand
	log      *logger.Logger
}

func NewPool(opts Options) *Pool {
	p := &Pool{
		sources:       opts.Sources,
		cache:         opts.Cache,
		checker:       opts.Checker,
		sourceTimeout: opts.SourceTimeout,
		maxRetries:    opts.MaxRetries,
		sample:        opts.Sample,
		allowDirect:   opts.AllowDirect,
		rejected:      map[string]struct{}{},
		rand:          opts.Rand,
		log:           opts.Logger,
	}
	if p.cache == nil {
		p.cache = NewMemoryCache(5 * time.Minute)
	}
	if p.sourceTimeout <= 0 {
		p.sourceTimeout = 8 * time.Second
	}
	if p.maxRetries <= 0 {
		p.maxRetries = 3
	}
	if p.sample <= 0 {
		p.sample = 5
	}
	if p.rand == nil {
		p.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if p.log == nil {
		p.log = logger.New("ProxyPool")
	}
	return p
}

// Discover returns the merged, deduplicated candidate list, served from the
// cache while it is fresh. Sources that fail or time out are skipped.
func (p *Pool) Discover(ctx context.Context) ([]Candidate, error) {
	if cands, ok := p.cache.Get(ctx); ok {
		return cands, nil
	}

	results := make([][]string, len(p.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range p.sources {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, p.sourceTimeout)
			defer cancel()
			eps, err := src.Fetch(sctx)
			if err != nil {
				p.log.Warn().Str("source", src.Name()).Err(err).Msg("proxy source unavailable")
				return nil
			}
			results[i] = eps
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	var cands []Candidate
	for i, eps := range results {
		for _, ep := range eps {
			if _, dup := seen[ep]; dup {
				continue
			}
			seen[ep] = struct{}{}
			cands = append(cands, Candidate{Server: ep, Source: p.sources[i].Name(), Status: StatusUnknown})
		}
	}
	p.log.Debug().Int("candidates", len(cands)).Int("sources", len(p.sources)).Msg("proxy discovery finished")
	if len(cands) > 0 {
		p.cache.Set(ctx, cands)
	}
	return cands, nil
}

// Acquire returns a validated proxy picked at random from the valid set.
// A nil candidate with a nil error means the caller should connect directly.
// Candidates rejected earlier in the same run are skipped.
func (p *Pool) Acquire(ctx context.Context) (*Candidate, error) {
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		c, err := p.attempt(ctx, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return nil, failure.New(failure.KindCanceled, "acquire proxy", err)
			}
			return nil, failure.Network("acquire proxy", err)
		}
		if c != nil {
			return c, nil
		}
		p.cache.Clear(ctx)
	}
	if p.allowDirect {
		p.log.Warn().Int("attempts", p.maxRetries).Msg("no valid proxy found, continuing with a direct connection")
		return nil, nil
	}
	return nil, failure.Network("acquire proxy", ErrNoProxy)
}

// Reset forgets every rejected candidate. Called when a run starts.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejected = map[string]struct{}{}
}

// Rejected reports how many candidates are currently excluded.
func (p *Pool) Rejected() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rejected)
}

// attempt validates one random sample of not yet rejected candidates.
func (p *Pool) attempt(ctx context.Context, attempt int) (*Candidate, error) {
	cands, err := p.Discover(ctx)
	if err != nil {
		return nil, err
	}
	var open []Candidate
	p.mu.Lock()
	for _, c := range cands {
		if _, bad := p.rejected[c.Server]; !bad {
			open = append(open, c)
		}
	}
	p.mu.Unlock()
	if len(open) == 0 {
		p.log.Warn().Int("attempt", attempt).Msg("no proxy candidates available")
		return nil, nil
	}

	p.mu.Lock()
	p.rand.Shuffle(len(open), func(i, j int) { open[i], open[j] = open[j], open[i] })
	p.mu.Unlock()
	if len(open) > p.sample {
		open = open[:p.sample]
	}

	checked := make([]Candidate, len(open))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range open {
		g.Go(func() error {
			checked[i] = p.checker.Validate(gctx, c)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var valid []Candidate
	p.mu.Lock()
	for _, c := range checked {
		if c.Status == StatusValid {
			valid = append(valid, c)
			continue
		}
		p.rejected[c.Server] = struct{}{}
		p.log.Debug().Str("proxy", c.Server).Str("reason", c.Reason).Msg("proxy rejected")
	}
	p.mu.Unlock()
	p.log.Info().Int("attempt", attempt).Int("checked", len(checked)).Int("valid", len(valid)).Msg("proxy validation round")
	if len(valid) == 0 {
		return nil, nil
	}

	p.mu.Lock()
	pick := valid[p.rand.Intn(len(valid))]
	p.mu.Unlock()
	return &pick, nil
}

// Check validates every discovered candidate; used by the proxies command.
func (p *Pool) Check(ctx context.Context) ([]Candidate, error) {
	cands, err := p.Discover(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.sample)
	for i, c := range cands {
		g.Go(func() error {
			out[i] = p.checker.Validate(gctx, c)
			return nil
		})
	}
	_ = g.Wait()
	return out, ctx.Err()
}
