package browser

import (
	"context"

	"portalbridge/internal/core/failure"
	"portalbridge/internal/core/proxy"
	"portalbridge/internal/logger"
)

// Acquirer hands out validated egress proxies. A nil candidate with a nil
// error means direct connections are allowed.
type Acquirer interface {
	Acquire(ctx context.Context) (*proxy.Candidate, error)
}

// Host is the part of Manager a Gateway needs.
type Host interface {
	Init(ctx context.Context) error
	NewIsolatedSession(opts SessionOptions) (Session, error)
}

type runScoped interface {
	Reset()
}

// Gateway binds every new session to a freshly validated egress path.
type Gateway struct {
	host    Host
	proxies Acquirer
	log     *logger.Logger
}

// NewGateway returns a gateway. proxies may be nil when no proxy is required.
func NewGateway(host Host, proxies Acquirer) *Gateway {
	return &Gateway{host: host, proxies: proxies, log: logger.New("BrowserGateway")}
}

// Open acquires a proxy, makes sure the engine is running and opens an
// isolated session bound to that proxy.
func (g *Gateway) Open(ctx context.Context) (Session, error) {
	var server string
	if g.proxies != nil {
		c, err := g.proxies.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		if c != nil {
			server = c.URL()
			g.log.Info().Str("proxy", c.Server).Str("country", c.Country).Bool("target_reachable", c.TargetReachable).Msg("egress proxy bound")
		}
	}
	if err := g.host.Init(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, failure.New(failure.KindCanceled, "launch browser", err)
		}
		return nil, failure.Internal("launch browser", err)
	}
	s, err := g.host.NewIsolatedSession(SessionOptions{Proxy: server})
	if err != nil {
		return nil, failure.Internal("open session", err)
	}
	return s, nil
}

// BeginRun starts a new run scope: proxies rejected by earlier runs become
// candidates again, while rejections within the run stick.
func (g *Gateway) BeginRun() {
	if r, ok := g.proxies.(runScoped); ok {
		r.Reset()
	}
}
