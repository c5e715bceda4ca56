package main

import (
	"context"
	"fmt"
	"time"

	"portalbridge/internal/artifacts"
	"portalbridge/internal/config"
	"portalbridge/internal/core/browser"
	"portalbridge/internal/core/extract"
	"portalbridge/internal/core/portal"
	"portalbridge/internal/core/proxy"
	"portalbridge/internal/core/run"
	"portalbridge/internal/logger"
	rds "portalbridge/internal/platform/redis"
	"portalbridge/internal/store"
)

// needs selects which collaborators a command opens.
type needs struct {
	browser bool
	// redis fails the command when unreachable; otherwise it is best effort.
	redis bool
}

// runtime holds everything a command may touch. Unused parts stay nil.
type runtime struct {
	cfg     config.Config
	log     *logger.Logger
	store   store.Store
	redis   *rds.Service
	pool    *proxy.Pool
	browser *browser.Manager
	engine  *run.Engine
}

func openRuntime(ctx context.Context, c config.Config, n needs) (*runtime, error) {
	rt := &runtime{cfg: c, log: logger.New("main")}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	st, err := store.Open(ctx, c.StoreDriver, c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.store = st
	if err := st.Migrate(ctx); err != nil {
		return nil, err
	}

	if r, err := rds.New(rds.Options{Addr: c.RedisAddr, Password: c.RedisPassword}); err == nil {
		rt.redis = r
	} else if n.redis {
		return nil, fmt.Errorf("connect redis: %w", err)
	} else {
		rt.log.LogWarnf("redis unavailable, using in-process locks and caches: %v", err)
	}

	opts := run.Options{
		Store:        st,
		Pipeline:     extract.Default().WithLogger(logger.New("Extract")),
		ItemInterval: c.ItemInterval,
		RunTimeout:   c.RunTimeout,
		Logger:       logger.New("RunEngine"),
	}
	if rt.redis != nil {
		opts.Locker = run.NewRedisLocker(rt.redis, c.RunTimeout+10*time.Minute)
		opts.Events = rt.redis
	}

	if n.browser {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		rt.pool, err = newPool(c, rt.redis)
		if err != nil {
			return nil, err
		}
		rt.browser = browser.NewManager(browser.Options{
			Headless:    c.BrowserHeadless,
			StepTimeout: c.StepTimeout,
		})
		reg, err := portal.LoadRegistry(c.SourceCatalog, c.TargetCatalogs, portal.PlaywrightSurface(c.StepTimeout))
		if err != nil {
			return nil, fmt.Errorf("load catalogs: %w", err)
		}
		arts, err := artifacts.New(c)
		if err != nil {
			return nil, err
		}
		opts.Sessions = browser.NewGateway(rt.browser, rt.pool)
		opts.Portals = reg
		opts.Artifacts = arts
	}
	rt.engine = run.NewEngine(opts)
	ok = true
	return rt, nil
}

func newPool(c config.Config, r *rds.Service) (*proxy.Pool, error) {
	sources := make([]proxy.Source, 0, len(c.ProxySources))
	for _, def := range c.ProxySources {
		s, err := proxy.NewSource(def, c.ProxySourceTimeout)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	var cache proxy.Cache = proxy.NewMemoryCache(c.ProxyCacheTTL)
	if r != nil {
		cache = proxy.NewRedisCache(r.Client(), "proxy:candidates", c.ProxyCacheTTL)
	}
	return proxy.NewPool(proxy.Options{
		Sources:       sources,
		Cache:         cache,
		Checker:       proxy.NewValidator(c.ProxyRegion, c.ProxyGeoURL, c.ProxyTargetURL, c.ProxySourceTimeout),
		SourceTimeout: c.ProxySourceTimeout,
		MaxRetries:    c.ProxyMaxRetries,
		Sample:        c.ProxySample,
		AllowDirect:   c.ProxyAllowDirect || !c.ProxyRequired,
		Logger:        logger.New("ProxyPool"),
	}), nil
}

// Close releases the browser, redis and the store, in that order.
func (rt *runtime) Close() {
	if rt.browser != nil {
		if err := rt.browser.Close(); err != nil {
			rt.log.LogWarnf("close browser: %v", err)
		}
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
}
