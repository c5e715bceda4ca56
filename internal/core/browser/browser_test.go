package browser

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalbridge/internal/core/failure"
	"portalbridge/internal/core/proxy"
	"portalbridge/internal/logger"
)

func TestAllowedScheme(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://portal.example/login", true},
		{"http://portal.example", true},
		{"HTTPS://portal.example", true},
		{"data:text/plain,hi", true},
		{"about:blank", true},
		{"blob:https://portal.example/0b1c", true},
		{"/relative/path?x=1", true},
		{"", true},
		{"javascript:alert(1)", false},
		{"mailto:someone@example.com", false},
		{"tel:+34600000000", false},
		{"file:///etc/passwd", false},
		{"ms-word:ofe|u|https://x", false},
		{"intent://scan/#Intent;scheme=zxing;end", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AllowedScheme(tt.url), tt.url)
	}
}

func TestBlockedNavigationIsGuardFailure(t *testing.T) {
	err := blockedNavigation("a.href", "mailto:ops@example.com")
	assert.Equal(t, failure.KindGuard, failure.KindOf(err))
	assert.False(t, failure.IsFatal(err))
	assert.Contains(t, err.Error(), "mailto:ops@example.com")
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("context already gone")
	s := newSession("s1", "http://1.1.1.1:80", nil, func() error {
		calls.Add(1)
		return boom
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.ErrorIs(t, s.Close(), boom)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	info := s.Info()
	require.NotNil(t, info.ClosedAt)
	assert.False(t, info.ClosedAt.Before(info.CreatedAt))
	assert.Equal(t, "http://1.1.1.1:80", info.Proxy)

	_, err := s.Screenshot()
	assert.Error(t, err)
}

func TestManager_CloseClosesOpenSessionsOnce(t *testing.T) {
	m := NewManager(Options{})
	m.log = logger.Nop()

	var closed atomic.Int32
	for _, id := range []string{"a", "b", "c"} {
		s := newSession(id, "", nil, func() error { closed.Add(1); return nil })
		s.onClose = m.forget
		m.track(s)
	}
	// A session closed by its owner is no longer tracked.
	m.sessions["a"].Close()
	assert.Equal(t, 2, m.OpenSessions())

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, int32(3), closed.Load())
	assert.Equal(t, 0, m.OpenSessions())
	assert.True(t, m.Closed())

	_, err := m.NewIsolatedSession(SessionOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Init(context.Background()), ErrClosed)
}

func TestManager_TrackRefusesSessionsAfterClose(t *testing.T) {
	m := NewManager(Options{})
	m.log = logger.Nop()
	require.NoError(t, m.Close())

	s := newSession("late", "", nil, func() error { return nil })
	s.onClose = m.forget
	assert.False(t, m.track(s))
	assert.Equal(t, 0, m.OpenSessions())
	require.NoError(t, s.Close())
	assert.NotNil(t, s.Info().ClosedAt)
}

func TestManager_NewSessionBeforeInit(t *testing.T) {
	m := NewManager(Options{})
	m.log = logger.Nop()
	_, err := m.NewIsolatedSession(SessionOptions{})
	assert.Error(t, err)
}

func TestManager_CloseOnSignalFollowsContext(t *testing.T) {
	m := NewManager(Options{})
	m.log = logger.Nop()
	ctx, cancel := context.WithCancel(context.Background())
	stop := m.CloseOnSignal(ctx)
	defer stop()

	cancel()
	assert.Eventually(t, m.Closed, time.Second, 5*time.Millisecond)
}

func TestManager_CloseOnSignalStopDetaches(t *testing.T) {
	m := NewManager(Options{})
	m.log = logger.Nop()
	stop := m.CloseOnSignal(context.Background())
	stop()
	stop()
	time.Sleep(20 * time.Millisecond)
	assert.False(t, m.Closed())
}

func TestPickProfile(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		p := PickProfile(r, "")
		assert.NotEmpty(t, p.UserAgent)
		assert.NotContains(t, p.UserAgent, "Mobile")
		h := p.Headers()
		assert.Equal(t, "es-ES,es;q=0.9,en;q=0.8", h["Accept-Language"])
		if p.SecChUa != "" {
			assert.Equal(t, "?0", h["Sec-CH-UA-Mobile"])
		}
	}
	assert.Equal(t, "de-DE", PickProfile(r, "de-DE").AcceptLanguage)
}

type fakeAcquirer struct {
	cand *proxy.Candidate
	err  error
}

func (f fakeAcquirer) Acquire(context.Context) (*proxy.Candidate, error) { return f.cand, f.err }

type fakeHost struct {
	initErr error
	inits   int
	opened  []SessionOptions
}

func (h *fakeHost) Init(context.Context) error {
	h.inits++
	return h.initErr
}

func (h *fakeHost) NewIsolatedSession(opts SessionOptions) (Session, error) {
	h.opened = append(h.opened, opts)
	return newSession("s", opts.Proxy, nil, nil), nil
}

func TestGateway_BindsAcquiredProxy(t *testing.T) {
	host := &fakeHost{}
	g := NewGateway(host, fakeAcquirer{cand: &proxy.Candidate{Server: "5.5.5.5:3128", Status: proxy.StatusValid}})
	g.log = logger.Nop()

	s, err := g.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://5.5.5.5:3128", s.Info().Proxy)
	assert.Equal(t, []SessionOptions{{Proxy: "http://5.5.5.5:3128"}}, host.opened)
}

func TestGateway_DirectAndNoPool(t *testing.T) {
	for name, acq := range map[string]Acquirer{"direct fallback": fakeAcquirer{}, "no pool": nil} {
		t.Run(name, func(t *testing.T) {
			host := &fakeHost{}
			g := NewGateway(host, acq)
			g.log = logger.Nop()
			s, err := g.Open(context.Background())
			require.NoError(t, err)
			assert.Empty(t, s.Info().Proxy)
		})
	}
}

func TestGateway_ProxyFailureIsNetwork(t *testing.T) {
	host := &fakeHost{}
	g := NewGateway(host, fakeAcquirer{err: failure.Network("acquire proxy", proxy.ErrNoProxy)})
	g.log = logger.Nop()

	_, err := g.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.KindNetwork, failure.KindOf(err))
	assert.Zero(t, host.inits)
}

type resettingAcquirer struct {
	fakeAcquirer
	resets int
}

func (r *resettingAcquirer) Reset() { r.resets++ }

func TestGateway_BeginRunResetsProxyRejections(t *testing.T) {
	acq := &resettingAcquirer{}
	g := NewGateway(&fakeHost{}, acq)
	g.log = logger.Nop()
	g.BeginRun()
	assert.Equal(t, 1, acq.resets)

	assert.NotPanics(t, NewGateway(&fakeHost{}, nil).BeginRun)
}

func TestGateway_LaunchFailure(t *testing.T) {
	host := &fakeHost{initErr: errors.New("no chromium")}
	g := NewGateway(host, nil)
	g.log = logger.Nop()

	_, err := g.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.KindInternal, failure.KindOf(err))
}
