// Package browser owns the playwright engine and the isolated sessions the
// portal agents drive.
package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"

	"portalbridge/internal/logger"
)

// ErrClosed is returned when a session is requested from a closed manager.
var ErrClosed = errors.New("browser manager closed")

// Options configures the engine and every session it hosts.
type Options struct {
	Headless bool
	// Proxy is bound at launch and inherited by sessions that do not set their own.
	Proxy string
	// StepTimeout bounds every UI wait inside a session.
	StepTimeout    time.Duration
	AcceptLanguage string
	Locale         string
	Timezone       string
}

// SessionOptions overrides launch defaults for one isolated session.
type SessionOptions struct {
	Proxy string
}

// Manager launches one browser instance and hosts isolated sessions on it.
type Manager struct {
	opts Options
	log  *logger.Logger
	rand *rand.Rand

	mu       sync.Mutex
	pw       *playwright.Playwright
	browser  playwright.Browser
	sessions map[string]Session
	closed   bool

	closeOnce sync.Once
	closeErr  error
}

func NewManager(opts Options) *Manager {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 30 * time.Second
	}
	if opts.Locale == "" {
		opts.Locale = "es-ES"
	}
	if opts.Timezone == "" {
		opts.Timezone = "Europe/Madrid"
	}
	return &Manager{
		opts:     opts,
		log:      logger.New("BrowserManager"),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sessions: map[string]Session{},
	}
}

// Init launches the engine once. Later calls are no-ops.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.browser != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("playwright run: %w", err)
	}
	launch := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(m.opts.Headless),
		Args: []string{
			"--no-sandbox",
			"--disable-dev-shm-usage",
			"--disable-gpu",
			"--disable-blink-features=AutomationControlled",
		},
	}
	if m.opts.Proxy != "" {
		launch.Proxy = &playwright.Proxy{Server: m.opts.Proxy}
	}
	b, err := pw.Chromium.Launch(launch)
	if err != nil {
		_ = pw.Stop()
		return fmt.Errorf("launch chromium: %w", err)
	}
	m.pw, m.browser = pw, b
	m.log.Info().Bool("headless", m.opts.Headless).Str("proxy", m.opts.Proxy).Msg("browser launched")
	return nil
}

// NewIsolatedSession opens a context with its own cookies and storage on the
// shared engine. Init must have succeeded.
func (m *Manager) NewIsolatedSession(opts SessionOptions) (Session, error) {
	m.mu.Lock()
	closed, b := m.closed, m.browser
	profile := PickProfile(m.rand, m.opts.AcceptLanguage)
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if b == nil {
		return nil, errors.New("browser not initialized")
	}

	proxyServer := opts.Proxy
	if proxyServer == "" {
		proxyServer = m.opts.Proxy
	}
	ctxOpts := playwright.BrowserNewContextOptions{
		UserAgent:        playwright.String(profile.UserAgent),
		ExtraHttpHeaders: profile.Headers(),
		Locale:           playwright.String(m.opts.Locale),
		TimezoneId:       playwright.String(m.opts.Timezone),
		Viewport:         &playwright.Size{Width: 1920, Height: 1080},
		AcceptDownloads:  playwright.Bool(false),
	}
	if proxyServer != "" {
		ctxOpts.Proxy = &playwright.Proxy{Server: proxyServer}
	}
	bctx, err := b.NewContext(ctxOpts)
	if err != nil {
		return nil, fmt.Errorf("new browser context: %w", err)
	}
	bctx.SetDefaultTimeout(float64(m.opts.StepTimeout.Milliseconds()))
	bctx.SetDefaultNavigationTimeout(float64(m.opts.StepTimeout.Milliseconds()))

	id := uuid.NewString()
	log := m.log.With(map[string]interface{}{"session": id})
	if err := installGuard(bctx, log); err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("install navigation guard: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}

	s := newSession(id, proxyServer, page, func() error { return bctx.Close() })
	s.onClose = m.forget
	if !m.track(s) {
		_ = s.Close()
		return nil, ErrClosed
	}
	log.Debug().Str("proxy", proxyServer).Msg("isolated session opened")
	return s, nil
}

// track registers s unless Close already ran, in which case the caller owns
// closing it.
func (m *Manager) track(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.sessions[s.id] = s
	return true
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// OpenSessions returns the number of sessions not yet closed.
func (m *Manager) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Closed reports whether Close has run.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close closes every open session, the browser and the driver. It is safe
// to call more than once and from several goroutines.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		open := make([]Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			open = append(open, s)
		}
		b, pw := m.browser, m.pw
		m.browser, m.pw = nil, nil
		m.mu.Unlock()

		var errs []error
		for _, s := range open {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if b != nil {
			if err := b.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close browser: %w", err))
			}
		}
		if pw != nil {
			if err := pw.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop playwright: %w", err))
			}
		}
		m.closeErr = errors.Join(errs...)
		m.log.Info().Int("sessions", len(open)).Msg("browser manager closed")
	})
	return m.closeErr
}

// CloseOnSignal closes the manager when one of sigs arrives or ctx ends.
// Without sigs it listens for SIGINT and SIGTERM. The returned stop func
// detaches the handler without closing.
func (m *Manager) CloseOnSignal(ctx context.Context, sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	sctx, cancel := signal.NotifyContext(ctx, sigs...)
	detached := make(chan struct{})
	go func() {
		select {
		case <-sctx.Done():
			select {
			case <-detached:
				return
			default:
			}
			m.log.LogWarnf("shutdown requested, closing browser")
			_ = m.Close()
		case <-detached:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(detached)
			cancel()
		})
	}
}
