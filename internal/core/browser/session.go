package browser

import (
	"errors"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Session is one isolated browsing context. Close must be called on every
// exit path; repeated calls return the first result.
type Session interface {
	Info() SessionInfo
	Page() playwright.Page
	Screenshot() ([]byte, error)
	Close() error
}

// SessionInfo describes a session for logs and step payloads.
type SessionInfo struct {
	ID        string     `json:"id"`
	Proxy     string     `json:"proxy,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

type session struct {
	id        string
	proxy     string
	createdAt time.Time
	page      playwright.Page
	closeFn   func() error
	onClose   func(id string)

	mu       sync.Mutex
	closedAt *time.Time
	once     sync.Once
	closeErr error
}

func newSession(id, proxy string, page playwright.Page, closeFn func() error) *session {
	return &session{id: id, proxy: proxy, createdAt: time.Now().UTC(), page: page, closeFn: closeFn}
}

func (s *session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{ID: s.id, Proxy: s.proxy, CreatedAt: s.createdAt, ClosedAt: s.closedAt}
}

func (s *session) Page() playwright.Page { return s.page }

func (s *session) Screenshot() ([]byte, error) {
	s.mu.Lock()
	closed := s.closedAt != nil
	s.mu.Unlock()
	if closed || s.page == nil {
		return nil, errors.New("session closed")
	}
	return s.page.Screenshot(playwright.PageScreenshotOptions{FullPage: playwright.Bool(true)})
}

func (s *session) Close() error {
	s.once.Do(func() {
		if s.closeFn != nil {
			s.closeErr = s.closeFn()
		}
		now := time.Now().UTC()
		s.mu.Lock()
		s.closedAt = &now
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose(s.id)
		}
	})
	return s.closeErr
}
