package portal

import (
	"context"
	"errors"
	"time"

	"github.com/playwright-community/playwright-go"

	"portalbridge/internal/core/browser"
	"portalbridge/internal/core/extract"
	"portalbridge/internal/core/identity"
	"portalbridge/internal/core/locate"
)

var (
	// ErrBadCredentials is reported when the portal rejects the login.
	ErrBadCredentials = errors.New("portal rejected the credentials")
	// ErrRecordNotFound is reported when a search yields no record.
	ErrRecordNotFound = errors.New("record not found on portal")
)

// Agent is the part every portal driver shares.
type Agent interface {
	Name() string
	Authenticate(ctx context.Context, s browser.Session) error
	// Locate opens the record identified by id.
	Locate(ctx context.Context, s browser.Session, id identity.Identity) error
}

// SourceAgent reads records from the source portal.
type SourceAgent interface {
	Agent
	// Extract scrapes the open record. Values that cannot be found are left
	// empty for the pipeline to mark missing.
	Extract(ctx context.Context, s browser.Session) (extract.Raw, error)
}

// TargetAgent writes validated records to one target portal.
type TargetAgent interface {
	Agent
	Fill(ctx context.Context, s browser.Session, rec *extract.Record) error
	// Save submits the form, or stores it as a draft.
	Save(ctx context.Context, s browser.Session, draft bool) (Receipt, error)
}

// Receipt is what a target portal reported back after saving.
type Receipt struct {
	Target    string    `json:"target"`
	Draft     bool      `json:"draft"`
	Reference string    `json:"reference,omitempty"`
	SavedAt   time.Time `json:"saved_at"`
}

// Metadata flattens the receipt for the record's submission metadata.
func (r Receipt) Metadata() map[string]any {
	m := map[string]any{
		"target":   r.Target,
		"draft":    r.Draft,
		"saved_at": r.SavedAt.Format(time.RFC3339),
	}
	if r.Reference != "" {
		m["reference"] = r.Reference
	}
	return m
}

// Surface is the page-level view of a session an agent drives.
type Surface interface {
	Goto(url string) error
	// Settle waits for the page to stop loading after an action.
	Settle() error
	Scope() locate.Scope
}

// SurfaceFunc adapts a session to a Surface.
type SurfaceFunc func(s browser.Session) Surface

// PlaywrightSurface returns the production adapter. Every wait is bounded by timeout.
func PlaywrightSurface(timeout time.Duration) SurfaceFunc {
	return func(s browser.Session) Surface {
		return pwSurface{page: s.Page(), timeout: timeout}
	}
}

type pwSurface struct {
	page    playwright.Page
	timeout time.Duration
}

func (p pwSurface) Goto(url string) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(p.timeout.Milliseconds())),
	})
	return err
}

func (p pwSurface) Settle() error {
	return p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(float64(p.timeout.Milliseconds())),
	})
}

func (p pwSurface) Scope() locate.Scope { return locate.PageScope(p.page, p.timeout) }
