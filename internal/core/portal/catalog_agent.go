package portal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"portalbridge/internal/core/browser"
	"portalbridge/internal/core/extract"
	"portalbridge/internal/core/failure"
	"portalbridge/internal/core/identity"
	"portalbridge/internal/core/locate"
	"portalbridge/internal/logger"
)

// Credentials authenticate an agent against its portal.
type Credentials struct {
	Username string
	Password string
}

// CatalogAgent drives any portal described by a Catalog.
type CatalogAgent struct {
	cat     *Catalog
	creds   Credentials
	surface SurfaceFunc
	now     func() time.Time
	log     *logger.Logger
}

// NewCatalogAgent builds an agent reading credentials from the environment
// variables the catalog names.
func NewCatalogAgent(cat *Catalog, surface SurfaceFunc) *CatalogAgent {
	return &CatalogAgent{
		cat: cat,
		creds: Credentials{
			Username: os.Getenv(cat.Login.UsernameEnv),
			Password: os.Getenv(cat.Login.PasswordEnv),
		},
		surface: surface,
		now:     time.Now,
		log:     logger.New("PortalAgent").With(map[string]interface{}{"portal": cat.Name}),
	}
}

// WithCredentials overrides the environment credentials.
func (a *CatalogAgent) WithCredentials(c Credentials) *CatalogAgent {
	a.creds = c
	return a
}

func (a *CatalogAgent) Name() string { return a.cat.Name }

// Catalog returns the catalog the agent drives.
func (a *CatalogAgent) Catalog() *Catalog { return a.cat }

func (a *CatalogAgent) Authenticate(ctx context.Context, s browser.Session) error {
	const op = "authenticate"
	if err := ctx.Err(); err != nil {
		return failure.New(failure.KindCanceled, op, err)
	}
	if a.creds.Username == "" || a.creds.Password == "" {
		return failure.Auth(op, fmt.Errorf("no credentials for portal %s (set %s and %s)", a.cat.Name, a.cat.Login.UsernameEnv, a.cat.Login.PasswordEnv))
	}
	surf := a.surface(s)
	if err := surf.Goto(a.cat.URL(a.cat.Login.URL)); err != nil {
		return failure.Network(op, fmt.Errorf("open login page: %w", err))
	}
	scope := surf.Scope()
	if err := a.fill(scope, "username", a.cat.Login.Username, a.creds.Username); err != nil {
		return failure.Locator(op, err)
	}
	if err := a.fill(scope, "password", a.cat.Login.Password, a.creds.Password); err != nil {
		return failure.Locator(op, err)
	}
	if err := a.click(scope, "login submit", a.cat.Login.Submit); err != nil {
		return failure.Locator(op, err)
	}
	if err := surf.Settle(); err != nil {
		return failure.Network(op, fmt.Errorf("wait after login: %w", err))
	}

	scope = surf.Scope()
	if !a.cat.Login.Failure.Empty() {
		if _, err := a.cat.Login.Failure.Chain(false).Resolve(scope); err == nil {
			return failure.Auth(op, ErrBadCredentials)
		}
	}
	if !a.cat.Login.Success.Empty() {
		if _, err := a.cat.Login.Success.Chain(false).Resolve(scope); err != nil {
			return failure.Auth(op, fmt.Errorf("login not confirmed: %w", err))
		}
	}
	a.log.Info().Msg("authenticated")
	return nil
}

// SearchKey picks the identity key the catalog searches by.
func (a *CatalogAgent) SearchKey(id identity.Identity) (string, bool) {
	deref := func(p *string) (string, bool) {
		if p == nil || *p == "" {
			return "", false
		}
		return *p, true
	}
	switch a.cat.Search.Key {
	case "national_id":
		return deref(id.NationalID)
	case "name":
		return id.Name, strings.TrimSpace(id.Name) != ""
	default:
		return deref(id.Identifier)
	}
}

func (a *CatalogAgent) Locate(ctx context.Context, s browser.Session, id identity.Identity) error {
	const op = "locate record"
	if err := ctx.Err(); err != nil {
		return failure.New(failure.KindCanceled, op, err)
	}
	key, ok := a.SearchKey(id)
	if !ok {
		return failure.New(failure.KindValidation, op, fmt.Errorf("record has no usable %s key", a.searchKeyName()))
	}
	surf := a.surface(s)
	if a.cat.Search.URL != "" {
		if err := surf.Goto(a.cat.URL(a.cat.Search.URL)); err != nil {
			return NavigationFailure(op, fmt.Errorf("open search page: %w", err))
		}
	}
	scope := surf.Scope()
	if err := a.fill(scope, "search field", a.cat.Search.Field, key); err != nil {
		return failure.Locator(op, err)
	}
	if !a.cat.Search.Submit.Empty() {
		if err := a.click(scope, "search submit", a.cat.Search.Submit); err != nil {
			return failure.Locator(op, err)
		}
	}
	if err := surf.Settle(); err != nil {
		return NavigationFailure(op, fmt.Errorf("wait for search results: %w", err))
	}

	scope = surf.Scope()
	if !a.cat.Search.NotFound.Empty() {
		if _, err := a.cat.Search.NotFound.Chain(false).Resolve(scope); err == nil {
			return failure.Locator(op, fmt.Errorf("%w: %s", ErrRecordNotFound, key))
		}
	}
	if !a.cat.Search.Result.Empty() {
		m, err := a.cat.Search.Result.Chain(false).Resolve(scope)
		if err != nil {
			return failure.Locator(op, fmt.Errorf("%w: %s: %v", ErrRecordNotFound, key, err))
		}
		if err := m.Element.Click(); err != nil {
			return failure.Locator(op, fmt.Errorf("open result: %w", err))
		}
		if err := surf.Settle(); err != nil {
			return NavigationFailure(op, fmt.Errorf("wait for record page: %w", err))
		}
	}
	return nil
}

func (a *CatalogAgent) searchKeyName() string {
	if a.cat.Search.Key == "" {
		return "identifier"
	}
	return a.cat.Search.Key
}

func (a *CatalogAgent) Extract(ctx context.Context, s browser.Session) (extract.Raw, error) {
	if err := ctx.Err(); err != nil {
		return extract.Raw{}, failure.New(failure.KindCanceled, "extract", err)
	}
	return a.extractFrom(a.surface(s).Scope()), nil
}

func (a *CatalogAgent) extractFrom(scope locate.Scope) extract.Raw {
	f := a.cat.Fields
	raw := extract.Raw{
		Diagnosis:   a.value(scope, "diagnosis", f.Diagnosis),
		NationalID:  a.value(scope, "national_id", f.NationalID),
		SecondaryID: a.value(scope, "secondary_id", f.SecondaryID),
		Amount:      a.value(scope, "amount", f.Amount),
	}
	items := a.value(scope, "items", f.Items)
	raw.ItemsProvenance = items.Provenance
	for _, line := range strings.Split(items.Text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			raw.Items = append(raw.Items, line)
		}
	}
	return raw
}

// value reads one field. A field the page does not show is returned empty.
func (a *CatalogAgent) value(scope locate.Scope, name string, l Locator) extract.Value {
	if l.Empty() {
		return extract.Value{}
	}
	m, err := l.Chain(false).Resolve(scope)
	if err != nil {
		a.log.Debug().Str("field", name).Err(err).Msg("field not found")
		return extract.Value{}
	}
	text := m.Element.Text()
	if l.Rich {
		text = extract.TextFromHTML(m.Element.HTML())
	}
	if m.Fallback {
		a.log.Debug().Str("field", name).Str("strategy", m.Strategy).Msg("field resolved by fallback strategy")
	}
	return extract.Value{
		Text:       text,
		Provenance: extract.Provenance{Strategy: m.Strategy, Fallback: m.Fallback},
	}
}

func (a *CatalogAgent) Fill(ctx context.Context, s browser.Session, rec *extract.Record) error {
	if err := ctx.Err(); err != nil {
		return failure.New(failure.KindCanceled, "fill form", err)
	}
	return a.fillInto(a.surface(s).Scope(), rec)
}

func (a *CatalogAgent) fillInto(scope locate.Scope, rec *extract.Record) error {
	const op = "fill form"
	if !rec.Usable() {
		return failure.New(failure.KindValidation, op, fmt.Errorf("record %s has no usable diagnosis or items", rec.SourceKey))
	}
	for _, f := range a.cat.Form.Fields {
		v, ok := FieldValue(rec, f.Value)
		if !ok {
			if f.Required {
				return failure.New(failure.KindValidation, op, fmt.Errorf("required field %s (%s) is not valid", f.Name, f.Value))
			}
			continue
		}
		if err := a.fill(scope, f.Name, f.Locator, v); err != nil {
			return failure.Locator(op, err)
		}
	}
	return nil
}

// FieldValue renders a validated record field for a form control.
func FieldValue(rec *extract.Record, name string) (string, bool) {
	text := func(f extract.TextField) (string, bool) {
		if !f.Valid() || f.Cleaned == nil {
			return "", false
		}
		return *f.Cleaned, true
	}
	switch name {
	case "diagnosis":
		return text(rec.Diagnosis)
	case "national_id":
		return text(rec.NationalID)
	case "secondary_id":
		return text(rec.SecondaryID)
	case "amount":
		if !rec.Amount.Valid() || rec.Amount.Cleaned == nil {
			return "", false
		}
		return extract.FormatAmount(*rec.Amount.Cleaned), true
	case "items":
		if !rec.Items.Valid() || rec.Items.Cleaned == nil || len(*rec.Items.Cleaned) == 0 {
			return "", false
		}
		return strings.Join(*rec.Items.Cleaned, "\n"), true
	}
	return "", false
}

func (a *CatalogAgent) Save(ctx context.Context, s browser.Session, draft bool) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, failure.New(failure.KindCanceled, "save form", err)
	}
	surf := a.surface(s)
	return a.saveIn(surf.Scope(), surf.Settle, draft)
}

func (a *CatalogAgent) saveIn(scope locate.Scope, settle func() error, draft bool) (Receipt, error) {
	const op = "save form"
	button, label := a.cat.Form.Submit, "submit"
	if draft {
		if a.cat.Form.SaveDraft.Empty() {
			return Receipt{}, failure.New(failure.KindValidation, op, errors.New("portal has no draft support"))
		}
		button, label = a.cat.Form.SaveDraft, "save draft"
	}
	if err := a.click(scope, label, button); err != nil {
		return Receipt{}, failure.Locator(op, err)
	}
	if !draft && !a.cat.Form.Confirm.Empty() {
		if err := a.click(scope, "confirm", a.cat.Form.Confirm); err != nil {
			return Receipt{}, failure.Locator(op, err)
		}
	}
	if err := settle(); err != nil {
		return Receipt{}, NavigationFailure(op, fmt.Errorf("wait after %s: %w", label, err))
	}

	r := Receipt{Target: a.cat.Name, Draft: draft, SavedAt: a.now().UTC()}
	if !a.cat.Form.Reference.Empty() {
		if m, err := a.cat.Form.Reference.Chain(false).Resolve(scope); err == nil {
			r.Reference = strings.TrimSpace(m.Element.Text())
		}
	}
	a.log.Info().Bool("draft", draft).Str("reference", r.Reference).Msg("form saved")
	return r, nil
}

// egressErrors are the browser network errors that mean the egress path is
// gone rather than one page misbehaving.
var egressErrors = []string{
	"net::ERR_PROXY_",
	"net::ERR_TUNNEL_",
	"net::ERR_CONNECTION_REFUSED",
	"net::ERR_INTERNET_DISCONNECTED",
	"net::ERR_NAME_NOT_RESOLVED",
	"net::ERR_ADDRESS_UNREACHABLE",
}

// NavigationFailure classifies a page load or settle error on a record page.
// Egress errors are network failures; timeouts and other page errors only
// fail the item at hand.
func NavigationFailure(op string, err error) error {
	msg := err.Error()
	for _, marker := range egressErrors {
		if strings.Contains(msg, marker) {
			return failure.Network(op, err)
		}
	}
	return failure.Locator(op, err)
}

func (a *CatalogAgent) fill(scope locate.Scope, name string, l Locator, value string) error {
	m, err := l.Chain(true).Resolve(scope)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := m.Element.Fill(value); err != nil {
		return fmt.Errorf("fill %s: %w", name, err)
	}
	return nil
}

func (a *CatalogAgent) click(scope locate.Scope, name string, l Locator) error {
	m, err := l.Chain(false).Resolve(scope)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := m.Element.Click(); err != nil {
		return fmt.Errorf("click %s: %w", name, err)
	}
	return nil
}
