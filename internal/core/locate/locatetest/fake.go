// Package locatetest provides an in-memory page for exercising locator
// strategies and portal agents without a browser.
package locatetest

import (
	"sync"

	"portalbridge/internal/core/locate"
)

// Element is a fake page node.
type Element struct {
	ID     string
	Rect   locate.Box
	NoBox  bool
	Hidden bool
	Value  string
	Markup string
	// Row names the Page returned by Page.Row for this element.
	Row     string
	FillErr error
	OnClick func()

	mu     sync.Mutex
	filled []string
	clicks int
}

func (e *Element) Box() (locate.Box, bool) { return e.Rect, !e.NoBox }
func (e *Element) Visible() bool           { return !e.Hidden }
func (e *Element) Text() string            { return e.Value }

func (e *Element) HTML() string {
	if e.Markup != "" {
		return e.Markup
	}
	return e.Value
}

func (e *Element) Fill(v string) error {
	if e.FillErr != nil {
		return e.FillErr
	}
	e.mu.Lock()
	e.filled = append(e.filled, v)
	e.Value = v
	e.mu.Unlock()
	return nil
}

func (e *Element) Click() error {
	e.mu.Lock()
	e.clicks++
	e.mu.Unlock()
	if e.OnClick != nil {
		e.OnClick()
	}
	return nil
}

// Filled returns every value written with Fill.
func (e *Element) Filled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.filled...)
}

// Clicks returns how often the element was clicked.
func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

// Page is a fake Scope keyed by exact selector and text.
type Page struct {
	Selectors map[string][]*Element
	Texts     map[string][]*Element
	Rows      map[string]*Page
}

// NewPage returns an empty page.
func NewPage() *Page {
	return &Page{
		Selectors: map[string][]*Element{},
		Texts:     map[string][]*Element{},
		Rows:      map[string]*Page{},
	}
}

// Add registers els under selector.
func (p *Page) Add(selector string, els ...*Element) *Page {
	p.Selectors[selector] = append(p.Selectors[selector], els...)
	return p
}

// AddText registers els as matching text exactly.
func (p *Page) AddText(text string, els ...*Element) *Page {
	p.Texts[text] = append(p.Texts[text], els...)
	return p
}

// AddRow registers a row scope under name.
func (p *Page) AddRow(name string, row *Page) *Page {
	p.Rows[name] = row
	return p
}

func (p *Page) Query(selector string) []locate.Element { return wrap(p.Selectors[selector]) }
func (p *Page) ByText(text string) []locate.Element    { return wrap(p.Texts[text]) }

func (p *Page) Row(el locate.Element) locate.Scope {
	fe, ok := el.(*Element)
	if !ok || fe.Row == "" {
		return nil
	}
	row, ok := p.Rows[fe.Row]
	if !ok {
		return nil
	}
	return row
}

func wrap(els []*Element) []locate.Element {
	out := make([]locate.Element, len(els))
	for i, e := range els {
		out[i] = e
	}
	return out
}
