package locate

import (
	"time"

	"github.com/playwright-community/playwright-go"
)

const rowXPath = `xpath=ancestor::*[self::tr or @role='row' or @role='group' or self::fieldset][1]`

const textScript = `el => {
	if (el instanceof HTMLInputElement || el instanceof HTMLTextAreaElement || el instanceof HTMLSelectElement) {
		return el.value || '';
	}
	return el.innerText || el.textContent || '';
}`

// PageScope adapts a playwright page to Scope. Every element operation is
// bounded by timeout.
func PageScope(page playwright.Page, timeout time.Duration) Scope {
	return pwScope{root: page.Locator("body"), timeout: ms(timeout)}
}

// LocatorScope adapts a sub-tree of the page to Scope.
func LocatorScope(root playwright.Locator, timeout time.Duration) Scope {
	return pwScope{root: root, timeout: ms(timeout)}
}

type pwScope struct {
	root    playwright.Locator
	timeout float64
}

func (s pwScope) Query(selector string) []Element {
	return s.wrap(s.root.Locator(selector))
}

func (s pwScope) ByText(text string) []Element {
	return s.wrap(s.root.GetByText(text, playwright.LocatorGetByTextOptions{Exact: playwright.Bool(true)}))
}

func (s pwScope) Row(el Element) Scope {
	pe, ok := el.(pwElement)
	if !ok {
		return nil
	}
	row := pe.loc.Locator(rowXPath)
	if n, err := row.Count(); err != nil || n == 0 {
		return nil
	}
	return pwScope{root: row.First(), timeout: s.timeout}
}

func (s pwScope) wrap(loc playwright.Locator) []Element {
	all, err := loc.All()
	if err != nil {
		return nil
	}
	out := make([]Element, 0, len(all))
	for _, l := range all {
		out = append(out, pwElement{loc: l, timeout: s.timeout})
	}
	return out
}

type pwElement struct {
	loc     playwright.Locator
	timeout float64
}

func (e pwElement) Box() (Box, bool) {
	r, err := e.loc.BoundingBox(playwright.LocatorBoundingBoxOptions{Timeout: playwright.Float(e.timeout)})
	if err != nil || r == nil {
		return Box{}, false
	}
	return Box{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}, true
}

func (e pwElement) Visible() bool {
	v, err := e.loc.IsVisible()
	return err == nil && v
}

func (e pwElement) Text() string {
	v, err := e.loc.Evaluate(textScript, nil, playwright.LocatorEvaluateOptions{Timeout: playwright.Float(e.timeout)})
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (e pwElement) HTML() string {
	h, err := e.loc.InnerHTML(playwright.LocatorInnerHTMLOptions{Timeout: playwright.Float(e.timeout)})
	if err != nil {
		return ""
	}
	return h
}

func (e pwElement) Fill(value string) error {
	return e.loc.Fill(value, playwright.LocatorFillOptions{Timeout: playwright.Float(e.timeout)})
}

func (e pwElement) Click() error {
	return e.loc.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(e.timeout)})
}

func ms(d time.Duration) float64 {
	if d <= 0 {
		d = 30 * time.Second
	}
	return float64(d.Milliseconds())
}
