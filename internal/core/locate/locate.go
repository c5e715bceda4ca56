// Package locate finds form fields and values on portal pages through an
// ordered chain of strategies: stable attribute, table heading or label,
// then spatial proximity to a label within the same row.
package locate

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when no strategy in a chain matched.
var ErrNotFound = errors.New("element not found by any locator strategy")

// Box is an on-screen bounding box in CSS pixels.
type Box struct {
	X, Y, Width, Height float64
}

// Center returns the midpoint of the box.
func (b Box) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Element is a handle on one node of the driven page.
type Element interface {
	Box() (Box, bool)
	Visible() bool
	Text() string
	HTML() string
	Fill(value string) error
	Click() error
}

// Scope is a region of the page elements are searched in.
type Scope interface {
	Query(selector string) []Element
	ByText(text string) []Element
	// Row returns the structural row or group containing el, or nil.
	Row(el Element) Scope
}

// Strategy tries to find one element. It reports not-found instead of failing.
type Strategy interface {
	Name() string
	Locate(scope Scope) (Element, bool)
}

// Match is a resolved element with the strategy that produced it.
type Match struct {
	Element  Element
	Strategy string
	// Fallback is set when a strategy other than the first one matched.
	Fallback bool
}

// Chain tries its strategies in order.
type Chain []Strategy

// Resolve returns the first match of the chain.
func (c Chain) Resolve(scope Scope) (Match, error) {
	for i, s := range c {
		if el, ok := s.Locate(scope); ok {
			return Match{Element: el, Strategy: s.Name(), Fallback: i > 0}, nil
		}
	}
	names := make([]string, len(c))
	for i, s := range c {
		names[i] = s.Name()
	}
	return Match{}, fmt.Errorf("%w (tried %s)", ErrNotFound, strings.Join(names, ", "))
}

// ByAttribute matches stable name/id/data attribute selectors.
type ByAttribute struct {
	Selectors []string
}

func (ByAttribute) Name() string { return "attribute" }

func (s ByAttribute) Locate(scope Scope) (Element, bool) {
	for _, sel := range s.Selectors {
		if el, ok := firstVisible(scope.Query(sel)); ok {
			return el, true
		}
	}
	return nil, false
}

// ByHeading resolves a value cell by the text of its table column heading or
// of an associated label.
type ByHeading struct {
	Heading string
	// Input restricts the match to form controls.
	Input bool
}

func (ByHeading) Name() string { return "heading" }

func (s ByHeading) Locate(scope Scope) (Element, bool) {
	if strings.TrimSpace(s.Heading) == "" {
		return nil, false
	}
	for _, sel := range HeadingSelectors(s.Heading, s.Input) {
		if el, ok := firstVisible(scope.Query(sel)); ok {
			return el, true
		}
	}
	return nil, false
}

// HeadingSelectors builds the XPath selectors used by ByHeading.
func HeadingSelectors(heading string, input bool) []string {
	h := xpathLiteral(strings.TrimSpace(heading))
	controls := `*[self::input[not(@type='hidden')] or self::textarea or self::select]`
	if input {
		return []string{
			`xpath=//label[normalize-space()=` + h + `]/following::` + controls + `[1]`,
			`xpath=//tr[th[normalize-space()=` + h + `]]//` + controls,
			`xpath=//td[normalize-space()=` + h + `]/following-sibling::td[1]//` + controls,
		}
	}
	return []string{
		`xpath=//table[.//th[normalize-space()=` + h + `]]//tr[td][1]/td[count(//th[normalize-space()=` + h + `]/preceding-sibling::th)+1]`,
		`xpath=//tr[th[normalize-space()=` + h + `]]/td[1]`,
		`xpath=//dt[normalize-space()=` + h + `]/following-sibling::dd[1]`,
		`xpath=//td[normalize-space()=` + h + `]/following-sibling::td[1]`,
	}
}

// ByProximity picks the visible candidate whose center is nearest to the
// label's center. Candidates are only taken from the label's own row.
type ByProximity struct {
	Label string
	// Candidates is the selector for field candidates inside the row.
	Candidates string
}

func (ByProximity) Name() string { return "proximity" }

func (s ByProximity) Locate(scope Scope) (Element, bool) {
	sel := s.Candidates
	if sel == "" {
		sel = "input:not([type=hidden]), textarea, select"
	}
	for _, label := range scope.ByText(s.Label) {
		if !label.Visible() {
			continue
		}
		lbox, ok := label.Box()
		if !ok {
			continue
		}
		row := scope.Row(label)
		if row == nil {
			continue
		}
		var cands []Element
		var boxes []Box
		for _, el := range row.Query(sel) {
			if !el.Visible() {
				continue
			}
			b, ok := el.Box()
			if !ok {
				continue
			}
			cands = append(cands, el)
			boxes = append(boxes, b)
		}
		if i, ok := Nearest(lbox, boxes); ok {
			return cands[i], true
		}
	}
	return nil, false
}

// Nearest returns the index of the candidate whose center has the smallest
// squared euclidean distance to the label center. Ties go to the leftmost
// center, then the topmost, then the earliest candidate.
func Nearest(label Box, candidates []Box) (int, bool) {
	lx, ly := label.Center()
	best := -1
	var bestD, bestX, bestY float64
	for i, c := range candidates {
		cx, cy := c.Center()
		d := (cx-lx)*(cx-lx) + (cy-ly)*(cy-ly)
		if best < 0 || d < bestD || (d == bestD && (cx < bestX || (cx == bestX && cy < bestY))) {
			best, bestD, bestX, bestY = i, d, cx, cy
		}
	}
	return best, best >= 0
}

func firstVisible(els []Element) (Element, bool) {
	for _, el := range els {
		if el.Visible() {
			return el, true
		}
	}
	return nil, false
}

// xpathLiteral quotes s for use in an XPath expression.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	return "concat('" + strings.Join(parts, `', "'", '`) + "')"
}
