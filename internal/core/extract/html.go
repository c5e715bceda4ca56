package extract

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

var (
	mdEmphasis = regexp.MustCompile(`(\*\*|__|~~|` + "`" + `)`)
	mdLineLead = regexp.MustCompile(`(?m)^\s*(#{1,6}\s+|>\s?|[-*+]\s+)`)
	mdEscape   = regexp.MustCompile(`\\([\\` + "`" + `*_{}\[\]()#+\-.!|])`)
)

// TextFromHTML converts a rich-text cell (notes rendered as HTML) into plain
// text lines. Form controls and scripts inside the fragment are dropped.
func TextFromHTML(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return strings.TrimSpace(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	doc.Find("script, style, noscript, button, input, select, textarea, [aria-hidden=true]").Remove()

	body, err := doc.Find("body").Html()
	if err != nil {
		return strings.TrimSpace(doc.Text())
	}
	conv := md.NewConverter("", true, nil)
	text, err := conv.ConvertString(body)
	if err != nil {
		return NormalizeText(doc.Find("body").Text())
	}
	text = mdLineLead.ReplaceAllString(text, "")
	text = mdEmphasis.ReplaceAllString(text, "")
	text = mdEscape.ReplaceAllString(text, "$1")
	return NormalizeText(text)
}
