package extract

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"portalbridge/internal/logger"
)

// Pipeline applies the field rules to scraped values. It is safe for
// concurrent use once built.
type Pipeline struct {
	rules    Rules
	excluded []*regexp.Regexp
	keywords []string
	headers  map[string]struct{}
	log      *logger.Logger
	now      func() time.Time
}

func NewPipeline(rules Rules) (*Pipeline, error) {
	p := &Pipeline{
		rules:   rules,
		headers: make(map[string]struct{}, len(rules.HeaderWords)),
		log:     logger.New("ExtractPipeline"),
		now:     time.Now,
	}
	for _, pat := range rules.ExcludePatterns {
		re, err := regexp.Compile(`(?i)` + pat)
		if err != nil {
			return nil, fmt.Errorf("compile exclusion pattern %q: %w", pat, err)
		}
		p.excluded = append(p.excluded, re)
	}
	for _, kw := range rules.DomainKeywords {
		p.keywords = append(p.keywords, strings.ToLower(kw))
	}
	for _, h := range rules.HeaderWords {
		p.headers[strings.ToLower(h)] = struct{}{}
	}
	return p, nil
}

// Default returns a pipeline built from DefaultRules.
func Default() *Pipeline {
	p, err := NewPipeline(DefaultRules())
	if err != nil {
		panic(err)
	}
	return p
}

// WithLogger replaces the pipeline logger.
func (p *Pipeline) WithLogger(l *logger.Logger) *Pipeline {
	p.log = l
	return p
}

// FreeText validates diagnosis and note text.
func (p *Pipeline) FreeText(raw string) (string, Reason) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ReasonEmpty
	}
	for _, re := range p.excluded {
		if re.MatchString(trimmed) {
			return "", ReasonExcludedPattern
		}
	}
	n := runeLen(trimmed)
	if n < p.rules.MinTextLength {
		return "", ReasonTooShort
	}
	if n > p.rules.MaxTextLength {
		return "", ReasonTooLong
	}
	if n < p.rules.ShortTextLength && !p.hasKeyword(trimmed) {
		return "", ReasonMissingKeyword
	}
	return NormalizeText(trimmed), ""
}

func (p *Pipeline) hasKeyword(s string) bool {
	lower := strings.ToLower(s)
	for _, kw := range p.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Amount coerces and range-checks a monetary value, rounded to cents.
func (p *Pipeline) Amount(raw string) (float64, Reason) {
	if strings.TrimSpace(raw) == "" {
		return 0, ReasonEmpty
	}
	v, err := ParseAmount(raw)
	if err != nil {
		return 0, ReasonNotANumber
	}
	if v < p.rules.MinAmount || v > p.rules.MaxAmount {
		return 0, ReasonOutOfRange
	}
	v = RoundCurrency(v)
	if v == 0 {
		// drop the sign of a negative zero
		v = 0
	}
	return v, ""
}

// Items drops noise entries and duplicates, keeping first-seen order.
// Returns ReasonAllItemsFiltered when a non-empty input filters down to nothing.
func (p *Pipeline) Items(raw []string) ([]string, Reason) {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(horizontalSpace.ReplaceAllString(strings.ReplaceAll(item, "\n", " "), " "))
		if runeLen(item) < 2 || pureNumeric.MatchString(item) || pureCurrency.MatchString(item) {
			continue
		}
		key := strings.ToLower(item)
		if _, isHeader := p.headers[key]; isHeader {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	if len(out) == 0 && len(raw) > 0 {
		return out, ReasonAllItemsFiltered
	}
	return out, ""
}

// Validate runs every field rule. Failures are recorded per field and never
// stop the remaining fields from being validated.
func (p *Pipeline) Validate(raw Raw) *Record {
	rec := &Record{SourceKey: raw.SourceKey, ValidatedAt: p.now().UTC()}

	rec.Diagnosis = textField(raw.Diagnosis, p.FreeText)
	rec.NationalID = textField(raw.NationalID, Identifier)
	rec.SecondaryID = textField(raw.SecondaryID, SecondaryIdentifier)

	rec.Amount = AmountField{Raw: raw.Amount.Text, Provenance: raw.Amount.Provenance}
	if v, reason := p.Amount(raw.Amount.Text); reason == "" {
		rec.Amount.Cleaned = &v
		rec.Amount.Status = StatusValid
	} else {
		rec.Amount.Status, rec.Amount.Reason = rejectedOrMissing(reason)
	}

	rec.Items = ListField{Raw: raw.Items, Provenance: raw.ItemsProvenance}
	items, reason := p.Items(raw.Items)
	if reason == "" {
		rec.Items.Cleaned = &items
		rec.Items.Status = StatusValid
	} else {
		rec.Items.Status, rec.Items.Reason = StatusRejected, reason
	}

	for field, reason := range rec.Rejections() {
		p.log.Debug().Str("source_key", raw.SourceKey).Str("field", field).Str("reason", string(reason)).Msg("field rejected")
	}
	return rec
}

func textField(v Value, rule func(string) (string, Reason)) TextField {
	f := TextField{Raw: v.Text, Provenance: v.Provenance}
	cleaned, reason := rule(v.Text)
	if reason != "" {
		f.Status, f.Reason = rejectedOrMissing(reason)
		return f
	}
	f.Cleaned = &cleaned
	f.Status = StatusValid
	return f
}

func rejectedOrMissing(reason Reason) (Status, Reason) {
	if reason == ReasonEmpty {
		return StatusMissing, reason
	}
	return StatusRejected, reason
}

var defaultPipeline = Default()

// ValidateFreeText applies the default free-text rule.
func ValidateFreeText(raw string) (string, Reason) { return defaultPipeline.FreeText(raw) }

// ValidateAmount applies the default amount rule.
func ValidateAmount(raw string) (float64, Reason) { return defaultPipeline.Amount(raw) }

// ValidateItems applies the default item-list rule.
func ValidateItems(raw []string) ([]string, Reason) { return defaultPipeline.Items(raw) }
