package extract

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"portalbridge/internal/core/identity"
)

// Rules parameterises the field validators.
type Rules struct {
	MinTextLength   int
	MaxTextLength   int
	ShortTextLength int
	DomainKeywords  []string
	ExcludePatterns []string
	MinAmount       float64
	MaxAmount       float64
	HeaderWords     []string
}

// DefaultRules mirror what the legacy portals render around clinical notes.
func DefaultRules() Rules {
	return Rules{
		MinTextLength:   5,
		MaxTextLength:   4000,
		ShortTextLength: 25,
		DomainKeywords: []string{
			"dolor", "lesi", "fractur", "contusi", "esguince", "tendin", "lumb",
			"cervical", "rodilla", "hombro", "tobillo", "diagn", "tratamiento",
			"trauma", "herida", "rotura", "luxaci", "pain", "injur", "sprain",
			"strain", "diagnos", "treatment", "wound", "tear",
		},
		ExcludePatterns: []string{
			`iniciar\s+sesi[oó]n`,
			`\blog\s?in\b`,
			`\bsign\s?in\b`,
			`contrase[ñn]a`,
			`\bpassword\b`,
			`sesi[oó]n\s+(ha\s+)?(caducado|expirado)`,
			`session\s+(has\s+)?expired`,
			`no\s+se\s+han\s+encontrado\s+resultados`,
			`no\s+results\s+found`,
			`cargando\.\.\.`,
			`loading\.\.\.`,
			`acepta(r)?\s+(las\s+)?cookies`,
			`accept\s+(all\s+)?cookies`,
			`^\s*(aceptar|cancelar|cerrar|guardar|buscar|volver|ok|cancel|close|save|search|submit|back)\s*$`,
		},
		MinAmount: 0,
		MaxAmount: 100000,
		HeaderWords: []string{
			"concepto", "conceptos", "descripción", "descripcion", "importe",
			"total", "subtotal", "cantidad", "precio", "unidades", "iva",
			"description", "item", "items", "amount", "price", "qty", "quantity",
			"concept", "servicio", "servicios",
		},
	}
}

var (
	horizontalSpace = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	pureNumeric     = regexp.MustCompile(`^[\d\s.,]+$`)
	pureCurrency    = regexp.MustCompile(`(?i)^(?:[€$£]\s*)?-?[\d.,\s]*(?:\s*(?:€|\$|£|eur|usd|gbp))?$`)
	amountNoise     = regexp.MustCompile(`(?i)(eur|usd|gbp|[€$£\s])`)
)

var errNotANumber = errors.New("not a number")

// NormalizeText trims every line, collapses runs of blanks and drops empty lines.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(horizontalSpace.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// ParseAmount reads amounts written either "1.234,56 €" or "$1,234.56".
// A lone separator followed by exactly three digits is a thousands separator.
func ParseAmount(raw string) (float64, error) {
	s := amountNoise.ReplaceAllString(raw, "")
	if s == "" {
		return 0, errNotANumber
	}
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		s = decimalOrGrouping(s, ",")
	case lastDot >= 0:
		s = decimalOrGrouping(s, ".")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errNotANumber
	}
	return v, nil
}

func decimalOrGrouping(s, sep string) string {
	if strings.Count(s, sep) > 1 {
		return strings.ReplaceAll(s, sep, "")
	}
	idx := strings.Index(s, sep)
	if len(s)-idx-1 == 3 && idx > 0 {
		return strings.ReplaceAll(s, sep, "")
	}
	return strings.Replace(s, sep, ".", 1)
}

// RoundCurrency rounds to two decimal places.
func RoundCurrency(v float64) float64 {
	return math.Round(v*100) / 100
}

func runeLen(s string) int { return utf8.RuneCountInString(strings.TrimSpace(s)) }

// FormatAmount renders a cleaned amount so it re-validates to the same value.
func FormatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// Identifier validates the national id field through the identity rules.
func Identifier(raw string) (string, Reason) {
	if strings.TrimSpace(raw) == "" {
		return "", ReasonEmpty
	}
	id, ok := identity.NormalizeNationalID(raw)
	if !ok {
		return "", ReasonInvalidFormat
	}
	return id, ""
}

// SecondaryIdentifier validates an optional record number.
func SecondaryIdentifier(raw string) (string, Reason) {
	if strings.TrimSpace(raw) == "" {
		return "", ReasonEmpty
	}
	id, ok := identity.NormalizeIdentifier(raw)
	if !ok {
		return "", ReasonInvalidFormat
	}
	return id, ""
}
