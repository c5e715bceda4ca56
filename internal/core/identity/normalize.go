// Package identity turns loosely formatted identifiers and display names
// scraped from portals into search-ready keys.
package identity

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

// MinIdentifierDigits is the shortest digit run accepted as a record number.
const MinIdentifierDigits = 6

var (
	nationalIDRe  = regexp.MustCompile(`^[A-Z]\d{7}[A-Z]$`)
	nationalIDSep = regexp.MustCompile(`[\s\-._/]+`)
	// Separators between structural name segments. A bare hyphen is not one,
	// so hyphenated surnames stay intact.
	segmentSep = regexp.MustCompile(`\s+[-–—]\s+|\s*[|/:;]\s*`)
	multiSpace = regexp.MustCompile(`\s{2,}`)
)

// DefaultPrefixTokens are organizational and contract tags portals put in
// front of a person's name.
var DefaultPrefixTokens = []string{
	"MUTUA", "MUTUALIDAD", "ASEGURADORA", "ASEG", "CIA", "COMPAÑIA",
	"CONTRATO", "CTR", "CTO", "POLIZA", "PÓLIZA", "EMPRESA", "EMP",
	"PRIVADO", "PRIV", "CONVENIO", "CONV", "ACCIDENTE", "REF",
}

// Identity is the canonical search key set for one record.
type Identity struct {
	Identifier *string `json:"identifier"`
	NationalID *string `json:"national_id"`
	Name       string  `json:"name"`
}

// Empty reports whether no usable key was produced.
func (i Identity) Empty() bool {
	return i.Identifier == nil && i.NationalID == nil && strings.TrimSpace(i.Name) == ""
}

// Normalizer holds the token set used to strip name prefixes.
type Normalizer struct {
	prefixTokens map[string]struct{}
}

// NewNormalizer builds a normalizer recognising the given prefix tokens.
func NewNormalizer(tokens []string) *Normalizer {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[strings.ToUpper(strings.TrimSpace(t))] = struct{}{}
	}
	return &Normalizer{prefixTokens: set}
}

var defaultNormalizer = NewNormalizer(DefaultPrefixTokens)

// NormalizeIdentifier keeps only digits and accepts runs of at least
// MinIdentifierDigits.
func NormalizeIdentifier(raw string) (string, bool) {
	folded := width.Narrow.String(raw)
	var b strings.Builder
	for _, r := range folded {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	id := b.String()
	if len(id) < MinIdentifierDigits {
		return "", false
	}
	return id, true
}

// NormalizeNationalID compacts and upper-cases a letter+7 digits+letter id.
func NormalizeNationalID(raw string) (string, bool) {
	folded := width.Narrow.String(raw)
	compact := strings.ToUpper(nationalIDSep.ReplaceAllString(folded, ""))
	if !nationalIDRe.MatchString(compact) {
		return "", false
	}
	return compact, true
}

// NormalizeDisplayName strips known prefix tokens using the default token set.
func NormalizeDisplayName(raw string) string {
	return defaultNormalizer.DisplayName(raw)
}

// DisplayName removes leading segments that start with a known token, as in
// "MUTUA X - CTR 991 - GARCIA LOPEZ, ANA". Input without such a structural
// prefix is returned unchanged.
func (n *Normalizer) DisplayName(raw string) string {
	rest := strings.TrimSpace(raw)
	stripped := false
	for {
		loc := segmentSep.FindStringIndex(rest)
		if loc == nil {
			break
		}
		head := rest[:loc[0]]
		if !n.isPrefixSegment(head) {
			break
		}
		rest = strings.TrimSpace(rest[loc[1]:])
		stripped = true
	}
	if !stripped || rest == "" || n.isPrefixSegment(rest) {
		return raw
	}
	return multiSpace.ReplaceAllString(rest, " ")
}

func (n *Normalizer) isPrefixSegment(seg string) bool {
	fields := strings.Fields(seg)
	if len(fields) == 0 {
		return false
	}
	first := strings.ToUpper(strings.TrimFunc(fields[0], func(r rune) bool {
		return !unicode.IsLetter(r)
	}))
	_, ok := n.prefixTokens[first]
	return ok
}

// Normalize builds the identity for a record from its raw scraped values.
func (n *Normalizer) Normalize(rawIdentifier, rawNationalID, rawName string) Identity {
	var out Identity
	if id, ok := NormalizeIdentifier(rawIdentifier); ok {
		out.Identifier = &id
	}
	if nid, ok := NormalizeNationalID(rawNationalID); ok {
		out.NationalID = &nid
	}
	out.Name = strings.TrimSpace(n.DisplayName(rawName))
	return out
}

// Normalize uses the default token set.
func Normalize(rawIdentifier, rawNationalID, rawName string) Identity {
	return defaultNormalizer.Normalize(rawIdentifier, rawNationalID, rawName)
}
