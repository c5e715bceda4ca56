package extract

import "time"

// Status is the outcome of validating one field.
type Status string

const (
	StatusValid    Status = "valid"
	StatusRejected Status = "rejected"
	StatusMissing  Status = "missing"
)

// Reason is a machine-readable rejection cause surfaced to operators.
type Reason string

const (
	ReasonEmpty            Reason = "empty"
	ReasonTooShort         Reason = "too_short"
	ReasonTooLong          Reason = "too_long"
	ReasonExcludedPattern  Reason = "contains_excluded_pattern"
	ReasonMissingKeyword   Reason = "missing_domain_keyword"
	ReasonInvalidFormat    Reason = "invalid_format"
	ReasonNotANumber       Reason = "not_a_number"
	ReasonOutOfRange       Reason = "out_of_range"
	ReasonAllItemsFiltered Reason = "all_items_filtered"
	ReasonNotFoundOnPortal Reason = "not_found_on_portal"
)

// Provenance records which locator strategy produced a raw value.
type Provenance struct {
	Strategy string `json:"strategy,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
}

// Field is one validated value: the raw scrape, the cleaned value when
// accepted, and why it was rejected otherwise.
type Field[R any, C any] struct {
	Raw        R          `json:"raw"`
	Cleaned    *C         `json:"cleaned"`
	Status     Status     `json:"status"`
	Reason     Reason     `json:"reason,omitempty"`
	Provenance Provenance `json:"provenance"`
}

func (f Field[R, C]) Valid() bool { return f.Status == StatusValid }

type (
	TextField   = Field[string, string]
	AmountField = Field[string, float64]
	ListField   = Field[[]string, []string]
)

// Value is a raw scraped string with its provenance.
type Value struct {
	Text       string     `json:"text"`
	Provenance Provenance `json:"provenance"`
}

// Raw holds everything a source agent scraped for one record.
type Raw struct {
	SourceKey       string     `json:"source_key"`
	Diagnosis       Value      `json:"diagnosis"`
	NationalID      Value      `json:"national_id"`
	SecondaryID     Value      `json:"secondary_id"`
	Amount          Value      `json:"amount"`
	Items           []string   `json:"items"`
	ItemsProvenance Provenance `json:"items_provenance"`
}

// Record is the validated form of Raw. It is not modified after Validate returns.
type Record struct {
	SourceKey   string      `json:"source_key"`
	Diagnosis   TextField   `json:"diagnosis"`
	NationalID  TextField   `json:"national_id"`
	SecondaryID TextField   `json:"secondary_id"`
	Amount      AmountField `json:"amount"`
	Items       ListField   `json:"items"`
	ValidatedAt time.Time   `json:"validated_at"`
}

// Usable reports whether the record carries enough to submit: valid free
// text, or a valid non-empty item list. An empty list is a valid field but
// gives a target nothing to fill, so it does not make the record usable.
func (r *Record) Usable() bool {
	if r == nil {
		return false
	}
	if r.Diagnosis.Valid() {
		return true
	}
	return r.Items.Valid() && r.Items.Cleaned != nil && len(*r.Items.Cleaned) > 0
}

// Rejections lists the reason for every field that did not validate.
func (r *Record) Rejections() map[string]Reason {
	out := map[string]Reason{}
	add := func(name string, st Status, reason Reason) {
		if st == StatusRejected {
			out[name] = reason
		}
	}
	add("diagnosis", r.Diagnosis.Status, r.Diagnosis.Reason)
	add("national_id", r.NationalID.Status, r.NationalID.Reason)
	add("secondary_id", r.SecondaryID.Status, r.SecondaryID.Reason)
	add("amount", r.Amount.Status, r.Amount.Reason)
	add("items", r.Items.Status, r.Items.Reason)
	return out
}
