package extract

import (
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFreeText(t *testing.T) {
	long := strings.Repeat("contusión en rodilla derecha ", 200)
	tests := []struct {
		name   string
		raw    string
		want   string
		reason Reason
	}{
		{"accepts clinical note", "  Dolor lumbar   agudo\r\n\r\n tras caída  ", "Dolor lumbar agudo\ntras caída", ""},
		{"empty", "   ", "", ReasonEmpty},
		{"too short", "abc", "", ReasonTooShort},
		{"too long", long, "", ReasonTooLong},
		{"login modal", "Por favor, inicie sesión. Iniciar sesión", "", ReasonExcludedPattern},
		{"button text", "Aceptar", "", ReasonExcludedPattern},
		{"short without keyword", "Revisión mensual", "", ReasonMissingKeyword},
		{"short with keyword", "Esguince tobillo", "Esguince tobillo", ""},
		{"long text needs no keyword", "Paciente acude a consulta de seguimiento programada sin incidencias", "Paciente acude a consulta de seguimiento programada sin incidencias", ""},
	}
	p := Default()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := p.FreeText(tt.raw)
			assert.Equal(t, tt.reason, reason)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFreeText_ExcludedPatternProperty(t *testing.T) {
	boilerplate := []string{
		"Iniciar sesión",
		"Introduzca su contraseña",
		"Your session has expired",
		"Please log in to continue",
		"No se han encontrado resultados",
		"Cargando...",
		"Aceptar cookies",
	}
	rapid.Check(t, func(t *rapid.T) {
		prefix := rapid.StringMatching(`[a-zA-Z ]{0,40}`).Draw(t, "prefix")
		suffix := rapid.StringMatching(`[a-zA-Z ]{0,40}`).Draw(t, "suffix")
		phrase := rapid.SampledFrom(boilerplate).Draw(t, "phrase")
		raw := prefix + " " + phrase + " " + suffix

		_, reason := ValidateFreeText(raw)
		if reason != ReasonExcludedPattern {
			t.Fatalf("%q: got reason %q", raw, reason)
		}
	})
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{"120", 120},
		{"1.234,56 €", 1234.56},
		{"$1,234.56", 1234.56},
		{"45,5", 45.5},
		{"1.234", 1234},
		{"1,234", 1234},
		{"12.35", 12.35},
		{"EUR 1.000.000", 1000000},
		{"-5", -5},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseAmount(tt.raw)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	_, err := ParseAmount("n/a")
	assert.Error(t, err)
}

func TestAmount(t *testing.T) {
	p := Default()

	v, reason := p.Amount("12,3456 €")
	assert.Empty(t, reason)
	assert.Equal(t, 12.35, v)

	v, reason = p.Amount("99,999 €")
	assert.Empty(t, reason)
	assert.Equal(t, 99999.0, v)

	_, reason = p.Amount("-1")
	assert.Equal(t, ReasonOutOfRange, reason)

	_, reason = p.Amount("100000,01")
	assert.Equal(t, ReasonOutOfRange, reason)

	_, reason = p.Amount("gratis")
	assert.Equal(t, ReasonNotANumber, reason)

	_, reason = p.Amount("")
	assert.Equal(t, ReasonEmpty, reason)
}

func TestAmount_RangeCheckedBeforeRounding(t *testing.T) {
	tests := []struct {
		raw    string
		want   float64
		reason Reason
	}{
		{"-0.0049", 0, ReasonOutOfRange},
		{"100000.0049", 0, ReasonOutOfRange},
		{"0.0049", 0, ""},
		{"-0", 0, ""},
		{"99999.9949", 99999.99, ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			v, reason := ValidateAmount(tt.raw)
			assert.Equal(t, tt.reason, reason)
			assert.Equal(t, tt.want, v)
			assert.False(t, math.Signbit(v), "negative zero")
		})
	}
}

func TestAmount_RangeAndIdempotenceProperty(t *testing.T) {
	p := Default()
	rapid.Check(t, func(t *rapid.T) {
		x := rapid.Float64Range(-1000, 200000).Draw(t, "x")
		raw := strconv.FormatFloat(x, 'f', 4, 64)
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			t.Fatal(err)
		}

		v, reason := p.Amount(raw)
		if parsed < 0 || parsed > 100000 {
			if reason != ReasonOutOfRange {
				t.Fatalf("%s: expected out_of_range, got %q", raw, reason)
			}
			return
		}
		if reason != "" {
			t.Fatalf("%s: unexpected rejection %q", raw, reason)
		}
		if v != RoundCurrency(v) {
			t.Fatalf("%s: %v not rounded to cents", raw, v)
		}
		again, reason := p.Amount(FormatAmount(v))
		if reason != "" || again != v {
			t.Fatalf("re-validation of %v gave %v (%q)", v, again, reason)
		}
	})
}

func TestItems(t *testing.T) {
	got, reason := ValidateItems([]string{
		"Concepto", "Rehabilitación", "12", "€", "45,00 €", "x",
		"Resonancia  magnética", "rehabilitación", "Total", "1.234,56",
		"Rehabilitación",
	})
	assert.Empty(t, reason)
	assert.Equal(t, []string{"Rehabilitación", "Resonancia magnética"}, got)
}

func TestItems_EmptyInput(t *testing.T) {
	got, reason := ValidateItems(nil)
	assert.Empty(t, reason)
	assert.Empty(t, got)
}

func TestItems_AllFiltered(t *testing.T) {
	got, reason := ValidateItems([]string{"12", "Total", "€ 3,00"})
	assert.Equal(t, ReasonAllItemsFiltered, reason)
	assert.Empty(t, got)
}

func TestItems_DedupAndNoiseProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pool := rapid.SliceOfNDistinct(rapid.StringMatching(`x[a-z]{3,8}`), 1, 6, rapid.ID[string]).Draw(t, "pool")
		n := rapid.IntRange(1, 30).Draw(t, "n")

		var input, want []string
		seen := map[string]bool{}
		for i := 0; i < n; i++ {
			if rapid.Bool().Draw(t, "noise") {
				input = append(input, rapid.StringMatching(`[0-9]{1,5}`).Draw(t, "num"))
				continue
			}
			w := rapid.SampledFrom(pool).Draw(t, "word")
			input = append(input, w)
			if !seen[w] {
				seen[w] = true
				want = append(want, w)
			}
		}

		got, _ := ValidateItems(input)
		if len(want) == 0 {
			if len(got) != 0 {
				t.Fatalf("expected empty, got %v", got)
			}
			return
		}
		if strings.Join(got, "|") != strings.Join(want, "|") {
			t.Fatalf("got %v want %v (input %v)", got, want, input)
		}
	})
}

func TestValidate_PartialSuccess(t *testing.T) {
	p := Default()
	rec := p.Validate(Raw{
		SourceKey:  "123456",
		Diagnosis:  Value{Text: "Iniciar sesión", Provenance: Provenance{Strategy: "attribute"}},
		NationalID: Value{Text: "x1234567l"},
		Amount:     Value{Text: "abc"},
		Items:      []string{"Rehabilitación", "Total"},
		ItemsProvenance: Provenance{
			Strategy: "proximity",
			Fallback: true,
		},
	})

	assert.True(t, rec.Usable())
	assert.Equal(t, StatusRejected, rec.Diagnosis.Status)
	assert.Equal(t, ReasonExcludedPattern, rec.Diagnosis.Reason)
	assert.Equal(t, "attribute", rec.Diagnosis.Provenance.Strategy)
	require.NotNil(t, rec.NationalID.Cleaned)
	assert.Equal(t, "X1234567L", *rec.NationalID.Cleaned)
	assert.Equal(t, StatusMissing, rec.SecondaryID.Status)
	assert.Equal(t, ReasonNotANumber, rec.Amount.Reason)
	require.NotNil(t, rec.Items.Cleaned)
	assert.Equal(t, []string{"Rehabilitación"}, *rec.Items.Cleaned)
	assert.True(t, rec.Items.Provenance.Fallback)

	assert.Equal(t, map[string]Reason{
		"diagnosis": ReasonExcludedPattern,
		"amount":    ReasonNotANumber,
	}, rec.Rejections())
}

func TestValidate_NotUsable(t *testing.T) {
	rec := Default().Validate(Raw{
		SourceKey: "1",
		Diagnosis: Value{Text: "abc"},
		Items:     []string{"12"},
	})
	assert.False(t, rec.Usable())
	assert.Equal(t, ReasonTooShort, rec.Diagnosis.Reason)
	assert.Equal(t, ReasonAllItemsFiltered, rec.Items.Reason)
}

func TestValidate_EmptyItemsAreValidButNotSubmittable(t *testing.T) {
	rec := Default().Validate(Raw{SourceKey: "1"})
	assert.Equal(t, StatusValid, rec.Items.Status)
	assert.Empty(t, rec.Rejections())
	assert.False(t, rec.Usable())

	rec = Default().Validate(Raw{SourceKey: "1", Items: []string{"Rehabilitación"}})
	assert.True(t, rec.Usable())
}

func TestTextFromHTML(t *testing.T) {
	out := TextFromHTML(`<div><p>Dolor <b>lumbar</b> agudo</p><p>Control en 2 semanas.</p><button>Aceptar</button><script>x()</script></div>`)
	assert.Contains(t, out, "Dolor lumbar agudo")
	assert.Contains(t, out, "Control en 2 semanas.")
	assert.NotContains(t, out, "Aceptar")
	assert.NotContains(t, out, "**")
	assert.NotContains(t, out, "x()")

	assert.Equal(t, "plain text", TextFromHTML("  plain text "))
}
