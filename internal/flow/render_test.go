package flow

import "testing"

func TestRenderSubstitutesVariables(t *testing.T) {
	vars := map[string]any{
		"clientName": "María",
		"debtor": map[string]any{
			"company": "Banco Azul",
		},
	}
	got := Render("Hola {{clientName}}, tienes una deuda con {{debtor.company}}.", vars)
	want := "Hola María, tienes una deuda con Banco Azul."
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestRenderMissingPathUsesMarker(t *testing.T) {
	got := Render("Referencia: {{debtor.reference}}", map[string]any{"clientName": "Ana"})
	want := "Referencia: " + MissingValue
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

func TestRenderNilNamespace(t *testing.T) {
	got := Render("Hola {{clientName}}", nil)
	want := "Hola " + MissingValue
	if got != want {
		t.Errorf("Render() with nil vars = %q, want %q", got, want)
	}
}

func TestRenderToleratesWhitespaceInBraces(t *testing.T) {
	got := Render("Hola {{ clientName }}", map[string]any{"clientName": "Luis"})
	if got != "Hola Luis" {
		t.Errorf("Render() = %q, want %q", got, "Hola Luis")
	}
}

func TestRenderSinglePass(t *testing.T) {
	// A value containing braces must not be re-substituted.
	vars := map[string]any{"a": "{{b}}", "b": "inner"}
	got := Render("{{a}}", vars)
	if got != "{{b}}" {
		t.Errorf("Render() re-substituted value: got %q, want %q", got, "{{b}}")
	}
}

func TestFormatValueGrouping(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  string
	}{
		{"large float amount", float64(1500000), "1.500.000"},
		{"large int", 2500000, "2.500.000"},
		{"threshold", 1000, "1.000"},
		{"below threshold", 999, "999"},
		{"negative large", -1500000, "-1.500.000"},
		{"fractional large", 1234567.89, "1.234.567,89"},
		{"fractional small", 12.5, "12.50"},
		{"string passthrough", "1500000", "1500000"},
		{"bool", true, "true"},
		{"nil", nil, MissingValue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FormatValue(tc.value); got != tc.want {
				t.Errorf("FormatValue(%v) = %q, want %q", tc.value, got, tc.want)
			}
		})
	}
}

func TestLookupPath(t *testing.T) {
	vars := map[string]any{
		"debtor": map[string]any{"name": "Pedro"},
		"plain":  "x",
	}
	if v, ok := LookupPath(vars, "debtor.name"); !ok || v != "Pedro" {
		t.Errorf("LookupPath(debtor.name) = %v, %v", v, ok)
	}
	if _, ok := LookupPath(vars, "debtor.missing"); ok {
		t.Error("LookupPath(debtor.missing) should not resolve")
	}
	if _, ok := LookupPath(vars, "plain.inner"); ok {
		t.Error("LookupPath through a non-map value should not resolve")
	}
}

func TestStringifyValueNoGrouping(t *testing.T) {
	if got := StringifyValue(float64(1500000)); got != "1500000" {
		t.Errorf("StringifyValue(1500000) = %q, want %q", got, "1500000")
	}
	if got := StringifyValue(nil); got != "" {
		t.Errorf("StringifyValue(nil) = %q, want empty", got)
	}
}
