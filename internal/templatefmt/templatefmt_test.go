package templatefmt

import (
	"strings"
	"testing"
	"time"
)

func TestFormatDistance(t *testing.T) {
	t.Parallel()

	cases := map[string]any{
		"250m":   250.0,
		"1.5km":  1500,
		"0m":     "bad",
		"12.3km": int64(12300),
	}
	for want, input := range cases {
		if got := FormatDistance(input); got != want {
			t.Fatalf("FormatDistance(%v)=%q want %q", input, got, want)
		}
	}
}

func TestFormatTimeUsesUTC(t *testing.T) {
	t.Parallel()

	zone := time.FixedZone("plus2", 2*60*60)
	at := time.Date(2026, 5, 1, 14, 0, 0, 0, zone)
	if got := FormatTime(at); got != "2026-05-01T12:00:00Z" {
		t.Fatalf("unexpected time %q", got)
	}
	if got := FormatTime((*time.Time)(nil)); got != "" {
		t.Fatalf("nil time must render empty, got %q", got)
	}
}

func TestParseDeliveryTemplateRejectsMissingKeys(t *testing.T) {
	t.Parallel()

	tmpl, err := ParseDeliveryTemplate("t", `{{ .Title }} at {{ .Area }} ({{ fmtDistance .Radius }})`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var out strings.Builder
	if err := tmpl.Execute(&out, map[string]any{"Title": "Sale", "Area": "Mall", "Radius": 300.0}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.String() != "Sale at Mall (300m)" {
		t.Fatalf("unexpected render %q", out.String())
	}
	out.Reset()
	if err := tmpl.Execute(&out, map[string]any{"Title": "Sale"}); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestParseDeliveryTemplateRejectsUnknownFunc(t *testing.T) {
	t.Parallel()

	if _, err := ParseDeliveryTemplate("t", `{{ nope .Title }}`); err == nil {
		t.Fatalf("expected parse error")
	}
}
