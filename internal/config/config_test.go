package config

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	p := Default()
	if err := p.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	if p.Version == "" || p.Currency.Code != "USD" {
		t.Fatalf("unexpected defaults: %+v", p)
	}
}

func TestRoundHalfToEven(t *testing.T) {
	p := Default()
	cases := []struct{ in, want string }{
		{"2.345", "2.34"},
		{"2.355", "2.36"},
		{"2.335", "2.34"},
		{"-2.345", "-2.34"},
		{"2.34", "2.34"},
	}
	for _, tc := range cases {
		in, _ := decimal.NewFromString(tc.in)
		want, _ := decimal.NewFromString(tc.want)
		if got := p.Round(in); !got.Equal(want) {
			t.Fatalf("Round(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestValidateRejectsBadBrackets(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"descending brackets", `
version: "t1"
currency: {code: USD, exponent: 2}
tax:
  brackets:
    - {up_to: 3000, rate: 0.1}
    - {up_to: 1000, rate: 0.2}
    - {up_to: 0, rate: 0.3}
insurance: {rate: 0.05}
penalty: {warning_fraction: 0.5}
overtime: {multiplier: 1.5}
working_days_per_month: 22
hours_per_day: 8
`},
		{"bounded last bracket", `
version: "t2"
currency: {code: USD, exponent: 2}
tax:
  brackets:
    - {up_to: 1000, rate: 0.1}
    - {up_to: 3000, rate: 0.2}
insurance: {rate: 0.05}
penalty: {warning_fraction: 0.5}
overtime: {multiplier: 1.5}
working_days_per_month: 22
hours_per_day: 8
`},
		{"rate out of range", `
version: "t3"
currency: {code: USD, exponent: 2}
tax:
  brackets:
    - {up_to: 0, rate: 1.5}
insurance: {rate: 0.05}
penalty: {warning_fraction: 0.5}
overtime: {multiplier: 1.5}
working_days_per_month: 22
hours_per_day: 8
`},
		{"missing version", `
currency: {code: USD, exponent: 2}
tax:
  brackets:
    - {up_to: 0, rate: 0.3}
insurance: {rate: 0.05}
penalty: {warning_fraction: 0.5}
overtime: {multiplier: 1.5}
working_days_per_month: 22
hours_per_day: 8
`},
	}
	for _, tc := range cases {
		if _, err := FromYAML([]byte(tc.yaml)); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	p := Default()
	out, err := p.ToYAML()
	if err != nil {
		t.Fatal(err)
	}
	back, err := FromYAML(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if back.Version != p.Version || len(back.Tax.Brackets) != len(p.Tax.Brackets) {
		t.Fatalf("round trip changed policy: %+v", back)
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	_, err := FromYAML([]byte("not: [valid"))
	if err == nil || !strings.Contains(err.Error(), "invalid policy yaml") {
		t.Fatalf("err = %v", err)
	}
}
