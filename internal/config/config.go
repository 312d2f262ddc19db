package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Policy models one immutable version of the payroll policy: tax brackets,
// statutory rates and company constants. A run pins the version it was
// calculated with; the pipeline never mutates a Policy.
type Policy struct {
	Version  string `yaml:"version"`
	Currency struct {
		Code     string `yaml:"code"`
		Exponent int32  `yaml:"exponent"`
	} `yaml:"currency"`
	Tax struct {
		Brackets []Bracket `yaml:"brackets"`
	} `yaml:"tax"`
	Insurance struct {
		Rate float64 `yaml:"rate"`
	} `yaml:"insurance"`
	Penalty struct {
		// Fraction of gross above which salary deductions are flagged
		// as excessive. Strictly-greater-than comparison.
		WarningFraction float64 `yaml:"warning_fraction"`
	} `yaml:"penalty"`
	Overtime struct {
		Multiplier float64 `yaml:"multiplier"`
	} `yaml:"overtime"`
	WorkingDaysPerMonth int `yaml:"working_days_per_month"`
	HoursPerDay         int `yaml:"hours_per_day"`
}

// Bracket is one progressive tax band. UpTo == 0 means unbounded; the last
// bracket must be unbounded.
type Bracket struct {
	UpTo float64 `yaml:"up_to"`
	Rate float64 `yaml:"rate"`
}

// Validate ensures the policy meets required structure.
func (p *Policy) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("policy.version is required")
	}
	if p.Currency.Code == "" {
		return fmt.Errorf("policy.currency.code is required")
	}
	if p.Currency.Exponent < 0 || p.Currency.Exponent > 4 {
		return fmt.Errorf("policy.currency.exponent must be between 0 and 4")
	}
	if len(p.Tax.Brackets) == 0 {
		return fmt.Errorf("policy.tax.brackets is required")
	}
	prev := 0.0
	for i, b := range p.Tax.Brackets {
		if b.Rate < 0 || b.Rate >= 1 {
			return fmt.Errorf("bracket %d rate %v out of range [0,1)", i, b.Rate)
		}
		last := i == len(p.Tax.Brackets)-1
		if last {
			if b.UpTo != 0 {
				return fmt.Errorf("last tax bracket must be unbounded (up_to: 0)")
			}
			continue
		}
		if b.UpTo <= prev {
			return fmt.Errorf("bracket %d up_to %v not ascending", i, b.UpTo)
		}
		prev = b.UpTo
	}
	if p.Insurance.Rate < 0 || p.Insurance.Rate >= 1 {
		return fmt.Errorf("policy.insurance.rate out of range [0,1)")
	}
	if p.Penalty.WarningFraction <= 0 || p.Penalty.WarningFraction > 1 {
		return fmt.Errorf("policy.penalty.warning_fraction out of range (0,1]")
	}
	if p.Overtime.Multiplier < 1 {
		return fmt.Errorf("policy.overtime.multiplier must be >= 1")
	}
	if p.WorkingDaysPerMonth <= 0 || p.WorkingDaysPerMonth > 31 {
		return fmt.Errorf("policy.working_days_per_month out of range")
	}
	if p.HoursPerDay <= 0 || p.HoursPerDay > 24 {
		return fmt.Errorf("policy.hours_per_day out of range")
	}
	return nil
}

// Decimal accessors. Rates are declared as floats in YAML for ergonomics;
// all arithmetic downstream runs on decimals.

func (p *Policy) InsuranceRate() decimal.Decimal {
	return decimal.NewFromFloat(p.Insurance.Rate)
}

func (p *Policy) PenaltyWarningFraction() decimal.Decimal {
	return decimal.NewFromFloat(p.Penalty.WarningFraction)
}

func (p *Policy) OvertimeMultiplier() decimal.Decimal {
	return decimal.NewFromFloat(p.Overtime.Multiplier)
}

func (b Bracket) UpToDec() decimal.Decimal { return decimal.NewFromFloat(b.UpTo) }
func (b Bracket) RateDec() decimal.Decimal { return decimal.NewFromFloat(b.Rate) }

// Round applies the currency's minor-unit precision with round-half-to-even.
func (p *Policy) Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(p.Currency.Exponent)
}

// FromYAML parses and validates a policy from raw YAML bytes.
func FromYAML(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid policy yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// FromFile reads YAML policy from the given path.
func FromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML serializes the policy for storage as an immutable version snapshot.
func (p *Policy) ToYAML() ([]byte, error) {
	return yaml.Marshal(p)
}

// Default returns the built-in policy used when none has been imported.
func Default() *Policy {
	p, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default policy invalid: %v", err))
	}
	return p
}

const defaultTemplate = `version: "2026-01"

currency:
  code: USD
  exponent: 2

tax:
  brackets:
    - up_to: 1000
      rate: 0.0
    - up_to: 3000
      rate: 0.10
    - up_to: 8000
      rate: 0.20
    - up_to: 0
      rate: 0.30

insurance:
  rate: 0.05

penalty:
  warning_fraction: 0.50

overtime:
  multiplier: 1.5

working_days_per_month: 22
hours_per_day: 8
`
