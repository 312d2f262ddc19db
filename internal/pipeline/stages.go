// Package pipeline holds the per-line payroll calculation stages. Every
// stage is a pure function over (line, policy): it mutates only the line's
// computed fields and reports a StageResult. Persistence, fan-out and
// exception handling live in the engine.
package pipeline

import (
	"fmt"

	"github.com/shopspring/decimal"

	"payline/internal/config"
	"payline/internal/domain"
)

// Run executes the stages from `from` onward, in order, stopping at the
// first non-success. Snapshot is not runnable here; it needs collaborators
// and is driven by the Builder.
func Run(line *domain.PayrollLine, policy *config.Policy, from domain.Stage) domain.StageResult {
	start := domain.StageIndex(from)
	if start < 0 {
		return domain.StageFailed(from, fmt.Sprintf("unknown stage %q", from))
	}
	if from == domain.StageSnapshot {
		start = domain.StageIndex(domain.StagePolicy)
	}
	res := domain.StageOK(domain.StageSnapshot)
	for _, stage := range domain.Stages[start:] {
		switch stage {
		case domain.StagePolicy:
			res = Policy(line, policy)
		case domain.StageGross:
			res = Gross(line, policy)
		case domain.StageDeductions:
			res = Deductions(line, policy)
		case domain.StageFinalize:
			res = Finalize(line, policy)
		}
		mark(line, stage, res)
		if !res.OK() {
			return res
		}
	}
	return res
}

func mark(line *domain.PayrollLine, stage domain.Stage, res domain.StageResult) {
	if line.StageDone == nil {
		line.StageDone = map[string]bool{}
	}
	line.StageDone[string(stage)] = res.OK()
	if res.OK() {
		return
	}
	// A stage that did not succeed invalidates everything after it.
	for _, later := range domain.Stages[domain.StageIndex(stage)+1:] {
		delete(line.StageDone, string(later))
	}
	line.Finalized = false
	line.FinalizedAt = nil
	if res.Failed() {
		line.LastError = res.Detail
	}
}

// Policy resolves per-line parameters out of the policy version: the taxable
// base, the marginal bracket rate, the statutory insurance rate, and the
// overtime pay derived from the hourly rate and multiplier.
func Policy(line *domain.PayrollLine, policy *config.Policy) domain.StageResult {
	if line.InputsIncomplete {
		return domain.StageIncomplete(domain.StagePolicy, "snapshot inputs incomplete")
	}
	if line.BaseSalary.IsNegative() {
		return domain.StageFailed(domain.StagePolicy, "base salary is negative")
	}

	taxable := line.BaseSalary.Add(line.Allowances)
	marginal := marginalRate(taxable, policy)
	statutory := policy.InsuranceRate()

	overtimePay := decimal.Zero
	if line.OvertimeHours.IsPositive() {
		hoursPerMonth := decimal.NewFromInt(int64(policy.WorkingDaysPerMonth * policy.HoursPerDay))
		if hoursPerMonth.IsZero() {
			return domain.StageFailed(domain.StagePolicy, "policy has zero working hours per month")
		}
		hourly := line.BaseSalary.Div(hoursPerMonth)
		overtimePay = line.OvertimeHours.Mul(hourly).Mul(policy.OvertimeMultiplier())
	}

	line.TaxableBase = &taxable
	line.MarginalRate = &marginal
	line.StatutoryRate = &statutory
	line.OvertimePay = &overtimePay
	return domain.StageOK(domain.StagePolicy)
}

func marginalRate(taxable decimal.Decimal, policy *config.Policy) decimal.Decimal {
	for _, b := range policy.Tax.Brackets {
		if b.UpTo == 0 || taxable.LessThanOrEqual(b.UpToDec()) {
			return b.RateDec()
		}
	}
	return decimal.Zero
}

// Gross sums the earning components. Negative facts are data corruption, not
// a business condition, so they fail the stage.
func Gross(line *domain.PayrollLine, policy *config.Policy) domain.StageResult {
	if line.OvertimePay == nil {
		return domain.StageFailed(domain.StageGross, "policy stage has not run")
	}
	for name, v := range map[string]decimal.Decimal{
		"allowances":   line.Allowances,
		"bonuses":      line.Bonuses,
		"overtime_pay": *line.OvertimePay,
	} {
		if v.IsNegative() {
			return domain.StageFailed(domain.StageGross, fmt.Sprintf("negative %s component: %s", name, v))
		}
	}
	gross := line.BaseSalary.Add(line.Allowances).Add(line.Bonuses).Add(*line.OvertimePay)
	line.GrossPay = &gross
	return domain.StageOK(domain.StageGross)
}

// Deductions computes progressive tax, statutory insurance, disciplinary
// salary deductions and unpaid-leave deductions.
func Deductions(line *domain.PayrollLine, policy *config.Policy) domain.StageResult {
	if line.GrossPay == nil || line.TaxableBase == nil || line.StatutoryRate == nil {
		return domain.StageFailed(domain.StageDeductions, "earlier stages have not run")
	}
	if line.Penalties.IsNegative() {
		return domain.StageFailed(domain.StageDeductions, fmt.Sprintf("negative penalties: %s", line.Penalties))
	}
	if line.UnpaidLeaveDays.IsNegative() {
		return domain.StageFailed(domain.StageDeductions, fmt.Sprintf("negative unpaid leave days: %s", line.UnpaidLeaveDays))
	}

	tax := progressiveTax(*line.TaxableBase, policy)
	insurance := line.TaxableBase.Mul(*line.StatutoryRate)
	salaryDed := line.Penalties

	workingDays := decimal.NewFromInt(int64(policy.WorkingDaysPerMonth))
	if workingDays.IsZero() {
		return domain.StageFailed(domain.StageDeductions, "policy has zero working days per month")
	}
	dailyRate := line.BaseSalary.Div(workingDays)
	leaveDed := line.UnpaidLeaveDays.Mul(dailyRate)

	line.TaxDeductions = &tax
	line.InsuranceDeductions = &insurance
	line.SalaryDeductions = &salaryDed
	line.UnpaidLeaveDeductions = &leaveDed
	return domain.StageOK(domain.StageDeductions)
}

// progressiveTax applies each bracket's rate to the slice of the taxable
// base falling inside that bracket.
func progressiveTax(taxable decimal.Decimal, policy *config.Policy) decimal.Decimal {
	tax := decimal.Zero
	lower := decimal.Zero
	for _, b := range policy.Tax.Brackets {
		if taxable.LessThanOrEqual(lower) {
			break
		}
		upper := taxable
		if b.UpTo != 0 && b.UpToDec().LessThan(taxable) {
			upper = b.UpToDec()
		}
		tax = tax.Add(upper.Sub(lower).Mul(b.RateDec()))
		lower = upper
	}
	return tax
}

// Finalize computes net pay and rounds every money field to the currency's
// minor unit, round half to even. A finalized line is the only line whose
// NetPay may be read.
func Finalize(line *domain.PayrollLine, policy *config.Policy) domain.StageResult {
	if line.GrossPay == nil || line.TaxDeductions == nil {
		return domain.StageFailed(domain.StageFinalize, "earlier stages have not run")
	}
	round := func(d *decimal.Decimal) {
		if d != nil {
			*d = policy.Round(*d)
		}
	}
	round(line.OvertimePay)
	round(line.GrossPay)
	round(line.TaxDeductions)
	round(line.InsuranceDeductions)
	round(line.SalaryDeductions)
	round(line.UnpaidLeaveDeductions)

	net := policy.Round(line.GrossPay.Sub(line.TotalDeductions()))
	line.NetPay = &net
	line.Finalized = true
	line.LastError = ""
	return domain.StageOK(domain.StageFinalize)
}
