// Package detector scans calculated payroll lines for anomalies. Detection
// is pure and deterministic; opening, deduplicating and auto-resolving the
// resulting exceptions is the engine's job.
package detector

import (
	"fmt"

	"payline/internal/config"
	"payline/internal/domain"
)

// Finding is one anomaly on a line. The same (line, type) pair is reported
// at most once per scan.
type Finding struct {
	Type        domain.ExceptionType
	Severity    domain.Severity
	Description string
}

// Detect evaluates every rule against the line. Rules that need computed
// amounts are skipped when the line has not reached the stage producing
// them; a half-calculated line yields only the findings it can support.
func Detect(line domain.PayrollLine, policy *config.Policy) []Finding {
	var out []Finding
	add := func(t domain.ExceptionType, desc string) {
		out = append(out, Finding{Type: t, Severity: t.Severity(), Description: desc})
	}

	if !line.Bank.Complete() {
		add(domain.ExcMissingBankDetails,
			fmt.Sprintf("employee %s has no usable bank details on file", line.EmployeeID))
	}

	if line.BaseSalary.IsZero() {
		add(domain.ExcZeroBaseSalary,
			fmt.Sprintf("employee %s has a zero base salary", line.EmployeeID))
	}

	if line.Finalized && line.NetPay != nil && line.NetPay.IsNegative() {
		add(domain.ExcNegativeNetPay,
			fmt.Sprintf("net pay %s for employee %s is negative", line.NetPay, line.EmployeeID))
	}

	if line.GrossPay != nil && line.SalaryDeductions != nil && line.GrossPay.IsPositive() {
		threshold := line.GrossPay.Mul(policy.PenaltyWarningFraction())
		if line.SalaryDeductions.GreaterThan(threshold) {
			add(domain.ExcExcessivePenalties,
				fmt.Sprintf("salary deductions %s exceed %s of gross pay %s for employee %s",
					line.SalaryDeductions, policy.PenaltyWarningFraction(), line.GrossPay, line.EmployeeID))
		}
	}

	if line.LastError != "" && !line.InputsIncomplete {
		add(domain.ExcCalculationError,
			fmt.Sprintf("calculation failed for employee %s: %s", line.EmployeeID, line.LastError))
	}

	return out
}
