// Package collab defines the contracts to the systems payroll calculation
// depends on but does not own: the employee directory, the attendance
// provider, the penalty ledger, bonus sources, the policy store and the
// payment gateway. The pipeline consumes these interfaces only; swapping an
// implementation never touches calculation code.
package collab

import (
	"context"

	"github.com/shopspring/decimal"

	"payline/internal/config"
	"payline/internal/domain"
)

// EmployeeDirectory serves master data for payroll-eligible employees.
type EmployeeDirectory interface {
	// ActiveEmployees returns every employee eligible for the period.
	ActiveEmployees(ctx context.Context) ([]domain.Employee, error)
}

// AttendanceProvider answers overtime and unpaid-leave questions for a
// period. A missing summary means zero overtime and zero leave, not an error.
type AttendanceProvider interface {
	Summary(ctx context.Context, employeeID, periodStart, periodEnd string) (domain.PeriodSummary, error)
}

// PenaltySource lists active disciplinary deductions for an employee.
type PenaltySource interface {
	ActivePenalties(ctx context.Context, employeeID string) ([]domain.Penalty, error)
}

// BonusSource yields one-off bonus amounts for an employee and period.
type BonusSource interface {
	Bonuses(ctx context.Context, employeeID, periodStart, periodEnd string) (decimal.Decimal, error)
}

// PolicyStore resolves a policy version to its full parameter set.
type PolicyStore interface {
	// Policy loads the named version, or the current default when version
	// is empty.
	Policy(ctx context.Context, version string) (*config.Policy, error)
}

// PaymentGateway is notified when an approved run is handed off for
// disbursement. Implementations must be safe to call once per completion.
type PaymentGateway interface {
	SubmitRun(ctx context.Context, run domain.PayrollRun, lines []domain.PayrollLine) error
}
