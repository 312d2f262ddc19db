package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"payline/internal/collab"
	"payline/internal/domain"
)

// Builder assembles the input snapshot: one line of facts per active
// employee, frozen at build time. Later attendance edits or penalty changes
// do not leak into a built run; only an explicit recalculation re-reads them.
type Builder struct {
	Directory  collab.EmployeeDirectory
	Attendance collab.AttendanceProvider
	Penalties  collab.PenaltySource
	Bonuses    collab.BonusSource

	// Timeout bounds each collaborator call. Zero means 5s.
	Timeout time.Duration
}

func (b Builder) timeout() time.Duration {
	if b.Timeout > 0 {
		return b.Timeout
	}
	return 5 * time.Second
}

// Employees lists the payroll population for the run.
func (b Builder) Employees(ctx context.Context) ([]domain.Employee, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()
	emps, err := b.Directory.ActiveEmployees(ctx)
	if err != nil {
		return nil, fmt.Errorf("employee directory: %w", err)
	}
	return emps, nil
}

// Snapshot gathers one employee's facts for the period into the line. A
// collaborator failure does not abort the run; the line is marked
// inputs-incomplete with the reasons in LastError, and downstream stages
// refuse to run until a recalculation succeeds.
func (b Builder) Snapshot(ctx context.Context, line *domain.PayrollLine, emp domain.Employee, periodStart, periodEnd string) domain.StageResult {
	line.EmployeeID = emp.ID
	line.BaseSalary = emp.BaseSalary
	line.Bank = emp.Bank
	line.Allowances = emp.Allowances
	line.Bonuses = decimal.Zero
	line.Penalties = decimal.Zero
	line.OvertimeHours = decimal.Zero
	line.UnpaidLeaveDays = decimal.Zero

	var missing []string

	if summary, err := bounded(ctx, b.timeout(), func(ctx context.Context) (domain.PeriodSummary, error) {
		return b.Attendance.Summary(ctx, emp.ID, periodStart, periodEnd)
	}); err != nil {
		missing = append(missing, fmt.Sprintf("attendance: %v", err))
	} else {
		line.OvertimeHours = summary.OvertimeHours
		line.UnpaidLeaveDays = summary.UnpaidLeaveDays
	}

	if penalties, err := bounded(ctx, b.timeout(), func(ctx context.Context) ([]domain.Penalty, error) {
		return b.Penalties.ActivePenalties(ctx, emp.ID)
	}); err != nil {
		missing = append(missing, fmt.Sprintf("penalties: %v", err))
	} else {
		total := decimal.Zero
		for _, p := range penalties {
			total = total.Add(p.Amount)
		}
		line.Penalties = total
	}

	if bonuses, err := bounded(ctx, b.timeout(), func(ctx context.Context) (decimal.Decimal, error) {
		return b.Bonuses.Bonuses(ctx, emp.ID, periodStart, periodEnd)
	}); err != nil {
		missing = append(missing, fmt.Sprintf("bonuses: %v", err))
	} else {
		line.Bonuses = bonuses
	}

	if line.StageDone == nil {
		line.StageDone = map[string]bool{}
	}
	if len(missing) > 0 {
		line.InputsIncomplete = true
		line.LastError = strings.Join(missing, "; ")
		line.StageDone[string(domain.StageSnapshot)] = false
		return domain.StageIncomplete(domain.StageSnapshot, line.LastError)
	}
	line.InputsIncomplete = false
	line.LastError = ""
	line.StageDone[string(domain.StageSnapshot)] = true
	return domain.StageOK(domain.StageSnapshot)
}

// bounded runs one collaborator request under a timeout.
func bounded[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
