package collab

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"payline/internal/config"
	"payline/internal/domain"
	"payline/internal/repo"
)

// SQLiteDirectory reads the employees seed table.
type SQLiteDirectory struct {
	DB *sql.DB
}

func (d SQLiteDirectory) ActiveEmployees(ctx context.Context) ([]domain.Employee, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT id,full_name,base_salary,allowances,signing_bonus,status,bank_account_name,bank_account_number,bank_name FROM employees WHERE status='active' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Employee
	for rows.Next() {
		var e domain.Employee
		var base, allowances, bonus string
		var acctName, acctNum, bankName sql.NullString
		if err := rows.Scan(&e.ID, &e.FullName, &base, &allowances, &bonus, &e.Status, &acctName, &acctNum, &bankName); err != nil {
			return nil, err
		}
		if e.BaseSalary, err = decimal.NewFromString(base); err != nil {
			return nil, fmt.Errorf("employee %s base_salary: %w", e.ID, err)
		}
		if e.Allowances, err = decimal.NewFromString(allowances); err != nil {
			return nil, fmt.Errorf("employee %s allowances: %w", e.ID, err)
		}
		if e.SigningBonus, err = decimal.NewFromString(bonus); err != nil {
			return nil, fmt.Errorf("employee %s signing_bonus: %w", e.ID, err)
		}
		e.Bank = domain.BankRef{AccountName: acctName.String, AccountNumber: acctNum.String, BankName: bankName.String}
		res = append(res, e)
	}
	return res, rows.Err()
}

// SQLiteAttendance reads the attendance_summaries seed table.
type SQLiteAttendance struct {
	DB *sql.DB
}

func (a SQLiteAttendance) Summary(ctx context.Context, employeeID, periodStart, periodEnd string) (domain.PeriodSummary, error) {
	s := domain.PeriodSummary{EmployeeID: employeeID, OvertimeHours: decimal.Zero, UnpaidLeaveDays: decimal.Zero}
	var overtime, leave string
	err := a.DB.QueryRowContext(ctx, `SELECT overtime_hours,unpaid_leave_days,lateness_count FROM attendance_summaries WHERE employee_id=? AND period_start=? AND period_end=?`,
		employeeID, periodStart, periodEnd).Scan(&overtime, &leave, &s.LatenessCount)
	if err == sql.ErrNoRows {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	if s.OvertimeHours, err = decimal.NewFromString(overtime); err != nil {
		return s, err
	}
	if s.UnpaidLeaveDays, err = decimal.NewFromString(leave); err != nil {
		return s, err
	}
	return s, nil
}

// SQLitePenalties reads the penalties seed table.
type SQLitePenalties struct {
	DB *sql.DB
}

func (p SQLitePenalties) ActivePenalties(ctx context.Context, employeeID string) ([]domain.Penalty, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT id,employee_id,amount,reason FROM penalties WHERE employee_id=? AND active=1 ORDER BY id`, employeeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Penalty
	for rows.Next() {
		var pen domain.Penalty
		var amount string
		var reason sql.NullString
		if err := rows.Scan(&pen.ID, &pen.EmployeeID, &amount, &reason); err != nil {
			return nil, err
		}
		if pen.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("penalty %s amount: %w", pen.ID, err)
		}
		pen.Reason = reason.String
		res = append(res, pen)
	}
	return res, rows.Err()
}

// SigningBonusSource pays the signing bonus in the first period after hire.
// With no hire-date data in the seed tables it answers from the directory
// row alone: a nonzero signing_bonus is paid every period it remains set.
// Production wiring would move the consumed flag upstream.
type SigningBonusSource struct {
	DB *sql.DB
}

func (b SigningBonusSource) Bonuses(ctx context.Context, employeeID, periodStart, periodEnd string) (decimal.Decimal, error) {
	var bonus string
	err := b.DB.QueryRowContext(ctx, `SELECT signing_bonus FROM employees WHERE id=?`, employeeID).Scan(&bonus)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(bonus)
}

// DBPolicyStore resolves versions from the policy_versions table and falls
// back to the built-in default for the empty version.
type DBPolicyStore struct {
	Repo repo.Repo
}

func (s DBPolicyStore) Policy(ctx context.Context, version string) (*config.Policy, error) {
	if version == "" {
		return config.Default(), nil
	}
	v, err := s.Repo.GetPolicyVersion(ctx, version)
	if err == repo.ErrNotFound {
		if def := config.Default(); def.Version == version {
			return def, nil
		}
		return nil, fmt.Errorf("policy version %q: %w", version, err)
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(v.Payload))
}

// LogGateway records the handoff instead of calling a real disbursement
// system. Used by the CLI and in tests.
type LogGateway struct {
	Log *logrus.Logger
}

func (g LogGateway) SubmitRun(ctx context.Context, run domain.PayrollRun, lines []domain.PayrollLine) error {
	log := g.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithFields(logrus.Fields{
		"run_id":    run.ID,
		"lines":     len(lines),
		"total_net": run.TotalNet.String(),
		"at":        time.Now().UTC().Format(time.RFC3339),
	}).Info("payment handoff")
	return nil
}
