package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"payline/internal/domain"
)

const lineColumns = `id,run_id,employee_id,base_salary,allowances,bonuses,penalties,overtime_hours,unpaid_leave_days,bank_account_name,bank_account_number,bank_name,taxable_base,marginal_rate,statutory_rate,overtime_pay,gross_pay,tax_deductions,insurance_deductions,salary_deductions,unpaid_leave_deductions,net_pay,stage_done_json,inputs_incomplete,finalized,finalized_at,last_error,excluded,created_at,updated_at`

func scanLine(scan func(dest ...any) error) (domain.PayrollLine, error) {
	var l domain.PayrollLine
	var base, allowances, bonuses, penalties, overtime, leave string
	var bankAcctName, bankAcctNum, bankName sql.NullString
	var taxable, marginal, statutory, otPay, gross, tax, insurance, salaryDed, leaveDed, net sql.NullString
	var stageDone, finalizedAt, lastErr sql.NullString
	err := scan(&l.ID, &l.RunID, &l.EmployeeID, &base, &allowances, &bonuses, &penalties, &overtime, &leave,
		&bankAcctName, &bankAcctNum, &bankName,
		&taxable, &marginal, &statutory, &otPay, &gross, &tax, &insurance, &salaryDed, &leaveDed, &net,
		&stageDone, &l.InputsIncomplete, &l.Finalized, &finalizedAt, &lastErr, &l.Excluded, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if l.BaseSalary, err = parseDec(base); err != nil {
		return l, fmt.Errorf("line %s base_salary: %w", l.ID, err)
	}
	if l.Allowances, err = parseDec(allowances); err != nil {
		return l, err
	}
	if l.Bonuses, err = parseDec(bonuses); err != nil {
		return l, err
	}
	if l.Penalties, err = parseDec(penalties); err != nil {
		return l, err
	}
	if l.OvertimeHours, err = parseDec(overtime); err != nil {
		return l, err
	}
	if l.UnpaidLeaveDays, err = parseDec(leave); err != nil {
		return l, err
	}
	l.Bank = domain.BankRef{
		AccountName:   bankAcctName.String,
		AccountNumber: bankAcctNum.String,
		BankName:      bankName.String,
	}
	if l.TaxableBase, err = parseDecPtr(taxable); err != nil {
		return l, err
	}
	if l.MarginalRate, err = parseDecPtr(marginal); err != nil {
		return l, err
	}
	if l.StatutoryRate, err = parseDecPtr(statutory); err != nil {
		return l, err
	}
	if l.OvertimePay, err = parseDecPtr(otPay); err != nil {
		return l, err
	}
	if l.GrossPay, err = parseDecPtr(gross); err != nil {
		return l, err
	}
	if l.TaxDeductions, err = parseDecPtr(tax); err != nil {
		return l, err
	}
	if l.InsuranceDeductions, err = parseDecPtr(insurance); err != nil {
		return l, err
	}
	if l.SalaryDeductions, err = parseDecPtr(salaryDed); err != nil {
		return l, err
	}
	if l.UnpaidLeaveDeductions, err = parseDecPtr(leaveDed); err != nil {
		return l, err
	}
	if l.NetPay, err = parseDecPtr(net); err != nil {
		return l, err
	}
	if stageDone.Valid && stageDone.String != "" {
		if err := json.Unmarshal([]byte(stageDone.String), &l.StageDone); err != nil {
			return l, fmt.Errorf("line %s stage_done: %w", l.ID, err)
		}
	}
	if finalizedAt.Valid {
		l.FinalizedAt = &finalizedAt.String
	}
	if lastErr.Valid {
		l.LastError = lastErr.String
	}
	return l, nil
}

func (r Repo) InsertLine(ctx context.Context, tx *sql.Tx, l domain.PayrollLine) error {
	stageDone, err := marshalMap(l.StageDone)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO payroll_lines(`+lineColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.RunID, l.EmployeeID,
		decText(l.BaseSalary), decText(l.Allowances), decText(l.Bonuses), decText(l.Penalties),
		decText(l.OvertimeHours), decText(l.UnpaidLeaveDays),
		nullable(l.Bank.AccountName), nullable(l.Bank.AccountNumber), nullable(l.Bank.BankName),
		decPtrText(l.TaxableBase), decPtrText(l.MarginalRate), decPtrText(l.StatutoryRate), decPtrText(l.OvertimePay),
		decPtrText(l.GrossPay), decPtrText(l.TaxDeductions), decPtrText(l.InsuranceDeductions),
		decPtrText(l.SalaryDeductions), decPtrText(l.UnpaidLeaveDeductions), decPtrText(l.NetPay),
		stageDone, l.InputsIncomplete, l.Finalized, nullableStringPtr(l.FinalizedAt), nullable(l.LastError),
		l.Excluded, l.CreatedAt, l.UpdatedAt)
	return err
}

func (r Repo) UpdateLine(ctx context.Context, tx *sql.Tx, l domain.PayrollLine) error {
	stageDone, err := marshalMap(l.StageDone)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE payroll_lines SET base_salary=?, allowances=?, bonuses=?, penalties=?, overtime_hours=?, unpaid_leave_days=?, bank_account_name=?, bank_account_number=?, bank_name=?, taxable_base=?, marginal_rate=?, statutory_rate=?, overtime_pay=?, gross_pay=?, tax_deductions=?, insurance_deductions=?, salary_deductions=?, unpaid_leave_deductions=?, net_pay=?, stage_done_json=?, inputs_incomplete=?, finalized=?, finalized_at=?, last_error=?, excluded=?, updated_at=? WHERE id=?`,
		decText(l.BaseSalary), decText(l.Allowances), decText(l.Bonuses), decText(l.Penalties),
		decText(l.OvertimeHours), decText(l.UnpaidLeaveDays),
		nullable(l.Bank.AccountName), nullable(l.Bank.AccountNumber), nullable(l.Bank.BankName),
		decPtrText(l.TaxableBase), decPtrText(l.MarginalRate), decPtrText(l.StatutoryRate), decPtrText(l.OvertimePay),
		decPtrText(l.GrossPay), decPtrText(l.TaxDeductions), decPtrText(l.InsuranceDeductions),
		decPtrText(l.SalaryDeductions), decPtrText(l.UnpaidLeaveDeductions), decPtrText(l.NetPay),
		stageDone, l.InputsIncomplete, l.Finalized, nullableStringPtr(l.FinalizedAt), nullable(l.LastError),
		l.Excluded, l.UpdatedAt, l.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetLine(ctx context.Context, id string) (domain.PayrollLine, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+lineColumns+` FROM payroll_lines WHERE id=?`, id)
	return scanLine(row.Scan)
}

func (r Repo) GetLineTx(ctx context.Context, tx *sql.Tx, id string) (domain.PayrollLine, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+lineColumns+` FROM payroll_lines WHERE id=?`, id)
	return scanLine(row.Scan)
}

func (r Repo) GetLineByEmployee(ctx context.Context, runID, employeeID string) (domain.PayrollLine, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+lineColumns+` FROM payroll_lines WHERE run_id=? AND employee_id=?`, runID, employeeID)
	return scanLine(row.Scan)
}

func (r Repo) ListLines(ctx context.Context, runID string) ([]domain.PayrollLine, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+lineColumns+` FROM payroll_lines WHERE run_id=? ORDER BY employee_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLines(rows)
}

func (r Repo) ListLinesTx(ctx context.Context, tx *sql.Tx, runID string) ([]domain.PayrollLine, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+lineColumns+` FROM payroll_lines WHERE run_id=? ORDER BY employee_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLines(rows)
}

func collectLines(rows *sql.Rows) ([]domain.PayrollLine, error) {
	var res []domain.PayrollLine
	for rows.Next() {
		l, err := scanLine(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) DeleteLines(ctx context.Context, tx *sql.Tx, runID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM payroll_lines WHERE run_id=?`, runID)
	return err
}
