package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"payline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const runColumns = `id,period_start,period_end,status,policy_version,employee_count,total_gross,total_net,open_exceptions,stage_status_json,failure_reason,created_at,updated_at,approved_at,completed_at,superseded_by`

func scanRun(scan func(dest ...any) error) (domain.PayrollRun, error) {
	var r domain.PayrollRun
	var policyVersion, stageStatus, failureReason, approvedAt, completedAt, supersededBy sql.NullString
	var totalGross, totalNet string
	err := scan(&r.ID, &r.PeriodStart, &r.PeriodEnd, &r.Status, &policyVersion, &r.EmployeeCount,
		&totalGross, &totalNet, &r.OpenExceptions, &stageStatus, &failureReason,
		&r.CreatedAt, &r.UpdatedAt, &approvedAt, &completedAt, &supersededBy)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if r.TotalGross, err = decimal.NewFromString(totalGross); err != nil {
		return r, fmt.Errorf("run %s total_gross: %w", r.ID, err)
	}
	if r.TotalNet, err = decimal.NewFromString(totalNet); err != nil {
		return r, fmt.Errorf("run %s total_net: %w", r.ID, err)
	}
	if policyVersion.Valid {
		r.PolicyVersion = policyVersion.String
	}
	if failureReason.Valid {
		r.FailureReason = failureReason.String
	}
	if stageStatus.Valid && stageStatus.String != "" {
		if err := json.Unmarshal([]byte(stageStatus.String), &r.StageStatus); err != nil {
			return r, fmt.Errorf("run %s stage_status: %w", r.ID, err)
		}
	}
	if approvedAt.Valid {
		r.ApprovedAt = &approvedAt.String
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.String
	}
	if supersededBy.Valid {
		r.SupersededBy = &supersededBy.String
	}
	return r, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.PayrollRun) error {
	stageStatus, err := marshalMap(run.StageStatus)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO payroll_runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.PeriodStart, run.PeriodEnd, run.Status, nullable(run.PolicyVersion), run.EmployeeCount,
		run.TotalGross.String(), run.TotalNet.String(), run.OpenExceptions, stageStatus, nullable(run.FailureReason),
		run.CreatedAt, run.UpdatedAt, nullableStringPtr(run.ApprovedAt), nullableStringPtr(run.CompletedAt), nullableStringPtr(run.SupersededBy))
	return err
}

func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.PayrollRun) error {
	stageStatus, err := marshalMap(run.StageStatus)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE payroll_runs SET status=?, policy_version=?, employee_count=?, total_gross=?, total_net=?, open_exceptions=?, stage_status_json=?, failure_reason=?, updated_at=?, approved_at=?, completed_at=?, superseded_by=? WHERE id=?`,
		run.Status, nullable(run.PolicyVersion), run.EmployeeCount, run.TotalGross.String(), run.TotalNet.String(),
		run.OpenExceptions, stageStatus, nullable(run.FailureReason), run.UpdatedAt,
		nullableStringPtr(run.ApprovedAt), nullableStringPtr(run.CompletedAt), nullableStringPtr(run.SupersededBy), run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.PayrollRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM payroll_runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.PayrollRun, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM payroll_runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

type RunFilters struct {
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.PayrollRun, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + runColumns + ` FROM payroll_runs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PayrollRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) DeleteRun(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM payroll_runs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, runID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var runID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &runID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if runID.Valid {
			e.RunID = runID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func marshalMap[V any](m map[string]V) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decText(d decimal.Decimal) string { return d.String() }

func decPtrText(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseDec(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func parseDecPtr(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
