package repo

import (
	"context"
	"database/sql"
	"strings"

	"payline/internal/domain"
)

const exceptionColumns = `id,run_id,line_id,employee_id,type,severity,description,status,resolution_note,resolved_by,resolved_at,created_at,updated_at`

func scanException(scan func(dest ...any) error) (domain.Exception, error) {
	var e domain.Exception
	var note, resolvedBy, resolvedAt sql.NullString
	err := scan(&e.ID, &e.RunID, &e.LineID, &e.EmployeeID, &e.Type, &e.Severity, &e.Description,
		&e.Status, &note, &resolvedBy, &resolvedAt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if note.Valid {
		e.ResolutionNote = note.String
	}
	if resolvedBy.Valid {
		e.ResolvedBy = resolvedBy.String
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.String
	}
	return e, nil
}

func (r Repo) InsertException(ctx context.Context, tx *sql.Tx, e domain.Exception) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO exceptions(`+exceptionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.RunID, e.LineID, e.EmployeeID, e.Type, e.Severity, e.Description, e.Status,
		nullable(e.ResolutionNote), nullable(e.ResolvedBy), nullableStringPtr(e.ResolvedAt), e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) UpdateException(ctx context.Context, tx *sql.Tx, e domain.Exception) error {
	res, err := tx.ExecContext(ctx, `UPDATE exceptions SET status=?, resolution_note=?, resolved_by=?, resolved_at=?, updated_at=? WHERE id=?`,
		e.Status, nullable(e.ResolutionNote), nullable(e.ResolvedBy), nullableStringPtr(e.ResolvedAt), e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetException(ctx context.Context, id string) (domain.Exception, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE id=?`, id)
	return scanException(row.Scan)
}

func (r Repo) GetExceptionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Exception, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE id=?`, id)
	return scanException(row.Scan)
}

type ExceptionFilters struct {
	Status   string
	Type     string
	Severity string
	LineID   string
}

func (r Repo) ListExceptions(ctx context.Context, runID string, f ExceptionFilters) ([]domain.Exception, error) {
	return listExceptions(ctx, r.DB.QueryContext, runID, f)
}

func (r Repo) ListExceptionsTx(ctx context.Context, tx *sql.Tx, runID string, f ExceptionFilters) ([]domain.Exception, error) {
	return listExceptions(ctx, tx.QueryContext, runID, f)
}

func listExceptions(ctx context.Context, query func(ctx context.Context, q string, args ...any) (*sql.Rows, error), runID string, f ExceptionFilters) ([]domain.Exception, error) {
	clauses := []string{"run_id=?"}
	args := []any{runID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.LineID != "" {
		clauses = append(clauses, "line_id=?")
		args = append(args, f.LineID)
	}
	rows, err := query(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Exception
	for rows.Next() {
		e, err := scanException(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountBlockingExceptions counts open or in-progress exceptions on the run
// whose severity gates approval.
func (r Repo) CountBlockingExceptions(ctx context.Context, tx *sql.Tx, runID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM exceptions WHERE run_id=? AND status IN ('open','in_progress') AND severity IN (?,?)`,
		runID, domain.SeverityHigh, domain.SeverityCritical).Scan(&n)
	return n, err
}

func (r Repo) CountOpenExceptions(ctx context.Context, tx *sql.Tx, runID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM exceptions WHERE run_id=? AND status IN ('open','in_progress')`, runID).Scan(&n)
	return n, err
}
