package repo

import (
	"context"
	"database/sql"
)

// PolicyVersion is a stored, immutable policy payload. The payload is the
// YAML document exactly as imported; versions are never overwritten.
type PolicyVersion struct {
	Version   string `json:"version"`
	Payload   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func (r Repo) InsertPolicyVersion(ctx context.Context, tx *sql.Tx, v PolicyVersion) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO policy_versions(version,payload,created_at) VALUES (?,?,?)`,
		v.Version, v.Payload, v.CreatedAt)
	return err
}

func (r Repo) GetPolicyVersion(ctx context.Context, version string) (PolicyVersion, error) {
	var v PolicyVersion
	err := r.DB.QueryRowContext(ctx, `SELECT version,payload,created_at FROM policy_versions WHERE version=?`, version).
		Scan(&v.Version, &v.Payload, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) HasPolicyVersion(ctx context.Context, tx *sql.Tx, version string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM policy_versions WHERE version=?`, version).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) ListPolicyVersions(ctx context.Context) ([]PolicyVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT version,payload,created_at FROM policy_versions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []PolicyVersion
	for rows.Next() {
		var v PolicyVersion
		if err := rows.Scan(&v.Version, &v.Payload, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
