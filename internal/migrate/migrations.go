// Package migrate applies the payroll workspace schema. Migrations are
// embedded SQL files named NNNN_name.sql and run in order inside one
// transaction; the applied version lives in schema_version.
package migrate

import (
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"embed"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type migration struct {
	version int
	name    string
	upSQL   string
}

func load() ([]migration, error) {
	entries, err := schemaFS.ReadDir("sql")
	if err != nil {
		return nil, err
	}
	var ms []migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		prefix, _, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: name must be NNNN_name.sql", entry.Name())
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", entry.Name(), err)
		}
		data, err := schemaFS.ReadFile("sql/" + entry.Name())
		if err != nil {
			return nil, err
		}
		ms = append(ms, migration{version: v, name: entry.Name(), upSQL: string(data)})
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].version < ms[j].version })
	return ms, nil
}

// Migrate brings the payroll schema up to the latest embedded version.
func Migrate(db *sql.DB) error {
	ms, err := load()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range ms {
		if m.version <= current {
			continue
		}
		if _, err := tx.Exec(m.upSQL); err != nil {
			return fmt.Errorf("apply %s: %w", m.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, m.version); err != nil {
			return fmt.Errorf("record %s: %w", m.name, err)
		}
		current = m.version
	}
	return tx.Commit()
}

// SchemaVersion reports the applied schema version, 0 for a fresh database.
func SchemaVersion(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}
