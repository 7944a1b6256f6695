// Package migrate applies the embedded schema migrations on startup.
// Migrations are plain SQL files under sql/ named NNNN_description.sql;
// the numeric prefix is the schema version the file brings the database to.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type migration struct {
	version int
	name    string
	stmts   string
}

// Migrate brings the database schema up to the latest embedded version.
// Everything runs in one transaction; a failing migration leaves the
// schema where it was.
func Migrate(db *sql.DB) error {
	pending, err := readEmbedded()
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := schemaVersion(tx)
	if err != nil {
		return err
	}

	for _, m := range pending {
		if m.version <= current {
			continue
		}
		if _, err := tx.Exec(m.stmts); err != nil {
			return fmt.Errorf("apply %s: %w", m.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, m.version); err != nil {
			return fmt.Errorf("record version %d: %w", m.version, err)
		}
		current = m.version
	}
	return tx.Commit()
}

// schemaVersion reads the single-row version table, creating and seeding
// it on a fresh database.
func schemaVersion(tx *sql.Tx) (int, error) {
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("ensure schema_version: %w", err)
	}
	var v int
	switch err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v); err {
	case nil:
		return v, nil
	case sql.ErrNoRows:
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("seed schema_version: %w", err)
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
}

func readEmbedded() ([]migration, error) {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: name needs a numeric prefix", e.Name())
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", e.Name(), err)
		}
		body, err := schemaFS.ReadFile("sql/" + e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: v, name: e.Name(), stmts: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
