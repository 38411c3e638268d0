// Package migrations runs the schema migrations backing internal/store's
// tables, using pressly/goose/v3 (the migration runner jordigilh-kubernaut
// wires for the same concern). The SQL dialect and schema themselves are
// an explicit non-goal of spec.md §1; this package only owns sequencing
// and version bookkeeping.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var embedded embed.FS

// Up applies every not-yet-applied migration in sql/ against db.
func Up(db *sql.DB) error {
	goose.SetBaseFS(embedded)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrations: set dialect: %w", err)
	}
	if err := goose.Up(db, "sql"); err != nil {
		return fmt.Errorf("migrations: apply: %w", err)
	}
	return nil
}
