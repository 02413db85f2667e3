// Package migrations holds the catalog schema migrations.
package migrations

import (
	"database/sql"

	"github.com/remind101/migrate"
)

// MigrationTable is the name of the table migration state is tracked in.
const MigrationTable = "wheelsproxy_migrations"

func runSQL(stmts string) func(*sql.Tx) error {
	return func(tx *sql.Tx) error {
		_, err := tx.Exec(stmts)
		return err
	}
}

// Migrations are applied in order by ID.
var Migrations = []migrate.Migration{
	{
		ID: 1,
		Up: runSQL(migration1),
	},
}
