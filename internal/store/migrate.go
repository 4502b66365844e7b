package store

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate runs all pending database migrations. Before doing so it
// consults goose's own goose_db_version bookkeeping table: if the
// database is already at a migration this binary has never heard of
// — e.g. the data directory was last touched by a newer Hi-Boss build
// — it refuses to touch the schema and fails fatally rather than risk
// silently misreading or corrupting it (§4.1).
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := checkSchemaVersion(db); err != nil {
		return err
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// checkSchemaVersion enforces that the set of migrations embedded in
// this binary is a superset of what goose has already recorded as
// applied to db. A database ahead of the binary means an operator
// downgraded the Hi-Boss binary against data written by a newer one;
// this is refused outright instead of attempting a best-effort read.
func checkSchemaVersion(db *sql.DB) error {
	dbVersion, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	known, err := goose.CollectMigrations("migrations", 0, goose.MaxVersion)
	if err != nil {
		return fmt.Errorf("store: collect migrations: %w", err)
	}
	latest, err := known.Last()
	if err != nil {
		return fmt.Errorf("store: determine latest known migration: %w", err)
	}

	if dbVersion > latest.Version {
		return fmt.Errorf(
			"store: incompatible schema: database is at migration %d but this build only knows migrations up to %d; "+
				"reset the data directory or upgrade hiboss before starting the daemon again",
			dbVersion, latest.Version)
	}
	return nil
}
