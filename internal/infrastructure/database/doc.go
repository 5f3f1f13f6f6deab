// Package database provides SQL connectivity for authcore.
//
// SQLite (mattn/go-sqlite3) holds users, audit records and, by default,
// revoked token IDs. Postgres (jackc/pgx stdlib driver) is available for the
// revocation store when several instances must share one revocation list.
//
// Schema changes are plain SQL files named YYYYMMDD_HHMMSS_description.up.sql
// (with an optional .down.sql) applied in version order by Migrate.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
package database
