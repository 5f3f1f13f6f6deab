// Package migrations embeds the SQLite schema so the binary can migrate
// without the SQL files on disk.
package migrations

import "embed"

// FS holds every *.sql migration at its root; pass it to database.DB.Migrate.
//
//go:embed *.sql
var FS embed.FS
