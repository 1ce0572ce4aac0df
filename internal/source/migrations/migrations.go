// Package migrations embeds the SQLite schema of the persistent source.
package migrations

import "embed"

// FS holds the numbered up/down migration files.
//
//go:embed *.sql
var FS embed.FS
