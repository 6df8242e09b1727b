// Package migrations embeds hub schema migration files.
package migrations

import "embed"

// FS exposes the embedded migration SQL files.
//
//go:embed *.sql
var FS embed.FS
