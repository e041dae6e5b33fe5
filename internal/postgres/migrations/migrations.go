// Package migrations embeds the goose SQL migration files applied by postgres.Migrate.
package migrations

import "embed"

// FS holds the embedded *.sql migration files, used as the goose base filesystem.
//
//go:embed *.sql
var FS embed.FS
