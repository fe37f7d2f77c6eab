// Package migrations embeds the SQL schema applied by postgres.RunMigrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
