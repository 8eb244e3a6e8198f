// Package migrations embeds the SQL schema migrations for the Task
// Store, discovered by bun's migrate.Migrations at startup.
package migrations

import "embed"

//go:embed sql/*.sql
var FS embed.FS
