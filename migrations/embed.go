// Package migrations embeds the SQL schema files applied by the migrator.
package migrations

import "embed"

// FS holds every {version}_{name}.up.sql / .down.sql file.
//
//go:embed *.sql
var FS embed.FS
