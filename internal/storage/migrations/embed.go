// Package migrations embeds and applies the SQL schema for every store.
package migrations

import "embed"

// PostgresFS embeds the live, history and quarantine schemas.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS

// ClickhouseFS embeds the analytic trade mirror schema.
//
//go:embed clickhouse/*.sql
var ClickhouseFS embed.FS
