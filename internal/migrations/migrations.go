package migrations

import "embed"

// Files holds the SQL migrations compiled into the binary. Names are
// numeric-prefixed (001_init.sql, 002_...) and applied in lexical order by
// store.ApplyMigrations.
//
//go:embed *.sql
var Files embed.FS
