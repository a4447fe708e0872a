// Package migrations embeds the cache.db schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
