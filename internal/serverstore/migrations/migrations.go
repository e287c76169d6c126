// Package migrations embeds the server store's goose migration files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
