// Package migrations holds the document store's Postgres schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
