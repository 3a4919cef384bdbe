// Package migrations embeds the feed service schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
