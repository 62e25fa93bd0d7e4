// Package migrations embeds the relational schema so the relational
// store can apply it on startup without a separate migration tool.
package migrations

import (
	_ "embed"
)

//go:embed schema.sql
var Schema string
