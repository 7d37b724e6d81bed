// Package db embeds the SQL migrations so binaries can run without the
// source tree.
package db

import "embed"

// Migrations holds the goose migration files under migrations/.
//
//go:embed migrations/*.sql
var Migrations embed.FS
