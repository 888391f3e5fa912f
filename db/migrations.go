package db

import "embed"

// MigrationsFS carries the versioned migration files. The admin tool
// applies them with golang-migrate while the daemon is stopped.
//
//go:embed migrations
var MigrationsFS embed.FS
