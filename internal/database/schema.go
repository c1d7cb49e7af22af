package database

import _ "embed"

// Schema is the fully migrated catalog schema, for tests and tooling that
// need a ready database without running migrations.
//
//go:embed schema.sql
var Schema string
