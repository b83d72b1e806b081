// Package migrations carries the database schema, compiled into the binary so
// the store can initialize itself from any working directory.
package migrations

import (
	_ "embed"
)

//go:embed 001_initial_schema.sql
var initialSchema string

// GetInitialSchema returns the initial database schema.
func GetInitialSchema() string {
	return initialSchema
}
