// Package database provides the PostgreSQL connection pool used by the
// stream recorder.
package database
