// Package database manages the PostgreSQL connection pool used by the
// tick recorder. The bridge itself never touches the database; the
// pool exists only when recording is enabled.
package database
