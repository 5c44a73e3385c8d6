// Package database opens the Postgres pool used by the connection journal
// and creates its schema.
package database
