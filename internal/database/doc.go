// Package database opens and manages the SQLite connection backing the
// durable store. This package is internal and should not be imported by
// external projects.
package database
