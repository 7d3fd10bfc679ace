// Package migration applies the durable store's schema through ordered,
// one-time migrations embedded in the binary. This package is internal and
// should not be imported by external projects.
package migration
