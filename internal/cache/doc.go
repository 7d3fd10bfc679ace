// Package cache provides an optional Redis-backed cache for recall
// results. This package is internal and should not be imported by external
// projects.
package cache
