// Package types defines the shared data model of the Engram memory engine:
// raw events, working slots, durable memory records, relation edges, entity
// profiles, knowledge gaps, run reports, and the structured error type used
// across all packages.
package types
