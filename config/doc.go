// Package config holds the engine configuration tree, defaults, YAML
// loading, and validation.
package config
