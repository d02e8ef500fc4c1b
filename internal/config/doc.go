// Package config handles loading and validation of relay-gateway configuration
// from YAML files, including the per-channel records the core routes against.
package config
