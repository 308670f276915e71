// Package config loads and validates YAML configuration for the broker
// connector binaries. ${VAR} references in the file are expanded from the
// environment before parsing, which is how credentials are injected.
package config
