// Package config defines the updater settings and provides helpers to load,
// validate and dump them in YAML format.
//
// A device without a settings file runs with the defaults filled in by
// Validate, which match the partition layout of the supported readers.
package config
