// Package config defines packer settings and provides helpers to load,
// validate and save them in YAML format.
//
// A missing settings file is not an error for the CLI: LoadOptional returns
// defaults that reproduce the standard Node.js bundle layout.
package config
