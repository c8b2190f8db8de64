// Package project inspects the project root being packaged.
//
// package.json is read as JSONC (via github.com/tidwall/jsonc) because
// JavaScript tooling commonly tolerates comments and trailing commas there.
package project
