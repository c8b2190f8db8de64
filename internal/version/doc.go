// Package version exposes build metadata for release-packer.
//
// Version, Commit and BuildTime are injected via Go ldflags. The version
// string is also recorded in every archive manifest.
package version
