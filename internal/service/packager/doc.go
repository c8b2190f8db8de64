// Package packager runs the release packaging pipeline.
//
// A run resets build/<app>, copies the files selected by the bundle rules
// into it, optionally installs dependencies inside the staged copy and
// compresses the staged directory into a single zip archive. A marker in the
// build directory keeps two runs from sharing it, and a YAML manifest with
// per-file checksums is written next to the archive.
package packager
