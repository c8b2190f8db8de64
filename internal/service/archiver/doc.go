// Package archiver compresses the staging directory and publishes the archive.
//
// External runs the system zip utility with the staging parent as its
// working directory; Builtin writes an equivalent archive in-process for
// hosts without zip. Publish swaps a finished archive into place with
// checksum verification, so readers never observe a half-written file.
package archiver
