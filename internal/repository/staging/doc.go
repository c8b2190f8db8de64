// Package staging manages the staging directory a bundle is assembled in.
//
// The Directory is wiped and recreated at the start of every run, then
// receives byte-for-byte copies of the selected files at their original
// root-relative paths. Permission bits and timestamps follow the source.
package staging
