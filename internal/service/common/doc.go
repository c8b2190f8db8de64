// Package common holds helpers shared by several services.
//
// It runs external steps with an explicit working directory and a checked
// exit status, computes file checksums for manifests and publication, and
// detects the current system actor (hostname/username) recorded in manifests.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
