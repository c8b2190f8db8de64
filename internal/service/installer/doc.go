// Package installer runs the dependency-install step inside a staged bundle.
//
// The script always receives the staged directory as an explicit working
// directory; the packer's own working directory is never changed. A script
// that cannot start or exits non-zero yields common.ErrExternalStep.
package installer
