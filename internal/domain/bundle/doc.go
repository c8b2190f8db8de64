// Package bundle contains the file-selection model of a release bundle.
//
// A Rule names candidates relative to the project root, an ExclusionSet
// vetoes candidates by path or ancestor, and Select combines both into a
// sorted list of regular files ready to be staged.
package bundle
