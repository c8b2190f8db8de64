package bundle

import (
	"path"
	"slices"
	"strings"
)

// anyDepthPrefix marks an exclusion entry that matches a base name at any depth.
const anyDepthPrefix = "**/"

// DefaultExclusions lists the root-relative entries that are never packaged:
// the local dependency cache, installed packages, the Yarn directory, editor
// settings and the top-level deployment config.
func DefaultExclusions() []string {
	return []string{
		".local",
		"node_modules",
		".yarn",
		".vscode",
		"config.yml",
	}
}

// ExclusionSet vetoes candidates whose path, or any ancestor directory up to
// the root, equals one of its entries.
//
// Entries are root-relative slash paths ("node_modules", "apps/web/.cache").
// An entry written as "**/name" matches any path segment equal to name.
type ExclusionSet struct {
	paths map[string]struct{}
	names map[string]struct{}
}

// NewExclusionSet builds a set from raw entries. Blank entries are ignored.
func NewExclusionSet(entries ...string) *ExclusionSet {
	set := &ExclusionSet{
		paths: make(map[string]struct{}, len(entries)),
		names: make(map[string]struct{}),
	}

	for _, entry := range entries {
		set.Add(entry)
	}

	return set
}

// Add inserts one entry into the set.
func (s *ExclusionSet) Add(entry string) {
	entry = strings.TrimSpace(strings.ReplaceAll(entry, "\\", "/"))
	if entry == "" {
		return
	}

	if name, ok := strings.CutPrefix(entry, anyDepthPrefix); ok {
		name = strings.Trim(name, "/")
		if name != "" {
			s.names[name] = struct{}{}
		}

		return
	}

	entry = path.Clean(strings.Trim(entry, "/"))
	if entry == "." {
		return
	}

	s.paths[entry] = struct{}{}
}

// Len returns the number of entries in the set.
func (s *ExclusionSet) Len() int {
	if s == nil {
		return 0
	}

	return len(s.paths) + len(s.names)
}

// Excludes reports whether the slash-separated, root-relative path rel is vetoed.
// The candidate itself and each of its ancestors are checked.
func (s *ExclusionSet) Excludes(rel string) bool {
	if s.Len() == 0 {
		return false
	}

	rel = path.Clean(rel)

	for current := rel; current != "." && current != "/"; current = path.Dir(current) {
		if _, found := s.paths[current]; found {
			return true
		}

		if _, found := s.names[path.Base(current)]; found {
			return true
		}
	}

	return false
}

// Entries returns the set contents in a stable order for logging.
func (s *ExclusionSet) Entries() []string {
	if s == nil {
		return nil
	}

	entries := make([]string, 0, s.Len())
	for p := range s.paths {
		entries = append(entries, p)
	}

	for n := range s.names {
		entries = append(entries, anyDepthPrefix+n)
	}

	slices.Sort(entries)

	return entries
}
