package bundle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
)

// ErrRootNotDirectory is returned when the project root is not a directory.
var ErrRootNotDirectory = errors.New("project root is not a directory")

// Selection is the outcome of Select.
type Selection struct {
	// Root is the absolute project root the paths are relative to.
	Root string
	// Files holds the selected regular files as sorted, slash-separated, root-relative paths.
	Files []string
	// Excluded counts distinct candidates vetoed by the exclusion set.
	Excluded int
	// Skipped counts distinct candidates that were not regular files (directories, sockets, dangling links).
	Skipped int
}

// Select evaluates rules in order against root, unions the matches, drops
// every candidate vetoed by exclusions and keeps regular files only.
// The filesystem is only read.
func Select(ctx context.Context, root string, rules []Rule, exclusions *ExclusionSet) (*Selection, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat project root: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", absRoot, ErrRootNotDirectory)
	}

	s := &selector{
		ctx:        ctx,
		fsys:       os.DirFS(absRoot),
		exclusions: exclusions,
		seen:       make(map[string]struct{}),
		result:     &Selection{Root: absRoot},
	}

	for _, rule := range rules {
		if err = rule.Validate(); err != nil {
			return nil, err
		}

		if err = s.apply(rule); err != nil {
			return nil, fmt.Errorf("apply %s: %w", rule, err)
		}
	}

	slices.Sort(s.result.Files)

	return s.result, nil
}

// selector carries the state of a single Select call.
type selector struct {
	ctx        context.Context //nolint:containedctx // Lives only for one Select call.
	fsys       fs.FS
	exclusions *ExclusionSet
	seen       map[string]struct{}
	result     *Selection
}

func (s *selector) apply(rule Rule) error {
	switch rule.Kind {
	case RuleGlob:
		return s.applyGlob(rule.Pattern)
	case RuleRecursive:
		return s.applyRecursive(rule.Pattern)
	case RuleChildren:
		return s.applyChildren(rule.Pattern)
	case RuleFile:
		return s.consider(path.Clean(rule.Pattern))
	default:
		return fmt.Errorf("unknown rule kind %d", int(rule.Kind))
	}
}

func (s *selector) applyGlob(pattern string) error {
	matches, err := fs.Glob(s.fsys, pattern)
	if err != nil {
		return err
	}

	for _, match := range matches {
		if err = s.consider(match); err != nil {
			return err
		}
	}

	return nil
}

// applyRecursive walks the whole tree. Excluded directories are pruned since
// nothing below them could survive filtering anyway.
func (s *selector) applyRecursive(pattern string) error {
	return fs.WalkDir(s.fsys, ".", func(rel string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if err := s.ctx.Err(); err != nil {
			return err
		}

		if rel == "." {
			return nil
		}

		if entry.IsDir() {
			if s.exclusions.Excludes(rel) {
				return fs.SkipDir
			}

			return nil
		}

		matched, err := path.Match(pattern, entry.Name())
		if err != nil || !matched {
			return err
		}

		return s.consider(rel)
	})
}

func (s *selector) applyChildren(dir string) error {
	dir = path.Clean(dir)

	entries, err := fs.ReadDir(s.fsys, dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err = s.consider(path.Join(dir, entry.Name())); err != nil {
			return err
		}
	}

	return nil
}

// consider records rel once, classifying it as excluded, skipped or selected.
func (s *selector) consider(rel string) error {
	if _, done := s.seen[rel]; done {
		return nil
	}

	s.seen[rel] = struct{}{}

	if s.exclusions.Excludes(rel) {
		s.result.Excluded++
		return nil
	}

	info, err := fs.Stat(s.fsys, rel)
	if errors.Is(err, fs.ErrNotExist) {
		s.result.Skipped++
		return nil
	}

	if err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		s.result.Skipped++
		return nil
	}

	s.result.Files = append(s.result.Files, rel)

	return nil
}
