package bundle

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// RuleKind tells Select how a Rule's pattern is evaluated against the project root.
type RuleKind int

const (
	// RuleGlob matches Pattern segment by segment relative to the root (`*/dist/*`, `*.sh`).
	RuleGlob RuleKind = iota
	// RuleRecursive matches Pattern against the base name of every entry under the root.
	RuleRecursive
	// RuleChildren selects every immediate entry of the directory named by Pattern.
	RuleChildren
	// RuleFile selects the single root-relative path named by Pattern.
	RuleFile
)

// String returns the name used in logs and settings files.
func (k RuleKind) String() string {
	switch k {
	case RuleGlob:
		return "glob"
	case RuleRecursive:
		return "recursive"
	case RuleChildren:
		return "children"
	case RuleFile:
		return "file"
	default:
		return fmt.Sprintf("RuleKind(%d)", int(k))
	}
}

// Rule is one selection rule.
type Rule struct {
	// Kind selects the evaluation strategy.
	Kind RuleKind
	// Pattern is a slash-separated pattern or path relative to the root.
	Pattern string
}

var (
	// ErrEmptyPattern is returned for a rule without a pattern.
	ErrEmptyPattern = errors.New("rule pattern is empty")
	// ErrPatternEscapesRoot is returned for absolute patterns or patterns containing "..".
	ErrPatternEscapesRoot = errors.New("rule pattern escapes the project root")
)

// DefaultRules returns the selection rules of a Node.js application bundle, in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{Kind: RuleGlob, Pattern: "*/dist/*"},
		{Kind: RuleRecursive, Pattern: "*.json"},
		{Kind: RuleGlob, Pattern: "*.sh"},
		{Kind: RuleRecursive, Pattern: "*.lock"},
		{Kind: RuleRecursive, Pattern: "*.yml"},
		{Kind: RuleChildren, Pattern: "patches"},
		{Kind: RuleFile, Pattern: ".nvmrc"},
	}
}

// Validate reports malformed patterns before any filesystem access happens.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Pattern) == "" {
		return fmt.Errorf("%s rule: %w", r.Kind, ErrEmptyPattern)
	}

	if path.IsAbs(r.Pattern) || hasParentSegment(r.Pattern) {
		return fmt.Errorf("%s rule %q: %w", r.Kind, r.Pattern, ErrPatternEscapesRoot)
	}

	if _, err := path.Match(r.Pattern, ""); err != nil {
		return fmt.Errorf("%s rule %q: %w", r.Kind, r.Pattern, err)
	}

	return nil
}

// String renders the rule as "kind:pattern".
func (r Rule) String() string {
	return r.Kind.String() + ":" + r.Pattern
}

func hasParentSegment(p string) bool {
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return true
		}
	}

	return false
}
