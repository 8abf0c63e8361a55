package filter

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/driftsync/driftsync/internal/config"
)

// builtinExcludes are path groups that never belong in a sync: version
// control metadata, dependency and cache directories, virtualenvs, and
// editor/OS droppings. Checked before any user rule.
var builtinExcludes = []string{
	".git/",
	".svn/",
	".hg/",
	".bzr/",
	"node_modules/",
	"__pycache__/",
	"*.py[cod]",
	".venv/",
	"venv/",
	".tox/",
	"vendor/",
	".cache/",
	"target/debug/",
	"target/release/",
	".DS_Store",
	"Thumbs.db",
	"*.swp",
	"*.swo",
	"*.tmp",
	"*~",
}

// RuleSet decides whether a relative path participates in sync. It is a
// pure predicate over the task's filter rules: no I/O, no mutable state.
type RuleSet struct {
	builtins  *gitignore.GitIgnore
	overrides []string
	include   []string
	exclude   []string
}

// New compiles the rules. Globs use doublestar syntax and are validated
// up front so a bad pattern fails task start instead of silently matching
// nothing.
func New(rules config.FilterRules) (*RuleSet, error) {
	for _, group := range [][]string{rules.Include, rules.Exclude, rules.BuiltinOverrides} {
		for _, pattern := range group {
			if !doublestar.ValidatePattern(pattern) {
				return nil, fmt.Errorf("invalid filter pattern %q", pattern)
			}
		}
	}

	rs := &RuleSet{
		overrides: rules.BuiltinOverrides,
		include:   rules.Include,
		exclude:   rules.Exclude,
	}
	if !rules.DisableBuiltins {
		rs.builtins = gitignore.CompileIgnoreLines(builtinExcludes...)
	}
	return rs, nil
}

// Include reports whether relPath participates in sync. relPath is
// root-relative with forward slashes. Excluded directories are pruned:
// the watcher and scanner never descend into them.
func (rs *RuleSet) Include(relPath string, isDir bool) bool {
	relPath = path.Clean(strings.ReplaceAll(relPath, "\\", "/"))
	if relPath == "." || relPath == "" {
		return true
	}

	if rs.builtins != nil && rs.builtins.MatchesPath(relPath) && !rs.matchesAny(rs.overrides, relPath) {
		return false
	}

	if rs.matchesAny(rs.exclude, relPath) {
		return false
	}

	// Allow-list semantics apply to files only; directories stay
	// traversable so nested matches can still be found.
	if len(rs.include) > 0 && !isDir {
		return rs.matchesAny(rs.include, relPath)
	}
	return true
}

func (rs *RuleSet) matchesAny(patterns []string, relPath string) bool {
	base := path.Base(relPath)
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return true
		}
		// Bare patterns like "*.log" should match at any depth.
		if !strings.Contains(pattern, "/") {
			if ok, _ := doublestar.Match(pattern, base); ok {
				return true
			}
		}
	}
	return false
}
