package orchestrator

import (
	"path/filepath"
	"regexp"
	"strings"
)

// fileTargetSet is a predicted set of file/directory paths an issue is
// likely to touch, used only for the pre-flight conflict check (spec
// section 4.3); it is never read or written on disk.
type fileTargetSet map[string]struct{}

func newFileTargetSet() fileTargetSet {
	return make(fileTargetSet)
}

func (s fileTargetSet) add(path string) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return
	}
	s[path] = struct{}{}
}

// explicitPathPattern matches a path-looking token: a slash-separated path
// ending in a common source extension, or a bare filename with one.
var explicitPathPattern = regexp.MustCompile(`[A-Za-z0-9_./-]*[A-Za-z0-9_-]+\.(?:go|ts|tsx|js|jsx|py|rb|java|rs|c|cpp|h|hpp|md|yaml|yml|json)\b`)

// identifierPattern matches CamelCase identifiers such as "AuthService" or
// "UserController" that are likely to name a component.
var identifierPattern = regexp.MustCompile(`\b[A-Z][a-z0-9]+(?:[A-Z][a-z0-9]*)+\b`)

// areaDirs maps area keywords (spec section 4.3) to the canonical directory
// their area lives under in this predictor's idealised source tree.
var areaDirs = map[string]string{
	"auth":          "src/auth",
	"authentication": "src/auth",
	"api":           "src/api",
	"database":      "src/database",
	"db":            "src/database",
	"ui":            "src/ui",
	"frontend":      "src/ui",
	"utils":         "src/utils",
	"util":          "src/utils",
	"utility":       "src/utils",
	"tests":         "tests",
	"test":          "tests",
	"docs":          "docs",
	"documentation": "docs",
	"config":        "config",
	"configuration": "config",
}

// predictTargets extracts a probable set of file/directory targets from
// issue text (spec section 4.3, "pre-flight file prediction"): explicit
// file paths, component/class identifiers mapped to their likely area, and
// area keywords mapped to canonical area directories.
func predictTargets(text string) fileTargetSet {
	set := newFileTargetSet()

	for _, m := range explicitPathPattern.FindAllString(text, -1) {
		set.add(m)
	}

	lower := strings.ToLower(text)
	for keyword, dir := range areaDirs {
		if containsWord(lower, keyword) {
			set.add(dir)
		}
	}

	for _, ident := range identifierPattern.FindAllString(text, -1) {
		lowerIdent := strings.ToLower(ident)
		for keyword, dir := range areaDirs {
			if strings.Contains(lowerIdent, keyword) {
				set.add(dir)
			}
		}
	}

	return set
}

func containsWord(haystack, word string) bool {
	idx := 0
	for {
		pos := strings.Index(haystack[idx:], word)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(word)
		beforeOK := start == 0 || !isWordByte(haystack[start-1])
		afterOK := end == len(haystack) || !isWordByte(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
		if idx >= len(haystack) {
			return false
		}
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// conflicts reports whether any path in a conflicts with any path in b under
// the overlap rule (spec section 4.3): equal, one a prefix of the other
// (directory-wise), or sharing an immediate parent directory.
func (a fileTargetSet) conflicts(b fileTargetSet) bool {
	for pa := range a {
		for pb := range b {
			if pathsConflict(pa, pb) {
				return true
			}
		}
	}
	return false
}

func pathsConflict(a, b string) bool {
	if a == b {
		return true
	}
	if strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/") {
		return true
	}
	da, db := filepath.Dir(a), filepath.Dir(b)
	return da == db && da != "."
}
