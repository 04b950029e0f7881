// Package ignore implements the layered file exclusion policy.
//
// A candidate path is indexed iff it is not matched by any excluded glob AND
// (it is matched by a managed include OR not matched by the project
// .gitignore). The Indexer and the Watcher share one Policy so the two can
// never disagree about what is in scope.
package ignore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// builtinExcludes are always excluded, regardless of configuration.
var builtinExcludes = []string{
	".oak/**",
	".git/**",
	".svn/**",
	".hg/**",
	"node_modules/**",
	"vendor/**",
	".venv/**",
	"venv/**",
	"__pycache__/**",
	".idea/**",
	".vscode/**",
	".cache/**",
	"dist/**",
	"build/**",
	".next/**",
	"target/**",
	"**/*.min.js",
	"**/*.lock",
}

// Policy evaluates the exclusion rules for one project root.
type Policy struct {
	excludes   []string
	managed    []string
	gitignored []string
}

// NewPolicy builds the policy for projectRoot. extraExcludes and
// managedIncludes come from configuration; the project .gitignore is parsed
// at construction time (a missing file is not an error).
func NewPolicy(projectRoot string, extraExcludes, managedIncludes []string) (*Policy, error) {
	gitignored, err := parseGitignore(filepath.Join(projectRoot, ".gitignore"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	excludes := make([]string, 0, len(builtinExcludes)+len(extraExcludes))
	excludes = append(excludes, builtinExcludes...)
	excludes = append(excludes, extraExcludes...)

	return &Policy{
		excludes:   excludes,
		managed:    managedIncludes,
		gitignored: gitignored,
	}, nil
}

// Include reports whether relPath (slash-separated, relative to the project
// root) is a candidate for indexing.
func (p *Policy) Include(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	if p.Excluded(relPath) {
		return false
	}
	if matchAny(p.managed, relPath) {
		return true
	}
	return !matchAny(p.gitignored, relPath)
}

// Excluded reports whether relPath is matched by the hard exclusion set.
// Excluded paths are never indexed, managed include or not.
func (p *Policy) Excluded(relPath string) bool {
	return matchAny(p.excludes, filepath.ToSlash(relPath))
}

// ExcludedDir reports whether an entire directory can be skipped during a
// walk. Conservative: a directory is skipped only when the directory itself
// matches an exclude pattern, since a child could otherwise still match a
// managed include.
func (p *Policy) ExcludedDir(relDir string) bool {
	relDir = filepath.ToSlash(relDir)
	if relDir == "." || relDir == "" {
		return false
	}
	// "node_modules/**" should also skip "node_modules" itself.
	return matchAny(p.excludes, relDir) || matchAny(p.excludes, relDir+"/")
}

func matchAny(patterns []string, relPath string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, relPath); err == nil && ok {
			return true
		}
		// Directory pattern "foo/**" also covers the directory node "foo".
		if strings.HasSuffix(pattern, "/**") {
			if ok, err := doublestar.Match(strings.TrimSuffix(pattern, "/**"), relPath); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// parseGitignore reads gitignore lines and converts them to doublestar globs.
// Negation patterns are not supported and are dropped.
func parseGitignore(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if pattern := parseLine(scanner.Text()); pattern != "" {
			patterns = append(patterns, pattern)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return deduplicate(patterns), nil
}

// parseLine parses a single gitignore line.
// Returns empty string for comments, blanks, and negations.
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return ""
	}
	return toGlobPattern(line)
}

// toGlobPattern converts a gitignore pattern to a doublestar glob.
func toGlobPattern(pattern string) string {
	// Leading slash anchors to the root; doublestar patterns are already
	// root-relative.
	anchored := strings.HasPrefix(pattern, "/")
	pattern = strings.TrimPrefix(pattern, "/")

	// Trailing slash marks a directory: match everything below it.
	if strings.HasSuffix(pattern, "/") {
		pattern += "**"
	}

	// Unanchored patterns without a slash match at any depth.
	if !anchored && !strings.Contains(pattern, "/") && !strings.HasPrefix(pattern, "**/") {
		pattern = "**/" + pattern
	}

	// Bare directory names should match recursively.
	if !strings.HasSuffix(pattern, "/**") && !strings.HasSuffix(pattern, "/*") &&
		!strings.Contains(filepath.Base(pattern), ".") && !strings.Contains(pattern, "*") {
		pattern += "/**"
	}

	return pattern
}

func deduplicate(patterns []string) []string {
	seen := make(map[string]bool, len(patterns))
	result := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !seen[p] {
			seen[p] = true
			result = append(result, p)
		}
	}
	return result
}
