package reconcile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/twinsync/internal/backend"
	"github.com/openmined/twinsync/internal/snapshot"
	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreRules decides which normalized keys are skipped entirely. Keys are
// compared in lower case, so prefixes and patterns are lower-cased as well.
type IgnoreRules struct {
	prefixes []string
	// folder globs such as "/**/.cache", matched with doublestar
	globs    []string
	patterns []string
	ignore   *gitignore.GitIgnore
}

// NewIgnoreRules returns rules that skip every key starting with one of
// prefixes. A prefix without a leading "/" is rooted. A prefix holding glob
// syntax ("*", "?", "[" or "{") instead skips every folder it matches, with
// "**" spanning any number of levels.
func NewIgnoreRules(prefixes ...string) *IgnoreRules {
	r := &IgnoreRules{}
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		p = strings.ToLower(p)
		if strings.ContainsAny(p, "*?[{") {
			p = strings.TrimSuffix(p, "/")
			if !doublestar.ValidatePattern(p) {
				slog.Warn("invalid ignore glob", "pattern", p)
				continue
			}
			r.globs = append(r.globs, p)
			continue
		}
		r.prefixes = append(r.prefixes, p)
	}
	return r
}

// AddPatterns compiles gitignore style lines on top of the existing rules.
func (r *IgnoreRules) AddPatterns(lines ...string) {
	var clean []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		clean = append(clean, strings.ToLower(line))
	}
	if len(clean) == 0 {
		return
	}
	r.patterns = append(r.patterns, clean...)
	r.ignore = gitignore.CompileIgnoreLines(r.patterns...)
}

// LoadFile appends the patterns of a gitignore style file.
func (r *IgnoreRules) LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open ignore file: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ignore file %s: %w", path, err)
	}

	before := len(r.patterns)
	r.AddPatterns(lines...)
	slog.Info("loaded ignore file", "path", path, "rules", len(r.patterns)-before)
	return nil
}

// Ignored reports whether key should not be reconciled. A nil receiver
// ignores nothing.
func (r *IgnoreRules) Ignored(key string) bool {
	if r == nil {
		return false
	}
	key = strings.ToLower(key)
	for _, p := range r.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	if len(r.globs) > 0 && r.matchesGlob(key) {
		return true
	}
	if r.ignore != nil {
		return r.ignore.MatchesPath(strings.TrimPrefix(key, "/"))
	}
	return false
}

// matchesGlob reports whether key or one of its ancestor folders matches a
// folder glob.
func (r *IgnoreRules) matchesGlob(key string) bool {
	candidates := backend.ParentFolders(key)
	if snapshot.IsFolderKey(key) {
		candidates = append(candidates, key)
	}
	for _, c := range candidates {
		c = strings.TrimSuffix(c, "/")
		for _, g := range r.globs {
			if ok, _ := doublestar.Match(g, c); ok {
				return true
			}
		}
	}
	return false
}

// skip reports whether key is the root or ignored.
func (r *IgnoreRules) skip(key string) bool {
	return snapshot.IsRoot(key) || r.Ignored(key)
}
