// Package workspace keeps file system tools inside a workspace directory.
// Paths are cleaned and symlinks resolved before the containment check, so
// neither ".." segments nor links can escape the root.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultIgnorePatterns hide version control metadata and dependency trees
// from tools.
var DefaultIgnorePatterns = []string{
	".git",
	".git/**",
	"node_modules",
	"node_modules/**",
}

// Guard enforces workspace boundary restrictions on file paths.
type Guard struct {
	root    string
	allowed []string
	ignore  []glob.Glob
}

// Option configures a Guard.
type Option func(*Guard) error

// WithAllowedDir permits access to dir in addition to the workspace.
func WithAllowedDir(dir string) Option {
	return func(g *Guard) error {
		if dir == "" {
			return fmt.Errorf("allowed directory cannot be empty")
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("failed to resolve allowed directory: %w", err)
		}
		g.allowed = append(g.allowed, resolveSymlinks(abs))
		return nil
	}
}

// WithIgnorePatterns replaces the ignore list. Patterns are globs over
// slash-separated workspace-relative paths.
func WithIgnorePatterns(patterns ...string) Option {
	return func(g *Guard) error {
		g.ignore = g.ignore[:0]
		for _, p := range patterns {
			compiled, err := glob.Compile(p, '/')
			if err != nil {
				return fmt.Errorf("invalid ignore pattern '%s': %w", p, err)
			}
			g.ignore = append(g.ignore, compiled)
		}
		return nil
	}
}

// NewGuard creates a guard rooted at workspaceDir, which must exist.
func NewGuard(workspaceDir string, opts ...Option) (*Guard, error) {
	if workspaceDir == "" {
		return nil, fmt.Errorf("workspace directory cannot be empty")
	}

	absPath, err := filepath.Abs(workspaceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace directory: %w", err)
	}
	evalPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate workspace directory symlinks: %w", err)
	}

	g := &Guard{root: evalPath}
	if err := WithIgnorePatterns(DefaultIgnorePatterns...)(g); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Resolve turns path, relative to the workspace or absolute, into an
// absolute path and rejects it if it lies outside the workspace and every
// allowed directory. Paths that do not exist yet are resolved through their
// nearest existing parent.
func (g *Guard) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	expanded := path
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to expand ~: %w", err)
		}
		expanded = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	abs := filepath.Clean(expanded)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.root, abs)
	}
	resolved := resolveSymlinks(abs)

	if !g.Contains(resolved) {
		return "", fmt.Errorf("path '%s' is outside workspace boundaries", path)
	}
	return resolved, nil
}

// Contains reports whether the absolute path is the workspace, an allowed
// directory, or below one of them.
func (g *Guard) Contains(absPath string) bool {
	p := resolveSymlinks(absPath)
	if within(p, g.root) {
		return true
	}
	for _, dir := range g.allowed {
		if within(p, dir) {
			return true
		}
	}
	return false
}

// Rel returns absPath relative to the workspace root.
func (g *Guard) Rel(absPath string) (string, error) {
	p := resolveSymlinks(absPath)
	if !within(p, g.root) {
		return "", fmt.Errorf("path '%s' is not within workspace", absPath)
	}
	rel, err := filepath.Rel(g.root, p)
	if err != nil {
		return "", fmt.Errorf("failed to make path relative: %w", err)
	}
	return rel, nil
}

// Ignored reports whether an absolute path inside the workspace matches an
// ignore pattern. Paths in allowed directories are never ignored.
func (g *Guard) Ignored(absPath string) bool {
	rel, err := g.Rel(absPath)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range g.ignore {
		if pattern.Match(rel) {
			return true
		}
	}
	return false
}

// Root returns the absolute workspace directory.
func (g *Guard) Root() string {
	return g.root
}

func within(path, dir string) bool {
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

// resolveSymlinks evaluates links in path. For paths that do not exist it
// resolves the nearest existing ancestor and re-appends the missing tail.
func resolveSymlinks(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}

	var missing []string
	current := path
	for {
		if resolved, err := filepath.EvalSymlinks(current); err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved
		}
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(path)
		}
		missing = append(missing, filepath.Base(current))
		current = parent
	}
}
