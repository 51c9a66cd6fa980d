package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T, opts ...Option) (*Guard, string) {
	t.Helper()
	dir := t.TempDir()
	g, err := NewGuard(dir, opts...)
	require.NoError(t, err)
	return g, g.Root()
}

func TestNewGuard(t *testing.T) {
	_, err := NewGuard("")
	assert.Error(t, err)

	_, err = NewGuard(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	_, err = NewGuard(t.TempDir(), WithIgnorePatterns("[unclosed"))
	assert.Error(t, err)
}

func TestGuardResolve(t *testing.T) {
	g, root := newTestGuard(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{"relative file", "src/main.go", filepath.Join(root, "src", "main.go"), false},
		{"root itself", ".", root, false},
		{"absolute inside", filepath.Join(root, "src"), filepath.Join(root, "src"), false},
		{"missing parents", "a/b/c.txt", filepath.Join(root, "a", "b", "c.txt"), false},
		{"dot dot inside", "src/../README.md", filepath.Join(root, "README.md"), false},
		{"escape with dot dot", "../outside.txt", "", true},
		{"absolute outside", "/etc/passwd", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Resolve(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGuardRejectsSymlinkEscape(t *testing.T) {
	g, root := newTestGuard(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	_, err := g.Resolve("link/secret")
	assert.Error(t, err)
}

func TestGuardAllowedDir(t *testing.T) {
	extra := t.TempDir()
	g, _ := newTestGuard(t, WithAllowedDir(extra))

	resolved, err := g.Resolve(filepath.Join(extra, "notes.md"))
	require.NoError(t, err)
	assert.True(t, g.Contains(resolved))
	assert.False(t, g.Ignored(resolved))

	_, err = g.Rel(resolved)
	assert.Error(t, err)
}

func TestGuardIgnored(t *testing.T) {
	g, root := newTestGuard(t)

	assert.True(t, g.Ignored(filepath.Join(root, ".git")))
	assert.True(t, g.Ignored(filepath.Join(root, ".git", "objects", "ab")))
	assert.True(t, g.Ignored(filepath.Join(root, "node_modules", "pkg", "index.js")))
	assert.False(t, g.Ignored(filepath.Join(root, "src", "main.go")))
	assert.False(t, g.Ignored(filepath.Join(root, ".gitignore")))

	custom, root2 := newTestGuard(t, WithIgnorePatterns("*.log"))
	assert.True(t, custom.Ignored(filepath.Join(root2, "debug.log")))
	assert.False(t, custom.Ignored(filepath.Join(root2, "logs", "debug.log")))
	assert.False(t, custom.Ignored(filepath.Join(root2, ".git")))
}

func TestGuardRel(t *testing.T) {
	g, root := newTestGuard(t)

	rel, err := g.Rel(filepath.Join(root, "a", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("a", "b.txt"), rel)

	_, err = g.Rel("/somewhere/else")
	assert.Error(t, err)
}
