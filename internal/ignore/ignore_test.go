package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeGitignore(t *testing.T, root, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte(content), 0o644))
}

func TestBuiltinExcludes(t *testing.T) {
	p, err := NewPolicy(t.TempDir(), nil, nil)
	require.NoError(t, err)

	assert.False(t, p.Include("node_modules/react/index.js"))
	assert.False(t, p.Include(".git/HEAD"))
	assert.False(t, p.Include(".oak/ci/activities.db"))
	assert.False(t, p.Include("vendor/pkg/mod.go"))
	assert.True(t, p.Include("internal/server/server.go"))
	assert.True(t, p.Include("README.md"))
}

func TestGitignorePatterns(t *testing.T) {
	root := t.TempDir()
	writeGitignore(t, root, `
# build artifacts
*.log
/coverage/
secrets.yaml
!keep.log
`)

	p, err := NewPolicy(root, nil, nil)
	require.NoError(t, err)

	assert.False(t, p.Include("debug.log"))
	assert.False(t, p.Include("cmd/debug.log"))
	assert.False(t, p.Include("coverage/index.html"))
	assert.False(t, p.Include("config/secrets.yaml"))
	// Negations are unsupported: keep.log is still matched by *.log.
	assert.False(t, p.Include("keep.log"))
	assert.True(t, p.Include("main.go"))
}

func TestManagedIncludesOverrideGitignore(t *testing.T) {
	root := t.TempDir()
	writeGitignore(t, root, ".claude/\n")

	p, err := NewPolicy(root, nil, []string{".claude/commands/**"})
	require.NoError(t, err)

	assert.True(t, p.Include(".claude/commands/deploy.md"))
	assert.False(t, p.Include(".claude/settings.json"))
}

func TestManagedIncludesNeverBeatHardExcludes(t *testing.T) {
	p, err := NewPolicy(t.TempDir(), nil, []string{".oak/**"})
	require.NoError(t, err)

	// .oak is in the built-in exclusion set; managed includes cannot
	// resurrect it.
	assert.False(t, p.Include(".oak/ci/config.yaml"))
}

func TestConfigExcludePatterns(t *testing.T) {
	p, err := NewPolicy(t.TempDir(), []string{"generated/**", "**/*.pb.go"}, nil)
	require.NoError(t, err)

	assert.False(t, p.Include("generated/api.go"))
	assert.False(t, p.Include("internal/api/v1/api.pb.go"))
	assert.True(t, p.Include("internal/api/v1/api.go"))
}

func TestExcludedDir(t *testing.T) {
	p, err := NewPolicy(t.TempDir(), nil, nil)
	require.NoError(t, err)

	assert.True(t, p.ExcludedDir("node_modules"))
	assert.True(t, p.ExcludedDir(".git"))
	assert.False(t, p.ExcludedDir("internal"))
	assert.False(t, p.ExcludedDir("."))
}
