package discover

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T, dir string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o755))

	out, err := exec.Command("git", "-C", dir, "init", "-q").CombinedOutput()
	require.NoError(t, err, string(out))
}

func TestRepositoriesFindsAndSorts(t *testing.T) {
	parent := t.TempDir()

	initRepo(t, filepath.Join(parent, "zebra"))
	initRepo(t, filepath.Join(parent, "alpha"))
	require.NoError(t, os.MkdirAll(filepath.Join(parent, "not-a-repo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "plain-file"), []byte("x"), 0o644))

	repositories, err := Repositories(parent)
	require.NoError(t, err)

	require.Len(t, repositories, 2)
	assert.Equal(t, "alpha", repositories[0].Name)
	assert.Equal(t, "zebra", repositories[1].Name)
	assert.Equal(t, filepath.Join(parent, "alpha"), repositories[0].Root)
}

func TestRepositoriesBoundedDepth(t *testing.T) {
	parent := t.TempDir()

	initRepo(t, filepath.Join(parent, "group", "nested"))
	initRepo(t, filepath.Join(parent, "a", "b", "too-deep"))

	repositories, err := Repositories(parent)
	require.NoError(t, err)

	require.Len(t, repositories, 1)
	assert.Equal(t, "nested", repositories[0].Name)
}

func TestRepositoriesInvalidParent(t *testing.T) {
	_, err := Repositories(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestRemoteURL(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "repo")
	initRepo(t, root)

	out, err := exec.Command("git", "-C", root, "remote", "add", "origin", "https://example.com/repo.git").CombinedOutput()
	require.NoError(t, err, string(out))

	repositories, err := Repositories(parent)
	require.NoError(t, err)
	require.Len(t, repositories, 1)

	assert.Equal(t, "https://example.com/repo.git", repositories[0].RemoteURL("origin"))
	assert.Empty(t, repositories[0].RemoteURL("upstream"))
}
