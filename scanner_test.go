package blobsweep

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blobsweep/discover"
)

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)

	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))

	return strings.TrimSpace(string(out))
}

func createTestRepo(t *testing.T) discover.Repository {
	t.Helper()

	dir := t.TempDir()
	gitRun(t, dir, "init", "-q")

	return discover.Repository{Root: dir, Name: filepath.Base(dir)}
}

func writeFile(t *testing.T, dir, name string, size int) {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o644))
}

func commitAll(t *testing.T, dir, message string) {
	t.Helper()

	gitRun(t, dir, "add", "-A")
	gitRun(t, dir, "commit", "-q", "-m", message)
}

func TestScanWorkingTreeThresholdBoundary(t *testing.T) {
	repo := createTestRepo(t)
	writeFile(t, repo.Root, "exactly.bin", 500)
	writeFile(t, repo.Root, "under.bin", 499)
	writeFile(t, repo.Root, "over.bin", 501)

	scanner := NewScanner(500)
	records := scanner.Scan(repo)

	paths := make([]string, 0, len(records))
	for _, record := range records {
		assert.Equal(t, OriginWorkingTree, record.Origin)
		paths = append(paths, record.Path)
	}

	// Size exactly equal to threshold is included.
	assert.ElementsMatch(t, []string{"exactly.bin", "over.bin"}, paths)
}

func TestScanIgnoresGitMetadataDirectory(t *testing.T) {
	repo := createTestRepo(t)
	writeFile(t, repo.Root, "tracked.bin", 600)
	commitAll(t, repo.Root, "add tracked.bin")

	scanner := NewScanner(500)
	records := scanner.Scan(repo)

	for _, record := range records {
		assert.NotContains(t, record.Path, ".git/")
	}
}

func TestScanWorkingTreeContinuesPastUnreadableEntries(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}

	repo := createTestRepo(t)

	// An unreadable directory early in walk order must not hide the
	// entries that come after it.
	locked := filepath.Join(repo.Root, "aa_locked")
	require.NoError(t, os.MkdirAll(locked, 0o755))
	writeFile(t, locked, "hidden.bin", 600)
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	writeFile(t, repo.Root, "zz_big.bin", 600)

	scanner := NewScanner(500)
	records := scanner.Scan(repo)

	paths := make([]string, 0, len(records))
	for _, record := range records {
		paths = append(paths, record.Path)
	}

	assert.Contains(t, paths, "zz_big.bin")
}

func TestScanHistoryFindsRemovedBlob(t *testing.T) {
	repo := createTestRepo(t)

	writeFile(t, repo.Root, "old_large.bin", 700)
	commitAll(t, repo.Root, "add old_large.bin")
	introducing := gitRun(t, repo.Root, "rev-parse", "HEAD")
	oid := gitRun(t, repo.Root, "rev-parse", "HEAD:old_large.bin")

	gitRun(t, repo.Root, "rm", "-q", "old_large.bin")
	commitAll(t, repo.Root, "remove old_large.bin")

	writeFile(t, repo.Root, "final_test.bin", 100)
	commitAll(t, repo.Root, "add final_test.bin")

	scanner := NewScanner(500)
	records := scanner.Scan(repo)

	require.Len(t, records, 1)
	record := records[0]
	assert.Equal(t, "old_large.bin", record.Path)
	assert.Equal(t, OriginHistory, record.Origin)
	assert.Equal(t, oid, record.ObjectID)
	assert.Equal(t, int64(700), record.Size)
	require.NotEmpty(t, record.Commits)
	assert.Equal(t, introducing, record.Commits[0])
}

func TestScanRecordsBothOriginsForPresentFile(t *testing.T) {
	repo := createTestRepo(t)

	writeFile(t, repo.Root, "big.bin", 600)
	commitAll(t, repo.Root, "add big.bin")

	scanner := NewScanner(500)
	records := scanner.Scan(repo)

	require.Len(t, records, 2)
	assert.Equal(t, OriginWorkingTree, records[0].Origin)
	assert.Equal(t, OriginHistory, records[1].Origin)
	assert.Equal(t, records[0].Path, records[1].Path)
}

func TestScanHistoryDeduplicatesByPath(t *testing.T) {
	repo := createTestRepo(t)

	writeFile(t, repo.Root, "grow.bin", 600)
	commitAll(t, repo.Root, "v1")

	data := make([]byte, 800)
	data[0] = 1
	require.NoError(t, os.WriteFile(filepath.Join(repo.Root, "grow.bin"), data, 0o644))
	commitAll(t, repo.Root, "v2")

	scanner := NewScanner(500)
	records := scanner.Scan(repo)

	historyPaths := map[string]int{}
	for _, record := range records {
		if record.Origin == OriginHistory {
			historyPaths[record.Path]++
		}
	}

	assert.Equal(t, 1, historyPaths["grow.bin"])
}

func TestScanIsIdempotent(t *testing.T) {
	repo := createTestRepo(t)

	writeFile(t, repo.Root, "a.bin", 600)
	writeFile(t, repo.Root, "b.bin", 700)
	commitAll(t, repo.Root, "add blobs")

	scanner := NewScanner(500)

	first := scanner.Scan(repo)
	second := scanner.Scan(repo)

	assert.Equal(t, first, second)
}

func TestScanUnreadableRepositoryYieldsWorkingTreeOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "big.bin", 600)

	// Not a git repository at all: the history pass contributes nothing
	// and the scan does not abort.
	repo := discover.Repository{Root: dir, Name: filepath.Base(dir)}

	scanner := NewScanner(500)
	records := scanner.Scan(repo)

	for _, record := range records {
		assert.Equal(t, OriginWorkingTree, record.Origin)
	}
}

func TestHistoryOversizedCount(t *testing.T) {
	repo := createTestRepo(t)

	writeFile(t, repo.Root, "big.bin", 600)
	writeFile(t, repo.Root, "small.bin", 100)
	commitAll(t, repo.Root, "add files")

	scanner := NewScanner(500)

	count, err := scanner.HistoryOversizedCount(repo)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	clean := NewScanner(10_000)

	count, err = clean.HistoryOversizedCount(repo)
	require.NoError(t, err)
	assert.Zero(t, count)
}
