// Package discover locates git repositories under a parent directory.
package discover

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	git "github.com/go-git/go-git/v5"
	log "github.com/sirupsen/logrus"
)

// MaxDepth bounds how far below the parent directory the walk descends
// when looking for repository roots.
const MaxDepth = 2

// Repository is a git working copy found on disk.
type Repository struct {
	// Root is the absolute path of the working copy.
	Root string
	// Name is the basename of the root, used to label all artifacts.
	Name string
}

// RemoteURL returns the fetch URL of the named remote, or "" when the
// repository has no such remote.
func (r Repository) RemoteURL(name string) string {
	repo, err := git.PlainOpen(r.Root)
	if err != nil {
		return ""
	}

	remote, err := repo.Remote(name)
	if err != nil || len(remote.Config().URLs) == 0 {
		return ""
	}

	return remote.Config().URLs[0]
}

// Repositories walks parent down to MaxDepth and returns every git
// working copy found, sorted by name. A repository root is not descended
// into, so nested checkouts below a found root are ignored.
func Repositories(parent string) ([]Repository, error) {
	info, err := os.Stat(parent)
	if err != nil {
		return nil, fmt.Errorf("parent directory %s: %w", parent, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("parent path %s is not a directory", parent)
	}

	absParent, err := filepath.Abs(parent)
	if err != nil {
		return nil, err
	}

	var found []Repository

	walk(absParent, 0, &found)

	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })

	return found, nil
}

func walk(dir string, depth int, found *[]Repository) {
	if depth > MaxDepth {
		return
	}

	if isRepository(dir) {
		*found = append(*found, Repository{Root: dir, Name: filepath.Base(dir)})

		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.WithError(err).Warnf("skipping unreadable directory %s", dir)

		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			walk(filepath.Join(dir, entry.Name()), depth+1, found)
		}
	}
}

func isRepository(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, git.GitDirName)); err != nil {
		return false
	}

	_, err := git.PlainOpen(dir)

	return err == nil
}
