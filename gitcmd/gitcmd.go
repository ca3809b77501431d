package gitcmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ErrNoRemote is returned when the repository has no remote with the
// requested name.
var ErrNoRemote = errors.New("remote not configured")

// CheckDependencies verifies that the external tools the destructive path
// relies on are present. Called once before any repository is touched.
func CheckDependencies(tools ...string) error {
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			return fmt.Errorf("required tool %q not found in PATH: %w", tool, err)
		}
	}

	return nil
}

// Git runs git commands against a single repository working copy.
type Git struct {
	Dir string
}

func New(dir string) *Git {
	return &Git{Dir: dir}
}

// run executes git with the given arguments, returning trimmed stdout.
func (g *Git) run(args ...string) (string, error) {
	var outbuf, errbuf bytes.Buffer

	cmd := exec.Command("git", args...)
	cmd.Dir = g.Dir
	cmd.Stdout = &outbuf
	cmd.Stderr = &errbuf
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	if err := cmd.Run(); err != nil {
		stderr := strings.TrimSpace(errbuf.String())
		log.WithError(err).WithFields(log.Fields{
			"op":     "gitError",
			"args":   strings.Join(args, " "),
			"stderr": stderr,
		}).Debugf("git command failed in %s", g.Dir)

		if stderr != "" {
			return "", fmt.Errorf("git %s: %s", args[0], stderr)
		}

		return "", fmt.Errorf("git %s: %w", args[0], err)
	}

	return strings.TrimSpace(outbuf.String()), nil
}

// RemoteURL returns the fetch URL of the named remote.
func (g *Git) RemoteURL(name string) (string, error) {
	url, err := g.run("remote", "get-url", name)
	if err != nil {
		return "", ErrNoRemote
	}

	return url, nil
}

// SetRemoteURL reattaches the named remote to url, adding the remote if it
// no longer exists. git-filter-repo removes the origin remote as part of
// its own safety behavior, so this runs after every rewrite.
func (g *Git) SetRemoteURL(name, url string) error {
	if _, err := g.run("remote", "get-url", name); err != nil {
		_, err = g.run("remote", "add", name, url)

		return err
	}

	_, err := g.run("remote", "set-url", name, url)

	return err
}

// FilterRepo removes every path in paths from every commit and tag,
// pruning the commits that become empty. All other content and commit
// metadata is preserved by git-filter-repo.
func (g *Git) FilterRepo(paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	args := []string{"filter-repo", "--force", "--invert-paths"}
	for _, p := range paths {
		args = append(args, "--path", p)
	}

	_, err := g.run(args...)

	return err
}

// PushBranches force-updates every branch at the named remote.
func (g *Git) PushBranches(remote string) error {
	_, err := g.run("push", remote, "--force", "--all")

	return err
}

// PushTags force-updates every tag at the named remote.
func (g *Git) PushTags(remote string) error {
	_, err := g.run("push", remote, "--force", "--tags")

	return err
}

// CommitsForBlob returns up to limit commits that introduce or touch the
// blob identified by oid, oldest first, across all refs.
func (g *Git) CommitsForBlob(oid string, limit int) ([]string, error) {
	out, err := g.run("log", "--all", "--reverse", "--format=%H", "--find-object="+oid)
	if err != nil {
		return nil, err
	}

	if out == "" {
		return nil, nil
	}

	commits := strings.Split(out, "\n")
	if limit > 0 && len(commits) > limit {
		commits = commits[:limit]
	}

	return commits, nil
}

// CatBlob streams the raw content of the blob identified by oid. The
// returned reader must be closed; Close reaps the subprocess.
func (g *Git) CatBlob(oid string) (io.ReadCloser, error) {
	cmd := exec.Command("git", "cat-file", "blob", oid)
	cmd.Dir = g.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &blobReader{cmd: cmd, stdout: stdout}, nil
}

type blobReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (r *blobReader) Read(p []byte) (int, error) { return r.stdout.Read(p) }

func (r *blobReader) Close() error {
	_ = r.stdout.Close()

	return r.cmd.Wait()
}

// ExpireReflogs drops every reflog entry so that rewritten-away objects
// become unreachable before compaction.
func (g *Git) ExpireReflogs() error {
	_, err := g.run("reflog", "expire", "--expire=now", "--all")

	return err
}

// Gc runs aggressive compaction, pruning all unreachable objects.
func (g *Git) Gc() error {
	_, err := g.run("gc", "--prune=now", "--aggressive")

	return err
}

// StoreSize returns the on-disk size of the repository's object store.
func (g *Git) StoreSize() (int64, error) {
	var total int64

	root := filepath.Join(g.Dir, ".git")

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}

		return nil
	})

	return total, err
}
