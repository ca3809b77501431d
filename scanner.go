package blobsweep

import (
	"bufio"
	"encoding/json"
	"io/fs"
	"os/exec"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"blobsweep/discover"
	"blobsweep/gitcmd"
)

// CommitSampleSize bounds how many referencing commits are recorded per
// historical blob. Display truncation only: rewrite decisions are made
// on paths, not on this sample.
const CommitSampleSize = 5

// HistoryPipeline enumerates every object reachable from any ref with
// type, size and path metadata. This is also the diagnostic command the
// verifier prints when oversized objects survive a rewrite.
const HistoryPipeline = "git rev-list --objects --all" +
	" | git cat-file --batch-check='{\"sha\": \"%(objectname)\", \"type\": \"%(objecttype)\", \"filepath\": \"%(rest)\", \"size\": \"%(objectsize)\"}'" +
	" | grep '\"type\": \"blob\"'" //nolint

// GitObject is one line of HistoryPipeline output.
type GitObject struct {
	Sha      string `json:"sha"`
	Type     string `json:"type"`
	Filepath string `json:"filepath"`
	Size     int64  `json:"size,string"`
}

// Scanner finds oversized objects in a repository, both in the current
// working tree and anywhere in reachable history.
type Scanner struct {
	// Threshold is the inclusive byte cutoff.
	Threshold int64
	// CommitSample bounds the referencing-commit sample per blob.
	CommitSample int
}

func NewScanner(threshold int64) *Scanner {
	return &Scanner{Threshold: threshold, CommitSample: CommitSampleSize}
}

// Scan returns every oversized object of repo, working-tree records
// first, then history records in enumeration order. An unreadable
// repository contributes nothing; the run continues.
func (s *Scanner) Scan(repo discover.Repository) []LargeObjectRecord {
	records := s.scanWorkingTree(repo)

	history, err := s.scanHistory(repo)
	if err != nil {
		log.WithError(err).Warnf("could not scan history of %s, skipping its history pass", repo.Name)

		return records
	}

	return append(records, history...)
}

func (s *Scanner) scanWorkingTree(repo discover.Repository) []LargeObjectRecord {
	var records []LargeObjectRecord

	err := filepath.WalkDir(repo.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.WithError(err).Warnf("skipping unreadable path %s", path)

			// Only skip the subtree for directories; skipping on a file
			// entry would drop its remaining siblings too.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		if d.IsDir() {
			if d.Name() == ".git" {
				return fs.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		if info.Size() < s.Threshold {
			return nil
		}

		rel, err := filepath.Rel(repo.Root, path)
		if err != nil {
			return nil
		}

		records = append(records, LargeObjectRecord{
			Repository: repo.Name,
			Path:       filepath.ToSlash(rel),
			Size:       info.Size(),
			Origin:     OriginWorkingTree,
		})

		return nil
	})
	if err != nil {
		log.WithError(err).Warnf("working tree walk of %s aborted", repo.Name)
	}

	return records
}

func (s *Scanner) scanHistory(repo discover.Repository) ([]LargeObjectRecord, error) {
	objects, err := s.streamObjects(repo.Root)
	if err != nil {
		return nil, err
	}

	git := gitcmd.New(repo.Root)

	var (
		records   []LargeObjectRecord
		seenShas  = map[string]bool{}
		seenPaths = map[string]bool{}
	)

	for object := range objects {
		if object.Type != "blob" || object.Size < s.Threshold {
			continue
		}

		if seenShas[object.Sha] || seenPaths[object.Filepath] {
			continue
		}

		seenShas[object.Sha] = true
		seenPaths[object.Filepath] = true

		commits, err := git.CommitsForBlob(object.Sha, s.CommitSample)
		if err != nil {
			log.WithError(err).Warnf("could not resolve commits for blob %s", object.Sha)
		}

		records = append(records, LargeObjectRecord{
			Repository: repo.Name,
			Path:       object.Filepath,
			Size:       object.Size,
			Origin:     OriginHistory,
			ObjectID:   object.Sha,
			Commits:    commits,
		})
	}

	return records, nil
}

// HistoryOversizedCount re-walks reachable history and counts blobs at
// or above threshold. Used by the post-rewrite verifier.
func (s *Scanner) HistoryOversizedCount(repo discover.Repository) (int, error) {
	objects, err := s.streamObjects(repo.Root)
	if err != nil {
		return 0, err
	}

	seen := map[string]bool{}
	count := 0

	for object := range objects {
		if object.Type == "blob" && object.Size >= s.Threshold && !seen[object.Sha] {
			seen[object.Sha] = true
			count++
		}
	}

	return count, nil
}

// streamObjects runs HistoryPipeline and feeds parsed lines over a
// channel. Walking the whole reachable object set is the most expensive
// operation in the pipeline and may take minutes on large histories; the
// channel lets consumers filter while the subprocess is still producing.
func (s *Scanner) streamObjects(path string) (chan *GitObject, error) {
	cmd := exec.Command("bash", "-c", HistoryPipeline)
	cmd.Dir = path

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	objects := make(chan *GitObject)
	buf := bufio.NewReader(stdout)

	go func() {
		defer close(objects)

		num := 0

		for {
			line, _, _ := buf.ReadLine()
			if len(line) == 0 {
				break
			}

			num++

			var object GitObject

			if err := json.Unmarshal(line, &object); err != nil {
				log.Warnln(err)

				continue
			}

			objects <- &object
		}

		// grep exits 1 when a repository has no blobs at all; that is an
		// empty scan, not a failure.
		_ = cmd.Wait()

		log.Debugf("enumerated %d objects in %s", num, path)
	}()

	return objects, nil
}
