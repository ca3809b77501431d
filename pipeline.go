package blobsweep

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"blobsweep/archive"
	"blobsweep/backup"
	"blobsweep/discover"
	"blobsweep/gitcmd"
)

// ConfirmToken is the exact input required to advance past the
// destructive-mode gate. Anything else aborts the run with no side
// effects.
const ConfirmToken = "DELETE"

// ErrAborted is returned by Execute when the operator declines the
// destructive confirmation. It maps to a clean zero exit.
var ErrAborted = errors.New("run aborted by operator")

// ConfirmFunc asks the operator for the confirmation token. Injected so
// tests and non-interactive invocations can answer programmatically.
type ConfirmFunc func(prompt string) (string, error)

// StdinConfirm prompts on stdout and reads one line from stdin.
func StdinConfirm(prompt string) (string, error) {
	color.New(color.FgRed, color.Bold).Println(prompt)
	fmt.Printf("Type %q to proceed: ", ConfirmToken)

	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}

	return strings.TrimSpace(answer), nil
}

// Stage names the pipeline step a repository failed in.
type Stage string

const (
	StageBackup  Stage = "backup"
	StageArchive Stage = "archive"
	StageRewrite Stage = "rewrite"
	StagePublish Stage = "publish"
	StageVerify  Stage = "verify"
)

// Status is the terminal state of one repository's processing.
type Status int

const (
	StatusSucceeded Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	}

	return "unknown"
}

// RepoResult is the tagged outcome of one repository.
type RepoResult struct {
	Repository string
	Status     Status
	// Stage and Err are set when Status is StatusFailed.
	Stage Stage
	Err   error
	// ArchiveFailures counts per-file upload errors, which are non-fatal
	// but surfaced in the summary.
	ArchiveFailures int
}

// Summary accumulates per-repository results for the final report.
type Summary struct {
	Results []RepoResult
}

func (s *Summary) add(result RepoResult) {
	s.Results = append(s.Results, result)
}

// Counts returns how many repositories succeeded, were skipped, and
// failed.
func (s *Summary) Counts() (succeeded, skipped, failed int) {
	for _, result := range s.Results {
		switch result.Status {
		case StatusSucceeded:
			succeeded++
		case StatusSkipped:
			skipped++
		case StatusFailed:
			failed++
		}
	}

	return succeeded, skipped, failed
}

// ArchiveFailures sums per-file upload errors across repositories.
func (s *Summary) ArchiveFailures() int {
	total := 0
	for _, result := range s.Results {
		total += result.ArchiveFailures
	}

	return total
}

// Failed reports whether any repository ended in a failed state, which
// determines the process exit status.
func (s *Summary) Failed() bool {
	_, _, failed := s.Counts()

	return failed > 0
}

// Pipeline drives the end-to-end run: discover, scan, gate, then the
// per-repository destructive sequence. Repositories are processed one at
// a time; the rewrite engine and force-push must not run against
// overlapping state.
type Pipeline struct {
	Run      *RunContext
	Scanner  *Scanner
	Uploader archive.Uploader
	Confirm  ConfirmFunc
}

// Execute walks the whole state machine. The inventory is always
// returned once scanning completed. The summary is nil in preview mode;
// ErrAborted is returned when the confirmation gate rejects.
func (p *Pipeline) Execute(ctx context.Context, parent string) (*Inventory, *Summary, error) {
	repositories, err := discover.Repositories(parent)
	if err != nil {
		return nil, nil, err
	}

	log.Infof("discovered %d repositories under %s", len(repositories), parent)

	// Scanning always completes across all repositories before any
	// destructive decision is taken.
	inventory := BuildInventory(repositories, p.Scanner.Scan)

	log.Infof("inventory: %d oversized objects, %s total",
		inventory.TotalFiles, humanize.Bytes(uint64(inventory.TotalBytes)))

	if !p.Run.Execute {
		return inventory, nil, nil
	}

	summary := &Summary{}

	if inventory.TotalFiles == 0 {
		log.Info("nothing to do: no oversized objects found")

		return inventory, summary, nil
	}

	// Repositories without inventory rows are skipped untouched; the
	// prompt only counts the ones a rewrite will actually reach.
	affected := 0

	for _, repository := range repositories {
		if len(inventory.RecordsFor(repository.Name)) > 0 {
			affected++
		}
	}

	prompt := fmt.Sprintf(
		"About to PERMANENTLY rewrite history of %d repositories, removing %d objects (%s). Backups will be written to %s first.",
		affected, inventory.TotalFiles,
		humanize.Bytes(uint64(inventory.TotalBytes)), p.Run.BackupDir)

	answer, err := p.Confirm(prompt)
	if err != nil {
		return inventory, nil, err
	}

	if answer != ConfirmToken {
		return inventory, nil, ErrAborted
	}

	for _, repository := range repositories {
		result := p.processRepository(ctx, repository, inventory)
		summary.add(result)

		log.Infof("%s: %s", repository.Name, result.Status)
	}

	return inventory, summary, nil
}

// processRepository runs the destructive sequence for one repository.
// Failures are captured in the result, never propagated: one
// repository's failure must not prevent the next from being attempted.
func (p *Pipeline) processRepository(ctx context.Context, repository discover.Repository, inventory *Inventory) RepoResult {
	result := RepoResult{Repository: repository.Name, Status: StatusSucceeded}

	records := inventory.RecordsFor(repository.Name)
	if len(records) == 0 {
		log.Infof("%s: no oversized objects, skipping", repository.Name)
		result.Status = StatusSkipped

		return result
	}

	logger, closeLog := p.repoLogger(repository.Name)
	defer closeLog()

	fail := func(stage Stage, err error) RepoResult {
		logger.WithError(err).Errorf("stage %s failed", stage)
		result.Status = StatusFailed
		result.Stage = stage
		result.Err = err

		return result
	}

	git := gitcmd.New(repository.Root)

	// Backing-up. Mandatory and blocking: no rewrite without a backup.
	logger.Infof("backing up %s", repository.Root)

	backupPath, err := backup.Create(repository.Root, repository.Name+"-"+p.Run.Stamp, p.Run.BackupDir)
	if err != nil {
		return fail(StageBackup, err)
	}

	logger.Infof("backup written to %s", backupPath)

	// Archiving. Per-file failures are counted, not fatal.
	if p.Run.SkipArchive || p.Uploader == nil {
		logger.Info("archive step skipped")
	} else {
		result.ArchiveFailures = p.archiveRecords(ctx, git, logger, records)

		if result.ArchiveFailures > 0 && p.Run.StrictArchive {
			return fail(StageArchive, fmt.Errorf("%d uploads failed with strict archiving enabled", result.ArchiveFailures))
		}
	}

	// Rewriting.
	paths := inventory.PathsFor(repository.Name)
	logger.Infof("rewriting history to remove %d paths: %s", len(paths), strings.Join(paths, ", "))

	remoteURL, err := git.RemoteURL(p.Run.Remote)
	if err != nil {
		logger.Warnf("no %s remote configured, publish will be skipped", p.Run.Remote)
		remoteURL = ""
	}

	if err := git.FilterRepo(paths); err != nil {
		logger.Errorf("history rewrite failed; restore with: tar -xzf %s", backupPath)

		return fail(StageRewrite, err)
	}

	if remoteURL != "" {
		// filter-repo detaches the remote as part of its own safety
		// behavior; reattach it.
		if err := git.SetRemoteURL(p.Run.Remote, remoteURL); err != nil {
			logger.WithError(err).Warnf("could not restore remote %s to %s", p.Run.Remote, remoteURL)
		}
	}

	// Publishing.
	if err := p.publish(git, logger, remoteURL); err != nil {
		return fail(StagePublish, err)
	}

	// Verifying.
	if err := p.verify(repository, git, logger); err != nil {
		return fail(StageVerify, err)
	}

	return result
}

func (p *Pipeline) archiveRecords(ctx context.Context, git *gitcmd.Git, logger *log.Logger, records []LargeObjectRecord) int {
	failures := 0

	for _, record := range records {
		if record.Origin != OriginHistory {
			continue
		}

		if err := p.archiveRecord(ctx, git, record); err != nil {
			logger.WithError(err).Errorf("archiving %s failed", record.Path)
			failures++

			continue
		}

		logger.Infof("archived %s (%s) to %s/%s", record.Path, record.SizeHuman, p.Run.Bucket, record.StorageKey)
	}

	// Audit listing of everything stored for this repository so the log
	// records the post-archive state of the bucket.
	repository := records[0].Repository
	if keys, err := p.Uploader.ListKeys(ctx, repository+"/"); err == nil {
		logger.Infof("%d objects archived under %s/%s/", len(keys), p.Run.Bucket, repository)
	} else {
		logger.WithError(err).Warn("could not list archived objects")
	}

	return failures
}

func (p *Pipeline) archiveRecord(ctx context.Context, git *gitcmd.Git, record LargeObjectRecord) error {
	content, err := git.CatBlob(record.ObjectID)
	if err != nil {
		return fmt.Errorf("extracting blob %s: %w", record.ObjectID, err)
	}
	defer content.Close()

	return p.Uploader.Upload(ctx, record.StorageKey, content)
}

func (p *Pipeline) publish(git *gitcmd.Git, logger *log.Logger, remoteURL string) error {
	manual := fmt.Sprintf("git push %s --force --all && git push %s --force --tags", p.Run.Remote, p.Run.Remote)

	if p.Run.SkipPublish {
		logger.Infof("publish skipped; push manually with: %s", manual)

		return nil
	}

	if remoteURL == "" {
		logger.Info("no remote to publish to")

		return nil
	}

	if err := git.PushBranches(p.Run.Remote); err != nil {
		logger.Errorf("branch push failed, local rewrite retained; push manually with: %s", manual)

		return err
	}

	// Tag push failures are a warning only.
	if err := git.PushTags(p.Run.Remote); err != nil {
		logger.WithError(err).Warn("tag push failed, continuing")
	}

	logger.Infof("published rewritten refs to %s", p.Run.Remote)

	return nil
}

func (p *Pipeline) verify(repository discover.Repository, git *gitcmd.Git, logger *log.Logger) error {
	count, err := p.Scanner.HistoryOversizedCount(repository)
	if err != nil {
		return fmt.Errorf("verification scan: %w", err)
	}

	if count > 0 {
		logger.Errorf("locate the remaining objects with: %s", HistoryPipeline)

		return fmt.Errorf("%d oversized objects still reachable after rewrite", count)
	}

	before, err := git.StoreSize()
	if err != nil {
		logger.WithError(err).Warn("could not measure store size")
	}

	if err := git.ExpireReflogs(); err != nil {
		logger.WithError(err).Warn("reflog expiry failed")
	}

	if err := git.Gc(); err != nil {
		logger.WithError(err).Warn("store compaction failed")
	}

	after, err := git.StoreSize()
	if err != nil {
		logger.WithError(err).Warn("could not measure store size")
	}

	logger.Infof("store size %s -> %s after compaction",
		humanize.Bytes(uint64(before)), humanize.Bytes(uint64(after)))

	return nil
}

// repoLogger builds the per-repository log file for this run. Falls back
// to stderr only when the log directory cannot be created, so processing
// never stops over logging.
func (p *Pipeline) repoLogger(name string) (*log.Logger, func()) {
	logger := log.New()
	logger.SetLevel(log.InfoLevel)

	if err := os.MkdirAll(p.Run.LogDir, 0o755); err != nil {
		return logger, func() {}
	}

	path := filepath.Join(p.Run.LogDir, name+".log")

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.WithError(err).Warnf("could not open log file %s", path)

		return logger, func() {}
	}

	logger.SetOutput(io.MultiWriter(os.Stderr, file))

	return logger, func() { _ = file.Close() }
}
