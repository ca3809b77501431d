package blobsweep

import (
	"fmt"
	"path/filepath"
	"time"
)

// Defaults for the CLI surface.
const (
	DefaultSizeMB = 100
	DefaultRemote = "origin"
	DefaultBucket = "repo-large-file-archive"
)

// StampFormat namespaces every artifact produced by one run.
const StampFormat = "20060102-150405"

// RunContext is the immutable per-invocation configuration. It is built
// once from CLI input and threaded explicitly into every component; no
// component reads ambient process state.
type RunContext struct {
	// ThresholdBytes is the inclusive size cutoff: objects of exactly
	// this size are oversized.
	ThresholdBytes int64
	// Execute switches from preview to destructive mode.
	Execute bool
	// Remote is the remote name targeted by publish and remote-URL
	// capture/restore.
	Remote string
	// Bucket is the external storage bucket for archived blobs.
	Bucket string
	// SkipArchive disables the upload step.
	SkipArchive bool
	// StrictArchive treats any upload failure as a reason not to
	// proceed to the rewrite of that repository.
	StrictArchive bool
	// SkipPublish leaves repositories rewritten but unpushed.
	SkipPublish bool
	// Stamp is the run timestamp shared by all artifacts.
	Stamp string
	// ReportPath is where the tabular inventory report is written.
	ReportPath string
	// BackupDir receives one backup archive per processed repository.
	BackupDir string
	// LogDir receives one log file per processed repository.
	LogDir string
}

// NewRunContext derives artifact locations under baseDir from the
// current time and the given settings.
func NewRunContext(baseDir string, thresholdMB int64) *RunContext {
	stamp := time.Now().Format(StampFormat)

	return &RunContext{
		ThresholdBytes: thresholdMB * 1024 * 1024,
		Remote:         DefaultRemote,
		Bucket:         DefaultBucket,
		Stamp:          stamp,
		ReportPath:     filepath.Join(baseDir, fmt.Sprintf("blobsweep-report-%s.csv", stamp)),
		BackupDir:      filepath.Join(baseDir, "blobsweep-backups", stamp),
		LogDir:         filepath.Join(baseDir, "blobsweep-logs", stamp),
	}
}
