package blobsweep

import (
	"github.com/dustin/go-humanize"

	"blobsweep/archive"
	"blobsweep/discover"
)

// Origin records where an oversized object was found.
type Origin string

const (
	// OriginWorkingTree marks a file currently present on disk.
	OriginWorkingTree Origin = "working-tree"
	// OriginHistory marks a blob reachable from any branch or tag.
	OriginHistory Origin = "history"
)

// LargeObjectRecord is one discovered oversized object. Records are
// immutable once the inventory is built; uniqueness is (repository,
// path, origin).
type LargeObjectRecord struct {
	Repository string
	Path       string
	Size       int64
	SizeHuman  string
	Origin     Origin
	// ObjectID is set for history-origin records only.
	ObjectID string
	// Commits is a bounded sample of referencing commits, oldest first.
	Commits []string
	// StorageKey is the derived external-storage location, set for
	// history-origin records only.
	StorageKey string
}

// Inventory is the full ordered collection of oversized objects across
// all repositories for one run, the single source of truth for every
// later pipeline step. On-disk serializations are derived views.
type Inventory struct {
	Records    []LargeObjectRecord
	TotalFiles int
	TotalBytes int64
}

// ScanFunc yields the oversized objects of one repository.
type ScanFunc func(discover.Repository) []LargeObjectRecord

// BuildInventory aggregates scan output repository by repository,
// filling in the humanized size and derived storage key per record and
// the running totals. Row order is stable across runs for unchanged
// inputs: repositories in discovery order, records in scan order.
func BuildInventory(repositories []discover.Repository, scan ScanFunc) *Inventory {
	inventory := &Inventory{}

	for _, repository := range repositories {
		for _, record := range scan(repository) {
			record.SizeHuman = humanize.Bytes(uint64(record.Size))

			if record.Origin == OriginHistory {
				record.StorageKey = archive.Key(record.Repository, record.FirstCommit(), record.Path)
			}

			inventory.Records = append(inventory.Records, record)
			inventory.TotalFiles++
			inventory.TotalBytes += record.Size
		}
	}

	return inventory
}

// FirstCommit returns the earliest sampled commit referencing the
// record, or "" when none was resolved.
func (r LargeObjectRecord) FirstCommit() string {
	if len(r.Commits) == 0 {
		return ""
	}

	return r.Commits[0]
}

// RecordsFor returns the inventory rows of one repository, in order.
func (inv *Inventory) RecordsFor(repository string) []LargeObjectRecord {
	var records []LargeObjectRecord

	for _, record := range inv.Records {
		if record.Repository == repository {
			records = append(records, record)
		}
	}

	return records
}

// PathsFor returns the deduplicated union of all paths recorded for one
// repository, regardless of origin, in first-seen order. This is the
// exact path set a rewrite must remove.
func (inv *Inventory) PathsFor(repository string) []string {
	var (
		paths []string
		seen  = map[string]bool{}
	)

	for _, record := range inv.Records {
		if record.Repository != repository || seen[record.Path] {
			continue
		}

		seen[record.Path] = true
		paths = append(paths, record.Path)
	}

	return paths
}
