// Package exporter serializes the inventory into the run's report
// artifact and a human-readable table. Both are derived views; the
// in-memory inventory stays the single source of truth.
package exporter

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"blobsweep"
)

// Exporter receives inventory rows one by one and writes them out on
// Close.
type Exporter interface {
	AddRecord(record blobsweep.LargeObjectRecord) error
	Close() error
}

// Report renders the inventory as a table: text for human review, CSV
// for machine re-parsing. Row order follows insertion order, so reports
// are stable across runs for unchanged inputs.
type Report struct {
	writer   table.Writer
	total    int64
	files    int
	rendered io.Writer
}

// NewReport builds a Report that writes its rendered form to out when
// closed.
func NewReport(out io.Writer) *Report {
	w := table.NewWriter()
	w.AppendHeader(table.Row{
		"Repository", "Path", "Size", "Size Human", "Object ID", "Commits", "Storage Key",
	})

	return &Report{writer: w, rendered: out}
}

func (r *Report) AddRecord(record blobsweep.LargeObjectRecord) error {
	r.writer.AppendRow(table.Row{
		record.Repository,
		record.Path,
		record.Size,
		record.SizeHuman,
		record.ObjectID,
		strings.Join(record.Commits, ";"),
		record.StorageKey,
	})
	r.files++
	r.total += record.Size

	return nil
}

func (r *Report) Close() error {
	r.writer.AppendFooter(table.Row{"Total", "", r.total, "", "", "", fmt.Sprintf("%d files", r.files)})

	_, err := fmt.Fprintln(r.rendered, r.writer.Render())

	return err
}

// CSV returns the machine-readable form of the report.
func (r *Report) CSV() string {
	return r.writer.RenderCSV()
}

// WriteReport renders the whole inventory: the CSV artifact at path and
// the human table to out.
func WriteReport(inventory *blobsweep.Inventory, path string, out io.Writer) error {
	report := NewReport(out)

	for _, record := range inventory.Records {
		if err := report.AddRecord(record); err != nil {
			return err
		}
	}

	// The CSV artifact carries rows only; the footer is rendered in the
	// human table.
	if err := os.WriteFile(path, []byte(report.CSV()+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing report artifact: %w", err)
	}

	return report.Close()
}
