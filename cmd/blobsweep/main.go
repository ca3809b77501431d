package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"blobsweep"
	"blobsweep/archive"
	"blobsweep/exporter"
	"blobsweep/gitcmd"
)

var version = "unknown"
var builtBy = "unknown"
var date = "unknown"

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print version",
	}

	cli.VersionPrinter = func(c *cli.Context) {
		log.Printf("blobsweep version=%s date=%s builtBy=%s\n", version, date, builtBy)
	}

	app := &cli.App{
		Name:      "blobsweep",
		Version:   version,
		Usage:     "Find oversized blobs in repository history, archive them, and excise them",
		ArgsUsage: "<parent-dir>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "execute",
				Value: false,
				Usage: "switch from preview to destructive mode",
			},
			&cli.Int64Flag{
				Name:  "size",
				Value: blobsweep.DefaultSizeMB,
				Usage: "size threshold in `MB`",
			},
			&cli.StringFlag{
				Name:  "bucket",
				Value: blobsweep.DefaultBucket,
				Usage: "external storage bucket for archived blobs",
			},
			&cli.StringFlag{
				Name:  "remote",
				Value: blobsweep.DefaultRemote,
				Usage: "remote name to publish rewritten refs to",
			},
			&cli.BoolFlag{
				Name:  "skip-s3",
				Value: false,
				Usage: "do not archive blobs to external storage",
			},
			&cli.BoolFlag{
				Name:  "skip-push",
				Value: false,
				Usage: "do not push rewritten refs; print the manual command instead",
			},
			&cli.BoolFlag{
				Name:  "strict-archive",
				Value: false,
				Usage: "abort a repository's rewrite when any of its blob uploads failed",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Value: false,
				Usage: "verbose logging",
			},
		},
		Action: mainAction,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func mainAction(c *cli.Context) error {
	if c.Bool("verbose") {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	parent := c.Args().First()
	if parent == "" {
		cli.ShowAppHelpAndExit(c, 1)
	}

	if info, err := os.Stat(parent); err != nil || !info.IsDir() {
		return cli.Exit(fmt.Sprintf("parent directory %s is not usable", parent), 1)
	}

	run := blobsweep.NewRunContext(".", c.Int64("size"))
	run.Execute = c.Bool("execute")
	run.Bucket = c.String("bucket")
	run.Remote = c.String("remote")
	run.SkipArchive = c.Bool("skip-s3")
	run.SkipPublish = c.Bool("skip-push")
	run.StrictArchive = c.Bool("strict-archive")

	// Environment errors are fatal before any repository is touched.
	tools := []string{"git", "bash"}
	if run.Execute {
		tools = append(tools, "git-filter-repo")
	}

	if err := gitcmd.CheckDependencies(tools...); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx := context.Background()

	pipeline := &blobsweep.Pipeline{
		Run:     run,
		Scanner: blobsweep.NewScanner(run.ThresholdBytes),
		Confirm: blobsweep.StdinConfirm,
	}

	if run.Execute && !run.SkipArchive {
		uploader, err := archive.NewS3Uploader(ctx, run.Bucket)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}

		pipeline.Uploader = uploader
	}

	inventory, summary, err := pipeline.Execute(ctx, parent)
	if errors.Is(err, blobsweep.ErrAborted) {
		fmt.Println("Aborted: no repository was modified.")

		return nil
	}

	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if err := exporter.WriteReport(inventory, run.ReportPath, os.Stdout); err != nil {
		log.WithError(err).Error("could not write report")
	} else {
		log.Infof("report written to %s", run.ReportPath)
	}

	if summary == nil {
		// Preview mode stops here: nothing was touched.
		fmt.Println("Preview only. Re-run with --execute to rewrite history.")

		return nil
	}

	printSummary(summary)

	if summary.Failed() {
		return cli.Exit("", 1)
	}

	return nil
}

func printSummary(summary *blobsweep.Summary) {
	succeeded, skipped, failed := summary.Counts()

	fmt.Printf("\n%d processed, %d skipped (no large files), %d failed\n", succeeded, skipped, failed)

	if archiveFailures := summary.ArchiveFailures(); archiveFailures > 0 {
		color.Yellow("%d blob uploads failed; see the per-repository logs", archiveFailures)
	}

	for _, result := range summary.Results {
		if result.Status == blobsweep.StatusFailed {
			color.Red("  %s: failed at %s: %v", result.Repository, result.Stage, result.Err)
		}
	}
}
