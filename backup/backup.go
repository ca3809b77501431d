// Package backup produces point-in-time archives of repository working
// copies. A successful backup is the precondition for every destructive
// step later in the pipeline.
package backup

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
)

// Create writes a gzip-compressed tar archive of the whole working copy
// at root, including the .git directory, into destDir. It returns the
// path of the archive. The archive is removed again if writing fails
// partway, so a path returned by Create always names a complete backup.
func Create(root, name, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}

	target := filepath.Join(destDir, name+".tar.gz")

	out, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("creating backup archive: %w", err)
	}

	if err := writeArchive(out, root, name); err != nil {
		_ = out.Close()
		_ = os.Remove(target)

		return "", fmt.Errorf("writing backup archive: %w", err)
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(target)

		return "", err
	}

	log.Infof("backup of %s written to %s", name, target)

	return target, nil
}

func writeArchive(out io.Writer, root, prefix string) error {
	zw := gzip.NewWriter(out)
	tw := tar.NewWriter(zw)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		// Symlinks inside .git (e.g. packed alternates) are archived as
		// links, everything else as-is.
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}

		hdr.Name = filepath.ToSlash(filepath.Join(prefix, rel))
		if d.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)

		return err
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}

	return zw.Close()
}
