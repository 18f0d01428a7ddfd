package installer

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/circlesabound/fctrl-agent/internal/agenterr"
)

// Extractor unpacks a downloaded archive into destDir. The real
// archive-extraction and binary-format parsing libraries are
// out-of-scope external collaborators per spec.md §1, contracted only
// through this interface.
type Extractor interface {
	Extract(ctx context.Context, archivePath, destDir string) error
}

// ZipExtractor is a minimal stand-in extractor used for local testing
// where no external extraction service is wired in; it understands
// plain zip archives only.
type ZipExtractor struct{}

func (ZipExtractor) Extract(ctx context.Context, archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return agenterr.Wrap(agenterr.InstallFailed, err, "opening archive %s", archivePath)
	}
	defer r.Close()
	// klauspost/compress's flate decoder is a drop-in for the zip
	// package's default and noticeably faster on the large archives a
	// game-server installer unpacks.
	r.RegisterDecompressor(zip.Deflate, flate.NewReader)

	for _, f := range r.File {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		path := filepath.Join(destDir, f.Name)
		if !strings.HasPrefix(path, filepath.Clean(destDir)+string(os.PathSeparator)) && path != filepath.Clean(destDir) {
			return agenterr.New(agenterr.InstallFailed, "archive entry %q escapes destination", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return agenterr.Wrap(agenterr.InstallFailed, err, "creating %s", path)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return agenterr.Wrap(agenterr.InstallFailed, err, "creating %s", filepath.Dir(path))
		}
		if err := extractOne(f, path); err != nil {
			return err
		}
	}
	return nil
}

func extractOne(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return agenterr.Wrap(agenterr.InstallFailed, err, "opening archive entry %s", f.Name)
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
	if err != nil {
		return agenterr.Wrap(agenterr.InstallFailed, err, "creating %s", dest)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return agenterr.Wrap(agenterr.InstallFailed, err, "writing %s", dest)
	}
	return nil
}
