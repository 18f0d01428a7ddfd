// Package installer implements VersionInstall (spec.md §4.2): resolve a
// requested version against the catalog, download and verify the
// archive, extract it into a fresh installs/<version> directory, and
// atomically activate it as "current".
package installer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/circlesabound/fctrl-agent/internal/agenterr"
	"github.com/circlesabound/fctrl-agent/internal/layout"
	"github.com/circlesabound/fctrl-agent/internal/model"
	"github.com/circlesabound/fctrl-agent/internal/opregistry"
)

// Installer drives one VersionInstall operation at a time (mutual
// exclusion is enforced by opregistry's ProcessClass, not by this
// type).
type Installer struct {
	Layout    *layout.Layout
	Catalog   Catalog
	Extractor Extractor
	Client    *http.Client
}

func New(l *layout.Layout, catalog Catalog, extractor Extractor) *Installer {
	if extractor == nil {
		extractor = ZipExtractor{}
	}
	return &Installer{Layout: l, Catalog: catalog, Extractor: extractor, Client: http.DefaultClient}
}

// Install resolves version, and unless it already matches the active
// install (and force is false, the NoOp short-circuit of spec.md §4.2),
// downloads, verifies, extracts and activates it, reporting progress
// through h at each phase.
func (in *Installer) Install(ctx context.Context, h *opregistry.Handle, version string, force bool) error {
	current, err := in.Layout.CurrentVersion()
	if err != nil {
		h.Fail(agenterr.InstallFailed, err.Error())
		return err
	}

	h.Progress(model.ProgressResolving{})
	resolved, err := in.Catalog.ResolveVersion(ctx, version)
	if err != nil {
		k := agenterr.KindOf(err)
		if k == "" {
			k = agenterr.UnknownVersion
		}
		h.Fail(k, err.Error())
		return err
	}

	if !force && current == resolved.Version {
		h.Complete(model.CompletedResult{NoOp: true, Data: resolved.Version})
		return nil
	}

	archivePath, err := in.download(ctx, h, resolved)
	if err != nil {
		h.Fail(agenterr.KindOf(err), err.Error())
		return err
	}
	defer os.Remove(archivePath)

	h.Progress(model.ProgressExtracting{})
	destDir := in.Layout.InstallDir(resolved.Version)
	if err := os.RemoveAll(destDir); err != nil {
		wrapped := agenterr.Wrap(agenterr.InstallFailed, err, "clearing %s", destDir)
		h.Fail(wrapped.Kind, wrapped.Detail)
		return wrapped
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		wrapped := agenterr.Wrap(agenterr.InstallFailed, err, "creating %s", destDir)
		h.Fail(wrapped.Kind, wrapped.Detail)
		return wrapped
	}
	if err := in.Extractor.Extract(ctx, archivePath, destDir); err != nil {
		h.Fail(agenterr.KindOf(err), err.Error())
		return err
	}

	if !hasFactorioBinary(destDir) {
		err := agenterr.New(agenterr.InstallFailed, "no server binary found under %s", destDir)
		h.Fail(err.Kind, err.Detail)
		return err
	}

	h.Progress(model.ProgressActivating{})
	if err := in.Layout.ActivateInstall(resolved.Version); err != nil {
		h.Fail(agenterr.KindOf(err), err.Error())
		return err
	}

	h.Complete(model.CompletedResult{NoOp: false, Data: resolved.Version})
	return nil
}

// hasFactorioBinary checks for the real Factorio server layout
// (bin/x64/factorio relative to the install root) so a malformed or
// unrelated archive is caught before activation rather than at the
// next Start.
func hasFactorioBinary(installDir string) bool {
	return layout.Exists(filepath.Join(installDir, "bin", "x64", "factorio"))
}

// download streams resolved.DownloadURL into a temp file under the
// layout's staging directory, reporting ProgressDownloading frames as
// bytes arrive, and verifies the result against resolved.SHA1 before
// returning its path.
//
// SHA-1 is mandated by the catalog contract itself (spec.md §6), so
// this uses stdlib crypto/sha1 rather than the domain-stack xxhash,
// which is reserved for mod/save content checksums.
func (in *Installer) download(ctx context.Context, h *opregistry.Handle, resolved Resolved) (string, error) {
	if err := os.MkdirAll(in.Layout.StagingDir(), 0o755); err != nil {
		return "", agenterr.Wrap(agenterr.InstallFailed, err, "creating staging dir")
	}
	tmp, err := os.CreateTemp(in.Layout.StagingDir(), "install-*.archive")
	if err != nil {
		return "", agenterr.Wrap(agenterr.InstallFailed, err, "creating staging file")
	}
	tmpName := tmp.Name()
	defer tmp.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved.DownloadURL, nil)
	if err != nil {
		os.Remove(tmpName)
		return "", agenterr.Wrap(agenterr.InstallFailed, err, "building download request")
	}
	resp, err := in.client().Do(req)
	if err != nil {
		os.Remove(tmpName)
		return "", agenterr.Wrap(agenterr.InstallFailed, err, "downloading %s", resolved.Version)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		os.Remove(tmpName)
		return "", agenterr.New(agenterr.InstallFailed, "download returned status %d", resp.StatusCode)
	}

	var total *int64
	if resp.ContentLength > 0 {
		t := resp.ContentLength
		total = &t
	}

	sum := sha1.New()
	pr := &progressReader{r: io.TeeReader(resp.Body, sum), report: func(n int64) {
		h.Progress(model.ProgressDownloading{Bytes: n, Total: total})
	}}
	if _, err := io.Copy(tmp, pr); err != nil {
		os.Remove(tmpName)
		return "", agenterr.Wrap(agenterr.InstallFailed, err, "writing staged archive")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", agenterr.Wrap(agenterr.InstallFailed, err, "closing staged archive")
	}

	if got := hex.EncodeToString(sum.Sum(nil)); resolved.SHA1 != "" && got != resolved.SHA1 {
		os.Remove(tmpName)
		return "", agenterr.New(agenterr.UploadChecksumMismatch, "expected %s got %s", resolved.SHA1, got)
	}

	return tmpName, nil
}

func (in *Installer) client() *http.Client {
	if in.Client != nil {
		return in.Client
	}
	return http.DefaultClient
}

// progressReader wraps an io.Reader and invokes report with the
// cumulative byte count after every Read, mirroring the
// downloader package's byte-counting reader used to drive
// ProgressDownloading frames.
type progressReader struct {
	r      io.Reader
	n      int64
	report func(cumulative int64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.n += int64(n)
		p.report(p.n)
	}
	return n, err
}
