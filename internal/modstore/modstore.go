// Package modstore implements ModListApply (spec.md §4.3): reconcile a
// declared mod list against on-disk reality in three ordered phases —
// download what's missing, delete what's extra, then regenerate
// mod-list.json.
package modstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/OneOfOne/xxhash"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/circlesabound/fctrl-agent/internal/agenterr"
	"github.com/circlesabound/fctrl-agent/internal/layout"
	"github.com/circlesabound/fctrl-agent/internal/model"
	"github.com/circlesabound/fctrl-agent/internal/opregistry"
)

const maxConcurrentDownloads = 4

// Reconciler owns the mod directory's reconciliation against a
// declared target list. Callers (the gateway/agent wiring) are
// responsible for enforcing that reconciliation is only attempted
// while the supervisor's lifecycle is NotRunning (spec.md §4.3); this
// package has no lifecycle dependency of its own.
type Reconciler struct {
	Layout  *layout.Layout
	Catalog Catalog
	Client  *http.Client
}

func New(l *layout.Layout, catalog Catalog) *Reconciler {
	return &Reconciler{Layout: l, Catalog: catalog, Client: http.DefaultClient}
}

// Reconcile drives the full three-phase flow, reporting one
// ProgressMod frame per mod transition. A download failure aborts
// before any deletion happens, so disk state is never left with fewer
// mods than before a failed reconciliation (spec.md §4.3: "the
// reconciler never deletes before all downloads succeed").
func (r *Reconciler) Reconcile(ctx context.Context, h *opregistry.Handle, target model.ModList, username, token string) error {
	disk, err := scanDisk(r.Layout)
	if err != nil {
		h.Fail(agenterr.KindOf(err), err.Error())
		return err
	}
	toDownload, toDelete := diff(target, disk)

	sem := semaphore.NewWeighted(maxConcurrentDownloads)
	g, gctx := errgroup.WithContext(ctx)
	for _, k := range toDownload {
		k := k
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			h.Progress(model.ProgressMod{Name: k.name, Version: k.version, Phase: "downloading"})
			return r.downloadOne(gctx, k, username, token)
		})
	}
	if err := g.Wait(); err != nil {
		wrapped := agenterr.Wrap(agenterr.ModDownloadFailed, err, "downloading mods")
		h.Fail(wrapped.Kind, wrapped.Detail)
		return wrapped
	}

	for _, k := range toDelete {
		h.Progress(model.ProgressMod{Name: k.name, Version: k.version, Phase: "removing"})
		path := r.Layout.ModPath(k.name, k.version)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			wrapped := agenterr.Wrap(agenterr.ConfigIoFailed, err, "removing %s", path)
			h.Fail(wrapped.Kind, wrapped.Detail)
			return wrapped
		}
	}

	h.Progress(model.ProgressMod{Phase: "relisting"})
	if err := layout.WriteJSON(r.Layout.ModListPath(), target); err != nil {
		h.Fail(agenterr.KindOf(err), err.Error())
		return err
	}

	h.Complete(model.CompletedResult{NoOp: len(toDownload) == 0 && len(toDelete) == 0, Data: target})
	return nil
}

func (r *Reconciler) downloadOne(ctx context.Context, k key, username, token string) error {
	resolved, err := r.Catalog.ResolveMod(ctx, k.name, k.version, username, token)
	if err != nil {
		return fmt.Errorf("resolving %s %s: %w", k.name, k.version, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved.DownloadURL, nil)
	if err != nil {
		return fmt.Errorf("building request for %s %s: %w", k.name, k.version, err)
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s %s: %w", k.name, k.version, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s %s: status %d", k.name, k.version, resp.StatusCode)
	}

	dest := r.Layout.ModPath(k.name, k.version)
	tmp, err := os.CreateTemp(r.Layout.ModsDir(), ".tmp-mod-*")
	if err != nil {
		return fmt.Errorf("staging %s %s: %w", k.name, k.version, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	sum := xxhash.New64()
	if _, err := io.Copy(tmp, io.TeeReader(resp.Body, sum)); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s %s: %w", k.name, k.version, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s %s: %w", k.name, k.version, err)
	}

	if resolved.XXHash64 != "" {
		if got := fmt.Sprintf("%016x", sum.Sum64()); got != resolved.XXHash64 {
			return fmt.Errorf("checksum mismatch for %s %s: expected %s got %s", k.name, k.version, resolved.XXHash64, got)
		}
	}

	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("activating %s %s: %w", k.name, k.version, err)
	}
	return nil
}

func (r *Reconciler) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}
