package modstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/circlesabound/fctrl-agent/internal/layout"
	"github.com/circlesabound/fctrl-agent/internal/model"
	"github.com/circlesabound/fctrl-agent/internal/opregistry"
)

type fakeModCatalog struct {
	url string
}

func (f fakeModCatalog) ResolveMod(ctx context.Context, name, version, username, token string) (ResolvedMod, error) {
	return ResolvedMod{DownloadURL: f.url}, nil
}

func TestReconcileDownloadsDeletesAndRelists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("modbytes"))
	}))
	defer srv.Close()

	root := t.TempDir()
	l := layout.New(root)
	require.NoError(t, l.EnsureDirs())

	stalePath := l.ModPath("stale-mod", "1.0.0")
	require.NoError(t, os.WriteFile(stalePath, []byte("old"), 0o644))

	target := model.ModList{Mods: []model.ModEntry{{Name: "new-mod", Version: "2.0.0"}}}
	rec := New(l, fakeModCatalog{url: srv.URL})

	reg := opregistry.New(time.Minute, "")
	h, err := reg.Begin(model.OpModReconcile, opregistry.ProcessClass, true)
	require.NoError(t, err)

	err = rec.Reconcile(context.Background(), h, target, "user", "tok")
	require.NoError(t, err)

	require.True(t, layout.Exists(l.ModPath("new-mod", "2.0.0")))
	require.False(t, layout.Exists(stalePath))

	var listed model.ModList
	require.NoError(t, layout.ReadJSON(l.ModListPath(), &listed))
	require.Equal(t, target, listed)
}

func TestReconcileNoOpWhenAlreadyMatching(t *testing.T) {
	root := t.TempDir()
	l := layout.New(root)
	require.NoError(t, l.EnsureDirs())
	require.NoError(t, os.WriteFile(l.ModPath("a", "1.0.0"), []byte("x"), 0o644))

	target := model.ModList{Mods: []model.ModEntry{{Name: "a", Version: "1.0.0"}}}
	rec := New(l, fakeModCatalog{})

	reg := opregistry.New(time.Minute, "")
	h, err := reg.Begin(model.OpModReconcile, opregistry.ProcessClass, true)
	require.NoError(t, err)

	err = rec.Reconcile(context.Background(), h, target, "", "")
	require.NoError(t, err)

	snap, ok := reg.Get(h.ID())
	require.True(t, ok)
	last := snap.Op.History[len(snap.Op.History)-1]
	result := last.Body.(model.CompletedResult)
	require.True(t, result.NoOp)
}

func TestReconcileAbortsBeforeDeletingOnDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	root := t.TempDir()
	l := layout.New(root)
	require.NoError(t, l.EnsureDirs())
	stalePath := l.ModPath("stale-mod", "1.0.0")
	require.NoError(t, os.WriteFile(stalePath, []byte("old"), 0o644))

	target := model.ModList{Mods: []model.ModEntry{{Name: "new-mod", Version: "2.0.0"}}}
	rec := New(l, fakeModCatalog{url: srv.URL})

	reg := opregistry.New(time.Minute, "")
	h, err := reg.Begin(model.OpModReconcile, opregistry.ProcessClass, true)
	require.NoError(t, err)

	err = rec.Reconcile(context.Background(), h, target, "", "")
	require.Error(t, err)
	require.True(t, layout.Exists(stalePath))
	require.False(t, layout.Exists(filepath.Join(l.ModsDir(), "mod-list.json")))
}
