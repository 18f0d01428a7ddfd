package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/circlesabound/fctrl-agent/internal/agenterr"
	"github.com/circlesabound/fctrl-agent/internal/config"
	"github.com/circlesabound/fctrl-agent/internal/installer"
	"github.com/circlesabound/fctrl-agent/internal/model"
	"github.com/circlesabound/fctrl-agent/internal/modstore"
)

type fakeCatalog struct{ resolved installer.Resolved }

func (f fakeCatalog) ResolveVersion(ctx context.Context, version string) (installer.Resolved, error) {
	return f.resolved, nil
}

type fakeModCatalog struct{}

func (fakeModCatalog) ResolveMod(ctx context.Context, name, version, username, token string) (modstore.ResolvedMod, error) {
	return modstore.ResolvedMod{}, nil
}

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	cfg := config.Default()
	cfg.Root = t.TempDir()
	cfg.OperationTTL = time.Minute
	a, err := New(cfg, fakeCatalog{}, fakeModCatalog{})
	require.NoError(t, err)
	return a
}

func TestStatusReflectsLifecycleAndVersion(t *testing.T) {
	a := newTestAgent(t)
	st, err := a.Status()
	require.NoError(t, err)
	require.Equal(t, model.NotRunning, st.Lifecycle)
	require.Empty(t, st.CurrentVersion)
}

func TestConfigPutThenGetRoundTrips(t *testing.T) {
	a := newTestAgent(t)
	raw := []byte(`{"users":["alice","bob"]}`)
	h, err := a.BeginConfigPut(model.KindAdminList, raw)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := a.Registry.Get(h.ID())
		return ok && snap.Op.Terminal()
	}, time.Second, 5*time.Millisecond)

	got, err := a.ConfigGet(model.KindAdminList)
	require.NoError(t, err)
	require.Equal(t, model.AdminList{Users: []string{"alice", "bob"}}, got)
}

func TestModReconcileRejectedWhileRunning(t *testing.T) {
	a := newTestAgent(t)
	a.Supervisor.Start("/bin/sh", []string{"-c", "sleep 5"})
	require.Eventually(t, func() bool { return a.Supervisor.Lifecycle() != model.NotRunning }, time.Second, 5*time.Millisecond)

	_, err := a.BeginModReconcile(model.ModList{})
	require.Error(t, err)
}

func TestInstallRejectedWhileRunning(t *testing.T) {
	a := newTestAgent(t)
	a.Supervisor.Start("/bin/sh", []string{"-c", "sleep 5"})
	require.Eventually(t, func() bool { return a.Supervisor.Lifecycle() != model.NotRunning }, time.Second, 5*time.Millisecond)

	_, err := a.BeginInstall("1.0.0", false)
	require.Error(t, err)
	var aerr *agenterr.Error
	require.ErrorAs(t, err, &aerr)
	require.Equal(t, agenterr.NotIdle, aerr.Kind)
}

func TestServerStopIsNoOpWhenAlreadyStopped(t *testing.T) {
	a := newTestAgent(t)
	h, err := a.BeginServerStop()
	require.NoError(t, err)
	snap, ok := a.Registry.Get(h.ID())
	require.True(t, ok)
	last := snap.Op.History[len(snap.Op.History)-1]
	require.Equal(t, model.FrameCompleted, last.Type)
	require.True(t, last.Body.(model.CompletedResult).NoOp)
}
