package opregistry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/circlesabound/fctrl-agent/internal/agenterr"
	"github.com/circlesabound/fctrl-agent/internal/model"
	"github.com/circlesabound/fctrl-agent/internal/opregistry"
)

func TestBeginConflictsWithinClass(t *testing.T) {
	r := opregistry.New(5*time.Minute, "")
	defer r.Close()

	h1, err := r.Begin(model.OpModReconcile, opregistry.ProcessClass, false)
	require.NoError(t, err)
	require.NotNil(t, h1)

	_, err = r.Begin(model.OpInstall, opregistry.ProcessClass, false)
	require.Error(t, err)
	require.True(t, agenterr.Is(err, agenterr.Busy))

	h1.Complete(model.CompletedResult{})

	h2, err := r.Begin(model.OpInstall, opregistry.ProcessClass, false)
	require.NoError(t, err)
	require.NotNil(t, h2)
}

func TestConfigWriteConflictsOnlyOnSameKey(t *testing.T) {
	r := opregistry.New(5*time.Minute, "")
	defer r.Close()

	h1, err := r.Begin(model.OpConfigWrite, opregistry.ConfigClass("ServerSettings"), false)
	require.NoError(t, err)

	// different key: must not conflict
	h2, err := r.Begin(model.OpConfigWrite, opregistry.ConfigClass("AdminList"), false)
	require.NoError(t, err)
	require.NotNil(t, h2)

	// same key: must conflict
	_, err = r.Begin(model.OpConfigWrite, opregistry.ConfigClass("ServerSettings"), false)
	require.Error(t, err)
	require.True(t, agenterr.Is(err, agenterr.Busy))

	h1.Complete(model.CompletedResult{})
	h2.Complete(model.CompletedResult{})
}

func TestHistoryOrderingAndSnapshot(t *testing.T) {
	r := opregistry.New(5*time.Minute, "")
	defer r.Close()

	h, err := r.Begin(model.OpInstall, opregistry.ProcessClass, true)
	require.NoError(t, err)

	h.Progress(model.ProgressResolving{})
	h.Progress(model.ProgressDownloading{Bytes: 10})
	h.Complete(model.CompletedResult{NoOp: false})

	snap, ok := r.Get(h.ID())
	require.True(t, ok)
	require.Equal(t, model.StatusCompleted, snap.Op.Status)
	require.Len(t, snap.Op.History, 4) // ack + 2 progress + completed
	for i, f := range snap.Op.History {
		require.EqualValues(t, i, f.Seq)
	}
}

func TestSubscribeReceivesLiveFrames(t *testing.T) {
	r := opregistry.New(5*time.Minute, "")
	defer r.Close()

	h, err := r.Begin(model.OpServerStart, opregistry.ProcessClass, false)
	require.NoError(t, err)

	ch, tok, ok := r.Subscribe(h.ID())
	require.True(t, ok)
	defer r.Unsubscribe(h.ID(), tok)

	h.Progress(model.ProgressResolving{})
	select {
	case f := <-ch:
		require.Equal(t, model.FrameProgress, f.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live frame")
	}
}

func TestCancelOnlyAffectsCancelableOngoing(t *testing.T) {
	r := opregistry.New(5*time.Minute, "")
	defer r.Close()

	h, err := r.Begin(model.OpModReconcile, opregistry.ProcessClass, false)
	require.NoError(t, err)
	require.False(t, r.Cancel(h.ID()), "non-cancelable operation must not cancel")
	h.Complete(model.CompletedResult{})

	h2, err := r.Begin(model.OpInstall, opregistry.ProcessClass, true)
	require.NoError(t, err)
	require.True(t, r.Cancel(h2.ID()))
	h2.Fail(agenterr.Cancelled, "cancelled by peer")

	snap, ok := r.Get(h2.ID())
	require.True(t, ok)
	require.Equal(t, model.StatusFailed, snap.Op.Status)
}
