package sampler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/circlesabound/fctrl-agent/internal/model"
	"github.com/circlesabound/fctrl-agent/internal/supervisor"
)

var errBoom = errors.New("boom")

type fakeCommander struct {
	resp string
	err  error
	n    atomic.Int32
}

func (f *fakeCommander) Command(ctx context.Context, cmd string) (string, error) {
	f.n.Inc()
	return f.resp, f.err
}

func TestSamplerPublishesDatapointsWhileRunning(t *testing.T) {
	w := supervisor.NewWatch(model.NotRunning)
	cmd := &fakeCommander{resp: "players=3 ups=60"}
	s := New(w, cmd, 10*time.Millisecond, "stats")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ch, tok := s.Subscribe()
	defer s.Unsubscribe(tok)

	w.Set(model.Running)

	select {
	case v := <-ch:
		dp := v.(model.Datapoint)
		require.Contains(t, []string{"players", "ups"}, dp.Metric)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datapoint")
	}
}

func TestSamplerStopsPollingWhenLeavingRunning(t *testing.T) {
	w := supervisor.NewWatch(model.NotRunning)
	cmd := &fakeCommander{resp: "a=1"}
	s := New(w, cmd, 10*time.Millisecond, "stats")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	w.Set(model.Running)
	require.Eventually(t, func() bool { return cmd.n.Load() > 0 }, time.Second, 5*time.Millisecond)

	w.Set(model.Stopping)
	time.Sleep(30 * time.Millisecond)
	count := cmd.n.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, count, cmd.n.Load())
}

func TestSamplerSelfTerminatesAfterThreeFailures(t *testing.T) {
	w := supervisor.NewWatch(model.NotRunning)
	failing := &fakeCommander{resp: "", err: errBoom}
	s := New(w, failing, 5*time.Millisecond, "stats")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ch, tok := s.SubscribeStalled()
	defer s.Unsubscribe(tok)

	w.Set(model.Running)

	select {
	case v := <-ch:
		ev := v.(StalledEvent)
		require.Contains(t, ev.Reason, "SamplerStalled")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stall event")
	}
}
