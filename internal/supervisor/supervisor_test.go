package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/circlesabound/fctrl-agent/internal/model"
)

func waitForEvent(t *testing.T, events <-chan Event, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", kind)
		}
	}
}

func TestStartReachesRunningThenStopsCleanly(t *testing.T) {
	s := New(Config{StopGraceTimeout: 2 * time.Second})
	err := s.Start("/bin/sh", []string{"-c", "echo 'Hosting game on port 34197'; sleep 5"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := s.WaitReady(ctx)
	require.NoError(t, err)
	require.Equal(t, model.Running, state)
	require.Equal(t, model.Running, s.Lifecycle())

	err = s.Stop()
	require.NoError(t, err)
	require.Equal(t, model.NotRunning, s.Lifecycle())
}

func TestUnexpectedExitEmitsCrashed(t *testing.T) {
	s := New(Config{StopGraceTimeout: 2 * time.Second})
	err := s.Start("/bin/sh", []string{"-c", "echo 'Hosting game'; exit 7"})
	require.NoError(t, err)

	ev := waitForEvent(t, s.Events(), EventCrashed, 2*time.Second)
	require.Equal(t, 7, ev.ExitCode)
	require.Equal(t, model.NotRunning, s.Lifecycle())
}

func TestExitBeforeReadyEmitsStartupFailed(t *testing.T) {
	s := New(Config{StopGraceTimeout: 2 * time.Second})
	err := s.Start("/bin/sh", []string{"-c", "exit 3"})
	require.NoError(t, err)

	ev := waitForEvent(t, s.Events(), EventStartupFailed, 2*time.Second)
	require.Equal(t, 3, ev.ExitCode)
	require.Equal(t, model.NotRunning, s.Lifecycle())
}

func TestStartWhileNotIdleRejected(t *testing.T) {
	s := New(Config{StopGraceTimeout: 2 * time.Second})
	require.NoError(t, s.Start("/bin/sh", []string{"-c", "echo 'Hosting game'; sleep 5"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.WaitReady(ctx)
	require.NoError(t, err)

	err = s.Start("/bin/sh", []string{"-c", "echo hi"})
	require.Error(t, err)

	require.NoError(t, s.Stop())
}

func TestLogSubscriberSeesClassifiedLines(t *testing.T) {
	s := New(Config{StopGraceTimeout: 2 * time.Second})
	ch, tok := s.Subscribe()
	defer s.Unsubscribe(tok)

	require.NoError(t, s.Start("/bin/sh", []string{"-c", "echo 'Hosting game'; echo '[JOIN] alice joined the game'; sleep 5"}))

	sawJoin := false
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case v := <-ch:
			rec, ok := v.(model.LogRecord)
			require.True(t, ok)
			if rec.Category == model.CategoryJoin {
				sawJoin = true
				break loop
			}
		case <-deadline:
			break loop
		}
	}
	require.True(t, sawJoin)
	require.NoError(t, s.Stop())
}
