package rcon

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/circlesabound/fctrl-agent/internal/model"
	"github.com/circlesabound/fctrl-agent/internal/supervisor"
)

// fakeServer accepts one connection, authenticates any password, and
// echoes "ok:<cmd>" for every exec command it receives.
func fakeServer(t *testing.T) (port uint16, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					p, err := readPacket(conn)
					if err != nil {
						return
					}
					switch p.Type {
					case typeAuth:
						writePacket(conn, packet{ID: p.ID, Type: typeAuthResponse})
					case typeExecCommand:
						writePacket(conn, packet{ID: p.ID, Type: typeResponseVal, Body: "ok:" + p.Body})
					}
				}
			}()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return uint16(addr.Port), func() { ln.Close() }
}

func TestClientConnectsWhenRunningAndExecutesCommand(t *testing.T) {
	port, stop := fakeServer(t)
	defer stop()

	w := supervisor.NewWatch(model.NotRunning)
	client := New(func() model.RconConfig {
		return model.RconConfig{Port: port, Password: "secret"}
	}, w, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	w.Set(model.Running)

	require.Eventually(t, client.Connected, 2*time.Second, 10*time.Millisecond)

	out, err := client.Command(context.Background(), "help")
	require.NoError(t, err)
	require.Equal(t, "ok:help", out)
}

func TestClientDisconnectsWhenLeavingRunning(t *testing.T) {
	port, stop := fakeServer(t)
	defer stop()

	w := supervisor.NewWatch(model.NotRunning)
	client := New(func() model.RconConfig {
		return model.RconConfig{Port: port, Password: "secret"}
	}, w, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	w.Set(model.Running)
	require.Eventually(t, client.Connected, 2*time.Second, 10*time.Millisecond)

	w.Set(model.Stopping)
	require.Eventually(t, func() bool { return !client.Connected() }, 2*time.Second, 10*time.Millisecond)
}

func TestCommandFailsWhenNotConnected(t *testing.T) {
	w := supervisor.NewWatch(model.NotRunning)
	client := New(func() model.RconConfig { return model.RconConfig{} }, w, time.Second)

	_, err := client.Command(context.Background(), "help")
	require.Error(t, err)
}
