package gateway

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/circlesabound/fctrl-agent/internal/agent"
	"github.com/circlesabound/fctrl-agent/internal/config"
	"github.com/circlesabound/fctrl-agent/internal/installer"
	"github.com/circlesabound/fctrl-agent/internal/model"
	"github.com/circlesabound/fctrl-agent/internal/modstore"
)

type fakeCatalog struct{}

func (fakeCatalog) ResolveVersion(ctx context.Context, version string) (installer.Resolved, error) {
	return installer.Resolved{}, nil
}

type fakeModCatalog struct{}

func (fakeModCatalog) ResolveMod(ctx context.Context, name, version, username, token string) (modstore.ResolvedMod, error) {
	return modstore.ResolvedMod{}, nil
}

// testServer spins up a real HTTP server hosting the Gateway and
// returns an already-dialed client connection to it.
func testServer(t *testing.T) (*websocket.Conn, *agent.Agent) {
	t.Helper()
	cfg := config.Default()
	cfg.Root = t.TempDir()
	cfg.OperationTTL = time.Minute
	a, err := agent.New(cfg, fakeCatalog{}, fakeModCatalog{})
	require.NoError(t, err)

	srv := httptest.NewServer(New(a))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, a
}

func sendRequest(t *testing.T, conn *websocket.Conn, id, kind string, body interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(Envelope{Op: opRequest, ID: id, Kind: kind, Body: encodeBody(body)}))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestStatusRoundTrip(t *testing.T) {
	conn, _ := testServer(t)
	sendRequest(t, conn, "r1", "Status", nil)

	env := readEnvelope(t, conn)
	require.Equal(t, opResponse, env.Op)
	require.Equal(t, "r1", env.ID)
	require.Equal(t, statusOK, env.Status)

	var st agent.StatusResult
	require.NoError(t, json.Unmarshal(env.Body, &st))
	require.Equal(t, model.NotRunning, st.Lifecycle)
}

func TestConfigPutAckThenCompleted(t *testing.T) {
	conn, a := testServer(t)
	sendRequest(t, conn, "r2", "ConfigPut", struct {
		Kind model.ConfigKind `json:"kind"`
		Doc  interface{}      `json:"doc"`
	}{Kind: model.KindAdminList, Doc: model.AdminList{Users: []string{"alice"}}})

	ack := readEnvelope(t, conn)
	require.Equal(t, opResponse, ack.Op)
	require.Equal(t, statusOK, ack.Status)
	var acked ackBody
	require.NoError(t, json.Unmarshal(ack.Body, &acked))

	ev := readEnvelope(t, conn)
	require.Equal(t, opEvent, ev.Op)
	require.Equal(t, acked.OperationID.String(), ev.ID)
	var frame model.Frame
	require.NoError(t, json.Unmarshal(ev.Body, &frame))
	require.Equal(t, model.FrameCompleted, frame.Type)

	v, err := a.ConfigGet(model.KindAdminList)
	require.NoError(t, err)
	require.Equal(t, model.AdminList{Users: []string{"alice"}}, v)
}

func TestModListApplyRejectedWhileRunning(t *testing.T) {
	conn, a := testServer(t)
	require.NoError(t, a.Supervisor.Start("/bin/sh", []string{"-c", "sleep 5"}))
	require.Eventually(t, func() bool { return a.Supervisor.Lifecycle() != model.NotRunning }, time.Second, 5*time.Millisecond)

	sendRequest(t, conn, "r3", "ModListApply", struct {
		Target model.ModList `json:"target"`
	}{})

	env := readEnvelope(t, conn)
	require.Equal(t, statusError, env.Status)
}

func TestSaveUploadChunkedThenDownload(t *testing.T) {
	conn, a := testServer(t)
	payload := []byte("this is a save file payload")
	total := int64(len(payload))
	split := total / 2

	sendRequest(t, conn, "u1", "SaveUpload", uploadBody{
		ID:    "mysave",
		Range: fmt.Sprintf("bytes 0-%d/%d", split, total),
		Bytes: payload[:split],
	})
	ack := readEnvelope(t, conn)
	require.Equal(t, statusOK, ack.Status)
	var ackB ackBody
	require.NoError(t, json.Unmarshal(ack.Body, &ackB))

	progressEv := readEnvelope(t, conn)
	require.Equal(t, opEvent, progressEv.Op)
	var frame model.Frame
	require.NoError(t, json.Unmarshal(progressEv.Body, &frame))
	require.Equal(t, model.FrameProgress, frame.Type)

	sendRequest(t, conn, "u1", "SaveUpload", uploadBody{
		ID:    "mysave",
		Range: fmt.Sprintf("bytes %d-%d/%d", split, total, total),
		Bytes: payload[split:],
	})
	progressEv2 := readEnvelope(t, conn)
	var frame2 model.Frame
	require.NoError(t, json.Unmarshal(progressEv2.Body, &frame2))
	require.Equal(t, model.FrameProgress, frame2.Type)

	sendRequest(t, conn, "u1", "SaveUpload", uploadBody{
		ID:    "mysave",
		Range: fmt.Sprintf("bytes %d-%d/%d", total, total, total),
	})
	completedEv := readEnvelope(t, conn)
	var frame3 model.Frame
	require.NoError(t, json.Unmarshal(completedEv.Body, &frame3))
	require.Equal(t, model.FrameCompleted, frame3.Type)

	data, err := a.SaveDownload("mysave")
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestSaveUploadConcurrentSameIDConflicts(t *testing.T) {
	conn, _ := testServer(t)

	sendRequest(t, conn, "u2", "SaveUpload", uploadBody{ID: "dup", Range: "bytes 0-4/8", Bytes: []byte("abcd")})
	ack := readEnvelope(t, conn)
	require.Equal(t, statusOK, ack.Status)
	readEnvelope(t, conn) // first progress frame from the initial chunk write

	sendRequest(t, conn, "u3", "SaveUpload", uploadBody{ID: "dup", Range: "bytes 0-4/8", Bytes: []byte("abcd")})
	conflict := readEnvelope(t, conn)
	require.Equal(t, statusError, conflict.Status)
	var errb errBody
	require.NoError(t, json.Unmarshal(conflict.Body, &errb))
	require.Equal(t, "UploadConflict", errb.Kind)
}

func TestOperationAttachReplaysHistory(t *testing.T) {
	conn, a := testServer(t)
	h, err := a.BeginSaveDelete("does-not-exist")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, ok := a.Registry.Get(h.ID())
		return ok && snap.Op.Terminal()
	}, time.Second, 5*time.Millisecond)

	sendRequest(t, conn, "a1", "OperationAttach", struct {
		ID string `json:"id"`
	}{ID: h.ID().String()})

	var last model.Frame
	for {
		ev := readEnvelope(t, conn)
		require.Equal(t, opEvent, ev.Op)
		require.NoError(t, json.Unmarshal(ev.Body, &last))
		if last.Type == model.FrameCompleted || last.Type == model.FrameFailed {
			break
		}
	}
	require.Equal(t, model.FrameCompleted, last.Type)
}

func TestLogSubscribeFiltersByCategory(t *testing.T) {
	conn, a := testServer(t)
	sendRequest(t, conn, "l1", "LogSubscribe", struct {
		Category string `json:"category"`
	}{Category: string(model.CategoryChat)})

	script := `echo "plain startup line"; echo "1.5 [CHAT] alice: hello there"`
	require.NoError(t, a.Supervisor.Start("/bin/sh", []string{"-c", script}))

	ev := readEnvelope(t, conn)
	require.Equal(t, opEvent, ev.Op)
	var rec model.LogRecord
	require.NoError(t, json.Unmarshal(ev.Body, &rec))
	require.Equal(t, model.CategoryChat, rec.Category)
	require.Contains(t, rec.Content, "alice")
}
