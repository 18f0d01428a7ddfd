package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorFromBodyStructured(t *testing.T) {
	body := json.RawMessage(`{"kind":"Busy","detail":"VersionInstall already running"}`)
	err := errorFromBody(body)
	require.EqualError(t, err, "Busy: VersionInstall already running")
}

func TestErrorFromBodyUnstructured(t *testing.T) {
	body := json.RawMessage(`not json`)
	err := errorFromBody(body)
	require.ErrorContains(t, err, "request rejected")
	require.ErrorContains(t, err, "not json")
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := envelope{Op: "request", ID: "abc", Kind: "Status"}
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, env, decoded)
}

func TestFrameDecodesCompletedAndFailed(t *testing.T) {
	raw := json.RawMessage(`{"seq":3,"type":"Completed","body":{"ok":true}}`)
	var f frame
	require.NoError(t, json.Unmarshal(raw, &f))
	require.Equal(t, uint64(3), f.Seq)
	require.Equal(t, "Completed", f.Type)

	raw = json.RawMessage(`{"seq":4,"type":"Failed","body":{"kind":"Busy","detail":"Install"}}`)
	var failed frame
	require.NoError(t, json.Unmarshal(raw, &failed))
	require.Equal(t, uint64(4), failed.Seq)
	require.Equal(t, "Failed", failed.Type)
}
