// Package gateway implements the Message Gateway (spec.md §4.8): one
// gorilla/websocket connection per peer carrying length-prefixed JSON
// envelopes, each a "request", "response", or "event" frame per the
// spec's wire contract (the WebSocket message boundary itself provides
// the length-prefixing, per SPEC_FULL.md §2a).
package gateway

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the wire frame of spec.md §4.8: {op, id?, body}. Request
// envelopes additionally carry Kind, naming which request this is;
// response/event envelopes reuse ID to correlate back to the
// originating request or operation.
type Envelope struct {
	Op     string              `json:"op"`
	ID     string              `json:"id,omitempty"`
	Kind   string              `json:"kind,omitempty"`
	Body   jsoniter.RawMessage `json:"body,omitempty"`
	Status string              `json:"status,omitempty"`
}

const (
	opRequest  = "request"
	opResponse = "response"
	opEvent    = "event"
)

const (
	statusOK    = "ok"
	statusError = "error"
)

func encodeBody(v interface{}) jsoniter.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func okResponse(id string, body interface{}) Envelope {
	return Envelope{Op: opResponse, ID: id, Status: statusOK, Body: encodeBody(body)}
}

func errResponse(id string, err error) Envelope {
	return Envelope{Op: opResponse, ID: id, Status: statusError, Body: encodeBody(errorBody(err))}
}

type errBody struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func errorBody(err error) errBody {
	return errBody{Kind: string(kindOf(err)), Detail: err.Error()}
}

func eventEnvelope(opID string, body interface{}) Envelope {
	return Envelope{Op: opEvent, ID: opID, Body: encodeBody(body)}
}
