package gateway

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/circlesabound/fctrl-agent/internal/agent"
	"github.com/circlesabound/fctrl-agent/internal/agenterr"
	"github.com/circlesabound/fctrl-agent/internal/broadcast"
	"github.com/circlesabound/fctrl-agent/internal/model"
)

// Peer owns one WebSocket connection: the per-connection dispatch loop
// and every subscription (log tail, operation tail) it has open. Log
// tails end on disconnect; operation tails end at their operation's
// terminal frame. No request kind subscribes a peer to the Metrics
// Sampler's datapoints. Grounded on the
// admin-request/response channel pairing in aistore's downloader
// package, generalized from one internal admin channel to a full peer
// multiplexer with subscriptions.
type Peer struct {
	ws    *websocket.Conn
	agent *agent.Agent
	addr  string

	writeMu sync.Mutex

	uploads *uploadRegistry

	ownedUploadsMu sync.Mutex
	ownedUploads   map[string]struct{}

	cancel context.CancelFunc
}

func newPeer(ws *websocket.Conn, a *agent.Agent, uploads *uploadRegistry) *Peer {
	return &Peer{
		ws:           ws,
		agent:        a,
		addr:         ws.RemoteAddr().String(),
		uploads:      uploads,
		ownedUploads: make(map[string]struct{}),
	}
}

func (p *Peer) send(env Envelope) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.ws.WriteJSON(env); err != nil {
		glog.Warningf("gateway: write failed, dropping peer: %v", err)
	}
}

// run drives the peer's read loop until the connection closes. The
// peer's log subscriptions are cancelled via ctx when run returns
// (spec.md §5: "a peer disconnect cancels all its read subscriptions
// immediately; it does not cancel in-flight mutating operations");
// operation tails do not watch ctx and end at their terminal frame.
// Any chunked upload still owned by this peer is handed to the shared
// upload registry's grace-period eviction instead (spec.md §4.8).
func (p *Peer) run() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	defer cancel()
	defer p.ws.Close()
	defer p.scheduleOwnedUploadEviction()

	for {
		var env Envelope
		if err := p.ws.ReadJSON(&env); err != nil {
			return
		}
		if env.Op != opRequest {
			continue
		}
		p.dispatch(ctx, env)
	}
}

func (p *Peer) scheduleOwnedUploadEviction() {
	p.ownedUploadsMu.Lock()
	ids := make([]string, 0, len(p.ownedUploads))
	for id := range p.ownedUploads {
		ids = append(ids, id)
	}
	p.ownedUploads = make(map[string]struct{})
	p.ownedUploadsMu.Unlock()

	for _, id := range ids {
		if st, ok := p.uploads.get(id); ok {
			p.uploads.scheduleEviction(id, st)
		}
	}
}

func (p *Peer) dispatch(ctx context.Context, req Envelope) {
	switch req.Kind {
	case "Status":
		st, err := p.agent.Status()
		p.respond(req.ID, st, err)
	case "VersionGet":
		v, err := p.agent.VersionGet()
		p.respond(req.ID, v, err)
	case "VersionInstall":
		var b struct {
			Version string `json:"version"`
			Force   bool   `json:"force"`
		}
		if err := json.Unmarshal(req.Body, &b); err != nil {
			p.send(errResponse(req.ID, agenterr.New(agenterr.BadRequest, "decoding VersionInstall: %v", err)))
			return
		}
		h, err := p.agent.BeginInstall(b.Version, b.Force)
		p.beginAndTail(req.ID, h, err)
	case "SaveList":
		list, err := p.agent.SaveList()
		p.respond(req.ID, list, err)
	case "SaveCreate":
		var b struct {
			Name string `json:"name"`
		}
		json.Unmarshal(req.Body, &b)
		h, err := p.agent.BeginSaveCreate(b.Name)
		p.beginAndTail(req.ID, h, err)
	case "SaveDelete":
		var b struct {
			Name string `json:"name"`
		}
		json.Unmarshal(req.Body, &b)
		h, err := p.agent.BeginSaveDelete(b.Name)
		p.beginAndTail(req.ID, h, err)
	case "SaveUpload":
		var b uploadBody
		if err := json.Unmarshal(req.Body, &b); err != nil {
			p.send(errResponse(req.ID, agenterr.New(agenterr.BadRequest, "decoding SaveUpload: %v", err)))
			return
		}
		p.handleSaveUpload(req.ID, b)
	case "SaveDownload":
		var b struct {
			ID string `json:"id"`
		}
		json.Unmarshal(req.Body, &b)
		data, err := p.agent.SaveDownload(b.ID)
		p.respond(req.ID, struct {
			Bytes []byte `json:"bytes"`
		}{Bytes: data}, err)
	case "ConfigGet":
		var b struct {
			Kind model.ConfigKind `json:"kind"`
		}
		json.Unmarshal(req.Body, &b)
		v, err := p.agent.ConfigGet(b.Kind)
		p.respond(req.ID, v, err)
	case "ConfigPut":
		var b struct {
			Kind model.ConfigKind    `json:"kind"`
			Doc  jsoniter.RawMessage `json:"doc"`
		}
		if err := json.Unmarshal(req.Body, &b); err != nil {
			p.send(errResponse(req.ID, agenterr.New(agenterr.BadRequest, "decoding ConfigPut: %v", err)))
			return
		}
		h, err := p.agent.BeginConfigPut(b.Kind, b.Doc)
		p.beginAndTail(req.ID, h, err)
	case "ModList":
		v, err := p.agent.ModList()
		p.respond(req.ID, v, err)
	case "ModListApply":
		var b struct {
			Target model.ModList `json:"target"`
		}
		json.Unmarshal(req.Body, &b)
		h, err := p.agent.BeginModReconcile(b.Target)
		p.beginAndTail(req.ID, h, err)
	case "ModSettingsGet":
		v, err := p.agent.ConfigGet(model.KindModSettingsJSON)
		p.respond(req.ID, v, err)
	case "ModSettingsPut":
		h, err := p.agent.BeginConfigPut(model.KindModSettingsJSON, req.Body)
		p.beginAndTail(req.ID, h, err)
	case "ServerStart":
		var b struct {
			Save string `json:"save"`
		}
		json.Unmarshal(req.Body, &b)
		h, err := p.agent.BeginServerStart(b.Save)
		p.beginAndTail(req.ID, h, err)
	case "ServerStop":
		h, err := p.agent.BeginServerStop()
		p.beginAndTail(req.ID, h, err)
	case "RconCommand":
		var b struct {
			Cmd string `json:"cmd"`
		}
		json.Unmarshal(req.Body, &b)
		cmdCtx, cancel := context.WithTimeout(ctx, p.agent.Rcon.Timeout())
		h, err := p.agent.RconCommand(cmdCtx, b.Cmd)
		if err != nil {
			cancel()
			p.send(errResponse(req.ID, err))
			return
		}
		p.subscribeAndTail(req.ID, h.ID(), cancel)
	case "LogSubscribe":
		var b struct {
			Category string `json:"category"`
		}
		json.Unmarshal(req.Body, &b)
		go p.tailLogs(ctx, req.ID, model.Category(b.Category))
	case "OperationAttach":
		var b struct {
			ID uuid.UUID `json:"id"`
		}
		if err := json.Unmarshal(req.Body, &b); err != nil {
			p.send(errResponse(req.ID, agenterr.New(agenterr.BadRequest, "decoding OperationAttach: %v", err)))
			return
		}
		p.attach(b.ID)
	case "CancelOperation":
		var b struct {
			ID uuid.UUID `json:"id"`
		}
		json.Unmarshal(req.Body, &b)
		ok := p.agent.Registry.Cancel(b.ID)
		p.respond(req.ID, struct {
			Cancelled bool `json:"cancelled"`
		}{Cancelled: ok}, nil)
	default:
		p.send(errResponse(req.ID, agenterr.New(agenterr.BadRequest, "unknown request kind %q", req.Kind)))
	}
}

func (p *Peer) respond(id string, body interface{}, err error) {
	if err != nil {
		p.send(errResponse(id, err))
		return
	}
	p.send(okResponse(id, body))
}

// handleLike lets beginAndTail work against opregistry.Handle without
// importing it twice under two names; opregistry.Handle satisfies it.
type handleLike interface {
	ID() uuid.UUID
}

// beginAndTail sends the Ack response for a just-started operation and
// arranges for every frame it appends afterward to be forwarded as an
// event. It subscribes before sending the Ack, so a Progress or
// terminal frame appended the instant the worker goroutine starts
// cannot race ahead of the subscription and get lost.
func (p *Peer) beginAndTail(reqID string, h handleLike, err error) {
	if err != nil {
		p.send(errResponse(reqID, err))
		return
	}
	p.subscribeAndTail(reqID, h.ID(), nil)
}

// subscribeAndTail subscribes to id before sending its Ack response, so
// a worker goroutine that races ahead of the subscription cannot
// deliver a Progress or terminal frame the peer never sees: anything
// already in history by the time the subscription is live is replayed
// (skipping the Ack frame itself, which the Ack response already
// conveyed) before continuing to the live tail. onTerminal, if given,
// runs once the operation reaches a terminal frame, however that frame
// was observed (replay or live), letting callers release resources
// (e.g. a command's context) tied to the operation's lifetime.
func (p *Peer) subscribeAndTail(reqID string, id uuid.UUID, onTerminal func()) {
	ch, tok, ok := p.agent.Registry.Subscribe(id)
	p.send(okResponse(reqID, ackBody{OperationID: id}))
	if !ok {
		return
	}
	snap, ok := p.agent.Registry.Get(id)
	if ok {
		for _, f := range snap.Op.History {
			if f.Type == model.FrameAck {
				continue
			}
			p.send(eventEnvelope(id.String(), f))
			if f.Type == model.FrameCompleted || f.Type == model.FrameFailed {
				p.agent.Registry.Unsubscribe(id, tok)
				if onTerminal != nil {
					onTerminal()
				}
				return
			}
		}
	}
	go p.drainOperation(id, ch, tok, onTerminal)
}

// drainOperation forwards frames from an already-open subscription
// until a terminal frame is sent.
func (p *Peer) drainOperation(id uuid.UUID, ch <-chan model.Frame, tok int, onTerminal func()) {
	defer p.agent.Registry.Unsubscribe(id, tok)
	for f := range ch {
		p.send(eventEnvelope(id.String(), f))
		if f.Type == model.FrameCompleted || f.Type == model.FrameFailed {
			if onTerminal != nil {
				onTerminal()
			}
			return
		}
	}
}

// attach implements OperationAttach: replay retained history, then
// (if still ongoing) tail live frames — spec.md §8 scenario S5. Like
// subscribeAndTail, it subscribes before taking the history snapshot,
// so a frame (including the terminal one) appended in the window
// between the two calls is never silently dropped for a reattaching
// peer.
func (p *Peer) attach(id uuid.UUID) {
	ch, tok, subscribed := p.agent.Registry.Subscribe(id)
	snap, ok := p.agent.Registry.Get(id)
	if !ok {
		if subscribed {
			p.agent.Registry.Unsubscribe(id, tok)
		}
		p.send(eventEnvelope(id.String(), errorBody(agenterr.New(agenterr.BadRequest, "unknown operation %s", id))))
		return
	}
	for _, f := range snap.Op.History {
		p.send(eventEnvelope(id.String(), f))
	}
	if !snap.Ongoing || !subscribed {
		if subscribed {
			p.agent.Registry.Unsubscribe(id, tok)
		}
		return
	}
	go p.drainOperation(id, ch, tok, nil)
}

// tailLogs implements LogSubscribe: deliver classified lines produced
// after this call, filtered by category if one was given, until the
// peer disconnects (ctx cancelled) or the subscriber overruns its
// buffer.
func (p *Peer) tailLogs(ctx context.Context, reqID string, category model.Category) {
	ch, tok := p.agent.Supervisor.Subscribe()
	defer p.agent.Supervisor.Unsubscribe(tok)
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			switch rec := v.(type) {
			case model.LogRecord:
				if category == "" || rec.Category == category {
					p.send(eventEnvelope(reqID, rec))
				}
			case broadcast.Lagged:
				p.send(eventEnvelope(reqID, errorBody(agenterr.New(agenterr.SubscriberLagged, "log subscriber overran buffer"))))
				return
			}
		}
	}
}
