package gateway

import (
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/circlesabound/fctrl-agent/internal/agent"
)

// Gateway upgrades incoming HTTP connections to WebSocket and hands
// each one off to its own Peer. Its uploads table outlives any single
// Peer so a chunked SaveUpload can be resumed by a reconnecting peer
// (spec.md §4.8).
type Gateway struct {
	Agent    *agent.Agent
	upgrader websocket.Upgrader
	uploads  *uploadRegistry
}

func New(a *agent.Agent) *Gateway {
	return &Gateway{
		Agent: a,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		uploads: newUploadRegistry(),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("gateway: upgrade failed: %v", err)
		return
	}
	p := newPeer(conn, g.Agent, g.uploads)
	p.run()
}
