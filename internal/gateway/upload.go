package gateway

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/circlesabound/fctrl-agent/internal/agenterr"
	"github.com/circlesabound/fctrl-agent/internal/config"
	"github.com/circlesabound/fctrl-agent/internal/model"
	"github.com/circlesabound/fctrl-agent/internal/opregistry"
)

// uploadStaging tracks one in-flight chunked SaveUpload sequence,
// shared across peer connections via uploadRegistry so a reconnecting
// peer can resume it.
type uploadStaging struct {
	handle *opregistry.Handle
	file   *os.File
	opID   uuid.UUID

	mu         sync.Mutex
	owner      *Peer
	peerAddr   string
	nextOffset int64
	graceTimer *time.Timer
}

// attach binds st to p, cancelling any pending grace-period eviction
// timer left over from a previous disconnect.
func (st *uploadStaging) attach(p *Peer) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.owner = p
	st.peerAddr = p.addr
	if st.graceTimer != nil {
		st.graceTimer.Stop()
		st.graceTimer = nil
	}
}

// ownedBy reports whether p is the staging's current connection, and
// whether addr matches the address that created or last resumed it.
func (st *uploadStaging) ownedBy(p *Peer) (sameConn, sameAddr bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.owner == p, st.peerAddr == p.addr
}

// checkSequence reports whether start is the offset this staging
// expects next. Two senders racing the same id produce chunks that
// don't chain together even when they share an address, so sequence
// is checked independently of ownership.
func (st *uploadStaging) checkSequence(start int64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return start == st.nextOffset
}

func (st *uploadStaging) advance(end int64) {
	st.mu.Lock()
	st.nextOffset = end
	st.mu.Unlock()
}

// uploadRegistry is the gateway-wide table of in-flight chunked
// SaveUpload stagings, shared across every Peer so a peer reconnecting
// with the same id and address resumes rather than starting over
// (spec.md §4.8).
type uploadRegistry struct {
	mu    sync.Mutex
	items map[string]*uploadStaging
}

func newUploadRegistry() *uploadRegistry {
	return &uploadRegistry{items: make(map[string]*uploadStaging)}
}

func (r *uploadRegistry) get(id string) (*uploadStaging, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.items[id]
	return st, ok
}

func (r *uploadRegistry) put(id string, st *uploadStaging) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[id] = st
}

func (r *uploadRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
}

// scheduleEviction arranges for st to be discarded — its staged file
// removed and its handle failed, releasing the UploadClass(id) lock —
// after the configured grace period, unless attach is called again
// first (spec.md §4.8: "scheduled for deletion after a grace period to
// permit resume under the same id from the same peer address").
func (r *uploadRegistry) scheduleEviction(id string, st *uploadStaging) {
	grace := config.Get().UploadGracePeriod
	st.mu.Lock()
	if st.graceTimer != nil {
		st.mu.Unlock()
		return
	}
	st.graceTimer = time.AfterFunc(grace, func() {
		r.mu.Lock()
		_, stillPresent := r.items[id]
		if stillPresent {
			delete(r.items, id)
		}
		r.mu.Unlock()
		if !stillPresent {
			return
		}
		os.Remove(st.file.Name())
		st.handle.Fail(agenterr.Cancelled, "upload abandoned: peer disconnected past grace period")
	})
	st.mu.Unlock()
}

type uploadBody struct {
	ID    string `json:"id"`
	Range string `json:"range"`
	Bytes []byte `json:"bytes"`
}

// parseRange decodes the "bytes start-end/total" header of spec.md
// §4.8. The zero-length sentinel is start==end==total.
func parseRange(header string) (start, end, total int64, err error) {
	header = strings.TrimSpace(header)
	const prefix = "bytes "
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, 0, agenterr.New(agenterr.BadRequest, "malformed range header %q", header)
	}
	rest := strings.TrimPrefix(header, prefix)
	rangePart, totalPart, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, 0, agenterr.New(agenterr.BadRequest, "malformed range header %q", header)
	}
	startPart, endPart, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, 0, agenterr.New(agenterr.BadRequest, "malformed range header %q", header)
	}
	start, e1 := strconv.ParseInt(startPart, 10, 64)
	end, e2 := strconv.ParseInt(endPart, 10, 64)
	total, e3 := strconv.ParseInt(totalPart, 10, 64)
	if e1 != nil || e2 != nil || e3 != nil {
		return 0, 0, 0, agenterr.New(agenterr.BadRequest, "malformed range header %q", header)
	}
	return start, end, total, nil
}

func isSentinel(start, end, total int64) bool {
	return start == end && end == total
}

// handleSaveUpload implements SaveUpload's chunked-transfer protocol
// (spec.md §4.8). The first chunk for an id creates a new staging; a
// later chunk for an id already known to the shared registry either
// continues this connection's own staging, or — if the owning
// connection is gone — resumes it, provided the new connection's
// address matches the one that created it and its chunk picks up
// exactly where the staging left off. A mismatched address, or a
// chunk that doesn't chain onto the staging's last write (including a
// second sender racing the same id), is rejected with UploadConflict
// rather than silently corrupting or hijacking someone else's upload.
func (p *Peer) handleSaveUpload(reqID string, body uploadBody) {
	start, _, _, rangeErr := parseRange(body.Range)

	st, exists := p.uploads.get(body.ID)
	if !exists {
		h, err := p.agent.BeginUpload(body.ID)
		if err != nil {
			p.send(errResponse(reqID, err))
			return
		}
		f, ferr := os.CreateTemp(p.agent.Layout.StagingDir(), "upload-"+body.ID+"-*")
		if ferr != nil {
			wrapped := agenterr.Wrap(agenterr.ConfigIoFailed, ferr, "staging upload %s", body.ID)
			h.Fail(wrapped.Kind, wrapped.Detail)
			p.send(errResponse(reqID, wrapped))
			return
		}
		st = &uploadStaging{handle: h, file: f, opID: h.ID()}
		st.attach(p)
		p.uploads.put(body.ID, st)
		p.markOwnedUpload(body.ID)

		p.subscribeAndTail(reqID, h.ID(), nil)
	} else {
		sameConn, sameAddr := st.ownedBy(p)
		if !sameAddr {
			p.send(errResponse(reqID, agenterr.New(agenterr.UploadConflict, "upload %s is owned by a different peer", body.ID)))
			return
		}
		if rangeErr == nil && !st.checkSequence(start) {
			p.send(errResponse(reqID, agenterr.New(agenterr.UploadConflict, "upload %s received an out-of-sequence chunk", body.ID)))
			return
		}
		if !sameConn {
			// Resuming connection: reclaim ownership, cancel the
			// pending eviction timer, and re-tail from scratch since
			// this connection never saw the original Ack/events.
			st.attach(p)
			p.markOwnedUpload(body.ID)
			p.subscribeAndTail(reqID, st.opID, nil)
		}
	}

	start, end, total, err := parseRange(body.Range)
	if err != nil {
		st.handle.Fail(agenterr.BadRequest, err.Error())
		p.removeUpload(body.ID)
		return
	}

	if isSentinel(start, end, total) {
		if err := st.file.Close(); err != nil {
			wrapped := agenterr.Wrap(agenterr.ConfigIoFailed, err, "closing staged upload %s", body.ID)
			st.handle.Fail(wrapped.Kind, wrapped.Detail)
			p.removeUpload(body.ID)
			return
		}
		dest := p.agent.Layout.SavePath(body.ID)
		if err := os.Rename(st.file.Name(), dest); err != nil {
			wrapped := agenterr.Wrap(agenterr.ConfigIoFailed, err, "activating upload %s", body.ID)
			st.handle.Fail(wrapped.Kind, wrapped.Detail)
			p.removeUpload(body.ID)
			return
		}
		st.handle.Complete(model.CompletedResult{Data: body.ID})
		p.removeUpload(body.ID)
		return
	}

	if _, err := st.file.WriteAt(body.Bytes, start); err != nil {
		wrapped := agenterr.Wrap(agenterr.ConfigIoFailed, err, "writing upload %s", body.ID)
		st.handle.Fail(wrapped.Kind, wrapped.Detail)
		p.removeUpload(body.ID)
		return
	}
	st.advance(end)
	totalCopy := total
	st.handle.Progress(model.ProgressDownloading{Bytes: end, Total: &totalCopy})
}

// markOwnedUpload records that this connection is the current owner of
// id, so a disconnect schedules its eviction rather than abandoning it
// silently.
func (p *Peer) markOwnedUpload(id string) {
	p.ownedUploadsMu.Lock()
	p.ownedUploads[id] = struct{}{}
	p.ownedUploadsMu.Unlock()
}

func (p *Peer) clearOwnedUpload(id string) {
	p.ownedUploadsMu.Lock()
	delete(p.ownedUploads, id)
	p.ownedUploadsMu.Unlock()
}

func (p *Peer) removeUpload(id string) {
	p.clearOwnedUpload(id)
	if st, ok := p.uploads.get(id); ok {
		os.Remove(st.file.Name())
		p.uploads.remove(id)
	}
}

// ackBody is the immediate response to every mutating request
// (spec.md §4.8: "Responses to mutating requests are an immediate
// Ack{operation_id}").
type ackBody struct {
	OperationID uuid.UUID `json:"operation_id"`
}
