// Package opregistry allocates operation identifiers, holds each
// operation's append-only progress history, and enforces the
// process-wide mutual exclusion policy of spec.md §4.7.
//
// Grounded directly on xaction/registry/registry.go: the
// mutex-guarded entry table (here a map keyed by operation id) and the
// periodic finished-entry reaper (there named cleanUpFinished, wired
// through an hk housekeeping package not present in this retrieval;
// reimplemented here as a self-contained ticker loop in the same
// spirit). Lookup is by operation id only (Get); there is no
// filter-based query.
package opregistry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/circlesabound/fctrl-agent/internal/agenterr"
	"github.com/circlesabound/fctrl-agent/internal/cmn"
	"github.com/circlesabound/fctrl-agent/internal/model"
)

const reaperInterval = 30 * time.Second

// ConflictClass names a mutual-exclusion bucket. Per the Open Question
// in spec.md §9, resolved in DESIGN.md: Install/ModReconcile/Start/
// Stop/CreateSave/DeleteSave/RconCommand share one global "process"
// bucket; ConfigWrite conflicts only with another ConfigWrite on the
// same key (bucket "config:<key>"); UploadSave conflicts only with
// another upload of the same id (bucket "upload:<id>").
type ConflictClass string

const ProcessClass ConflictClass = "process"

func ConfigClass(key string) ConflictClass { return ConflictClass("config:" + key) }
func UploadClass(id string) ConflictClass  { return ConflictClass("upload:" + id) }

// entry is the registry's internal record: the operation itself plus
// the bookkeeping needed to serve live tails and cancellation.
type entry struct {
	mu      sync.Mutex
	op      model.Operation
	class   ConflictClass
	seq     uint64
	subs    map[int]chan model.Frame
	nextSub int
	done    chan struct{}
	cancel  context.CancelFunc
}

// Handle is returned to the worker goroutine that owns an operation. It
// is the only way to append frames or terminate the operation; all
// other registry consumers see the operation through read-only
// snapshots.
type Handle struct {
	r *Registry
	e *entry
}

// Registry is the process-wide operation table.
type Registry struct {
	mu       sync.Mutex
	entries  map[uuid.UUID]*entry
	holders  map[ConflictClass]uuid.UUID
	ttl      time.Duration
	journal  string
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Registry with the given TTL (spec.md default 5m) and
// an optional crash journal path (empty string disables journaling).
func New(ttl time.Duration, journalPath string) *Registry {
	r := &Registry{
		entries: make(map[uuid.UUID]*entry),
		holders: make(map[ConflictClass]uuid.UUID),
		ttl:     ttl,
		journal: journalPath,
		stopCh:  make(chan struct{}),
	}
	if journalPath != "" {
		if recs, err := loadJournal(journalPath); err == nil {
			now := time.Now()
			for _, op := range recs {
				if op.Terminal() && now.Sub(op.TerminalAt) < ttl {
					r.entries[op.ID] = &entry{op: op, subs: make(map[int]chan model.Frame), done: make(chan struct{})}
					close(r.entries[op.ID].done)
				}
			}
		}
	}
	go r.reapLoop()
	return r
}

func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Registry) reapLoop() {
	t := time.NewTicker(reaperInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.reapOnce()
		}
	}
}

func (r *Registry) reapOnce() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, e := range r.entries {
		e.mu.Lock()
		terminal := e.op.Terminal()
		terminalAt := e.op.TerminalAt
		e.mu.Unlock()
		if terminal && now.Sub(terminalAt) > r.ttl {
			delete(r.entries, id)
		}
	}
}

// Begin allocates a fresh operation id, records an Ack frame, and
// attempts to acquire the conflict-class lock. If the class is already
// held by another Ongoing operation, Begin returns a Busy error
// immediately and no record is created (spec.md §4.7: "Conflicting
// requests fail immediately with Busy(holder_kind)").
func (r *Registry) Begin(kind model.OperationKind, class ConflictClass, cancelable bool) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holderID, ok := r.holders[class]; ok {
		if holderEntry, ok := r.entries[holderID]; ok {
			holderEntry.mu.Lock()
			stillOngoing := holderEntry.op.Status == model.StatusOngoing
			holderKind := holderEntry.op.Kind
			holderEntry.mu.Unlock()
			if stillOngoing {
				return nil, agenterr.New(agenterr.Busy, "%s", holderKind)
			}
		}
		delete(r.holders, class)
	}

	id := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	_ = ctx
	e := &entry{
		op: model.Operation{
			ID:         id,
			Kind:       kind,
			Status:     model.StatusAck,
			ConflictOn: string(class),
			StartedAt:  time.Now(),
			Cancelable: cancelable,
		},
		class:  class,
		subs:   make(map[int]chan model.Frame),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	ackFrame := model.Frame{Seq: 0, Type: model.FrameAck, Body: struct {
		OperationID uuid.UUID `json:"operation_id"`
	}{OperationID: id}}
	e.op.History = append(e.op.History, ackFrame)
	e.op.Status = model.StatusOngoing

	r.entries[id] = e
	r.holders[class] = id

	return &Handle{r: r, e: e}, nil
}

// ID returns the handle's operation id.
func (h *Handle) ID() uuid.UUID { return h.e.op.ID }

// Cancellable reports whether this operation declared itself
// cancellable at Begin time.
func (h *Handle) Cancellable() bool { return h.e.op.Cancelable }

// Progress appends a Progress frame and fans it out to any live
// subscribers (used by OperationAttach's live tail).
func (h *Handle) Progress(body interface{}) {
	h.append(model.FrameProgress, body)
}

// Complete appends the terminal Completed frame.
func (h *Handle) Complete(result model.CompletedResult) {
	h.e.mu.Lock()
	cmn.Assert(!h.e.op.Terminal(), "Complete called on already-terminal operation %s", h.e.op.ID)
	h.e.op.Status = model.StatusCompleted
	h.e.op.TerminalAt = time.Now()
	h.e.mu.Unlock()
	h.append(model.FrameCompleted, result)
	h.terminalize()
}

// Fail appends the terminal Failed frame.
func (h *Handle) Fail(kind agenterr.Kind, detail string) {
	h.e.mu.Lock()
	cmn.Assert(!h.e.op.Terminal(), "Fail called on already-terminal operation %s", h.e.op.ID)
	h.e.op.Status = model.StatusFailed
	h.e.op.TerminalAt = time.Now()
	h.e.mu.Unlock()
	h.append(model.FrameFailed, model.FailedResult{Kind: string(kind), Detail: detail})
	h.terminalize()
}

func (h *Handle) append(t model.FrameType, body interface{}) {
	h.e.mu.Lock()
	h.e.seq++
	f := model.Frame{Seq: h.e.seq, Type: t, Body: body}
	h.e.op.History = append(h.e.op.History, f)
	subs := make([]chan model.Frame, 0, len(h.e.subs))
	for _, ch := range h.e.subs {
		subs = append(subs, ch)
	}
	h.e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- f:
		default:
			// slow live-tail subscriber: the retained history still has
			// this frame, so a subsequent OperationAttach replay is not
			// lossy even if the live channel drops it.
		}
	}
}

func (h *Handle) terminalize() {
	close(h.e.done)
	h.r.mu.Lock()
	if r, ok := h.r.holders[h.e.class]; ok && r == h.e.op.ID {
		delete(h.r.holders, h.e.class)
	}
	h.r.mu.Unlock()
	if h.r.journal != "" {
		h.e.mu.Lock()
		op := h.e.op
		h.e.mu.Unlock()
		_ = appendJournal(h.r.journal, op)
	}
}

// Context returns a context cancelled when Cancel(id) is called,
// letting a cancellable operation's in-flight I/O abort best-effort.
func (h *Handle) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	h.e.mu.Lock()
	prev := h.e.cancel
	h.e.cancel = func() {
		if prev != nil {
			prev()
		}
		cancel()
	}
	h.e.mu.Unlock()
	go func() {
		select {
		case <-h.e.done:
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Snapshot is a read-only view of an operation's full history, used by
// OperationAttach's backlog replay.
type Snapshot struct {
	Op      model.Operation
	Ongoing bool
}

// Get returns a snapshot of the operation with the given id, or false
// if it is unknown (never existed, or already reaped past TTL).
func (r *Registry) Get(id uuid.UUID) (Snapshot, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	opCopy := e.op
	opCopy.History = append([]model.Frame(nil), e.op.History...)
	return Snapshot{Op: opCopy, Ongoing: opCopy.Status == model.StatusOngoing}, true
}

// Subscribe registers a live-tail channel for id's future frames,
// returning the channel and a token to later Unsubscribe. The gateway
// subscribes before taking the history snapshot it replays, so a
// reattaching peer sees no gap; a frame appended between the two calls
// can arrive twice, once from each, with the same Seq.
func (r *Registry) Subscribe(id uuid.UUID) (<-chan model.Frame, int, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return nil, 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan model.Frame, 64)
	tok := e.nextSub
	e.nextSub++
	e.subs[tok] = ch
	return ch, tok, true
}

func (r *Registry) Unsubscribe(id uuid.UUID, tok int) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	delete(e.subs, tok)
	e.mu.Unlock()
}

// Cancel requests cancellation of a cancellable, still-Ongoing
// operation. It is a no-op (returns false) for unknown, already
// terminal, or non-cancellable operations; the caller (gateway) is
// expected to translate that into a BadRequest or ignore it per
// spec.md §5.
func (r *Registry) Cancel(id uuid.UUID) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	ongoing := e.op.Status == model.StatusOngoing
	cancelable := e.op.Cancelable
	cancel := e.cancel
	e.mu.Unlock()
	if !ongoing || !cancelable {
		return false
	}
	cancel()
	return true
}
