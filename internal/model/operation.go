package model

import (
	"time"

	"github.com/google/uuid"
)

// OperationKind enumerates the mutating request kinds that allocate an
// Operation record (spec.md §4.7's conflict set plus the non-conflicting
// but still-tracked kinds).
type OperationKind string

const (
	OpInstall        OperationKind = "Install"
	OpModReconcile   OperationKind = "ModReconcile"
	OpConfigWrite    OperationKind = "ConfigWrite"
	OpServerStart    OperationKind = "Start"
	OpServerStop     OperationKind = "Stop"
	OpSaveCreate     OperationKind = "CreateSave"
	OpSaveDelete     OperationKind = "DeleteSave"
	OpSaveUpload     OperationKind = "UploadSave"
	OpRconCommand    OperationKind = "RconCommand"
)

// OperationStatus is the lifecycle of a single Operation record.
type OperationStatus string

const (
	StatusAck       OperationStatus = "Ack"
	StatusOngoing   OperationStatus = "Ongoing"
	StatusCompleted OperationStatus = "Completed"
	StatusFailed    OperationStatus = "Failed"
)

// FrameType tags the payload carried by a Frame.
type FrameType string

const (
	FrameAck       FrameType = "Ack"
	FrameProgress  FrameType = "Progress"
	FrameCompleted FrameType = "Completed"
	FrameFailed    FrameType = "Failed"
)

// Frame is one entry in an Operation's append-only history. Seq is
// monotonically increasing and scoped to the owning Operation.
type Frame struct {
	Seq  uint64      `json:"seq"`
	Type FrameType   `json:"type"`
	Body interface{} `json:"body,omitempty"`
}

// Operation is the spec.md §3 Operation record. It is mutated only by
// the worker goroutine running it; all other access goes through
// opregistry's snapshot/history accessors.
type Operation struct {
	ID         uuid.UUID       `json:"id"`
	Kind       OperationKind   `json:"kind"`
	Status     OperationStatus `json:"status"`
	ConflictOn string          `json:"conflict_on,omitempty"` // e.g. config key, save id
	History    []Frame         `json:"history"`
	StartedAt  time.Time       `json:"started_at"`
	TerminalAt time.Time       `json:"terminal_at,omitempty"`
	Cancelable bool            `json:"cancelable"`
}

// Terminal reports whether the operation has reached Completed or Failed.
func (o *Operation) Terminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusFailed
}

// Progress payloads for VersionInstall (spec.md §4.2).
type (
	ProgressResolving struct{}
	ProgressDownloading struct {
		Bytes int64  `json:"bytes"`
		Total *int64 `json:"total,omitempty"`
	}
	ProgressExtracting struct{}
	ProgressActivating struct{}
)

// Progress payload for ModListApply (spec.md §4.3), one per mod
// transition.
type ProgressMod struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Phase   string `json:"phase"` // "downloading" | "removing" | "relisting"
}

// CompletedResult is the body of a Completed terminal frame.
type CompletedResult struct {
	NoOp bool        `json:"no_op"`
	Data interface{} `json:"data,omitempty"`
}

// FailedResult is the body of a Failed terminal frame.
type FailedResult struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}
