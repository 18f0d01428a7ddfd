package model

import "time"

// Stream identifies which child file descriptor a LogRecord came from.
type Stream string

const (
	Stdout Stream = "Stdout"
	Stderr Stream = "Stderr"
)

// Category is the result of classifying one line of console output
// (spec.md §4.5).
type Category string

const (
	CategorySystem Category = "System"
	CategoryChat   Category = "Chat"
	CategoryJoin   Category = "Join"
	CategoryLeave  Category = "Leave"
	CategoryUpload Category = "Upload"
	CategoryOther  Category = "Other"
)

// LogRecord is handed to the gateway (for live fan-out) and to the
// external log-persistence sink; the Agent itself does not store it.
type LogRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    Stream    `json:"stream"`
	Category  Category  `json:"category"`
	Content   string    `json:"content"`
}

// Datapoint is one sample emitted by the Metrics Sampler per poll cycle
// per metric name.
type Datapoint struct {
	Metric string  `json:"metric"`
	Tick   int64   `json:"tick"`
	Value  float64 `json:"value"`
}
