// Package codec parses and builds the JSON frames exchanged over the
// /execute WebSocket channel. Every frame is a discriminated union on its
// "type" field; inbound frames are decoded into one of four Go structs,
// outbound frames are built by the typed constructors in build.go and marshaled
// with the standard encoding/json package.
package codec

import "encoding/json"

// InboundType enumerates the "type" discriminant values accepted from a
// client. Unknown values cause Parse to return ok=false.
type InboundType string

const (
	TypeConnect InboundType = "connect"
	TypeGraph   InboundType = "graph"
	TypeStop    InboundType = "stop"
	TypePing    InboundType = "ping"
)

// OutboundType enumerates the "type" discriminant values the server emits.
type OutboundType string

const (
	TypeSession       OutboundType = "session"
	TypeStatus        OutboundType = "status"
	TypeQueuePosition OutboundType = "queue_position"
	TypeProgress      OutboundType = "progress"
	TypeData          OutboundType = "data"
	TypeStopped       OutboundType = "stopped"
	TypeError         OutboundType = "error"
	TypePong          OutboundType = "pong"
)

// Status values for the outbound "status" frame's "state" field.
const (
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusError    = "error"
)

// Progress state values for the outbound "progress" frame's "state" field.
const (
	ProgressStart   = "start"
	ProgressUpdate  = "update"
	ProgressDone    = "done"
	ProgressError   = "error"
	ProgressStopped = "stopped"
)

// Error codes for the outbound "error" frame's "code" field.
const (
	CodeMissingAPIKeys  = "MISSING_API_KEYS"
	CodeValidationError = "VALIDATION_ERROR"
	CodeExecutionError  = "EXECUTION_ERROR"
)

// Frame is implemented by every inbound and outbound frame type. frameType
// returns the wire discriminant so generic code (logging, tests) can report
// a frame's kind without a type switch.
type Frame interface {
	frameType() string
}

// --- Inbound frames -------------------------------------------------------

// ConnectFrame establishes or resumes a session. SessionID is empty for a
// brand-new session.
type ConnectFrame struct {
	SessionID string
}

func (ConnectFrame) frameType() string { return string(TypeConnect) }

// GraphFrame submits a graph for execution. GraphData is kept as a raw JSON
// object — the core never interprets its contents, only forwards it to the
// external GraphExecutor.
type GraphFrame struct {
	GraphData json.RawMessage
}

func (GraphFrame) frameType() string { return string(TypeGraph) }

// StopFrame cancels the session's active job.
type StopFrame struct{}

func (StopFrame) frameType() string { return string(TypeStop) }

// PingFrame is a liveness probe answered with a PongFrame.
type PingFrame struct{}

func (PingFrame) frameType() string { return string(TypePing) }

// --- Outbound frames -------------------------------------------------------

// SessionFrame is the first frame on every connection, echoing the
// server-assigned or resumed session id.
type SessionFrame struct {
	SessionID string
}

func (SessionFrame) frameType() string { return string(TypeSession) }

// StatusFrame reports a job's coarse lifecycle transition.
type StatusFrame struct {
	State   string
	Message string
	JobID   int64
}

func (StatusFrame) frameType() string { return string(TypeStatus) }

// QueuePositionFrame reports a pending job's position, 0 meaning running.
type QueuePositionFrame struct {
	Position int
	JobID    int64
}

func (QueuePositionFrame) frameType() string { return string(TypeQueuePosition) }

// ProgressFrame reports per-node execution progress.
type ProgressFrame struct {
	NodeID   string
	State    string
	JobID    int64
	Progress *int    // 0..100, nil when not reported
	Text     *string // nil when not reported
	Meta     any     // nil when not reported
}

func (ProgressFrame) frameType() string { return string(TypeProgress) }

// DataFrame carries a batch of node results: node_id -> output_name -> value.
type DataFrame struct {
	Results map[string]map[string]any
	JobID   int64
}

func (DataFrame) frameType() string { return string(TypeData) }

// StoppedFrame confirms a job was cancelled. JobID is nil only in the
// theoretical case of a stop with no active job (never emitted in practice
// since the registry validates an active job exists before cancelling).
type StoppedFrame struct {
	Message string
	JobID   *int64
}

func (StoppedFrame) frameType() string { return string(TypeStopped) }

// ErrorFrame reports a protocol, credential, or execution failure.
// JobID is nil for errors that occur before a job exists (e.g. missing
// credentials, malformed frames).
type ErrorFrame struct {
	Message     string
	Code        string // one of the Code* constants, or "" for none
	MissingKeys []string
	JobID       *int64
}

func (ErrorFrame) frameType() string { return string(TypeError) }

// PongFrame answers a PingFrame.
type PongFrame struct{}

func (PongFrame) frameType() string { return string(TypePong) }
