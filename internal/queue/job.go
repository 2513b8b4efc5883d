package queue

import (
	"encoding/json"
	"sync"

	"github.com/nodeflow-dev/nodeflow-server/internal/registry"
)

// State is a Job's lifecycle state. Transitions are monotonic:
// PENDING -> RUNNING -> DONE, PENDING -> CANCELLED -> DONE,
// RUNNING -> CANCELLED -> DONE. No other transition is legal (spec §3).
type State int32

const (
	StatePending State = iota
	StateRunning
	StateCancelled
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateCancelled:
		return "CANCELLED"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Job is one scheduled graph execution. The zero value is not usable —
// jobs are created exclusively by Queue.Enqueue.
type Job struct {
	ID        int64
	SessionID string
	Graph     json.RawMessage

	mu    sync.Mutex
	state State
	conn  registry.Conn

	cancelCh     chan struct{}
	cancelOnce   sync.Once
	doneCh       chan struct{}
	doneOnce     sync.Once
	pendingStopCh   chan struct{}
	pendingStopOnce sync.Once
}

func newJob(id int64, sessionID string, graph json.RawMessage, conn registry.Conn) *Job {
	return &Job{
		ID:            id,
		SessionID:     sessionID,
		Graph:         graph,
		state:         StatePending,
		conn:          conn,
		cancelCh:      make(chan struct{}),
		doneCh:        make(chan struct{}),
		pendingStopCh: make(chan struct{}),
	}
}

// SetConnection rebinds the connection output is streamed to. Called by the
// registry on reconnect (spec §4.3) — it implements registry.ActiveJob.
func (j *Job) SetConnection(c registry.Conn) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.conn = c
}

// Connection returns the job's current output connection, or nil if the
// session has no live connection at the moment.
func (j *Job) Connection() registry.Conn {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.conn
}

// State returns the job's current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// CancelSignal fires exactly once, the instant the job is cancelled from
// any source: a client "stop" frame, connection-loss detection, or queue
// shutdown. Safe to observe from any number of goroutines.
func (j *Job) CancelSignal() <-chan struct{} { return j.cancelCh }

// DoneSignal fires exactly once, when the job leaves the system (queue
// no longer tracks it as pending or running).
func (j *Job) DoneSignal() <-chan struct{} { return j.doneCh }

func (j *Job) fireCancelled() {
	j.cancelOnce.Do(func() { close(j.cancelCh) })
}

func (j *Job) fireDone() {
	j.doneOnce.Do(func() { close(j.doneCh) })
}

func (j *Job) stopPendingUpdates() {
	j.pendingStopOnce.Do(func() { close(j.pendingStopCh) })
}

func (j *Job) pendingStopped() <-chan struct{} { return j.pendingStopCh }

// transitionToRunning moves PENDING -> RUNNING. Returns false if the job
// was not PENDING (should not happen given Queue's own bookkeeping, but
// guards against misuse).
func (j *Job) transitionToRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StatePending {
		return false
	}
	j.state = StateRunning
	return true
}

// transitionToCancelled moves PENDING|RUNNING -> CANCELLED. No-op (returns
// false) if already CANCELLED or DONE.
func (j *Job) transitionToCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateCancelled || j.state == StateDone {
		return false
	}
	j.state = StateCancelled
	return true
}

// transitionToDone moves any non-DONE state -> DONE. Idempotent: returns
// false if already DONE.
func (j *Job) transitionToDone() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == StateDone {
		return false
	}
	j.state = StateDone
	return true
}
