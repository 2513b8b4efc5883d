// Package queue implements the Execution Queue (spec §4.4): a
// bounded-concurrency scheduler where any number of jobs may be pending
// but exactly one may run at a time.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nodeflow-dev/nodeflow-server/internal/codec"
	"github.com/nodeflow-dev/nodeflow-server/internal/registry"
	"github.com/nodeflow-dev/nodeflow-server/internal/telemetry"
)

// Mode selects between the two queueing disciplines described in spec
// §4.4's "Variant note". Both share the same state machine; only the
// admission check in Enqueue differs.
type Mode int

const (
	// ModeFIFO admits any number of pending jobs, run in submission order.
	ModeFIFO Mode = iota
	// ModeSingleFlight rejects Enqueue while any job is pending or running.
	ModeSingleFlight
)

const (
	// defaultPositionInterval is how often a pending job's queue_position
	// is re-sent (spec §5, "Queue position update interval: 1 second").
	defaultPositionInterval = time.Second
	// positionSendTimeout bounds a single queue_position send so a stalled
	// connection can never wedge the position-update goroutine.
	positionSendTimeout = 5 * time.Second
)

// Queue is safe for concurrent use by many connection-handler goroutines
// (Enqueue, Cancel) and exactly one worker goroutine (Next, MarkDone).
type Queue struct {
	mu      sync.Mutex
	mode    Mode
	pending []*Job
	running *Job
	nextID  int64
	closed  bool

	wakeCh       chan struct{}
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	positionInterval time.Duration
	logger           *zap.Logger
	metrics          *telemetry.Metrics
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithMode selects FIFO (default) or single-flight admission.
func WithMode(m Mode) Option { return func(q *Queue) { q.mode = m } }

// WithPositionInterval overrides the default 1s queue_position cadence.
func WithPositionInterval(d time.Duration) Option {
	return func(q *Queue) { q.positionInterval = d }
}

// WithLogger attaches a logger for send-failure diagnostics.
func WithLogger(l *zap.Logger) Option { return func(q *Queue) { q.logger = l } }

// WithMetrics attaches a telemetry.Metrics so QueueDepth tracks pending jobs.
func WithMetrics(m *telemetry.Metrics) Option { return func(q *Queue) { q.metrics = m } }

// New creates a ready-to-use Queue in FIFO mode by default.
func New(opts ...Option) *Queue {
	q := &Queue{
		wakeCh:           make(chan struct{}, 1),
		shutdownCh:       make(chan struct{}),
		positionInterval: defaultPositionInterval,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// ErrBusy is returned by Enqueue in single-flight mode when a job is
// already pending or running.
var ErrBusy = errBusy{}

type errBusy struct{}

func (errBusy) Error() string { return "queue: busy (single-flight mode)" }

// Enqueue allocates a fresh job id, creates a Job in PENDING, appends it to
// pending, wakes the worker, and starts its queue_position updates (first
// one sent immediately, thereafter once per positionInterval while PENDING).
func (q *Queue) Enqueue(conn registry.Conn, sessionID string, graph json.RawMessage) (*Job, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errQueueClosed{}
	}
	if q.mode == ModeSingleFlight && (len(q.pending) > 0 || q.running != nil) {
		q.mu.Unlock()
		return nil, ErrBusy
	}

	q.nextID++
	job := newJob(q.nextID, sessionID, graph, conn)
	q.pending = append(q.pending, job)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.QueueDepth.Inc()
	}
	q.wake()
	q.startPositionUpdates(job)
	return job, nil
}

type errQueueClosed struct{}

func (errQueueClosed) Error() string { return "queue: shut down" }

// Next blocks until either a PENDING job is available — transitioning it
// to RUNNING, moving it into the running slot, stopping its position
// updates, and returning it — or the queue is shutting down, in which case
// it returns ok=false.
func (q *Queue) Next() (*Job, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			job := q.pending[0]
			q.pending = q.pending[1:]
			job.transitionToRunning()
			q.running = job
			q.mu.Unlock()

			if q.metrics != nil {
				q.metrics.QueueDepth.Dec()
			}
			job.stopPendingUpdates()
			q.sendFinalPosition(job)
			return job, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()

		select {
		case <-q.wakeCh:
		case <-q.shutdownCh:
		}
	}
}

// MarkDone transitions job to DONE (idempotent), clears the running slot if
// it held this job, resolves done_signal, and stops any position updates.
func (q *Queue) MarkDone(job *Job) {
	q.mu.Lock()
	if !job.transitionToDone() {
		q.mu.Unlock()
		return
	}
	if q.running == job {
		q.running = nil
	}
	q.mu.Unlock()

	job.stopPendingUpdates()
	job.fireDone()
}

// Cancel is a no-op if job is already CANCELLED or DONE. Otherwise it
// transitions the job to CANCELLED and fires cancel_signal. A job still in
// pending is additionally removed and immediately carried to DONE. Removal
// and the state change happen under the queue lock, so Next either never
// hands the job out or has already moved it to running, in which case the
// worker observes cancel_signal in its select (spec §4.4, "Ordering
// guarantees").
func (q *Queue) Cancel(job *Job) {
	q.mu.Lock()
	switch job.State() {
	case StateCancelled, StateDone:
		q.mu.Unlock()
		return
	}

	wasPending := false
	for i, j := range q.pending {
		if j == job {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			wasPending = true
			break
		}
	}
	job.transitionToCancelled()
	q.mu.Unlock()

	if wasPending && q.metrics != nil {
		q.metrics.QueueDepth.Dec()
	}
	job.fireCancelled()
	if wasPending {
		q.MarkDone(job)
	}
}

// Position reports 0 if job is running, (index+1) if pending, or -1
// otherwise (running-elsewhere, cancelled, or done).
func (q *Queue) Position(job *Job) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running == job {
		return 0
	}
	for i, j := range q.pending {
		if j == job {
			return i + 1
		}
	}
	return -1
}

// Shutdown marks the queue terminal, cancels all pending jobs and the
// running job (if any), and wakes Next so the worker exits. Idempotent.
func (q *Queue) Shutdown() {
	q.shutdownOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		pendingCopy := append([]*Job(nil), q.pending...)
		q.pending = nil
		runningJob := q.running
		q.mu.Unlock()

		if q.metrics != nil {
			q.metrics.QueueDepth.Sub(float64(len(pendingCopy)))
		}
		for _, j := range pendingCopy {
			j.transitionToCancelled()
			j.fireCancelled()
			q.MarkDone(j)
		}
		if runningJob != nil {
			runningJob.transitionToCancelled()
			runningJob.fireCancelled()
			// The worker observes CancelSignal and calls MarkDone itself
			// once teardown completes — mirrored in internal/worker.
		}

		close(q.shutdownCh)
	})
}

func (q *Queue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

// sendFinalPosition emits the terminal queue_position{0} frame the instant
// a job starts running, so the monotonic-non-increasing-ending-at-0
// invariant (spec §8) holds even though the periodic ticker has just been
// told to stop.
func (q *Queue) sendFinalPosition(job *Job) {
	conn := job.Connection()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), positionSendTimeout)
	defer cancel()
	if err := conn.SendCritical(ctx, codec.QueuePositionFrame{Position: 0, JobID: job.ID}); err != nil {
		q.logger.Warn("queue: failed to send final queue_position", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}

// startPositionUpdates runs a goroutine that sends job's queue_position
// immediately, then once per positionInterval, until the job's pending
// updates are stopped (by Next pulling it, MarkDone, or Cancel removing it
// from pending).
func (q *Queue) startPositionUpdates(job *Job) {
	send := func() bool {
		select {
		case <-job.pendingStopped():
			return false
		default:
		}

		conn := job.Connection()
		if conn == nil {
			return true
		}
		pos := q.Position(job)
		if pos < 0 {
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), positionSendTimeout)
		err := conn.SendCritical(ctx, codec.QueuePositionFrame{Position: pos, JobID: job.ID})
		cancel()
		if err != nil {
			q.logger.Warn("queue: failed to send queue_position", zap.Int64("job_id", job.ID), zap.Error(err))
		}
		return true
	}

	go func() {
		if !send() {
			return
		}
		ticker := time.NewTicker(q.positionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-job.pendingStopped():
				return
			case <-ticker.C:
				if !send() {
					return
				}
			}
		}
	}()
}
