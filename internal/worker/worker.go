// Package worker implements the Execution Worker (spec §4.5): a
// long-running task that owns the queue's running slot and drives the
// external GraphExecutor for one job at a time, honoring cancellation,
// disconnect, and timeout.
package worker

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nodeflow-dev/nodeflow-server/internal/codec"
	"github.com/nodeflow-dev/nodeflow-server/internal/dbx"
	"github.com/nodeflow-dev/nodeflow-server/internal/graphexec"
	"github.com/nodeflow-dev/nodeflow-server/internal/queue"
	"github.com/nodeflow-dev/nodeflow-server/internal/telemetry"
)

const (
	// defaultExecutionTimeout is the per-job wall clock budget (spec §5).
	defaultExecutionTimeout = 5 * time.Minute
	// defaultDisconnectPoll is how often a RUNNING job's connection
	// liveness is checked (spec §4.5, "optional but specified"). Zero
	// disables disconnect-as-cancel entirely.
	defaultDisconnectPoll = 500 * time.Millisecond
	// criticalSendTimeout bounds any single synchronous send so the worker
	// never blocks indefinitely on a stalled connection (spec §4.5, "Send
	// discipline").
	criticalSendTimeout = 10 * time.Second
	// executorDrainGrace bounds how long the worker waits for the
	// executor goroutine to observe ForceStop/ctx cancellation before
	// giving up and moving the job to DONE anyway. A well-behaved executor
	// returns almost immediately; this is a backstop against a stuck one.
	executorDrainGrace = 15 * time.Second
	// recordTimeout bounds the job-record write so a stalled database
	// connection can never wedge the worker past its own job.
	recordTimeout = 5 * time.Second
)

// Worker consumes jobs from a Queue and drives them to completion one at a
// time, forwarding progress/results/status through the job's connection.
type Worker struct {
	queue    *queue.Queue
	factory  graphexec.Factory
	registry graphexec.NodeRegistry
	store    graphexec.CredentialStore
	logger   *zap.Logger

	executionTimeout time.Duration
	disconnectPoll   time.Duration
	metrics          *telemetry.Metrics
	jobRecords       *dbx.JobRecordStore
}

// Option configures a Worker at construction time.
type Option func(*Worker)

func WithExecutionTimeout(d time.Duration) Option {
	return func(w *Worker) { w.executionTimeout = d }
}

// WithDisconnectPoll sets the liveness-poll interval for RUNNING jobs.
// Zero disables disconnect-as-cancel (spec §9, first Open Question).
func WithDisconnectPoll(d time.Duration) Option {
	return func(w *Worker) { w.disconnectPoll = d }
}

func WithLogger(l *zap.Logger) Option { return func(w *Worker) { w.logger = l } }

// WithMetrics attaches a telemetry.Metrics so job outcomes and durations are
// observed.
func WithMetrics(m *telemetry.Metrics) Option { return func(w *Worker) { w.metrics = m } }

// WithJobRecords attaches the terminal-state audit trail (spec §9). Without
// it, terminal outcomes are observed in metrics only and never persisted.
func WithJobRecords(s *dbx.JobRecordStore) Option {
	return func(w *Worker) { w.jobRecords = s }
}

// New creates a Worker bound to q, using factory to build a fresh
// GraphExecutor per job.
func New(q *queue.Queue, factory graphexec.Factory, registry graphexec.NodeRegistry, store graphexec.CredentialStore, opts ...Option) *Worker {
	w := &Worker{
		queue:            q,
		factory:          factory,
		registry:         registry,
		store:            store,
		logger:           zap.NewNop(),
		executionTimeout: defaultExecutionTimeout,
		disconnectPoll:   defaultDisconnectPoll,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes jobs until the queue shuts down or ctx is cancelled. It is
// meant to be the body of the server's single execution-worker goroutine.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, ok := w.queue.Next()
		if !ok {
			return
		}
		w.runJob(ctx, job)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

type execResult struct {
	results map[string]graphexec.NodeOutput
	err     error
}

// runJob implements the per-job protocol in spec §4.5. It always calls
// queue.MarkDone(job) before returning, recovering from any panic so a
// single job's failure never tears down the worker (spec §7, "Worker
// panic").
func (w *Worker) runJob(ctx context.Context, job *queue.Job) {
	start := time.Now()
	// recordState/recordErr name the terminal outcome persisted once the job
	// is DONE; they stay empty for outcomes that are not recorded.
	var recordState, recordErr string
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker: recovered from panic during job execution",
				zap.Int64("job_id", job.ID), zap.Any("panic", r), zap.Stack("stack"))
			w.observeOutcome("panic", start)
			if c := job.Connection(); c != nil {
				w.finishWithError(c, job.ID, "internal error during execution")
			}
		}
		w.queue.MarkDone(job)
		if recordState != "" {
			w.recordJob(job, recordState, recordErr, start)
		}
	}()

	conn := job.Connection()
	if conn == nil {
		w.observeOutcome("no_connection", start)
		return
	}
	select {
	case <-conn.Closed():
		w.observeOutcome("no_connection", start)
		return
	default:
	}

	w.sendCritical(conn, job.ID, codec.StatusFrame{State: codec.StatusRunning, JobID: job.ID})

	executor, err := w.factory(job.Graph, w.registry, w.store)
	if err != nil {
		message := "failed to construct executor: " + err.Error()
		w.finishWithError(conn, job.ID, message)
		w.observeOutcome("error", start)
		recordState, recordErr = "error", message
		return
	}

	emitted := make(map[string]struct{})
	executor.SetProgressCallback(func(ev graphexec.ProgressEvent) {
		w.sendBestEffort(conn, codec.ProgressFrame{
			NodeID:   ev.NodeID,
			State:    ev.State,
			JobID:    job.ID,
			Progress: ev.Progress,
			Text:     ev.Text,
			Meta:     ev.Meta,
		})
	})
	executor.SetResultCallback(func(nodeID string, output graphexec.NodeOutput) {
		emitted[nodeID] = struct{}{}
		w.sendBestEffort(conn, codec.DataFrame{
			Results: map[string]map[string]any{nodeID: output},
			JobID:   job.ID,
		})
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	resultCh := make(chan execResult, 1)
	go func() {
		results, err := executor.Execute(runCtx)
		resultCh <- execResult{results: results, err: err}
	}()

	timeoutTimer := time.NewTimer(w.executionTimeout)
	defer timeoutTimer.Stop()

	var disconnectTicker *time.Ticker
	var disconnectC <-chan time.Time
	if w.disconnectPoll > 0 {
		disconnectTicker = time.NewTicker(w.disconnectPoll)
		defer disconnectTicker.Stop()
		disconnectC = disconnectTicker.C
	}

	for {
		select {
		case res := <-resultCh:
			outcome := "finished"
			errMessage := ""
			if res.err != nil {
				outcome = "error"
				errMessage = res.err.Error()
			}
			w.finishCompleted(conn, job.ID, res, emitted)
			w.observeOutcome(outcome, start)
			recordState, recordErr = outcome, errMessage
			return

		case <-job.CancelSignal():
			executor.ForceStop("user")
			cancelRun()
			w.drainExecutor(resultCh)
			// No frame is sent here — the connection handler owns sending
			// the "stopped" confirmation once it observes job.DoneSignal()
			// (fired by the deferred MarkDone), so a single
			// cancellation never produces two terminal sends regardless of
			// whether the job was still PENDING or already RUNNING.
			w.observeOutcome("stopped", start)
			recordState, recordErr = "stopped", ""
			return

		case <-timeoutTimer.C:
			executor.ForceStop("timeout")
			cancelRun()
			w.drainExecutor(resultCh)
			message := timeoutMessage(w.executionTimeout)
			w.finishWithError(conn, job.ID, message)
			w.observeOutcome("timeout", start)
			recordState, recordErr = "timeout", message
			return

		case <-disconnectC:
			select {
			case <-conn.Closed():
				w.queue.Cancel(job)
				executor.ForceStop("disconnect")
				cancelRun()
				w.drainExecutor(resultCh)
				// No outbound message needed — the connection is gone.
				w.observeOutcome("disconnected", start)
				return
			default:
			}
		}
	}
}

// recordJob persists the terminal-state audit trail (spec §9). A no-op if
// the worker was not given a JobRecordStore.
func (w *Worker) recordJob(job *queue.Job, finalState, errMessage string, start time.Time) {
	if w.jobRecords == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	rec := dbx.JobRecord{
		SessionID:    job.SessionID,
		JobID:        job.ID,
		FinalState:   finalState,
		ErrorMessage: errMessage,
		StartedAt:    start,
		FinishedAt:   time.Now(),
	}
	if err := w.jobRecords.Record(ctx, rec); err != nil {
		w.logger.Warn("worker: failed to persist job record", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}

// observeOutcome counts a terminal outcome and its duration in metrics. A
// no-op if the worker was not given a telemetry.Metrics.
func (w *Worker) observeOutcome(outcome string, start time.Time) {
	if w.metrics == nil {
		return
	}
	w.metrics.JobsTotal.WithLabelValues(outcome).Inc()
	w.metrics.JobDuration.Observe(time.Since(start).Seconds())
}

// drainExecutor waits for the executor goroutine to actually return after
// ForceStop/context cancellation, so MarkDone never fires while a result
// or progress callback could still land. Bounded by executorDrainGrace so
// a misbehaving executor cannot wedge the worker forever.
func (w *Worker) drainExecutor(resultCh <-chan execResult) {
	select {
	case <-resultCh:
	case <-time.After(executorDrainGrace):
		w.logger.Warn("worker: executor did not return within drain grace period after ForceStop")
	}
}

func (w *Worker) finishCompleted(conn interface {
	SendCritical(context.Context, codec.Frame) error
}, jobID int64, res execResult, emitted map[string]struct{}) {
	if res.err != nil {
		w.finishWithError(conn, jobID, res.err.Error())
		return
	}

	remaining := make(map[string]map[string]any)
	for nodeID, output := range res.results {
		if _, already := emitted[nodeID]; already {
			continue
		}
		remaining[nodeID] = output
	}

	w.sendCritical(conn, jobID, codec.DataFrame{Results: remaining, JobID: jobID})
	w.sendCritical(conn, jobID, codec.StatusFrame{State: codec.StatusFinished, JobID: jobID})
}

func (w *Worker) finishWithError(conn interface {
	SendCritical(context.Context, codec.Frame) error
}, jobID int64, message string) {
	w.sendCritical(conn, jobID, codec.ErrorFrame{Message: message, Code: codec.CodeExecutionError, JobID: &jobID})
	w.sendCritical(conn, jobID, codec.StatusFrame{State: codec.StatusError, Message: message, JobID: jobID})
}

func (w *Worker) sendCritical(conn interface {
	SendCritical(context.Context, codec.Frame) error
}, jobID int64, frame codec.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), criticalSendTimeout)
	defer cancel()
	if err := conn.SendCritical(ctx, frame); err != nil {
		w.logger.Warn("worker: critical send failed", zap.Int64("job_id", jobID), zap.Error(err))
	}
}

func (w *Worker) sendBestEffort(conn interface{ SendBestEffort(codec.Frame) }, frame codec.Frame) {
	conn.SendBestEffort(frame)
}

func timeoutMessage(d time.Duration) string {
	return "Execution timed out after " + strconv.Itoa(int(d.Seconds())) + " seconds"
}
