package httpapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nodeflow-dev/nodeflow-server/internal/codec"
	"github.com/nodeflow-dev/nodeflow-server/internal/credentials"
	"github.com/nodeflow-dev/nodeflow-server/internal/graphexec"
	"github.com/nodeflow-dev/nodeflow-server/internal/queue"
	"github.com/nodeflow-dev/nodeflow-server/internal/registry"
	"github.com/nodeflow-dev/nodeflow-server/internal/transport/wsconn"
)

// stoppedSendTimeout bounds the stopped-confirmation send so a stalled
// connection can never wedge the goroutine waiting on a job's done_signal.
const stoppedSendTimeout = 10 * time.Second

// executeHandler serves GET /execute: the single bidirectional WebSocket
// endpoint a client opens to establish a session, submit graphs, and
// receive execution output (spec §4.1, §4.2).
type executeHandler struct {
	registry       *registry.Registry
	queue          *queue.Queue
	gate           *credentials.Gate
	store          graphexec.CredentialStore
	connectTimeout time.Duration
	logger         *zap.Logger
}

func (h *executeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var sessionID string
	var established atomic.Bool

	conn, err := wsconn.Upgrade(w, r, h.handleFrame(&sessionID, &established), h.logger)
	if err != nil {
		h.logger.Warn("httpapi: websocket upgrade failed", zap.Error(err))
		return
	}

	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		select {
		case <-time.After(h.connectTimeout):
			if !established.Load() {
				conn.Close("connect timeout: no connect frame received")
			}
		case <-conn.Closed():
		}
	}()

	conn.Run()
	<-watchdogDone

	if sessionID != "" {
		h.registry.Unregister(sessionID, conn)
	}
}

// handleFrame returns the per-connection FrameHandler. It closes over
// sessionID/established so the connect handshake result is visible to the
// caller after conn.Run() returns — safe because both are only written
// from this connection's own reader goroutine.
func (h *executeHandler) handleFrame(sessionID *string, established *atomic.Bool) wsconn.FrameHandler {
	return func(conn *wsconn.Conn, frame codec.Frame, ok bool) {
		if !ok {
			conn.SendBestEffort(codec.ErrorFrame{
				Message: "malformed or unrecognized frame",
				Code:    codec.CodeValidationError,
			})
			return
		}

		switch f := frame.(type) {
		case codec.ConnectFrame:
			h.onConnect(conn, sessionID, established, f)
		case codec.GraphFrame:
			h.onGraph(conn, *sessionID, established, f)
		case codec.StopFrame:
			h.onStop(conn, *sessionID, established)
		case codec.PingFrame:
			h.onPing(conn, established)
		default:
			if !established.Load() {
				conn.SendBestEffort(codec.ErrorFrame{
					Message: "the first frame on a new connection must be connect",
					Code:    codec.CodeValidationError,
				})
			}
		}
	}
}

func (h *executeHandler) onConnect(conn *wsconn.Conn, sessionID *string, established *atomic.Bool, f codec.ConnectFrame) {
	if established.Load() {
		conn.SendBestEffort(codec.ErrorFrame{
			Message: "already connected",
			Code:    codec.CodeValidationError,
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.connectTimeout)
	defer cancel()

	resolved, err := h.registry.Establish(ctx, conn, f.SessionID)
	if err != nil {
		h.logger.Warn("httpapi: failed to establish session", zap.Error(err))
		conn.Close("failed to establish session")
		return
	}
	*sessionID = resolved
	established.Store(true)
}

func (h *executeHandler) onGraph(conn *wsconn.Conn, sessionID string, established *atomic.Bool, f codec.GraphFrame) {
	if !established.Load() {
		conn.SendBestEffort(codec.ErrorFrame{
			Message: "a connect frame must be sent before submitting a graph",
			Code:    codec.CodeValidationError,
		})
		return
	}

	required := h.gate.RequiredKeys(f.GraphData)
	if missing := h.gate.Missing(required, h.store); len(missing) > 0 {
		conn.SendBestEffort(codec.ErrorFrame{
			Message:     "missing required credentials",
			Code:        codec.CodeMissingAPIKeys,
			MissingKeys: missing,
		})
		return
	}

	job, err := h.queue.Enqueue(conn, sessionID, f.GraphData)
	if err != nil {
		conn.SendBestEffort(codec.ErrorFrame{
			Message: err.Error(),
			Code:    codec.CodeValidationError,
		})
		return
	}

	h.registry.SetJob(sessionID, job)
	conn.SendBestEffort(codec.StatusFrame{State: codec.StatusQueued, JobID: job.ID})
}

// onStop implements spec §5's stop handshake: cancel the job, then suspend
// on its done_signal so the stopped confirmation is sent exactly once, no
// matter whether the job was still PENDING (Cancel resolves done_signal
// itself) or already RUNNING (the worker resolves it after teardown).
func (h *executeHandler) onStop(conn *wsconn.Conn, sessionID string, established *atomic.Bool) {
	if !established.Load() {
		conn.SendBestEffort(codec.ErrorFrame{
			Message: "the first frame on a new connection must be connect",
			Code:    codec.CodeValidationError,
		})
		return
	}
	activeJob, ok := h.registry.GetJob(sessionID)
	if !ok {
		return
	}
	job, ok := activeJob.(*queue.Job)
	if !ok {
		return
	}

	switch job.State() {
	case queue.StateDone:
		jobID := job.ID
		h.sendStopped(conn, &jobID, "Job already stopped")
		return
	case queue.StateCancelled:
		// Cancellation already in flight from an earlier stop frame; that
		// call's own waiter on done_signal will send the confirmation.
		return
	}

	h.queue.Cancel(job)

	go func() {
		<-job.DoneSignal()
		jobID := job.ID
		h.sendStopped(conn, &jobID, "Job stopped")
	}()
}

func (h *executeHandler) sendStopped(conn *wsconn.Conn, jobID *int64, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), stoppedSendTimeout)
	defer cancel()
	if err := conn.SendCritical(ctx, codec.StoppedFrame{Message: message, JobID: jobID}); err != nil {
		h.logger.Warn("httpapi: failed to send stopped confirmation", zap.Error(err))
	}
}

func (h *executeHandler) onPing(conn *wsconn.Conn, established *atomic.Bool) {
	if !established.Load() {
		conn.SendBestEffort(codec.ErrorFrame{
			Message: "the first frame on a new connection must be connect",
			Code:    codec.CodeValidationError,
		})
		return
	}
	conn.SendBestEffort(codec.PongFrame{})
}
