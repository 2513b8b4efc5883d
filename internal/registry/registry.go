// Package registry implements the Connection Registry (spec §4.3): the
// session identity map that survives reconnects, binding at most one
// connection and at most one active job per session.
package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nodeflow-dev/nodeflow-server/internal/codec"
	"github.com/nodeflow-dev/nodeflow-server/internal/telemetry"
)

// ActiveJob is the minimal surface the registry needs on whatever job type
// a caller stores via SetJob — just enough to rebind output on reconnect.
// internal/queue.Job implements this.
type ActiveJob interface {
	SetConnection(Conn)
}

// session holds one logical client's current connection and active job.
// At most one of each at any instant (spec §3 invariant).
type session struct {
	conn Conn
	job  ActiveJob
}

// Registry maps session ids to their live connection and active job.
// All mutation is serialized under mu; reads (GetConnection, GetJob) take the
// same lock in read mode since the representation (a map) is not safe for lock-free
// reads — mirroring the teacher's agentmanager.Manager.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	metrics  *telemetry.Metrics
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithMetrics attaches a telemetry.Metrics so ConnectionsActive tracks live
// bindings.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{sessions: make(map[string]*session)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds conn to sessionID. If another connection is already bound,
// it is closed with reason "session replaced" before the new one is bound —
// an atomic swap under the registry lock (spec §9 design note) so no send
// can race to the old, now-closed socket. If an active job exists for the
// session, its connection reference is rebound so subsequent output streams
// to the new socket (spec §4.3).
func (r *Registry) Register(sessionID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[sessionID]
	if !exists {
		s = &session{}
		r.sessions[sessionID] = s
	}

	if s.conn != nil && s.conn != conn {
		s.conn.Close("session replaced")
	} else if s.conn == nil && r.metrics != nil {
		r.metrics.ConnectionsActive.Inc()
	}
	s.conn = conn

	if s.job != nil {
		s.job.SetConnection(conn)
	}
}

// Unregister removes the binding only if the currently bound connection is
// the given one — race-safe against a concurrent Register from a newer
// connection for the same session.
func (r *Registry) Unregister(sessionID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[sessionID]
	if !exists || s.conn != conn {
		return
	}
	s.conn = nil
	if r.metrics != nil {
		r.metrics.ConnectionsActive.Dec()
	}
	if s.job == nil {
		delete(r.sessions, sessionID)
	}
}

// GetConnection returns the connection currently bound to sessionID, if any.
func (r *Registry) GetConnection(sessionID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, exists := r.sessions[sessionID]
	if !exists || s.conn == nil {
		return nil, false
	}
	return s.conn, true
}

// SetJob records sessionID's active job, or clears it when job is nil. A
// job recorded while a connection is bound is pointed at that connection.
// A session with neither a connection nor a job is pruned.
func (r *Registry) SetJob(sessionID string, job ActiveJob) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[sessionID]
	if !exists {
		if job == nil {
			return
		}
		s = &session{}
		r.sessions[sessionID] = s
	}
	s.job = job
	if job != nil && s.conn != nil {
		job.SetConnection(s.conn)
	}
	if s.job == nil && s.conn == nil {
		delete(r.sessions, sessionID)
	}
}

// GetJob returns sessionID's active job, if any.
func (r *Registry) GetJob(sessionID string) (ActiveJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, exists := r.sessions[sessionID]
	if !exists || s.job == nil {
		return nil, false
	}
	return s.job, true
}

// Establish resolves the session id for a new connection — reusing
// connectFrame's session id if it names a session the registry already
// knows, minting a fresh UUID otherwise — registers the connection, and
// sends the session{session_id} frame. It returns the resolved session id.
func (r *Registry) Establish(ctx context.Context, conn Conn, sessionID string) (string, error) {
	resolved := sessionID
	if resolved == "" || !r.knows(resolved) {
		resolved = uuid.NewString()
	}

	r.Register(resolved, conn)

	if err := conn.SendCritical(ctx, codec.SessionFrame{SessionID: resolved}); err != nil {
		return resolved, err
	}
	return resolved, nil
}

func (r *Registry) knows(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sessions[sessionID]
	return exists
}
