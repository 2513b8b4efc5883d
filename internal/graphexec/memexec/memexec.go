// Package memexec is a reference GraphExecutor used for wiring and tests.
// It walks a graph's nodes in array order, reporting start/done progress
// for each and producing a trivial per-node result, without any real
// computation. It exists so internal/worker and internal/httpapi have a
// concrete executor to drive end to end without the real node engine.
package memexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodeflow-dev/nodeflow-server/internal/graphexec"
)

// Registry is a map-backed graphexec.NodeRegistry suitable for tests and
// small deployments that have not wired the real external node registry.
type Registry struct {
	mu         sync.RWMutex
	credential map[string][]string
	immediate  map[string]bool
}

// NewRegistry creates an empty Registry. Use RegisterNode to declare a node
// type's required credential keys and IO classification.
func NewRegistry() *Registry {
	return &Registry{
		credential: make(map[string][]string),
		immediate:  make(map[string]bool),
	}
}

// RegisterNode declares a node type's credential requirements and whether
// its output should be emitted immediately (an "IO node", spec §9) rather
// than batched into the final data frame.
func (r *Registry) RegisterNode(nodeType string, requiredKeys []string, immediate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credential[nodeType] = requiredKeys
	r.immediate[nodeType] = immediate
}

func (r *Registry) RequiredCredentialKeys(nodeType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.credential[nodeType]
}

func (r *Registry) IsImmediate(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.immediate[nodeType]
}

// Executor is the reference GraphExecutor. It is not reused across jobs —
// New constructs one instance per Factory call.
type Executor struct {
	nodes    []graphexec.GraphNode
	registry graphexec.NodeRegistry

	onProgress func(graphexec.ProgressEvent)
	onResult   func(nodeID string, output graphexec.NodeOutput)

	stopped atomic.Bool
	mu      sync.Mutex // guards stopReason against a racing ForceStop
	stopReason string

	// perNodeDelay lets tests simulate a slow or hanging executor without
	// real node work. Zero means no artificial delay.
	perNodeDelay time.Duration
}

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithPerNodeDelay simulates per-node execution latency; used by worker
// tests to exercise the cancel/timeout races deterministically.
func WithPerNodeDelay(d time.Duration) Option {
	return func(e *Executor) { e.perNodeDelay = d }
}

// NewFactory builds a graphexec.Factory. Each executor it creates uses the
// registry passed to that Factory call; NewFactory's own registry argument
// is not used. The credential store argument is accepted to satisfy the
// Factory signature but unused by this reference executor — real executors
// would consult it when building per-node credentials.
func NewFactory(registry graphexec.NodeRegistry, opts ...Option) graphexec.Factory {
	return func(graph json.RawMessage, reg graphexec.NodeRegistry, _ graphexec.CredentialStore) (graphexec.GraphExecutor, error) {
		nodes := graphexec.ParseNodes(graph)
		e := &Executor{nodes: nodes, registry: reg}
		for _, opt := range opts {
			opt(e)
		}
		return e, nil
	}
}

func (e *Executor) SetProgressCallback(fn func(graphexec.ProgressEvent)) { e.onProgress = fn }
func (e *Executor) SetResultCallback(fn func(string, graphexec.NodeOutput)) { e.onResult = fn }

// Execute walks e.nodes in order, emitting start/done progress for each and
// an immediate result callback for nodes the registry classifies as IO. The
// final return value always contains every node's result — the worker is
// responsible for deduplicating against whatever was already emitted
// immediately (spec §4.5 step 4, "emitted set").
func (e *Executor) Execute(ctx context.Context) (map[string]graphexec.NodeOutput, error) {
	results := make(map[string]graphexec.NodeOutput, len(e.nodes))

	for _, n := range e.nodes {
		if e.stopped.Load() {
			return nil, e.stopError()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		e.emit(graphexec.ProgressEvent{NodeID: n.ID, State: "start"})

		if e.perNodeDelay > 0 {
			select {
			case <-time.After(e.perNodeDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if e.stopped.Load() {
			e.emit(graphexec.ProgressEvent{NodeID: n.ID, State: "stopped"})
			return nil, e.stopError()
		}

		out := graphexec.NodeOutput{"value": fmt.Sprintf("%s:done", n.ID)}
		results[n.ID] = out

		if e.registry != nil && e.registry.IsImmediate(n.Type) && e.onResult != nil {
			e.onResult(n.ID, out)
		}

		e.emit(graphexec.ProgressEvent{NodeID: n.ID, State: "done"})
	}

	return results, nil
}

// ForceStop marks the executor as stopped. Safe to call multiple times and
// safe to call after Execute has already returned.
func (e *Executor) ForceStop(reason string) {
	e.mu.Lock()
	if e.stopReason == "" {
		e.stopReason = reason
	}
	e.mu.Unlock()
	e.stopped.Store(true)
}

func (e *Executor) stopError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Errorf("execution stopped: %s", e.stopReason)
}

func (e *Executor) emit(ev graphexec.ProgressEvent) {
	if e.onProgress != nil {
		e.onProgress(ev)
	}
}
