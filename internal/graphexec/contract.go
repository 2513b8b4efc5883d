// Package graphexec defines the external collaborator contracts the
// execution control plane depends on but does not implement: the node
// DAG executor, the node registry, and the credential store (spec §6).
// Everything here is a port; internal/graphexec/memexec ships a minimal
// adapter so the rest of the module has something concrete to run
// against in tests and local development.
package graphexec

import (
	"context"
	"encoding/json"
)

// ProgressEvent is delivered to the callback registered via
// SetProgressCallback for every node state transition the executor makes.
type ProgressEvent struct {
	NodeID   string
	State    string // one of codec's Progress* constants
	Progress *int
	Text     *string
	Meta     any
}

// NodeOutput is a single node's result map (output name -> value).
type NodeOutput map[string]any

// GraphExecutor drives one graph to completion. Implementations are
// constructed fresh per job by a Factory and are not reused across jobs.
//
// ForceStop must be idempotent and safe to call even after Execute has
// already returned — the worker may race a cancel signal against a
// just-completed execution.
type GraphExecutor interface {
	SetProgressCallback(fn func(ProgressEvent))
	SetResultCallback(fn func(nodeID string, output NodeOutput))
	Execute(ctx context.Context) (map[string]NodeOutput, error)
	ForceStop(reason string)
}

// NodeRegistry is the injected port onto the out-of-scope node metadata
// table. The credential gate uses RequiredCredentialKeys; the worker's IO
// classification (spec §4.5, §9 "IO-node immediate emission") uses
// IsImmediate.
type NodeRegistry interface {
	RequiredCredentialKeys(nodeType string) []string
	IsImmediate(nodeType string) bool
}

// CredentialStore is the read-only contract over the out-of-scope
// credential store (spec §6).
type CredentialStore interface {
	Get(key string) (string, bool)
	Has(key string) bool
}

// Factory constructs a GraphExecutor for one job's graph payload. graph is
// passed through opaque — the core never interprets its contents beyond
// what Node.ID / Node.Type extraction requires for the credential gate.
type Factory func(graph json.RawMessage, registry NodeRegistry, store CredentialStore) (GraphExecutor, error)

// GraphNode is the minimal shape the credential gate and the reference
// executor need to read out of an otherwise-opaque graph payload: an id
// and a node type. Real graphs carry many more fields (inputs, widget
// values, positions); those are meaningless to the control plane and are
// left in the raw JSON untouched.
type GraphNode struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// GraphShape is the subset of a graph payload the control plane itself
// reads. It is intentionally permissive: an unrecognized graph still
// parses to zero nodes rather than failing, since graph validation proper
// belongs to the external executor (spec §7, "Cycle or invalid graph").
type GraphShape struct {
	Nodes []GraphNode `json:"nodes"`
}

// ParseNodes extracts the node id/type pairs from a raw graph payload.
// Returns an empty slice, not an error, if the payload does not match the
// expected shape — the credential gate simply finds nothing to require in
// that case, and the real validation error (if any) surfaces later from
// the external executor.
func ParseNodes(graph json.RawMessage) []GraphNode {
	var shape GraphShape
	if err := json.Unmarshal(graph, &shape); err != nil {
		return nil
	}
	return shape.Nodes
}
