// Package credentials implements the Credential Gate (spec §4.2): given a
// graph, compute the set of required credential keys and report any that
// are missing from the credential store before a job is enqueued.
package credentials

import (
	"github.com/nodeflow-dev/nodeflow-server/internal/graphexec"
)

// Gate is invoked exactly once per "graph" frame, before enqueuing.
type Gate struct {
	registry graphexec.NodeRegistry
}

// New creates a Gate backed by the given node registry.
func New(registry graphexec.NodeRegistry) *Gate {
	return &Gate{registry: registry}
}

// RequiredKeys walks the graph's nodes, looks up each node type in the node
// registry, and unions the declared required credential keys. The return
// order is stable (first-seen) so callers that surface it to clients get
// deterministic output; duplicates across nodes are collapsed.
func (g *Gate) RequiredKeys(graph []byte) []string {
	nodes := graphexec.ParseNodes(graph)

	seen := make(map[string]struct{})
	var keys []string
	for _, n := range nodes {
		for _, k := range g.registry.RequiredCredentialKeys(n.Type) {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

// Missing filters required down to the keys store.Has reports as absent.
func (g *Gate) Missing(required []string, store graphexec.CredentialStore) []string {
	var missing []string
	for _, k := range required {
		if !store.Has(k) {
			missing = append(missing, k)
		}
	}
	return missing
}
