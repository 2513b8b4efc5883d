package credentials

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodeflow-dev/nodeflow-server/internal/graphexec/memexec"
)

type fakeStore struct{ values map[string]string }

func (f fakeStore) Get(key string) (string, bool) { v, ok := f.values[key]; return v, ok }
func (f fakeStore) Has(key string) bool           { _, ok := f.values[key]; return ok }

func newTestRegistry() *memexec.Registry {
	r := memexec.NewRegistry()
	r.RegisterNode("openai.chat", []string{"OPENAI_API_KEY"}, false)
	r.RegisterNode("anthropic.chat", []string{"ANTHROPIC_API_KEY"}, false)
	r.RegisterNode("io.file_read", nil, true)
	return r
}

func TestRequiredKeysUnionsAcrossNodesAndDeduplicates(t *testing.T) {
	g := New(newTestRegistry())
	graph := []byte(`{"nodes":[
		{"id":"n1","type":"openai.chat"},
		{"id":"n2","type":"openai.chat"},
		{"id":"n3","type":"anthropic.chat"},
		{"id":"n4","type":"io.file_read"}
	]}`)

	got := g.RequiredKeys(graph)
	require.Equal(t, []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY"}, got)
}

func TestRequiredKeysEmptyForUnknownGraphShape(t *testing.T) {
	g := New(newTestRegistry())
	require.Empty(t, g.RequiredKeys([]byte(`not-an-object`)))
	require.Empty(t, g.RequiredKeys([]byte(`{}`)))
}

func TestMissingFiltersToAbsentKeys(t *testing.T) {
	g := New(newTestRegistry())
	store := fakeStore{values: map[string]string{"OPENAI_API_KEY": "sk-present"}}

	missing := g.Missing([]string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY"}, store)
	require.Equal(t, []string{"ANTHROPIC_API_KEY"}, missing)
}

func TestMissingEmptyWhenAllPresent(t *testing.T) {
	g := New(newTestRegistry())
	store := fakeStore{values: map[string]string{"OPENAI_API_KEY": "x", "ANTHROPIC_API_KEY": "y"}}
	require.Empty(t, g.Missing([]string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY"}, store))
}
