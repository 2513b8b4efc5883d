package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRecognizedVariants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Frame
	}{
		{"connect without session", `{"type":"connect"}`, ConnectFrame{}},
		{"connect with session", `{"type":"connect","session_id":"abc"}`, ConnectFrame{SessionID: "abc"}},
		{"graph", `{"type":"graph","graph_data":{"nodes":[]}}`, GraphFrame{GraphData: []byte(`{"nodes":[]}`)}},
		{"stop", `{"type":"stop"}`, StopFrame{}},
		{"ping", `{"type":"ping"}`, PingFrame{}},
		{"tolerates extra fields", `{"type":"ping","extra":123}`, PingFrame{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse([]byte(tt.raw))
			require.True(t, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `not json at all`},
		{"unknown type", `{"type":"unknown"}`},
		{"missing type", `{"foo":"bar"}`},
		{"graph without graph_data", `{"type":"graph"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Parse([]byte(tt.raw))
			require.False(t, ok)
		})
	}
}

func TestBuildOmitsOptionalFields(t *testing.T) {
	raw, err := BuildProgress("n1", ProgressStart, 7, nil, nil, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"progress","node_id":"n1","state":"start","job_id":7}`, string(raw))
}

func TestBuildIncludesOptionalFieldsWhenSet(t *testing.T) {
	p := 42
	text := "halfway there"
	raw, err := BuildProgress("n1", ProgressUpdate, 7, &p, &text, map[string]any{"k": "v"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"progress","node_id":"n1","state":"update","job_id":7,"progress":42,"text":"halfway there","meta":{"k":"v"}}`, string(raw))
}

func TestBuildErrorOmitsJobIDBeforeJobExists(t *testing.T) {
	raw, err := BuildError("missing credentials", CodeMissingAPIKeys, []string{"OPENAI_API_KEY"}, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"error","message":"missing credentials","code":"MISSING_API_KEYS","missing_keys":["OPENAI_API_KEY"]}`, string(raw))
}

func TestBuildStoppedWithAndWithoutJobID(t *testing.T) {
	raw, err := BuildStopped("Job already stopped", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"stopped","message":"Job already stopped"}`, string(raw))

	jobID := int64(3)
	raw, err = BuildStopped("stopped", &jobID)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"stopped","message":"stopped","job_id":3}`, string(raw))
}

func TestParseClientShapedConnectFrameYieldsSameFrame(t *testing.T) {
	// build_* exists only for outbound frames, so no build-then-parse round
	// trip is possible for inbound frames; this checks that a client-shaped
	// payload parses to the Frame it describes.
	raw := []byte(`{"type":"connect","session_id":"s-1"}`)
	f, ok := Parse(raw)
	require.True(t, ok)
	require.Equal(t, ConnectFrame{SessionID: "s-1"}, f)
}
