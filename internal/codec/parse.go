package codec

import "encoding/json"

// envelope is decoded first to read the discriminant and any optional
// fields without committing to a concrete frame struct.
type envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	GraphData json.RawMessage `json:"graph_data"`
}

// precedence is the tie-break order the spec mandates when more than one
// variant could loosely match an object: connect, then graph, then stop,
// then ping. In practice "type" is mandatory and exact, so this only
// matters for tolerating a client that sends more than one recognizable
// field; we always dispatch on Type first and this order is not reachable
// by a conforming client, but it documents the contract.
var precedence = []InboundType{TypeConnect, TypeGraph, TypeStop, TypePing}

// Parse decodes a single inbound frame. It returns ok=false for malformed
// JSON, a non-object payload, or an unrecognized "type" — the codec never
// returns an error value for these cases, matching the spec's parse(bytes)
// -> Frame | null contract. Unknown additional fields are tolerated.
func Parse(raw []byte) (Frame, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}

	for _, t := range precedence {
		if string(t) != env.Type {
			continue
		}
		switch t {
		case TypeConnect:
			return ConnectFrame{SessionID: env.SessionID}, true
		case TypeGraph:
			if len(env.GraphData) == 0 {
				return nil, false
			}
			return GraphFrame{GraphData: env.GraphData}, true
		case TypeStop:
			return StopFrame{}, true
		case TypePing:
			return PingFrame{}, true
		}
	}
	return nil, false
}
