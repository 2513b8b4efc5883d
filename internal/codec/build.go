package codec

import "encoding/json"

// Marshal serializes any outbound Frame to its wire JSON form. Optional
// fields are omitted rather than emitted as null, per the codec contract in
// spec §4.1, except where a field is explicitly nullable in the wire table
// (ErrorFrame.Code, emitted as null when empty). StoppedFrame.JobID and
// ErrorFrame.JobID are omitted when nil.
func Marshal(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case SessionFrame:
		return json.Marshal(struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}{string(TypeSession), v.SessionID})

	case StatusFrame:
		return json.Marshal(struct {
			Type    string `json:"type"`
			State   string `json:"state"`
			Message string `json:"message,omitempty"`
			JobID   int64  `json:"job_id"`
		}{string(TypeStatus), v.State, v.Message, v.JobID})

	case QueuePositionFrame:
		return json.Marshal(struct {
			Type     string `json:"type"`
			Position int    `json:"position"`
			JobID    int64  `json:"job_id"`
		}{string(TypeQueuePosition), v.Position, v.JobID})

	case ProgressFrame:
		return json.Marshal(struct {
			Type     string  `json:"type"`
			NodeID   string  `json:"node_id"`
			State    string  `json:"state"`
			JobID    int64   `json:"job_id"`
			Progress *int    `json:"progress,omitempty"`
			Text     *string `json:"text,omitempty"`
			Meta     any     `json:"meta,omitempty"`
		}{string(TypeProgress), v.NodeID, v.State, v.JobID, v.Progress, v.Text, v.Meta})

	case DataFrame:
		return json.Marshal(struct {
			Type    string                     `json:"type"`
			Results map[string]map[string]any `json:"results"`
			JobID   int64                      `json:"job_id"`
		}{string(TypeData), v.Results, v.JobID})

	case StoppedFrame:
		return json.Marshal(struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			JobID   *int64 `json:"job_id,omitempty"`
		}{string(TypeStopped), v.Message, v.JobID})

	case ErrorFrame:
		return json.Marshal(struct {
			Type        string   `json:"type"`
			Message     string   `json:"message"`
			Code        *string  `json:"code"`
			MissingKeys []string `json:"missing_keys,omitempty"`
			JobID       *int64   `json:"job_id,omitempty"`
		}{string(TypeError), v.Message, codePtr(v.Code), v.MissingKeys, v.JobID})

	case PongFrame:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{string(TypePong)})

	default:
		return nil, errUnsupportedFrame{f}
	}
}

func codePtr(code string) *string {
	if code == "" {
		return nil
	}
	return &code
}

type errUnsupportedFrame struct{ f Frame }

func (e errUnsupportedFrame) Error() string {
	return "codec: cannot marshal frame of type " + e.f.frameType()
}

// Convenience constructors — each pairs a typed builder with Marshal so
// callers at the send sites never hand-roll the envelope.

func BuildSession(sessionID string) ([]byte, error) {
	return Marshal(SessionFrame{SessionID: sessionID})
}

func BuildStatus(state, message string, jobID int64) ([]byte, error) {
	return Marshal(StatusFrame{State: state, Message: message, JobID: jobID})
}

func BuildQueuePosition(position int, jobID int64) ([]byte, error) {
	return Marshal(QueuePositionFrame{Position: position, JobID: jobID})
}

func BuildProgress(nodeID, state string, jobID int64, progress *int, text *string, meta any) ([]byte, error) {
	return Marshal(ProgressFrame{NodeID: nodeID, State: state, JobID: jobID, Progress: progress, Text: text, Meta: meta})
}

func BuildData(results map[string]map[string]any, jobID int64) ([]byte, error) {
	return Marshal(DataFrame{Results: results, JobID: jobID})
}

func BuildStopped(message string, jobID *int64) ([]byte, error) {
	return Marshal(StoppedFrame{Message: message, JobID: jobID})
}

func BuildError(message, code string, missingKeys []string, jobID *int64) ([]byte, error) {
	return Marshal(ErrorFrame{Message: message, Code: code, MissingKeys: missingKeys, JobID: jobID})
}

func BuildPong() ([]byte, error) {
	return Marshal(PongFrame{})
}
