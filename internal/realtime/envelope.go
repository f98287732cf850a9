package realtime

import (
	"encoding/json"
	"fmt"
)

// Wire error codes carried in error frames.
const (
	CodeBadRequest         = "bad_request"
	CodeInvalidResumeToken = "invalid_resume_token"
	CodeSessionNotFound    = "session_not_found"
	CodeSessionClosed      = "session_closed"
	CodeNotParticipant     = "not_participant"
	CodeInputInvalid       = "input_invalid"
	CodeQueueTimeout       = "queue_timeout"
)

// Envelope is the wire format: one JSON object per frame. Events carry the
// event name; error frames carry an empty event and a {code, message}
// payload. Server-originated frames use seq 0, replies echo the client's.
type Envelope struct {
	T     string          `json:"t"`
	Seq   uint64          `json:"seq"`
	Event string          `json:"event"`
	P     json.RawMessage `json:"p"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encodeEvent(seq uint64, event string, payload any) ([]byte, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{T: "event", Seq: seq, Event: event, P: p})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s envelope: %w", event, err)
	}
	return frame, nil
}

func encodeError(seq uint64, code, message string) ([]byte, error) {
	p, err := json.Marshal(errorPayload{Code: code, Message: message})
	if err != nil {
		return nil, fmt.Errorf("marshaling error payload: %w", err)
	}
	frame, err := json.Marshal(Envelope{T: "error", Seq: seq, Event: "", P: p})
	if err != nil {
		return nil, fmt.Errorf("marshaling error envelope: %w", err)
	}
	return frame, nil
}
