package models

import "time"

// CommandMessage is one automation instruction queued for a session
type CommandMessage struct {
	CorrelationID string    `json:"correlationId"`
	Command       string    `json:"command"`
	SessionID     string    `json:"sessionId"`
	UserID        string    `json:"userId"`
	Timestamp     time.Time `json:"timestamp"`
}

// ResultMessage is the outcome of one command, matched by CorrelationID
type ResultMessage struct {
	CorrelationID string    `json:"correlationId"`
	Success       bool      `json:"success"`
	Output        string    `json:"output,omitempty"`
	Error         string    `json:"error,omitempty"`
	Cancelled     bool      `json:"cancelled,omitempty"`
	CompletedAt   time.Time `json:"completedAt"`
}

// EventKind labels a status event
type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"

	// EventTimeout is emitted only by the SSE bridge when a stream hits its maximum duration
	EventTimeout EventKind = "timeout"
)

// StatusPayload carries the command details for a status event
type StatusPayload struct {
	CorrelationID string `json:"correlationId,omitempty"`
	Command       string `json:"command,omitempty"`
	Output        string `json:"output,omitempty"`
	Error         string `json:"error,omitempty"`
}

// StatusEvent is one entry of a session's status stream
type StatusEvent struct {
	Kind      EventKind     `json:"kind"`
	Payload   StatusPayload `json:"payload"`
	Timestamp time.Time     `json:"timestamp"`
	// Cursor is filled in on read from the stream entry id
	Cursor string `json:"cursor,omitempty"`
}

// SubmitCommandRequest is the payload for POST /v1/sessions/{id}/commands
type SubmitCommandRequest struct {
	Command       string `json:"command"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// SubmitCommandResponse acknowledges an asynchronously queued command
type SubmitCommandResponse struct {
	CorrelationID string `json:"correlationId"`
	Cursor        string `json:"cursor"`
}
