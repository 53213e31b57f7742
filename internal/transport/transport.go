// Package transport defines the model-inference collaborator contract
// consumed by the session engine. The engine treats a transport purely as
// an event source; retry and backoff live behind this boundary.
package transport

import (
	"context"
	"errors"
	"fmt"

	"chatcore/internal/question"
	"chatcore/internal/turn"
)

// EventType discriminates stream events.
type EventType string

const (
	EventChunk    EventType = "chunk"    // Incremental content
	EventCitation EventType = "citation" // Grounding source
	EventTool     EventType = "tool"     // Tool invocation record
	EventArtifact EventType = "artifact" // Generated artifact
	EventQuestion EventType = "question" // Structured-question interrupt
	EventComplete EventType = "complete" // Terminal success, carries Result
	EventError    EventType = "error"    // Terminal failure
)

// Result is the terminal metadata of a successful generation.
type Result struct {
	Usage        turn.Usage
	GenerationMs int64
	Tools        []turn.ToolCall
}

// Event is one element of a response stream. Exactly the field matching
// Type is populated.
type Event struct {
	Type      EventType
	Chunk     string
	Citation  *turn.Citation
	Tool      *turn.ToolCall
	Artifact  *turn.Artifact
	Questions []question.Question
	Result    *Result
	Err       error
}

// Message is one conversation item sent to the model as context.
type Message struct {
	Role    string // user, assistant, system
	Content string
}

// Request describes one generation request.
type Request struct {
	Content     string
	Attachments []turn.Attachment
	History     []Message
	DebugMode   bool
}

// ErrStreamDone is returned by Stream.Next once all events have been
// delivered.
var ErrStreamDone = errors.New("transport: stream done")

// Stream yields the events of one in-flight generation. Close cancels the
// underlying request; it is safe to call at any time and idempotent.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Transport performs model inference calls.
type Transport interface {
	Send(ctx context.Context, req Request) (Stream, error)
}

// Error is a recoverable transport failure. It carries the partial
// content accumulated before the failure when applicable.
type Error struct {
	Reason  string
	Partial string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transport: %s", e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps an underlying failure with the partial content observed
// so far.
func NewError(reason string, partial string, err error) *Error {
	return &Error{Reason: reason, Partial: partial, Err: err}
}
