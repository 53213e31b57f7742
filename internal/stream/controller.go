// Package stream owns the single active response stream for a session.
// The controller accumulates incremental content in a buffer and only
// touches the Turn Store at finalization, so consumers never observe a
// half-written assistant turn.
package stream

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatcore/internal/logging"
	"chatcore/internal/turn"
)

// State is the controller lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
)

// Outcome is the terminal result of the last stream.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeComplete  Outcome = "complete"
	OutcomeErrored   Outcome = "errored"
	OutcomeCancelled Outcome = "cancelled"
)

// ErrConcurrentStream is returned when a stream or regeneration is
// requested while one is already active. Callers must wait for completion,
// cancellation, or error; requests are rejected, never queued.
var ErrConcurrentStream = errors.New("another stream is already active")

// Result carries the terminal metadata of a successful generation,
// delivered by the transport on completion.
type Result struct {
	Usage        turn.Usage
	GenerationMs int64
	Tools        []turn.ToolCall
}

// Snapshot is a point-in-time view of an active stream, enough for a
// reconnecting consumer to resume rendering.
type Snapshot struct {
	Active     bool
	TurnID     string
	Generation int
	Content    string
	StartedAt  time.Time
}

// Controller manages the lifecycle of at most one in-flight assistant
// response.
type Controller struct {
	mu    sync.Mutex
	store *turn.Store
	log   *logging.Logger

	state      State
	outcome    Outcome
	turnID     string
	regen      bool
	generation int
	startedAt  time.Time
	buf        strings.Builder
	sources    []turn.Citation
	artifacts  []turn.Artifact
	debugMode  bool
}

// NewController creates a controller bound to a turn store.
func NewController(store *turn.Store) *Controller {
	return &Controller{
		store: store,
		log:   logging.Get(logging.CategoryStream),
		state: StateIdle,
	}
}

// SetDebugMode controls whether finalized turns carry a DebugTrace.
func (c *Controller) SetDebugMode(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugMode = on
}

// Begin starts a fresh stream for a turn that has no assistant response
// yet. Fails with ErrConcurrentStream while any stream is active.
func (c *Controller) Begin(turnID string) error {
	return c.begin(turnID, false)
}

// BeginRegeneration starts a stream that will overwrite an existing
// assistant response on success. Calling it again for the turn that is
// already regenerating is a no-op; any other overlap fails with
// ErrConcurrentStream.
func (c *Controller) BeginRegeneration(turnID string) error {
	return c.begin(turnID, true)
}

func (c *Controller) begin(turnID string, regen bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStreaming {
		if regen && c.regen && c.turnID == turnID {
			return nil // Idempotent only for regeneration of the same turn.
		}
		return fmt.Errorf("begin %s: active stream for %s: %w", turnID, c.turnID, ErrConcurrentStream)
	}

	t, err := c.store.Get(turnID)
	if err != nil {
		return fmt.Errorf("begin %s: %w", turnID, err)
	}
	if !regen && t.Assistant != nil && t.Assistant.Status == turn.StatusComplete {
		return fmt.Errorf("begin %s: turn already answered: %w", turnID, turn.ErrInvalidTransition)
	}
	if regen {
		if t.Assistant == nil {
			return fmt.Errorf("regenerate %s: no assistant turn: %w", turnID, turn.ErrInvalidTransition)
		}
		if t.Assistant.Status == turn.StatusStreaming {
			return fmt.Errorf("regenerate %s: response still streaming: %w", turnID, turn.ErrInvalidTransition)
		}
	}

	c.state = StateStreaming
	c.outcome = OutcomeNone
	c.turnID = turnID
	c.regen = regen
	c.generation++
	c.startedAt = time.Now()
	c.buf.Reset()
	c.sources = nil
	c.artifacts = nil

	c.log.Info("Stream %d started: turn=%s regen=%v", c.generation, turnID, regen)
	return nil
}

// AppendChunk appends incremental content to the active stream buffer.
// Content only ever grows within one stream generation.
func (c *Controller) AppendChunk(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStreaming {
		return fmt.Errorf("append chunk: no active stream: %w", turn.ErrInvalidTransition)
	}
	c.buf.WriteString(text)
	return nil
}

// AddCitation records a grounding source reported mid-stream.
func (c *Controller) AddCitation(cit turn.Citation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStreaming {
		return fmt.Errorf("add citation: no active stream: %w", turn.ErrInvalidTransition)
	}
	c.sources = append(c.sources, cit)
	return nil
}

// AddArtifact records a generated artifact reported mid-stream.
func (c *Controller) AddArtifact(a turn.Artifact) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStreaming {
		return fmt.Errorf("add artifact: no active stream: %w", turn.ErrInvalidTransition)
	}
	c.artifacts = append(c.artifacts, a)
	return nil
}

// FinalizeComplete commits the accumulated content to the Turn Store with
// status complete and returns the controller to idle.
func (c *Controller) FinalizeComplete(res Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStreaming {
		return fmt.Errorf("finalize: no active stream: %w", turn.ErrInvalidTransition)
	}

	content := c.buf.String()
	status := turn.StatusComplete

	var trace *turn.DebugTrace
	if c.debugMode {
		generationMs := res.GenerationMs
		if generationMs == 0 {
			generationMs = time.Since(c.startedAt).Milliseconds()
		}
		trace = &turn.DebugTrace{
			GenerationMs: generationMs,
			Usage:        res.Usage,
			Tools:        res.Tools,
		}
	}

	var err error
	if c.regen {
		err = c.store.UpdateAssistant(c.turnID, turn.Update{
			Content:    &content,
			Status:     &status,
			Sources:    c.sources,
			Artifacts:  c.artifacts,
			DebugTrace: trace,
			Regenerate: true,
		})
	} else {
		err = c.store.AttachAssistant(c.turnID, turn.AssistantTurn{
			Role:       turn.RoleAssistant,
			Content:    content,
			Sources:    c.sources,
			Artifacts:  c.artifacts,
			DebugTrace: trace,
			Status:     status,
		})
		if err != nil && errors.Is(err, turn.ErrInvalidTransition) {
			// Retry of an errored turn: the partial from the failed attempt
			// is already attached, so update in place.
			err = c.store.UpdateAssistant(c.turnID, turn.Update{
				Content:    &content,
				Status:     &status,
				Sources:    c.sources,
				Artifacts:  c.artifacts,
				DebugTrace: trace,
			})
		}
	}
	if err != nil {
		c.log.Error("Stream %d finalize failed: %v", c.generation, err)
		c.toIdle(OutcomeErrored)
		return err
	}

	c.log.Info("Stream %d complete: turn=%s chars=%d", c.generation, c.turnID, len(content))
	c.toIdle(OutcomeComplete)
	return nil
}

// FinalizeError records a failed stream. For a fresh turn the partial
// content accumulated so far is preserved on the turn with status errored.
// A failed regeneration leaves the turn untouched so the previous answer
// survives; the caller surfaces the error.
func (c *Controller) FinalizeError() error {
	return c.abort(OutcomeErrored)
}

// Cancel transitions to cancelled. Safe to call from any state and
// idempotent; when no stream is active it does nothing. The transport is
// asked to stop by the caller; the controller does not wait for it.
func (c *Controller) Cancel() {
	_ = c.abort(OutcomeCancelled)
}

func (c *Controller) abort(outcome Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStreaming {
		return nil
	}

	partial := c.buf.String()
	status := turn.StatusErrored

	if !c.regen {
		// Preserve partial content so the retry affordance can offer to
		// resume or regenerate.
		err := c.store.AttachAssistant(c.turnID, turn.AssistantTurn{
			Role:    turn.RoleAssistant,
			Content: partial,
			Sources: c.sources,
			Status:  status,
		})
		if err != nil && errors.Is(err, turn.ErrInvalidTransition) {
			// Retry of an errored turn: update in place.
			err = c.store.UpdateAssistant(c.turnID, turn.Update{
				Content: &partial,
				Status:  &status,
			})
		}
		if err != nil {
			c.log.Error("Stream %d abort write failed: %v", c.generation, err)
			c.toIdle(outcome)
			return err
		}
	}

	c.log.Warn("Stream %d %s: turn=%s partial=%d chars", c.generation, outcome, c.turnID, len(partial))
	c.toIdle(outcome)
	return nil
}

// toIdle resets the active-stream fields. Caller holds the lock.
func (c *Controller) toIdle(outcome Outcome) {
	c.state = StateIdle
	c.outcome = outcome
	c.turnID = ""
	c.regen = false
	c.buf.Reset()
	c.sources = nil
	c.artifacts = nil
}

// IsStreaming reports whether a stream is active.
func (c *Controller) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateStreaming
}

// StreamingContent returns the accumulated buffer of the active stream,
// or "" when idle.
func (c *Controller) StreamingContent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStreaming {
		return ""
	}
	return c.buf.String()
}

// ActiveTurnID returns the turn id of the active stream, or "".
func (c *Controller) ActiveTurnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStreaming {
		return ""
	}
	return c.turnID
}

// IsRegenerating reports whether the active stream is a regeneration.
func (c *Controller) IsRegenerating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateStreaming && c.regen
}

// LastOutcome returns the terminal outcome of the most recent stream.
func (c *Controller) LastOutcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// StreamSnapshot returns a point-in-time view of the active stream for
// refresh-safe resume.
func (c *Controller) StreamSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStreaming {
		return Snapshot{}
	}
	return Snapshot{
		Active:     true,
		TurnID:     c.turnID,
		Generation: c.generation,
		Content:    c.buf.String(),
		StartedAt:  c.startedAt,
	}
}
