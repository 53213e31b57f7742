package session

import (
	"context"
	"fmt"

	"chatcore/internal/stream"
	"chatcore/internal/transport"
	"chatcore/internal/turn"
)

// =============================================================================
// USER ACTIONS
// =============================================================================

// HandleRegenerate replays the most recent turn's prompt and streams a
// replacement response. The existing response stays visible until the new
// one completes; on failure it is left untouched and LastError reports
// ErrRegenerationFailed.
func (s *Session) HandleRegenerate(ctx context.Context) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	// The controller treats a repeated BeginRegeneration for the same turn
	// as a no-op; at the facade level any overlap is refused outright so a
	// second transport stream is never dispatched against one buffer.
	if s.ctrl.IsStreaming() {
		return fmt.Errorf("regenerate: %w", stream.ErrConcurrentStream)
	}

	turnID := s.store.LastTurnID()
	if turnID == "" {
		return fmt.Errorf("regenerate: empty history: %w", turn.ErrTurnNotFound)
	}
	t, err := s.store.Get(turnID)
	if err != nil {
		return fmt.Errorf("regenerate: %w", err)
	}

	history := s.history(turnID)
	if err := s.ctrl.BeginRegeneration(turnID); err != nil {
		return err
	}

	if err := s.dispatch(ctx, transport.Request{
		Content:     t.User.Content,
		Attachments: t.User.Attachments,
		History:     history,
		DebugMode:   s.DebugMode(),
	}, turnID); err != nil {
		return fmt.Errorf("%w: %v", ErrRegenerationFailed, err)
	}
	return nil
}

// HandleCopy writes an assistant response to the clipboard. An empty
// turnID copies the most recent one. Purely an output operation; no state
// changes.
func (s *Session) HandleCopy(turnID string) error {
	if s.clipboard == nil {
		return fmt.Errorf("copy: no clipboard configured")
	}
	if turnID == "" {
		turnID = s.store.LastTurnID()
	}
	t, err := s.store.Get(turnID)
	if err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if t.Assistant == nil {
		return fmt.Errorf("copy %s: no assistant response: %w", turnID, turn.ErrInvalidTransition)
	}
	return s.clipboard.Write(t.Assistant.Content)
}

// Compact condenses the older history into a summary entry and archives
// the summary. Fails without touching the history when the candidate range
// is busy or too small.
func (s *Session) Compact(ctx context.Context) error {
	if err := s.coord.Compact(ctx); err != nil {
		return err
	}
	if s.archive != nil {
		if last := s.coord.LastSummary(); last != nil {
			if err := s.archive.ArchiveSummary(s.id, *last); err != nil {
				s.log.Warn("Failed to archive summary: %v", err)
			}
		}
	}
	return nil
}

// CancelStream aborts the active response stream, if any. The partial
// content is preserved on the turn. Safe to call at any time.
func (s *Session) CancelStream() {
	s.mu.Lock()
	cancel := s.cancelStream
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.ctrl.Cancel()
}

// Reset discards the whole conversation: active stream, pending question,
// in-memory history, and the archived rows for this session.
func (s *Session) Reset() error {
	s.CancelStream()
	s.Wait()
	s.CancelPendingQuestion()
	s.store.Reset()

	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.DeleteSession(s.id); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	s.log.Info("Session %s reset", s.id)
	return nil
}
