package turn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TURN STORE
// =============================================================================
// The store is the only mutable shared structure in the engine. All mutation
// operations are synchronous and atomic for a single session; consumers only
// ever see fully-written turns.

var (
	// ErrTurnNotFound is returned when a turn id does not resolve.
	ErrTurnNotFound = errors.New("turn not found")

	// ErrInvalidTransition is returned when an update is attempted on a turn
	// in an incompatible status. A programming-contract violation, not a
	// recoverable condition.
	ErrInvalidTransition = errors.New("invalid turn transition")
)

// Update is a partial assistant update applied by id. Nil fields are left
// untouched. Regenerate must be set to rewrite a turn whose assistant is
// already complete.
type Update struct {
	Content    *string
	Status     *Status
	Sources    []Citation
	Artifacts  []Artifact
	DebugTrace *DebugTrace
	Regenerate bool
}

// Store holds the ordered history of a chat session.
type Store struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[string]*ConversationTurn

	// Turns removed from the visible list by compaction. Retained, never
	// destructively deleted, so covered history stays available for
	// re-expansion and audit.
	compacted map[string]*ConversationTurn
}

// NewStore creates an empty turn store.
func NewStore() *Store {
	return &Store{
		byID:      make(map[string]*ConversationTurn),
		compacted: make(map[string]*ConversationTurn),
	}
}

// Append adds a new user turn at the tail and returns its generated id.
// Ids are unique for the session lifetime.
func (s *Store) Append(user UserTurn) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}

	t := &ConversationTurn{
		ID:   uuid.NewString(),
		User: user,
	}
	s.entries = append(s.entries, Entry{Turn: t})
	s.byID[t.ID] = t
	return t.ID
}

// AttachAssistant sets the assistant response for a turn that has none yet.
func (s *Store) AttachAssistant(turnID string, assistant AssistantTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[turnID]
	if !ok {
		return fmt.Errorf("attach assistant %s: %w", turnID, ErrTurnNotFound)
	}
	if t.Assistant != nil {
		return fmt.Errorf("attach assistant %s: already attached: %w", turnID, ErrInvalidTransition)
	}
	if assistant.CreatedAt.IsZero() {
		assistant.CreatedAt = time.Now()
	}
	if assistant.Role == "" {
		assistant.Role = RoleAssistant
	}
	t.Assistant = assistant.clone()
	return nil
}

// UpdateAssistant applies a partial update to an existing assistant
// response. Rewriting a complete response requires the Regenerate flag;
// without it the call fails with ErrInvalidTransition.
func (s *Store) UpdateAssistant(turnID string, upd Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[turnID]
	if !ok {
		return fmt.Errorf("update assistant %s: %w", turnID, ErrTurnNotFound)
	}
	if t.Assistant == nil {
		return fmt.Errorf("update assistant %s: no assistant turn: %w", turnID, ErrInvalidTransition)
	}
	if t.Assistant.Status == StatusComplete && !upd.Regenerate {
		return fmt.Errorf("update assistant %s: response is complete: %w", turnID, ErrInvalidTransition)
	}

	if upd.Content != nil {
		t.Assistant.Content = *upd.Content
	}
	if upd.Status != nil {
		t.Assistant.Status = *upd.Status
	}
	if upd.Sources != nil {
		t.Assistant.Sources = append([]Citation(nil), upd.Sources...)
	}
	if upd.Artifacts != nil {
		t.Assistant.Artifacts = append([]Artifact(nil), upd.Artifacts...)
	}
	if upd.DebugTrace != nil {
		trace := *upd.DebugTrace
		trace.Tools = append([]ToolCall(nil), upd.DebugTrace.Tools...)
		t.Assistant.DebugTrace = &trace
	}
	return nil
}

// ReplaceRange atomically swaps a closed prefix of visible turns for a
// single compaction summary. The ids must match the leading turn entries in
// order; anything else fails without mutation. Covered turns are retained
// internally.
func (s *Store) ReplaceRange(turnIDs []string, summary CompactionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(turnIDs) == 0 {
		return fmt.Errorf("replace range: empty id set: %w", ErrInvalidTransition)
	}

	// Locate the first turn entry; an earlier summary from a previous
	// compaction stays in place ahead of the new one.
	start := 0
	for start < len(s.entries) && s.entries[start].IsSummary() {
		start++
	}
	if start+len(turnIDs) > len(s.entries) {
		return fmt.Errorf("replace range: %d ids exceed history: %w", len(turnIDs), ErrTurnNotFound)
	}
	for i, id := range turnIDs {
		e := s.entries[start+i]
		if e.IsSummary() || e.Turn.ID != id {
			return fmt.Errorf("replace range: ids are not a closed prefix: %w", ErrInvalidTransition)
		}
	}

	summary.CoveredTurnIDs = append([]string(nil), turnIDs...)
	for _, id := range turnIDs {
		s.compacted[id] = s.byID[id]
		delete(s.byID, id)
	}

	tail := append([]Entry(nil), s.entries[start+len(turnIDs):]...)
	s.entries = append(s.entries[:start], Entry{Summary: &summary})
	s.entries = append(s.entries, tail...)
	return nil
}

// Get returns a snapshot of a visible turn by id.
func (s *Store) Get(turnID string) (ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.byID[turnID]
	if !ok {
		return ConversationTurn{}, fmt.Errorf("get %s: %w", turnID, ErrTurnNotFound)
	}
	return *t.clone(), nil
}

// Compacted returns a retained turn that was covered by a summary.
func (s *Store) Compacted(turnID string) (ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.compacted[turnID]
	if !ok {
		return ConversationTurn{}, fmt.Errorf("compacted %s: %w", turnID, ErrTurnNotFound)
	}
	return *t.clone(), nil
}

// List returns the visible history in append order as a snapshot.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = Entry{Turn: e.Turn.clone(), Summary: e.Summary.clone()}
	}
	return out
}

// Len returns the number of visible entries (turns plus summaries).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// LastTurnID returns the id of the most recent turn, or "" when the history
// has no turn entries.
func (s *Store) LastTurnID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.entries) - 1; i >= 0; i-- {
		if !s.entries[i].IsSummary() {
			return s.entries[i].Turn.ID
		}
	}
	return ""
}

// PrefixTurnIDs returns the ids of the leading turn entries, excluding the
// most recent turn. This is the candidate range for compaction.
func (s *Store) PrefixTurnIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, e := range s.entries {
		if e.IsSummary() {
			continue
		}
		ids = append(ids, e.Turn.ID)
	}
	if len(ids) <= 1 {
		return nil
	}
	return ids[:len(ids)-1]
}

// Restore replaces the store contents with previously persisted history.
// entries become the visible list in order; compacted turns become the
// retained set reachable through Compacted. Intended for session resume,
// before any other operation.
func (s *Store) Restore(entries []Entry, compacted []*ConversationTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = nil
	s.byID = make(map[string]*ConversationTurn)
	s.compacted = make(map[string]*ConversationTurn)

	for _, e := range entries {
		e = Entry{Turn: e.Turn.clone(), Summary: e.Summary.clone()}
		s.entries = append(s.entries, e)
		if e.Turn != nil {
			s.byID[e.Turn.ID] = e.Turn
		}
	}
	for _, t := range compacted {
		if t != nil {
			s.compacted[t.ID] = t.clone()
		}
	}
}

// Reset discards all history, including retained compacted turns.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = nil
	s.byID = make(map[string]*ConversationTurn)
	s.compacted = make(map[string]*ConversationTurn)
}
