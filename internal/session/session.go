// Package session is the conversation engine facade. It composes the turn
// store, stream controller, compaction coordinator, and pending-question
// flow behind one surface that a rendering layer can drive without knowing
// any of the internals.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"chatcore/internal/compaction"
	"chatcore/internal/logging"
	"chatcore/internal/question"
	"chatcore/internal/store"
	"chatcore/internal/stream"
	"chatcore/internal/transport"
	"chatcore/internal/turn"
)

// ErrRegenerationFailed marks an async regeneration failure so callers can
// distinguish it from a failed fresh send. The previous response is intact
// whenever this is reported.
var ErrRegenerationFailed = errors.New("regeneration failed")

// ErrNoPendingQuestion is returned for answer operations when no question
// flow is open.
var ErrNoPendingQuestion = errors.New("no pending question")

// Clipboard receives copied message content. The rendering layer supplies
// a platform implementation; tests supply fakes.
type Clipboard interface {
	Write(text string) error
}

// Options configures a session.
type Options struct {
	Transport transport.Transport

	// Archive persists settled turns and summaries. Nil disables archiving.
	Archive *store.ArchiveStore

	// Summarizer for compaction. Nil builds one backed by Transport.
	Summarizer *compaction.Summarizer

	// SessionID defaults to a fresh UUID. Naming an existing id together
	// with an Archive resumes that session: the archived history is loaded
	// into the turn store at construction.
	SessionID string

	// CompactionThreshold is the entry count that makes ShouldCompact
	// report true. Zero disables the automatic trigger.
	CompactionThreshold int

	DebugMode bool
	Clipboard Clipboard
}

// Session owns the conversation state for one chat.
type Session struct {
	id        string
	store     *turn.Store
	ctrl      *stream.Controller
	coord     *compaction.Coordinator
	transport transport.Transport
	archive   *store.ArchiveStore
	clipboard Clipboard
	log       *logging.Logger

	threshold int

	// sendMu serializes stream admission (guard + append + begin) so a
	// losing concurrent sender never orphans a user turn.
	sendMu sync.Mutex

	mu        sync.Mutex
	flow      *question.Flow
	lastErr   error
	debugMode bool

	// cancelStream aborts the in-flight transport stream, if any.
	cancelStream context.CancelFunc
	wg           sync.WaitGroup
}

// New creates a session from options.
func New(opts Options) *Session {
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	ts := turn.NewStore()
	ctrl := stream.NewController(ts)
	ctrl.SetDebugMode(opts.DebugMode)

	summarizer := opts.Summarizer
	if summarizer == nil {
		var completer compaction.Completer
		if opts.Transport != nil {
			completer = newCompleter(opts.Transport)
		}
		summarizer = compaction.NewSummarizer(completer)
	}

	s := &Session{
		id:        id,
		store:     ts,
		ctrl:      ctrl,
		coord:     compaction.NewCoordinator(ts, ctrl, summarizer),
		transport: opts.Transport,
		archive:   opts.Archive,
		clipboard: opts.Clipboard,
		log:       logging.Get(logging.CategorySession),
		threshold: opts.CompactionThreshold,
		debugMode: opts.DebugMode,
	}
	if opts.Archive != nil && opts.SessionID != "" {
		s.restoreFromArchive()
	}
	return s
}

// restoreFromArchive rebuilds the visible history from archived rows:
// summaries lead in creation order, followed by the turns no summary
// covers; covered turns are reinstalled as the retained compacted set.
// Failures leave the session empty and are logged; the archive is a best
// effort mirror, not a gatekeeper.
func (s *Session) restoreFromArchive() {
	archived, err := s.archive.Turns(s.id)
	if err != nil {
		s.log.Warn("Failed to load archived turns for %s: %v", s.id, err)
		return
	}
	if len(archived) == 0 {
		return
	}
	summaries, err := s.archive.Summaries(s.id)
	if err != nil {
		s.log.Warn("Failed to load archived summaries for %s: %v", s.id, err)
		return
	}

	covered := make(map[string]bool)
	var entries []turn.Entry
	for _, sum := range summaries {
		for _, id := range sum.CoveredTurnIDs {
			covered[id] = true
		}
		entries = append(entries, turn.Entry{Summary: &turn.CompactionSummary{
			Text:           sum.Text,
			CoveredTurnIDs: append([]string(nil), sum.CoveredTurnIDs...),
		}})
	}

	var compacted []*turn.ConversationTurn
	for _, at := range archived {
		t := restoredTurn(at)
		if covered[at.TurnID] {
			compacted = append(compacted, t)
			continue
		}
		entries = append(entries, turn.Entry{Turn: t})
	}

	s.store.Restore(entries, compacted)
	s.log.Info("Session %s resumed: %d entries, %d compacted turns", s.id, len(entries), len(compacted))
}

func restoredTurn(at store.ArchivedTurn) *turn.ConversationTurn {
	t := &turn.ConversationTurn{
		ID:   at.TurnID,
		User: turn.UserTurn{Content: at.UserContent, CreatedAt: at.CreatedAt},
	}
	if at.AssistantContent != "" || at.Status != "" {
		t.Assistant = &turn.AssistantTurn{
			Role:      turn.RoleAssistant,
			Content:   at.AssistantContent,
			CreatedAt: at.CreatedAt,
			Sources:   at.Sources,
			Artifacts: at.Artifacts,
			Status:    turn.Status(at.Status),
		}
	}
	return t
}

// =============================================================================
// READ MODEL
// =============================================================================

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Turns returns the visible history snapshot.
func (s *Session) Turns() []turn.Entry { return s.store.List() }

// StreamingContent returns the partial content of the active stream.
func (s *Session) StreamingContent() string { return s.ctrl.StreamingContent() }

// IsStreaming reports whether a response stream is active.
func (s *Session) IsStreaming() bool { return s.ctrl.IsStreaming() }

// IsCompacting reports whether a compaction run is in flight.
func (s *Session) IsCompacting() bool { return s.coord.IsCompacting() }

// Loading reports whether any background work is in flight.
func (s *Session) Loading() bool { return s.IsStreaming() || s.IsCompacting() }

// CompactionSummary returns the most recent compaction summary, or nil.
func (s *Session) CompactionSummary() *turn.CompactionSummary { return s.coord.LastSummary() }

// StreamStatus returns a resumable view of the active stream.
func (s *Session) StreamStatus() stream.Snapshot { return s.ctrl.StreamSnapshot() }

// LastError returns the most recent stream failure, or nil.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// DebugMode reports whether completed turns carry generation metadata.
func (s *Session) DebugMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debugMode
}

// SetDebugMode toggles debug metadata on finalized turns.
func (s *Session) SetDebugMode(on bool) {
	s.mu.Lock()
	s.debugMode = on
	s.mu.Unlock()
	s.ctrl.SetDebugMode(on)
}

// ShouldCompact reports whether the history has grown past the configured
// threshold.
func (s *Session) ShouldCompact() bool { return s.coord.ShouldCompact(s.threshold) }

// =============================================================================
// SENDING
// =============================================================================

// SendMessage appends a user turn and starts streaming the response. It
// returns the new turn id immediately; content arrives through the stream
// controller. A second send while one is active fails with
// stream.ErrConcurrentStream.
func (s *Session) SendMessage(ctx context.Context, content string, attachments ...turn.Attachment) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("send: empty message")
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.ctrl.IsStreaming() {
		return "", fmt.Errorf("send: %w", stream.ErrConcurrentStream)
	}

	// A new message supersedes any open question flow.
	s.CancelPendingQuestion()

	history := s.history("")
	turnID := s.store.Append(turn.UserTurn{
		Content:     content,
		Attachments: attachments,
	})
	if err := s.ctrl.Begin(turnID); err != nil {
		return "", err
	}

	if err := s.dispatch(ctx, transport.Request{
		Content:     content,
		Attachments: attachments,
		History:     history,
		DebugMode:   s.DebugMode(),
	}, turnID); err != nil {
		return "", err
	}
	return turnID, nil
}

// dispatch opens the transport stream and starts the pump goroutine. The
// controller must already hold the active stream for turnID.
func (s *Session) dispatch(ctx context.Context, req transport.Request, turnID string) error {
	streamCtx, cancel := context.WithCancel(ctx)

	st, err := s.transport.Send(streamCtx, req)
	if err != nil {
		cancel()
		s.ctrl.Cancel()
		return fmt.Errorf("send: %w", err)
	}

	s.mu.Lock()
	s.lastErr = nil
	s.cancelStream = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.pump(streamCtx, st, turnID)
	}()
	return nil
}

// pump drains the transport stream into the controller and finalizes.
func (s *Session) pump(ctx context.Context, st transport.Stream, turnID string) {
	defer st.Close()

	regen := s.ctrl.IsRegenerating()
	var result stream.Result
	var interrupted bool

	fail := func(err error) {
		_ = s.ctrl.FinalizeError()
		if regen {
			err = fmt.Errorf("%w: %v", ErrRegenerationFailed, err)
		}
		s.setLastErr(err)
		if !regen {
			s.archiveTurn(turnID)
		}
	}

	for {
		ev, err := st.Next(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrStreamDone) {
				break
			}
			if errors.Is(err, context.Canceled) {
				s.ctrl.Cancel()
				if !regen {
					s.archiveTurn(turnID)
				}
				return
			}
			fail(err)
			return
		}

		switch ev.Type {
		case transport.EventChunk:
			_ = s.ctrl.AppendChunk(ev.Chunk)
		case transport.EventCitation:
			if ev.Citation != nil {
				_ = s.ctrl.AddCitation(*ev.Citation)
			}
		case transport.EventArtifact:
			if ev.Artifact != nil {
				_ = s.ctrl.AddArtifact(*ev.Artifact)
			}
		case transport.EventTool:
			if ev.Tool != nil {
				result.Tools = append(result.Tools, *ev.Tool)
			}
		case transport.EventQuestion:
			interrupted = true
			s.openFlow(ev.Questions)
		case transport.EventComplete:
			if ev.Result != nil {
				result.Usage = ev.Result.Usage
				result.GenerationMs = ev.Result.GenerationMs
			}
		case transport.EventError:
			fail(ev.Err)
			return
		}
	}

	// A question interrupt ends the stream without a complete event; the
	// partial content settles as the assistant turn.
	if interrupted {
		s.log.Info("Stream interrupted by question flow: turn=%s", turnID)
	}

	if err := s.ctrl.FinalizeComplete(result); err != nil {
		s.setLastErr(err)
		return
	}
	s.archiveTurn(turnID)
}

// history flattens the visible entries into transport messages, excluding
// the turn with the given id (and everything after it).
func (s *Session) history(excludeFrom string) []transport.Message {
	var msgs []transport.Message
	for _, e := range s.store.List() {
		if e.IsSummary() {
			msgs = append(msgs, transport.Message{
				Role:    "system",
				Content: "Summary of earlier conversation:\n" + e.Summary.Text,
			})
			continue
		}
		if excludeFrom != "" && e.Turn.ID == excludeFrom {
			break
		}
		msgs = append(msgs, transport.Message{Role: "user", Content: e.Turn.User.Content})
		if e.Turn.Assistant != nil && e.Turn.Assistant.Status == turn.StatusComplete {
			msgs = append(msgs, transport.Message{Role: "assistant", Content: e.Turn.Assistant.Content})
		}
	}
	return msgs
}

func (s *Session) setLastErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	if err != nil {
		s.log.Warn("Stream failed: %v", err)
	}
}

// archiveTurn persists the settled turn. Archive failures are logged, not
// surfaced; the in-memory history is authoritative.
func (s *Session) archiveTurn(turnID string) {
	if s.archive == nil {
		return
	}
	t, err := s.store.Get(turnID)
	if err != nil {
		return
	}
	if err := s.archive.ArchiveTurn(s.id, t); err != nil {
		s.log.Warn("Failed to archive turn %s: %v", turnID, err)
	}
}

// Wait blocks until any in-flight stream goroutine has settled. Intended
// for shutdown and tests.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Close cancels any active stream and waits for it to settle.
func (s *Session) Close() {
	s.CancelStream()
	s.Wait()
}
