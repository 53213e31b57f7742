package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chatcore/internal/compaction"
	"chatcore/internal/question"
	"chatcore/internal/store"
	"chatcore/internal/stream"
	"chatcore/internal/transport"
	"chatcore/internal/turn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// scriptedTransport replays canned event sequences, one per Send call, and
// records the requests it received.
type scriptedTransport struct {
	mu       sync.Mutex
	scripts  [][]transport.Event
	requests []transport.Request
	sendErr  error
}

func (m *scriptedTransport) push(events ...transport.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, events)
}

func (m *scriptedTransport) request(i int) transport.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func (m *scriptedTransport) Send(ctx context.Context, req transport.Request) (transport.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	if len(m.scripts) == 0 {
		return &scriptedStream{}, nil
	}
	events := m.scripts[0]
	m.scripts = m.scripts[1:]
	return &scriptedStream{events: events}, nil
}

type scriptedStream struct {
	mu     sync.Mutex
	events []transport.Event
	i      int
}

func (s *scriptedStream) Next(ctx context.Context) (transport.Event, error) {
	if err := ctx.Err(); err != nil {
		return transport.Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.i >= len(s.events) {
		return transport.Event{}, transport.ErrStreamDone
	}
	ev := s.events[s.i]
	s.i++
	return ev, nil
}

func (s *scriptedStream) Close() error { return nil }

// chanTransport hands out channel-backed streams so tests can hold a
// stream open and feed it events at will.
type chanTransport struct {
	mu      sync.Mutex
	streams []*chanStream
}

func (m *chanTransport) Send(ctx context.Context, req transport.Request) (transport.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &chanStream{ch: make(chan transport.Event, 16)}
	m.streams = append(m.streams, st)
	return st, nil
}

func (m *chanTransport) stream(i int) *chanStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[i]
}

type chanStream struct {
	ch        chan transport.Event
	closeOnce sync.Once
}

func (s *chanStream) Next(ctx context.Context) (transport.Event, error) {
	select {
	case <-ctx.Done():
		return transport.Event{}, ctx.Err()
	case ev, ok := <-s.ch:
		if !ok {
			return transport.Event{}, transport.ErrStreamDone
		}
		return ev, nil
	}
}

func (s *chanStream) Close() error { return nil }

func (s *chanStream) finish() { s.closeOnce.Do(func() { close(s.ch) }) }

type fakeClipboard struct {
	mu   sync.Mutex
	text string
}

func (f *fakeClipboard) Write(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = text
	return nil
}

func chunk(text string) transport.Event {
	return transport.Event{Type: transport.EventChunk, Chunk: text}
}

func complete() transport.Event {
	return transport.Event{Type: transport.EventComplete, Result: &transport.Result{
		Usage:        turn.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		GenerationMs: 120,
	}}
}

func newTestSession(t *testing.T, tr transport.Transport, mod ...func(*Options)) *Session {
	t.Helper()
	opts := Options{
		Transport:  tr,
		Summarizer: compaction.NewSummarizer(nil),
	}
	for _, m := range mod {
		m(&opts)
	}
	s := New(opts)
	t.Cleanup(s.Close)
	return s
}

func TestSendMessageStreamsAndSettles(t *testing.T) {
	tr := &scriptedTransport{}
	tr.push(chunk("Hel"), chunk("lo"), complete())
	s := newTestSession(t, tr)

	id, err := s.SendMessage(context.Background(), "Hi")
	require.NoError(t, err)
	s.Wait()

	require.False(t, s.IsStreaming())
	require.NoError(t, s.LastError())

	entries := s.Turns()
	require.Len(t, entries, 1)
	got := entries[0].Turn
	assert.Equal(t, id, got.ID)
	require.NotNil(t, got.Assistant)
	assert.Equal(t, "Hello", got.Assistant.Content)
	assert.Equal(t, turn.StatusComplete, got.Assistant.Status)
	assert.Empty(t, tr.request(0).History, "first send has no history")
}

func TestSendWhileStreamingRejected(t *testing.T) {
	tr := &chanTransport{}
	s := newTestSession(t, tr)

	_, err := s.SendMessage(context.Background(), "first")
	require.NoError(t, err)
	require.True(t, s.IsStreaming())

	_, err = s.SendMessage(context.Background(), "second")
	require.ErrorIs(t, err, stream.ErrConcurrentStream)

	// The first stream proceeds unaffected.
	st := tr.stream(0)
	st.ch <- chunk("still going")
	st.ch <- complete()
	st.finish()
	s.Wait()

	entries := s.Turns()
	require.Len(t, entries, 1)
	assert.Equal(t, "still going", entries[0].Turn.Assistant.Content)
}

func TestTransportErrorPreservesPartial(t *testing.T) {
	tr := &scriptedTransport{}
	tr.push(chunk("par"), transport.Event{
		Type: transport.EventError,
		Err:  transport.NewError("generation failed", "par", errors.New("boom")),
	})
	s := newTestSession(t, tr)

	_, err := s.SendMessage(context.Background(), "Hi")
	require.NoError(t, err)
	s.Wait()

	require.Error(t, s.LastError())
	entries := s.Turns()
	require.Len(t, entries, 1)
	got := entries[0].Turn.Assistant
	require.NotNil(t, got)
	assert.Equal(t, turn.StatusErrored, got.Status)
	assert.Equal(t, "par", got.Content)
}

func TestRegenerateReplacesAnswer(t *testing.T) {
	tr := &scriptedTransport{}
	tr.push(chunk("ansA"), complete())
	tr.push(chunk("ansB"), complete())
	tr.push(chunk("better B"), complete())
	s := newTestSession(t, tr)

	_, err := s.SendMessage(context.Background(), "A")
	require.NoError(t, err)
	s.Wait()
	idB, err := s.SendMessage(context.Background(), "B")
	require.NoError(t, err)
	s.Wait()

	require.NoError(t, s.HandleRegenerate(context.Background()))
	s.Wait()
	require.NoError(t, s.LastError())

	got, err := s.store.Get(idB)
	require.NoError(t, err)
	assert.Equal(t, "better B", got.Assistant.Content)

	// The regeneration request replays B's prompt with only A as history.
	req := tr.request(2)
	assert.Equal(t, "B", req.Content)
	require.Len(t, req.History, 2)
	assert.Equal(t, "A", req.History[0].Content)
	assert.Equal(t, "ansA", req.History[1].Content)
}

func TestFailedRegenerationKeepsOldAnswer(t *testing.T) {
	tr := &scriptedTransport{}
	tr.push(chunk("good answer"), complete())
	tr.push(chunk("half"), transport.Event{
		Type: transport.EventError,
		Err:  transport.NewError("generation failed", "half", errors.New("quota")),
	})
	s := newTestSession(t, tr)

	id, err := s.SendMessage(context.Background(), "Q")
	require.NoError(t, err)
	s.Wait()

	require.NoError(t, s.HandleRegenerate(context.Background()))
	s.Wait()

	require.ErrorIs(t, s.LastError(), ErrRegenerationFailed)
	got, err := s.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "good answer", got.Assistant.Content)
	assert.Equal(t, turn.StatusComplete, got.Assistant.Status)
}

func TestRegenerateWhileRegeneratingRejected(t *testing.T) {
	tr := &chanTransport{}
	s := newTestSession(t, tr)

	_, err := s.SendMessage(context.Background(), "Q")
	require.NoError(t, err)
	st := tr.stream(0)
	st.ch <- chunk("first answer")
	st.ch <- complete()
	st.finish()
	s.Wait()

	require.NoError(t, s.HandleRegenerate(context.Background()))
	require.True(t, s.IsStreaming())

	// A second regenerate while the first is streaming must be refused,
	// not silently dispatch another transport stream into the same buffer.
	err = s.HandleRegenerate(context.Background())
	require.ErrorIs(t, err, stream.ErrConcurrentStream)
	tr.mu.Lock()
	opened := len(tr.streams)
	tr.mu.Unlock()
	assert.Equal(t, 2, opened, "one send and one regeneration stream only")

	regen := tr.stream(1)
	regen.ch <- chunk("second answer")
	regen.ch <- complete()
	regen.finish()
	s.Wait()

	entries := s.Turns()
	require.Len(t, entries, 1)
	assert.Equal(t, "second answer", entries[0].Turn.Assistant.Content)
}

func TestConcurrentSendsAdmitExactlyOne(t *testing.T) {
	tr := &chanTransport{}
	s := newTestSession(t, tr)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.SendMessage(context.Background(), "racing")
		}(i)
	}
	wg.Wait()

	var failures int
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, stream.ErrConcurrentStream)
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one sender admitted")

	// The loser must not leave an orphaned user turn behind.
	require.Len(t, s.Turns(), 1)

	st := tr.stream(0)
	st.ch <- complete()
	st.finish()
	s.Wait()
}

func TestRegenerateRequiresHistory(t *testing.T) {
	s := newTestSession(t, &scriptedTransport{})
	err := s.HandleRegenerate(context.Background())
	require.ErrorIs(t, err, turn.ErrTurnNotFound)
}

func TestCancelStreamPreservesPartial(t *testing.T) {
	tr := &chanTransport{}
	s := newTestSession(t, tr)

	id, err := s.SendMessage(context.Background(), "long answer please")
	require.NoError(t, err)

	tr.stream(0).ch <- chunk("stopping here")
	require.Eventually(t, func() bool {
		return s.StreamingContent() == "stopping here"
	}, time.Second, 5*time.Millisecond)

	s.CancelStream()
	s.Wait()

	require.False(t, s.IsStreaming())
	got, err := s.store.Get(id)
	require.NoError(t, err)
	require.NotNil(t, got.Assistant)
	assert.Equal(t, turn.StatusErrored, got.Assistant.Status)
	assert.Equal(t, "stopping here", got.Assistant.Content)
}

func TestQuestionInterruptAndConfirm(t *testing.T) {
	tr := &scriptedTransport{}
	tr.push(chunk("I need more detail."), transport.Event{
		Type: transport.EventQuestion,
		Questions: []question.Question{{
			ID:   "q1",
			Text: "Which region",
			Type: "single_choice",
			Options: []question.Option{
				{ID: "eu", Label: "Europe"},
				{ID: "us", Label: "US"},
			},
		}},
	})
	tr.push(chunk("Deploying to Europe."), complete())
	s := newTestSession(t, tr)

	_, err := s.SendMessage(context.Background(), "deploy my app")
	require.NoError(t, err)
	s.Wait()

	require.True(t, s.HasPendingQuestion())
	require.NoError(t, s.ToggleQuestionOption("q1", "eu"))

	id, err := s.ConfirmPendingQuestion(context.Background())
	require.NoError(t, err)
	s.Wait()

	assert.False(t, s.HasPendingQuestion())
	got, err := s.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "Which region: Europe", got.User.Content)
	assert.Equal(t, "Deploying to Europe.", got.Assistant.Content)
}

func TestCancelPendingQuestionIsSideEffectFree(t *testing.T) {
	tr := &scriptedTransport{}
	tr.push(chunk("hold on"), transport.Event{
		Type: transport.EventQuestion,
		Questions: []question.Question{{
			ID: "q1", Text: "Why", Type: "free_text",
		}},
	})
	s := newTestSession(t, tr)

	_, err := s.SendMessage(context.Background(), "do the thing")
	require.NoError(t, err)
	s.Wait()
	require.True(t, s.HasPendingQuestion())

	before := len(s.Turns())
	s.CancelPendingQuestion()
	s.CancelPendingQuestion() // Idempotent.

	assert.False(t, s.HasPendingQuestion())
	assert.Len(t, s.Turns(), before)
	require.ErrorIs(t, s.ToggleQuestionOption("q1", "x"), ErrNoPendingQuestion)
}

func TestCompactAndArchive(t *testing.T) {
	archive, err := store.NewArchiveStore(":memory:")
	require.NoError(t, err)
	defer archive.Close()

	tr := &scriptedTransport{}
	for i := 0; i < 4; i++ {
		tr.push(chunk("answer"), complete())
	}
	s := newTestSession(t, tr, func(o *Options) {
		o.Archive = archive
		o.CompactionThreshold = 3
	})

	for _, msg := range []string{"one", "two", "three", "four"} {
		_, err := s.SendMessage(context.Background(), msg)
		require.NoError(t, err)
		s.Wait()
	}

	require.True(t, s.ShouldCompact())
	require.NoError(t, s.Compact(context.Background()))

	entries := s.Turns()
	require.Len(t, entries, 2)
	assert.True(t, entries[0].IsSummary())

	sums, err := archive.Summaries(s.ID())
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Len(t, sums[0].CoveredTurnIDs, 3)

	n, err := archive.TurnCount(s.ID())
	require.NoError(t, err)
	assert.Equal(t, 4, n, "all settled turns archived")
}

func TestResumeFromArchive(t *testing.T) {
	archive, err := store.NewArchiveStore(":memory:")
	require.NoError(t, err)
	defer archive.Close()

	tr := &scriptedTransport{}
	for i := 0; i < 4; i++ {
		tr.push(chunk("answer"), complete())
	}
	first := newTestSession(t, tr, func(o *Options) {
		o.Archive = archive
	})
	for _, msg := range []string{"one", "two", "three", "four"} {
		_, err := first.SendMessage(context.Background(), msg)
		require.NoError(t, err)
		first.Wait()
	}
	require.NoError(t, first.Compact(context.Background()))
	coveredID := first.Turns()[0].Summary.CoveredTurnIDs[0]
	first.Close()

	// A new session with the same id rebuilds the visible history from the
	// archive: leading summary, then the uncovered tail turn.
	resumed := newTestSession(t, &scriptedTransport{}, func(o *Options) {
		o.Archive = archive
		o.SessionID = first.ID()
	})

	entries := resumed.Turns()
	require.Len(t, entries, 2)
	require.True(t, entries[0].IsSummary())
	assert.Len(t, entries[0].Summary.CoveredTurnIDs, 3)
	require.NotNil(t, entries[1].Turn)
	assert.Equal(t, "four", entries[1].Turn.User.Content)
	assert.Equal(t, "answer", entries[1].Turn.Assistant.Content)
	assert.Equal(t, turn.StatusComplete, entries[1].Turn.Assistant.Status)

	// Covered turns come back as the retained compacted set.
	retained, err := resumed.store.Compacted(coveredID)
	require.NoError(t, err)
	assert.Equal(t, coveredID, retained.ID)
}

func TestResumeUnknownSessionStartsEmpty(t *testing.T) {
	archive, err := store.NewArchiveStore(":memory:")
	require.NoError(t, err)
	defer archive.Close()

	s := newTestSession(t, &scriptedTransport{}, func(o *Options) {
		o.Archive = archive
		o.SessionID = "never-seen"
	})
	assert.Empty(t, s.Turns())
}

func TestPreviewPendingAnswersMatchesCommit(t *testing.T) {
	tr := &scriptedTransport{}
	tr.push(transport.Event{
		Type: transport.EventQuestion,
		Questions: []question.Question{{
			ID:   "q1",
			Text: "Which region",
			Type: "single_choice",
			Options: []question.Option{
				{ID: "eu", Label: "Europe"},
			},
		}},
	})
	tr.push(chunk("done"), complete())
	s := newTestSession(t, tr)

	_, err := s.SendMessage(context.Background(), "deploy")
	require.NoError(t, err)
	s.Wait()
	require.NoError(t, s.ToggleQuestionOption("q1", "eu"))

	preview, err := s.PreviewPendingAnswers()
	require.NoError(t, err)
	assert.Equal(t, "Which region: Europe", preview)

	// Previewing leaves the flow open; answers can still change or commit.
	require.True(t, s.HasPendingQuestion())
	id, err := s.ConfirmPendingQuestion(context.Background())
	require.NoError(t, err)
	s.Wait()

	got, err := s.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, preview, got.User.Content)
}

func TestHandleCopy(t *testing.T) {
	clip := &fakeClipboard{}
	tr := &scriptedTransport{}
	tr.push(chunk("copy me"), complete())
	s := newTestSession(t, tr, func(o *Options) { o.Clipboard = clip })

	require.Error(t, s.HandleCopy(""), "copy with empty history must fail")

	_, err := s.SendMessage(context.Background(), "Hi")
	require.NoError(t, err)
	s.Wait()

	require.NoError(t, s.HandleCopy(""))
	assert.Equal(t, "copy me", clip.text)

	// Pure output operation: nothing changed.
	require.Len(t, s.Turns(), 1)
}

func TestReset(t *testing.T) {
	archive, err := store.NewArchiveStore(":memory:")
	require.NoError(t, err)
	defer archive.Close()

	tr := &scriptedTransport{}
	tr.push(chunk("gone soon"), complete())
	s := newTestSession(t, tr, func(o *Options) { o.Archive = archive })

	_, err = s.SendMessage(context.Background(), "Hi")
	require.NoError(t, err)
	s.Wait()

	require.NoError(t, s.Reset())
	assert.Empty(t, s.Turns())
	n, err := archive.TurnCount(s.ID())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDebugModeAttachesTrace(t *testing.T) {
	tr := &scriptedTransport{}
	tr.push(chunk("traced"), complete())
	s := newTestSession(t, tr, func(o *Options) { o.DebugMode = true })

	id, err := s.SendMessage(context.Background(), "Hi")
	require.NoError(t, err)
	s.Wait()

	got, err := s.store.Get(id)
	require.NoError(t, err)
	require.NotNil(t, got.Assistant.DebugTrace)
	assert.Equal(t, 15, got.Assistant.DebugTrace.Usage.TotalTokens)
	assert.Equal(t, int64(120), got.Assistant.DebugTrace.GenerationMs)
}
