package transport

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/genai"

	"chatcore/internal/logging"
)

func TestErrorWrapping(t *testing.T) {
	underlying := errors.New("connection reset")
	err := NewError("generation failed", "partial text", underlying)

	if !errors.Is(err, underlying) {
		t.Error("Unwrap chain lost the underlying error")
	}
	if err.Partial != "partial text" {
		t.Errorf("Partial = %q, want partial text", err.Partial)
	}

	var te *Error
	if !errors.As(error(err), &te) {
		t.Fatal("errors.As failed to recover *Error")
	}
	if te.Reason != "generation failed" {
		t.Errorf("Reason = %q", te.Reason)
	}
}

func TestParseQuestions(t *testing.T) {
	args := map[string]interface{}{
		"questions": []interface{}{
			map[string]interface{}{
				"id":   "q1",
				"text": "Which env",
				"type": "single_choice",
				"options": []interface{}{
					map[string]interface{}{"id": "prod", "label": "Production"},
				},
			},
		},
	}

	qs := parseQuestions(args)
	if len(qs) != 1 {
		t.Fatalf("Parsed %d questions, want 1", len(qs))
	}
	if qs[0].ID != "q1" || qs[0].Text != "Which env" {
		t.Errorf("Unexpected question: %+v", qs[0])
	}
	if len(qs[0].Options) != 1 || qs[0].Options[0].Label != "Production" {
		t.Errorf("Unexpected options: %+v", qs[0].Options)
	}
}

func TestParseQuestionsMalformed(t *testing.T) {
	if qs := parseQuestions(map[string]interface{}{}); qs != nil {
		t.Errorf("Missing key should yield nil, got %+v", qs)
	}
	if qs := parseQuestions(map[string]interface{}{"questions": "not a list"}); qs != nil {
		t.Errorf("Malformed payload should yield nil, got %+v", qs)
	}
}

func TestGeminiStreamDrainAndDone(t *testing.T) {
	events := make(chan Event, 2)
	events <- Event{Type: EventChunk, Chunk: "hello"}
	events <- Event{Type: EventComplete, Result: &Result{}}
	close(events)

	_, cancel := context.WithCancel(context.Background())
	gs := &geminiStream{events: events, cancel: cancel}
	ctx := context.Background()

	ev, err := gs.Next(ctx)
	if err != nil || ev.Type != EventChunk || ev.Chunk != "hello" {
		t.Fatalf("First event = %+v, err = %v", ev, err)
	}
	ev, err = gs.Next(ctx)
	if err != nil || ev.Type != EventComplete {
		t.Fatalf("Second event = %+v, err = %v", ev, err)
	}
	if _, err := gs.Next(ctx); !errors.Is(err, ErrStreamDone) {
		t.Errorf("Expected ErrStreamDone after channel close, got %v", err)
	}

	// Close is idempotent.
	if err := gs.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := gs.Close(); err != nil {
		t.Errorf("Repeated Close failed: %v", err)
	}
}

func TestGeminiStreamNextHonorsContext(t *testing.T) {
	events := make(chan Event)
	_, cancel := context.WithCancel(context.Background())
	gs := &geminiStream{events: events, cancel: cancel}

	ctx, cancelNext := context.WithCancel(context.Background())
	cancelNext()
	if _, err := gs.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestBuildContentsMapsHistoryRoles(t *testing.T) {
	tr := &GeminiTransport{
		config: DefaultGeminiConfig(),
		log:    logging.Get(logging.CategoryTransport),
	}

	contents := tr.buildContents(Request{
		Content: "and now?",
		History: []Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	})

	if len(contents) != 3 {
		t.Fatalf("Got %d contents, want 3", len(contents))
	}
	if contents[0].Role != string(genai.RoleUser) {
		t.Errorf("History user role = %s", contents[0].Role)
	}
	if contents[1].Role != string(genai.RoleModel) {
		t.Errorf("History assistant role = %s", contents[1].Role)
	}
	if contents[2].Role != string(genai.RoleUser) {
		t.Errorf("New message role = %s", contents[2].Role)
	}
}
