package question

import (
	"errors"
	"testing"
)

func sampleQuestions() []Question {
	return []Question{
		{
			ID:   "q1",
			Text: "Which regions",
			Type: "multi_choice",
			Options: []Option{
				{ID: "a", Label: "A"},
				{ID: "b", Label: "B"},
				{ID: "c", Label: "C"},
			},
		},
		{
			ID:   "q2",
			Text: "Why",
			Type: "free_text",
		},
	}
}

func TestAnswersInAnyOrder(t *testing.T) {
	flow := NewFlow(sampleQuestions())

	// Second question first.
	if err := flow.SetCustomText("q2", "other reason"); err != nil {
		t.Fatalf("SetCustomText failed: %v", err)
	}
	if err := flow.ToggleOption("q1", "b"); err != nil {
		t.Fatalf("ToggleOption failed: %v", err)
	}
	if err := flow.ToggleOption("q1", "a"); err != nil {
		t.Fatalf("ToggleOption failed: %v", err)
	}

	if !flow.Answered("q1") || !flow.Answered("q2") {
		t.Fatal("Both questions should be answered")
	}

	content, err := flow.Commit()
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// Options render in declared order regardless of selection order.
	want := "Which regions: A, B\nWhy: other reason"
	if content != want {
		t.Errorf("Serialized content = %q, want %q", content, want)
	}
	if flow.State() != StateCommitted {
		t.Errorf("State = %s, want committed", flow.State())
	}
}

func TestSerializationIsDeterministic(t *testing.T) {
	build := func(order []string) string {
		flow := NewFlow(sampleQuestions())
		for _, id := range order {
			if err := flow.ToggleOption("q1", id); err != nil {
				t.Fatalf("ToggleOption failed: %v", err)
			}
		}
		if err := flow.SetCustomText("q2", "because"); err != nil {
			t.Fatalf("SetCustomText failed: %v", err)
		}
		content, err := flow.Commit()
		if err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
		return content
	}

	if a, b := build([]string{"a", "c"}), build([]string{"c", "a"}); a != b {
		t.Errorf("Encoding depends on selection order: %q vs %q", a, b)
	}
}

func TestSingleChoiceReplacesSelection(t *testing.T) {
	flow := NewFlow([]Question{{
		ID:   "q1",
		Text: "Pick one",
		Type: "single_choice",
		Options: []Option{
			{ID: "x", Label: "X"},
			{ID: "y", Label: "Y"},
		},
	}})

	if err := flow.ToggleOption("q1", "x"); err != nil {
		t.Fatalf("ToggleOption failed: %v", err)
	}
	if err := flow.ToggleOption("q1", "y"); err != nil {
		t.Fatalf("ToggleOption failed: %v", err)
	}

	content, err := flow.Commit()
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if content != "Pick one: Y" {
		t.Errorf("Single choice did not replace selection: %q", content)
	}
}

func TestToggleDeselects(t *testing.T) {
	flow := NewFlow(sampleQuestions())

	if err := flow.ToggleOption("q1", "a"); err != nil {
		t.Fatalf("ToggleOption failed: %v", err)
	}
	if err := flow.ToggleOption("q1", "a"); err != nil {
		t.Fatalf("ToggleOption failed: %v", err)
	}
	if flow.Answered("q1") {
		t.Error("Question should be unanswered after deselect")
	}
}

func TestCancelDiscardsAnswers(t *testing.T) {
	flow := NewFlow(sampleQuestions())
	if err := flow.ToggleOption("q1", "a"); err != nil {
		t.Fatalf("ToggleOption failed: %v", err)
	}

	flow.Cancel()
	flow.Cancel() // Idempotent.

	if flow.State() != StateCancelled {
		t.Errorf("State = %s, want cancelled", flow.State())
	}
	if _, err := flow.Commit(); !errors.Is(err, ErrFlowClosed) {
		t.Errorf("Expected ErrFlowClosed after cancel, got %v", err)
	}
	if err := flow.ToggleOption("q1", "b"); !errors.Is(err, ErrFlowClosed) {
		t.Errorf("Expected ErrFlowClosed after cancel, got %v", err)
	}
}

func TestUnknownQuestionAndOption(t *testing.T) {
	flow := NewFlow(sampleQuestions())

	if err := flow.ToggleOption("missing", "a"); !errors.Is(err, ErrUnknownQuestion) {
		t.Errorf("Expected ErrUnknownQuestion, got %v", err)
	}
	if err := flow.SetCustomText("missing", "x"); !errors.Is(err, ErrUnknownQuestion) {
		t.Errorf("Expected ErrUnknownQuestion, got %v", err)
	}
	if err := flow.ToggleOption("q1", "zz"); err == nil {
		t.Error("Expected error for unknown option")
	}
}

func TestBeginConfirmPreviewMatchesCommit(t *testing.T) {
	flow := NewFlow(sampleQuestions())
	if err := flow.ToggleOption("q1", "c"); err != nil {
		t.Fatalf("ToggleOption failed: %v", err)
	}

	preview, err := flow.BeginConfirm()
	if err != nil {
		t.Fatalf("BeginConfirm failed: %v", err)
	}
	if flow.State() != StateConfirming {
		t.Errorf("State = %s, want confirming", flow.State())
	}

	content, err := flow.Commit()
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if preview != content {
		t.Errorf("Preview %q differs from committed content %q", preview, content)
	}
}

func TestUnansweredQuestionsOmitted(t *testing.T) {
	flow := NewFlow(sampleQuestions())
	if err := flow.SetCustomText("q2", "  "); err != nil {
		t.Fatalf("SetCustomText failed: %v", err)
	}

	content, err := flow.Commit()
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if content != "" {
		t.Errorf("Whitespace-only answer should serialize to nothing, got %q", content)
	}
}
