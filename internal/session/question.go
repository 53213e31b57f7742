package session

import (
	"context"
	"fmt"

	"chatcore/internal/question"
)

// =============================================================================
// PENDING-QUESTION FLOW
// =============================================================================

// openFlow installs a new pending-question flow, replacing any open one.
func (s *Session) openFlow(questions []question.Question) {
	if len(questions) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flow = question.NewFlow(questions)
	s.log.Info("Pending question opened: %d questions", len(questions))
}

func (s *Session) openFlowLocked() *question.Flow {
	if s.flow == nil {
		return nil
	}
	switch s.flow.State() {
	case question.StateCollecting, question.StateConfirming:
		return s.flow
	}
	return nil
}

// HasPendingQuestion reports whether a question flow is awaiting answers.
func (s *Session) HasPendingQuestion() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openFlowLocked() != nil
}

// PendingQuestions returns the open flow's questions, or nil.
func (s *Session) PendingQuestions() []question.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f := s.openFlowLocked(); f != nil {
		return f.Questions()
	}
	return nil
}

// ToggleQuestionOption toggles a selectable answer in the open flow.
func (s *Session) ToggleQuestionOption(questionID, optionID string) error {
	s.mu.Lock()
	f := s.openFlowLocked()
	s.mu.Unlock()
	if f == nil {
		return ErrNoPendingQuestion
	}
	return f.ToggleOption(questionID, optionID)
}

// SetQuestionText sets the free-text answer for a question in the open flow.
func (s *Session) SetQuestionText(questionID, text string) error {
	s.mu.Lock()
	f := s.openFlowLocked()
	s.mu.Unlock()
	if f == nil {
		return ErrNoPendingQuestion
	}
	return f.SetCustomText(questionID, text)
}

// PreviewPendingAnswers moves the open flow to its confirming state and
// returns the serialized answers exactly as a subsequent confirm would
// commit them.
func (s *Session) PreviewPendingAnswers() (string, error) {
	s.mu.Lock()
	f := s.openFlowLocked()
	s.mu.Unlock()
	if f == nil {
		return "", ErrNoPendingQuestion
	}
	return f.BeginConfirm()
}

// ConfirmPendingQuestion commits the open flow and sends the serialized
// answers as a new user turn. The flow closes even if the send fails; the
// answers are already part of the committed content.
func (s *Session) ConfirmPendingQuestion(ctx context.Context) (string, error) {
	s.mu.Lock()
	f := s.openFlowLocked()
	s.mu.Unlock()
	if f == nil {
		return "", ErrNoPendingQuestion
	}

	content, err := f.Commit()
	if err != nil {
		return "", err
	}
	if content == "" {
		return "", fmt.Errorf("confirm: no answers given")
	}

	s.mu.Lock()
	s.flow = nil
	s.mu.Unlock()

	return s.SendMessage(ctx, content)
}

// CancelPendingQuestion discards the open flow, if any. Idempotent, no
// side effects on the history.
func (s *Session) CancelPendingQuestion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flow != nil {
		s.flow.Cancel()
		s.flow = nil
	}
}
