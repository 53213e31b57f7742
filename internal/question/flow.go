// Package question implements the pending-question flow: a short-lived
// state machine that accumulates structured answers to model-issued
// questions before they are committed as a single user turn.
package question

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"chatcore/internal/logging"
)

// State is the flow lifecycle state.
type State string

const (
	StateCollecting State = "collecting"
	StateConfirming State = "confirming"
	StateCommitted  State = "committed"
	StateCancelled  State = "cancelled"
)

// ErrFlowClosed is returned for operations on a committed or cancelled
// flow.
var ErrFlowClosed = errors.New("pending-question flow is closed")

// ErrUnknownQuestion is returned when an answer addresses a question id
// that is not part of the flow.
var ErrUnknownQuestion = errors.New("unknown question id")

// Option is one selectable answer for a question.
type Option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Question is a single structured question issued by the model.
type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Type    string   `json:"type"` // single_choice, multi_choice, free_text
	Options []Option `json:"options,omitempty"`
}

// Answer holds the selected options and an optional free-text value for
// one question. Options are kept as a set.
type Answer struct {
	Options    map[string]bool
	CustomText string
}

// Flow accumulates answers to a batch of questions. Questions may be
// answered in any order; nothing reaches the Turn Store until the caller
// commits.
type Flow struct {
	mu        sync.Mutex
	log       *logging.Logger
	state     State
	questions []Question
	answers   map[string]*Answer
}

// NewFlow starts a collecting flow over the given questions.
func NewFlow(questions []Question) *Flow {
	return &Flow{
		log:       logging.Get(logging.CategoryQuestion),
		state:     StateCollecting,
		questions: append([]Question(nil), questions...),
		answers:   make(map[string]*Answer),
	}
}

// State returns the current lifecycle state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Questions returns the questions in their original order.
func (f *Flow) Questions() []Question {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Question(nil), f.questions...)
}

func (f *Flow) question(id string) (*Question, bool) {
	for i := range f.questions {
		if f.questions[i].ID == id {
			return &f.questions[i], true
		}
	}
	return nil, false
}

func (f *Flow) answer(id string) *Answer {
	a, ok := f.answers[id]
	if !ok {
		a = &Answer{Options: make(map[string]bool)}
		f.answers[id] = a
	}
	return a
}

// ToggleOption selects or deselects an option for a question.
func (f *Flow) ToggleOption(questionID, optionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateCollecting && f.state != StateConfirming {
		return fmt.Errorf("toggle option: %w", ErrFlowClosed)
	}
	q, ok := f.question(questionID)
	if !ok {
		return fmt.Errorf("toggle option %s: %w", questionID, ErrUnknownQuestion)
	}
	valid := false
	for _, opt := range q.Options {
		if opt.ID == optionID {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("toggle option %s/%s: no such option", questionID, optionID)
	}

	a := f.answer(questionID)
	if a.Options[optionID] {
		delete(a.Options, optionID)
	} else {
		if q.Type == "single_choice" {
			a.Options = make(map[string]bool)
		}
		a.Options[optionID] = true
	}
	return nil
}

// SetCustomText sets the free-text "other" value for a question.
func (f *Flow) SetCustomText(questionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateCollecting && f.state != StateConfirming {
		return fmt.Errorf("set custom text: %w", ErrFlowClosed)
	}
	if _, ok := f.question(questionID); !ok {
		return fmt.Errorf("set custom text %s: %w", questionID, ErrUnknownQuestion)
	}
	f.answer(questionID).CustomText = text
	return nil
}

// Answered reports whether a question carries any answer.
func (f *Flow) Answered(questionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.answers[questionID]
	if !ok {
		return false
	}
	return len(a.Options) > 0 || strings.TrimSpace(a.CustomText) != ""
}

// BeginConfirm moves the flow to confirming and returns the serialized
// summary the view displays before submit.
func (f *Flow) BeginConfirm() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateCollecting && f.state != StateConfirming {
		return "", fmt.Errorf("confirm: %w", ErrFlowClosed)
	}
	f.state = StateConfirming
	return f.serializeLocked(), nil
}

// Commit closes the flow and returns the user-turn content encoding all
// answers. The encoding is deterministic for a given answer set.
func (f *Flow) Commit() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateCollecting, StateConfirming:
	default:
		return "", fmt.Errorf("commit: %w", ErrFlowClosed)
	}

	content := f.serializeLocked()
	f.state = StateCommitted
	f.log.Info("Flow committed: %d questions, %d answered", len(f.questions), len(f.answers))
	return content, nil
}

// Cancel discards all in-progress answers. No side effects anywhere else.
func (f *Flow) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == StateCommitted || f.state == StateCancelled {
		return
	}
	f.state = StateCancelled
	f.answers = make(map[string]*Answer)
	f.log.Info("Flow cancelled")
}

// serializeLocked encodes all answers in question order. Selected options
// are rendered in the question's declared option order; the free-text
// value follows. Caller holds the lock.
func (f *Flow) serializeLocked() string {
	var sb strings.Builder
	for _, q := range f.questions {
		a, ok := f.answers[q.ID]
		if !ok || (len(a.Options) == 0 && strings.TrimSpace(a.CustomText) == "") {
			continue
		}

		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(q.Text)
		sb.WriteString(": ")

		var parts []string
		if len(q.Options) > 0 {
			for _, opt := range q.Options {
				if a.Options[opt.ID] {
					parts = append(parts, opt.Label)
				}
			}
		} else {
			// Question without declared options: sort raw ids for a stable
			// encoding.
			var ids []string
			for id := range a.Options {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			parts = append(parts, ids...)
		}
		if text := strings.TrimSpace(a.CustomText); text != "" {
			parts = append(parts, text)
		}
		sb.WriteString(strings.Join(parts, ", "))
	}
	return sb.String()
}
