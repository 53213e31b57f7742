package compaction

import (
	"context"
	"fmt"
	"strings"

	"chatcore/internal/logging"
	"chatcore/internal/turn"
)

// =============================================================================
// HISTORY SUMMARIZER
// =============================================================================

// summaryPrompt frames the transcript for the model. The summary replaces
// the covered turns in the conversation context, so it must preserve
// decisions and open threads, not style.
const summaryPrompt = `Summarize the following conversation history concisely.
Preserve: decisions made, facts established, user preferences, and unresolved questions.
Discard: greetings, filler, and superseded drafts.
Reply with the summary only.

%s`

// maxTranscriptChars bounds the prompt size for summarization requests.
const maxTranscriptChars = 48000

// Completer produces a completion for a prompt. The Gemini transport
// satisfies this through a thin adapter; tests supply fakes.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Summarizer condenses a run of conversation entries into summary text.
// When no completer is configured, or the completion fails, it falls back
// to a deterministic extract so compaction still succeeds offline.
type Summarizer struct {
	completer Completer
	log       *logging.Logger
}

// NewSummarizer creates a summarizer. completer may be nil.
func NewSummarizer(completer Completer) *Summarizer {
	return &Summarizer{
		completer: completer,
		log:       logging.Get(logging.CategoryCompaction),
	}
}

// Summarize returns summary text covering the given entries.
func (s *Summarizer) Summarize(ctx context.Context, entries []turn.Entry) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("nothing to summarize")
	}

	transcript := renderTranscript(entries)
	if s.completer != nil {
		text, err := s.completer.Complete(ctx, fmt.Sprintf(summaryPrompt, transcript))
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text), nil
		}
		if err != nil {
			s.log.Warn("LLM summarization failed, using fallback: %v", err)
		}
	}

	return fallbackSummary(entries), nil
}

// renderTranscript flattens entries into a plain-text transcript, oldest
// first. Overlong transcripts are truncated from the front; the recent
// tail matters more.
func renderTranscript(entries []turn.Entry) string {
	var sb strings.Builder
	for _, e := range entries {
		if e.IsSummary() {
			sb.WriteString("[Earlier conversation summary]\n")
			sb.WriteString(e.Summary.Text)
			sb.WriteString("\n\n")
			continue
		}
		sb.WriteString("User: ")
		sb.WriteString(e.Turn.User.Content)
		sb.WriteString("\n")
		if e.Turn.Assistant != nil {
			sb.WriteString("Assistant: ")
			sb.WriteString(e.Turn.Assistant.Content)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	transcript := sb.String()
	if len(transcript) > maxTranscriptChars {
		transcript = "[truncated]\n" + transcript[len(transcript)-maxTranscriptChars:]
	}
	return transcript
}

// fallbackSummary builds a rough extract without an LLM: turn count plus
// the first line of each user message.
func fallbackSummary(entries []turn.Entry) string {
	var topics []string
	turns := 0
	for _, e := range entries {
		if e.IsSummary() {
			continue
		}
		turns++
		line := firstLine(e.Turn.User.Content)
		if line != "" {
			topics = append(topics, line)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Earlier conversation (%d turns). Topics discussed:", turns)
	for _, topic := range topics {
		sb.WriteString("\n- ")
		sb.WriteString(topic)
	}
	return sb.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 120
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
