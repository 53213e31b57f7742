// Package turn owns the conversation data model and the Turn Store, the
// single writer of turn order for a chat session. Every other component
// mutates turns only through the store, by id, never by position.
package turn

import "time"

// Status describes the lifecycle of an assistant response.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusErrored   Status = "errored"
)

// Role identifies who produced an assistant-side message.
type Role string

const (
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Attachment is a file attached to a user turn. Either Base64Data or
// RemoteRef is set, never both.
type Attachment struct {
	FileName   string `json:"file_name"`
	MimeType   string `json:"mime_type"`
	SizeBytes  int64  `json:"size_bytes"`
	Base64Data string `json:"base64_data,omitempty"`
	RemoteRef  string `json:"remote_ref,omitempty"`
}

// Citation is a grounding source reported by the model. Opaque to the
// engine; rendered by the views.
type Citation struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Artifact is an opaque generated payload (chart, table, file) referenced
// by an assistant turn.
type Artifact struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Payload  string `json:"payload,omitempty"`
}

// ToolCall records a single tool invocation made while generating a
// response. Diagnostic payload only.
type ToolCall struct {
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments,omitempty"`
	Result     string `json:"result,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Usage holds token accounting for one generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// DebugTrace is a read-only diagnostic payload attached to an assistant
// turn when debug mode is on. Never mutated after creation.
type DebugTrace struct {
	GenerationMs int64      `json:"generation_ms"`
	Usage        Usage      `json:"usage"`
	Tools        []ToolCall `json:"tools,omitempty"`
}

// UserTurn is the user half of a conversation turn.
type UserTurn struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// AssistantTurn is the assistant half of a conversation turn. Once status
// is complete it is immutable except through explicit regeneration.
type AssistantTurn struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	CreatedAt  time.Time   `json:"created_at"`
	Sources    []Citation  `json:"sources,omitempty"`
	Artifacts  []Artifact  `json:"artifacts,omitempty"`
	DebugTrace *DebugTrace `json:"debug_trace,omitempty"`
	Status     Status      `json:"status"`
}

// ConversationTurn pairs one user message with at most one assistant
// response.
type ConversationTurn struct {
	ID        string         `json:"id"`
	User      UserTurn       `json:"user"`
	Assistant *AssistantTurn `json:"assistant,omitempty"`
}

// CompactionSummary condenses a prefix of turn history. CoveredTurnIDs are
// the ids of the turns it replaced in the visible list.
type CompactionSummary struct {
	Text           string   `json:"text"`
	CoveredTurnIDs []string `json:"covered_turn_ids"`
}

// Covers reports whether the summary covers the given turn id.
func (s CompactionSummary) Covers(turnID string) bool {
	for _, id := range s.CoveredTurnIDs {
		if id == turnID {
			return true
		}
	}
	return false
}

// Entry is one position in the visible history: either a turn or the
// summary that replaced a compacted prefix. Exactly one field is set.
type Entry struct {
	Turn    *ConversationTurn  `json:"turn,omitempty"`
	Summary *CompactionSummary `json:"summary,omitempty"`
}

// IsSummary reports whether the entry is a compaction summary.
func (e Entry) IsSummary() bool {
	return e.Summary != nil
}

// clone helpers keep consumers on read-only snapshots.

func (a *AssistantTurn) clone() *AssistantTurn {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Sources = append([]Citation(nil), a.Sources...)
	cp.Artifacts = append([]Artifact(nil), a.Artifacts...)
	if a.DebugTrace != nil {
		trace := *a.DebugTrace
		trace.Tools = append([]ToolCall(nil), a.DebugTrace.Tools...)
		cp.DebugTrace = &trace
	}
	return &cp
}

func (t *ConversationTurn) clone() *ConversationTurn {
	if t == nil {
		return nil
	}
	cp := *t
	cp.User.Attachments = append([]Attachment(nil), t.User.Attachments...)
	cp.Assistant = t.Assistant.clone()
	return &cp
}

func (s *CompactionSummary) clone() *CompactionSummary {
	if s == nil {
		return nil
	}
	cp := *s
	cp.CoveredTurnIDs = append([]string(nil), s.CoveredTurnIDs...)
	return &cp
}
