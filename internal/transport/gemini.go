package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/genai"

	"chatcore/internal/logging"
	"chatcore/internal/question"
	"chatcore/internal/turn"
)

// =============================================================================
// GEMINI TRANSPORT
// =============================================================================

// askUserFunction is the tool name the model uses to pause generation and
// ask the user structured questions.
const askUserFunction = "ask_user"

// GeminiConfig holds the settings for the Gemini-backed transport.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int32
}

// DefaultGeminiConfig returns sensible defaults for interactive chat.
func DefaultGeminiConfig() GeminiConfig {
	return GeminiConfig{
		Model:       "gemini-2.5-flash",
		Temperature: 0.7,
		MaxTokens:   8192,
	}
}

// GeminiTransport implements Transport against Google's Gemini API.
type GeminiTransport struct {
	client *genai.Client
	config GeminiConfig
	log    *logging.Logger
}

// NewGeminiTransport creates a Gemini transport from the given config.
func NewGeminiTransport(ctx context.Context, config GeminiConfig) (*GeminiTransport, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if config.Model == "" {
		config.Model = DefaultGeminiConfig().Model
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: config.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GeminiTransport{
		client: client,
		config: config,
		log:    logging.Get(logging.CategoryTransport),
	}, nil
}

// Send starts a streaming generation. Events are pumped from the SDK
// iterator into the returned Stream; Close cancels the underlying request.
func (t *GeminiTransport) Send(ctx context.Context, req Request) (Stream, error) {
	contents := t.buildContents(req)

	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(t.config.Temperature),
	}
	if t.config.MaxTokens > 0 {
		genCfg.MaxOutputTokens = t.config.MaxTokens
	}

	streamCtx, cancel := context.WithCancel(ctx)
	events := make(chan Event, 16)
	gs := &geminiStream{events: events, cancel: cancel}

	go t.pump(streamCtx, contents, genCfg, events)

	return gs, nil
}

// buildContents converts the request history plus the new message into the
// SDK content list.
func (t *GeminiTransport) buildContents(req Request) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range req.History {
		var role genai.Role = genai.RoleUser
		if msg.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}

	parts := []*genai.Part{genai.NewPartFromText(req.Content)}
	for _, att := range req.Attachments {
		if att.Base64Data != "" {
			if data, err := base64.StdEncoding.DecodeString(att.Base64Data); err == nil {
				parts = append(parts, genai.NewPartFromBytes(data, att.MimeType))
			}
		}
	}
	contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	return contents
}

// pump drives the SDK iterator and translates responses into Events. It
// owns the events channel and always closes it.
func (t *GeminiTransport) pump(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig, events chan<- Event) {
	defer close(events)

	start := time.Now()
	var partial string
	var usage turn.Usage
	var interrupted bool

	send := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for resp, err := range t.client.Models.GenerateContentStream(ctx, t.config.Model, contents, cfg) {
		if err != nil {
			t.log.Error("Gemini stream failed after %d chars: %v", len(partial), err)
			send(Event{Type: EventError, Err: NewError("generation failed", partial, err)})
			return
		}
		if resp.UsageMetadata != nil {
			usage = turn.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
			}
		}
		for _, ev := range t.translate(resp, &partial) {
			if ev.Type == EventQuestion {
				interrupted = true
			}
			if !send(ev) {
				return
			}
		}
		if interrupted {
			// The model paused for user input; no completion event follows.
			return
		}
	}

	send(Event{Type: EventComplete, Result: &Result{
		Usage:        usage,
		GenerationMs: time.Since(start).Milliseconds(),
	}})
}

// translate maps one SDK response chunk to zero or more Events and
// accumulates partial content for error reporting.
func (t *GeminiTransport) translate(resp *genai.GenerateContentResponse, partial *string) []Event {
	var out []Event
	if len(resp.Candidates) == 0 {
		return out
	}
	cand := resp.Candidates[0]

	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			switch {
			case part.Text != "":
				*partial += part.Text
				out = append(out, Event{Type: EventChunk, Chunk: part.Text})
			case part.FunctionCall != nil && part.FunctionCall.Name == askUserFunction:
				if qs := parseQuestions(part.FunctionCall.Args); len(qs) > 0 {
					out = append(out, Event{Type: EventQuestion, Questions: qs})
				}
			}
		}
	}

	if cand.GroundingMetadata != nil {
		for _, chunk := range cand.GroundingMetadata.GroundingChunks {
			if chunk.Web == nil {
				continue
			}
			out = append(out, Event{Type: EventCitation, Citation: &turn.Citation{
				Title: chunk.Web.Title,
				URL:   chunk.Web.URI,
			}})
		}
	}
	return out
}

// parseQuestions decodes the ask_user tool arguments into questions.
// Malformed payloads are dropped rather than failing the stream.
func parseQuestions(args map[string]interface{}) []question.Question {
	raw, ok := args["questions"]
	if !ok {
		return nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var qs []question.Question
	if err := json.Unmarshal(encoded, &qs); err != nil {
		return nil
	}
	return qs
}

// geminiStream adapts the pump channel to the Stream interface.
type geminiStream struct {
	events    <-chan Event
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *geminiStream) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, ErrStreamDone
		}
		return ev, nil
	}
}

func (s *geminiStream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}
