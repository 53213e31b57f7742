package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatcore/internal/transport"
)

// transportCompleter adapts a streaming Transport to the single-shot
// Completer interface compaction uses for summarization.
type transportCompleter struct {
	tr transport.Transport
}

func newCompleter(tr transport.Transport) *transportCompleter {
	return &transportCompleter{tr: tr}
}

// Complete sends a one-off prompt and drains the stream into a string.
func (c *transportCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	st, err := c.tr.Send(ctx, transport.Request{Content: prompt})
	if err != nil {
		return "", err
	}
	defer st.Close()

	var sb strings.Builder
	for {
		ev, err := st.Next(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrStreamDone) {
				return sb.String(), nil
			}
			return "", err
		}
		switch ev.Type {
		case transport.EventChunk:
			sb.WriteString(ev.Chunk)
		case transport.EventError:
			return "", fmt.Errorf("summarization request failed: %w", ev.Err)
		case transport.EventComplete:
			return sb.String(), nil
		}
	}
}
