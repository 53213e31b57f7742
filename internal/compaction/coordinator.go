// Package compaction condenses the older part of a session's history into
// a summary entry, shrinking the context sent to the model while keeping
// the conversation coherent. One compaction runs at a time per session;
// the visible history is swapped atomically on success and left untouched
// on any failure.
package compaction

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"chatcore/internal/logging"
	"chatcore/internal/stream"
	"chatcore/internal/turn"
)

// State is the coordinator lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateCompacting State = "compacting"
)

// Error describes a failed compaction attempt. The history is guaranteed
// untouched when one is returned.
type Error struct {
	Stage string // "select", "summarize", "swap"
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("compaction %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Coordinator owns the compaction lifecycle for one session.
type Coordinator struct {
	store      *turn.Store
	ctrl       *stream.Controller
	summarizer *Summarizer
	log        *logging.Logger

	group singleflight.Group

	mu    sync.Mutex
	state State
	last  *turn.CompactionSummary
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(store *turn.Store, ctrl *stream.Controller, summarizer *Summarizer) *Coordinator {
	return &Coordinator{
		store:      store,
		ctrl:       ctrl,
		summarizer: summarizer,
		log:        logging.Get(logging.CategoryCompaction),
		state:      StateIdle,
	}
}

// ShouldCompact reports whether the visible history has reached the given
// entry threshold. The trigger policy itself lives with the caller.
func (c *Coordinator) ShouldCompact(threshold int) bool {
	return threshold > 0 && c.store.Len() >= threshold
}

// Compact summarizes the closed prefix of the history (everything but the
// most recent turn) and swaps it for a single summary entry. Concurrent
// calls coalesce into one run. The most recent turn is never covered, and
// a turn with an active stream disqualifies the attempt.
func (c *Coordinator) Compact(ctx context.Context) error {
	_, err, _ := c.group.Do("compact", func() (interface{}, error) {
		return nil, c.compact(ctx)
	})
	return err
}

func (c *Coordinator) compact(ctx context.Context) error {
	c.setState(StateCompacting)
	defer c.setState(StateIdle)

	ids := c.store.PrefixTurnIDs()
	if len(ids) == 0 {
		return &Error{Stage: "select", Err: fmt.Errorf("not enough history to compact")}
	}
	if active := c.ctrl.ActiveTurnID(); active != "" {
		for _, id := range ids {
			if id == active {
				return &Error{Stage: "select", Err: fmt.Errorf("turn %s is still streaming", active)}
			}
		}
	}

	covered := coveredEntries(c.store.List(), ids)
	text, err := c.summarizer.Summarize(ctx, covered)
	if err != nil {
		return &Error{Stage: "summarize", Err: err}
	}

	summary := turn.CompactionSummary{Text: text}
	if err := c.store.ReplaceRange(ids, summary); err != nil {
		return &Error{Stage: "swap", Err: err}
	}

	c.mu.Lock()
	summary.CoveredTurnIDs = append([]string(nil), ids...)
	c.last = &summary
	c.mu.Unlock()

	c.log.Info("Compacted %d turns into summary (%d chars)", len(ids), len(text))
	return nil
}

// coveredEntries filters the history snapshot down to the turns being
// compacted, in order.
func coveredEntries(entries []turn.Entry, ids []string) []turn.Entry {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []turn.Entry
	for _, e := range entries {
		if !e.IsSummary() && want[e.Turn.ID] {
			out = append(out, e)
		}
	}
	return out
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// IsCompacting reports whether a compaction run is in flight.
func (c *Coordinator) IsCompacting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateCompacting
}

// LastSummary returns the most recently produced summary, or nil.
func (c *Coordinator) LastSummary() *turn.CompactionSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	cp := *c.last
	cp.CoveredTurnIDs = append([]string(nil), c.last.CoveredTurnIDs...)
	return &cp
}
