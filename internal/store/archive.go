// Package store persists settled conversation history to SQLite. The
// in-memory turn store remains the source of truth for a live session;
// the archive is a durable log of committed turns and compaction
// summaries that survives process restarts.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"chatcore/internal/logging"
	"chatcore/internal/turn"
)

// =============================================================================
// ARCHIVE STORE
// =============================================================================

const archiveSchema = `
	CREATE TABLE IF NOT EXISTS chat_turns (
		session_id         TEXT NOT NULL,
		turn_id            TEXT NOT NULL,
		user_content       TEXT NOT NULL,
		assistant_content  TEXT,
		status             TEXT,
		sources_json       TEXT,
		artifacts_json     TEXT,
		created_at         TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, turn_id)
	);

	CREATE TABLE IF NOT EXISTS chat_summaries (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id       TEXT NOT NULL,
		summary_text     TEXT NOT NULL,
		covered_ids_json TEXT NOT NULL,
		created_at       TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_chat_turns_session ON chat_turns(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_chat_summaries_session ON chat_summaries(session_id);
`

// ArchivedTurn is one persisted turn row.
type ArchivedTurn struct {
	TurnID           string
	UserContent      string
	AssistantContent string
	Status           string
	Sources          []turn.Citation
	Artifacts        []turn.Artifact
	CreatedAt        time.Time
}

// ArchivedSummary is one persisted compaction summary row.
type ArchivedSummary struct {
	Text           string
	CoveredTurnIDs []string
	CreatedAt      time.Time
}

// ArchiveStore writes session history to a local SQLite database.
type ArchiveStore struct {
	mu  sync.RWMutex
	db  *sql.DB
	log *logging.Logger
}

// NewArchiveStore opens (or creates) the archive database at path.
// Pass ":memory:" for an ephemeral store.
func NewArchiveStore(path string) (*ArchiveStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive db: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create archive schema: %w", err)
	}

	return &ArchiveStore{
		db:  db,
		log: logging.Get(logging.CategoryStore),
	}, nil
}

// ArchiveTurn persists a settled turn. INSERT OR REPLACE keyed by turn id
// keeps the row current across regenerations.
func (s *ArchiveStore) ArchiveTurn(sessionID string, t turn.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var assistantContent, status string
	var sourcesJSON, artifactsJSON []byte
	if t.Assistant != nil {
		assistantContent = t.Assistant.Content
		status = string(t.Assistant.Status)
		var err error
		if sourcesJSON, err = json.Marshal(t.Assistant.Sources); err != nil {
			return fmt.Errorf("failed to encode sources: %w", err)
		}
		if artifactsJSON, err = json.Marshal(t.Assistant.Artifacts); err != nil {
			return fmt.Errorf("failed to encode artifacts: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO chat_turns (session_id, turn_id, user_content, assistant_content, status, sources_json, artifacts_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, t.ID, t.User.Content, assistantContent, status, string(sourcesJSON), string(artifactsJSON),
	)
	if err != nil {
		s.log.Error("Failed to archive turn %s: %v", t.ID, err)
		return err
	}
	return nil
}

// ArchiveSummary persists a compaction summary.
func (s *ArchiveStore) ArchiveSummary(sessionID string, summary turn.CompactionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coveredJSON, err := json.Marshal(summary.CoveredTurnIDs)
	if err != nil {
		return fmt.Errorf("failed to encode covered ids: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO chat_summaries (session_id, summary_text, covered_ids_json) VALUES (?, ?, ?)`,
		sessionID, summary.Text, string(coveredJSON),
	)
	if err != nil {
		s.log.Error("Failed to archive summary: %v", err)
		return err
	}
	return nil
}

// Turns returns the archived turns for a session in insertion order. A
// replace on regeneration renews the rowid, but only the most recent turn
// is ever regenerated, so insertion order stays chronological.
func (s *ArchiveStore) Turns(sessionID string) ([]ArchivedTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT turn_id, user_content, assistant_content, status, sources_json, artifacts_json, created_at
		 FROM chat_turns
		 WHERE session_id = ?
		 ORDER BY rowid ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchivedTurn
	for rows.Next() {
		var at ArchivedTurn
		var sourcesJSON, artifactsJSON sql.NullString
		var assistantContent, status sql.NullString
		if err := rows.Scan(&at.TurnID, &at.UserContent, &assistantContent, &status, &sourcesJSON, &artifactsJSON, &at.CreatedAt); err != nil {
			return nil, err
		}
		at.AssistantContent = assistantContent.String
		at.Status = status.String
		if sourcesJSON.String != "" {
			_ = json.Unmarshal([]byte(sourcesJSON.String), &at.Sources)
		}
		if artifactsJSON.String != "" {
			_ = json.Unmarshal([]byte(artifactsJSON.String), &at.Artifacts)
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

// Summaries returns the archived summaries for a session, oldest first.
func (s *ArchiveStore) Summaries(sessionID string) ([]ArchivedSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT summary_text, covered_ids_json, created_at
		 FROM chat_summaries
		 WHERE session_id = ?
		 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchivedSummary
	for rows.Next() {
		var as ArchivedSummary
		var coveredJSON string
		if err := rows.Scan(&as.Text, &coveredJSON, &as.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(coveredJSON), &as.CoveredTurnIDs)
		out = append(out, as)
	}
	return out, rows.Err()
}

// TurnCount returns the number of archived turns for a session.
func (s *ArchiveStore) TurnCount(sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM chat_turns WHERE session_id = ?", sessionID).Scan(&n)
	return n, err
}

// DeleteSession removes all archived rows for a session.
func (s *ArchiveStore) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM chat_turns WHERE session_id = ?", sessionID); err != nil {
		return err
	}
	if _, err := s.db.Exec("DELETE FROM chat_summaries WHERE session_id = ?", sessionID); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *ArchiveStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
