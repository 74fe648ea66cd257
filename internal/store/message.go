package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chatterlab/courier/internal/delivery"
)

// GetByID loads an outgoing message including its per-recipient send
// state. Returns nil, nil if the message does not exist.
func (s *Store) GetByID(ctx context.Context, id string) (*delivery.OutgoingMessage, error) {
	var (
		msg       delivery.OutgoingMessage
		stateJSON string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, conversation_id, timestamp, body, send_state, urgent, erased FROM message WHERE id = ?",
		id,
	).Scan(&msg.ID, &msg.ConversationID, &msg.Timestamp, &msg.Body, &stateJSON, &msg.Urgent, &msg.Erased)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load message %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(stateJSON), &msg.SendState); err != nil {
		return nil, fmt.Errorf("store: decode send state for %s: %w", id, err)
	}
	return &msg, nil
}

// Save persists the message and its send state.
func (s *Store) Save(ctx context.Context, msg *delivery.OutgoingMessage) error {
	stateJSON, err := json.Marshal(msg.SendState)
	if err != nil {
		return fmt.Errorf("store: encode send state for %s: %w", msg.ID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO message (id, conversation_id, timestamp, body, send_state, urgent, erased)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   conversation_id = excluded.conversation_id,
		   timestamp = excluded.timestamp,
		   body = excluded.body,
		   send_state = excluded.send_state,
		   urgent = excluded.urgent,
		   erased = excluded.erased`,
		msg.ID, msg.ConversationID, msg.Timestamp, msg.Body, string(stateJSON), msg.Urgent, msg.Erased,
	)
	if err != nil {
		return fmt.Errorf("store: save message %s: %w", msg.ID, err)
	}
	return nil
}

// MarkFailed flags the message as terminally failed.
func (s *Store) MarkFailed(ctx context.Context, msg *delivery.OutgoingMessage) error {
	_, err := s.db.ExecContext(ctx, "UPDATE message SET failed = 1 WHERE id = ?", msg.ID)
	if err != nil {
		return fmt.Errorf("store: mark failed %s: %w", msg.ID, err)
	}
	return nil
}

// IsFailed reports whether the message was flagged failed.
func (s *Store) IsFailed(ctx context.Context, id string) (bool, error) {
	var failed bool
	err := s.db.QueryRowContext(ctx, "SELECT failed FROM message WHERE id = ?", id).Scan(&failed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("store: load failed flag %s: %w", id, err)
	}
	return failed, nil
}

// SaveErrors persists the final failure diagnostics: the updated send
// state plus one error row per failed recipient.
func (s *Store) SaveErrors(ctx context.Context, msg *delivery.OutgoingMessage, failures []delivery.RecipientFailure) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save errors for %s: %w", msg.ID, err)
	}
	defer tx.Rollback()

	stateJSON, err := json.Marshal(msg.SendState)
	if err != nil {
		return fmt.Errorf("store: encode send state for %s: %w", msg.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE message SET send_state = ? WHERE id = ?", string(stateJSON), msg.ID,
	); err != nil {
		return fmt.Errorf("store: update send state for %s: %w", msg.ID, err)
	}

	now := time.Now().UnixMilli()
	for _, f := range failures {
		cause := ""
		if f.Err != nil {
			cause = f.Err.Error()
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO message_error (message_id, recipient, error, created_at) VALUES (?, ?, ?, ?)",
			msg.ID, f.Recipient, cause, now,
		); err != nil {
			return fmt.Errorf("store: save error row for %s: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: save errors for %s: %w", msg.ID, err)
	}
	return nil
}

// MessageErrors returns the persisted failure diagnostics for a message,
// one string per failed recipient, in insertion order.
func (s *Store) MessageErrors(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT recipient, error FROM message_error WHERE message_id = ? ORDER BY rowid", id)
	if err != nil {
		return nil, fmt.Errorf("store: load errors for %s: %w", id, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var recipient, cause string
		if err := rows.Scan(&recipient, &cause); err != nil {
			return nil, fmt.Errorf("store: scan error row for %s: %w", id, err)
		}
		out = append(out, fmt.Sprintf("%s: %s", recipient, cause))
	}
	return out, rows.Err()
}

// AppendSessionRefreshed records a locally-visible "session refreshed"
// event on the conversation timeline.
func (s *Store) AppendSessionRefreshed(ctx context.Context, conversation delivery.ConversationID) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO timeline_event (conversation_id, kind, created_at) VALUES (?, 'session_refreshed', ?)",
		conversation, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: append timeline event: %w", err)
	}
	return nil
}

// TimelineEvents returns the event kinds recorded for a conversation, in
// insertion order.
func (s *Store) TimelineEvents(ctx context.Context, conversation delivery.ConversationID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT kind FROM timeline_event WHERE conversation_id = ? ORDER BY id", conversation)
	if err != nil {
		return nil, fmt.Errorf("store: load timeline for %s: %w", conversation, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return nil, fmt.Errorf("store: scan timeline event: %w", err)
		}
		out = append(out, kind)
	}
	return out, rows.Err()
}
