package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chatterlab/courier/internal/delivery"
)

// GetSentProto returns the transmitted-proto record for (recipient,
// timestamp), or nil, nil when none was kept.
func (s *Store) GetSentProto(ctx context.Context, recipient delivery.RecipientID, timestamp uint64) (*delivery.SentProtoRecord, error) {
	var (
		rec     delivery.SentProtoRecord
		idsJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, timestamp, ciphertext, content_hint, message_ids, urgent
		 FROM sent_proto WHERE recipient = ? AND timestamp = ?`,
		recipient, timestamp,
	).Scan(&rec.ConversationID, &rec.Timestamp, &rec.Ciphertext, &rec.ContentHint, &idsJSON, &rec.Urgent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load sent proto (%s, %d): %w", recipient, timestamp, err)
	}

	if err := json.Unmarshal([]byte(idsJSON), &rec.MessageIDs); err != nil {
		return nil, fmt.Errorf("store: decode message ids for (%s, %d): %w", recipient, timestamp, err)
	}
	return &rec, nil
}

// SaveSentProto stores what was transmitted to one recipient. A resend
// for the same (recipient, timestamp) replaces the record.
func (s *Store) SaveSentProto(ctx context.Context, recipient delivery.RecipientID, rec *delivery.SentProtoRecord) error {
	ids := rec.MessageIDs
	if ids == nil {
		ids = []string{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("store: encode message ids for (%s, %d): %w", recipient, rec.Timestamp, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sent_proto
		 (recipient, timestamp, conversation_id, ciphertext, content_hint, message_ids, urgent)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		recipient, rec.Timestamp, rec.ConversationID, rec.Ciphertext, rec.ContentHint, string(idsJSON), rec.Urgent,
	)
	if err != nil {
		return fmt.Errorf("store: save sent proto (%s, %d): %w", recipient, rec.Timestamp, err)
	}
	return nil
}

// DeleteSentProtosBefore removes records older than the given timestamp.
// Called periodically since records past the resend window are dead
// weight.
func (s *Store) DeleteSentProtosBefore(ctx context.Context, timestamp uint64) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sent_proto WHERE timestamp < ?", timestamp)
	if err != nil {
		return 0, fmt.Errorf("store: prune sent protos: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune sent protos: %w", err)
	}
	return n, nil
}
