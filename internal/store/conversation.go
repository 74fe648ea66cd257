package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chatterlab/courier/internal/delivery"
)

// Snapshot builds the point-in-time conversation view the dispatcher
// consumes. Returns nil, nil when the conversation does not exist.
// Callers must take a fresh snapshot per dispatch attempt: membership
// and trust flags are mutable.
func (s *Store) Snapshot(ctx context.Context, id delivery.ConversationID) (*delivery.ConversationSnapshot, error) {
	snap := &delivery.ConversationSnapshot{ID: id}
	err := s.db.QueryRowContext(ctx,
		"SELECT kind, self, accepted, group_id, revision FROM conversation WHERE id = ?", id,
	).Scan(&snap.Kind, &snap.Self, &snap.Accepted, &snap.GroupID, &snap.Revision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load conversation %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT recipient, untrusted, blocked, unregistered FROM conversation_member WHERE conversation_id = ? ORDER BY recipient",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("store: load members of %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var m delivery.Member
		if err := rows.Scan(&m.ID, &m.Untrusted, &m.Blocked, &m.Unregistered); err != nil {
			return nil, fmt.Errorf("store: scan member of %s: %w", id, err)
		}
		snap.Members = append(snap.Members, m)
	}
	return snap, rows.Err()
}

// SaveConversation upserts a conversation and replaces its member list.
func (s *Store) SaveConversation(ctx context.Context, snap *delivery.ConversationSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save conversation %s: %w", snap.ID, err)
	}
	defer tx.Rollback()

	peer := ""
	if snap.Kind == delivery.KindDirect {
		for _, m := range snap.Members {
			if m.ID != snap.Self {
				peer = string(m.ID)
				break
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation (id, kind, self, accepted, group_id, revision, peer)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   kind = excluded.kind,
		   self = excluded.self,
		   accepted = excluded.accepted,
		   group_id = excluded.group_id,
		   revision = excluded.revision,
		   peer = excluded.peer`,
		snap.ID, snap.Kind, snap.Self, snap.Accepted, snap.GroupID, snap.Revision, peer,
	); err != nil {
		return fmt.Errorf("store: save conversation %s: %w", snap.ID, err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM conversation_member WHERE conversation_id = ?", snap.ID,
	); err != nil {
		return fmt.Errorf("store: clear members of %s: %w", snap.ID, err)
	}
	for _, m := range snap.Members {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO conversation_member (conversation_id, recipient, untrusted, blocked, unregistered) VALUES (?, ?, ?, ?, ?)",
			snap.ID, m.ID, m.Untrusted, m.Blocked, m.Unregistered,
		); err != nil {
			return fmt.Errorf("store: save member %s of %s: %w", m.ID, snap.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: save conversation %s: %w", snap.ID, err)
	}
	return nil
}

// EnsureDirect returns the direct conversation with peer, creating an
// empty one if none exists yet.
func (s *Store) EnsureDirect(ctx context.Context, peer delivery.RecipientID) (delivery.ConversationID, error) {
	var id delivery.ConversationID
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM conversation WHERE kind = ? AND peer = ?",
		delivery.KindDirect, peer,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: lookup direct conversation with %s: %w", peer, err)
	}

	id = delivery.ConversationID(uuid.NewString())
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO conversation (id, kind, peer) VALUES (?, ?, ?)",
		id, delivery.KindDirect, peer,
	)
	if err != nil {
		return "", fmt.Errorf("store: create direct conversation with %s: %w", peer, err)
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO conversation_member (conversation_id, recipient) VALUES (?, ?)",
		id, peer,
	); err != nil {
		return "", fmt.Errorf("store: add %s to new conversation: %w", peer, err)
	}
	return id, nil
}

// SupportsResend reports whether the peer's capability set advertises
// resend-request support. Unknown recipients are assumed capable.
func (s *Store) SupportsResend(ctx context.Context, peer delivery.RecipientID) (bool, error) {
	var supports bool
	err := s.db.QueryRowContext(ctx,
		"SELECT supports_resend FROM recipient WHERE id = ?", peer,
	).Scan(&supports)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("store: capability lookup for %s: %w", peer, err)
	}
	return supports, nil
}

// SetResendCapability records whether a recipient can consume resend
// requests.
func (s *Store) SetResendCapability(ctx context.Context, peer delivery.RecipientID, supports bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipient (id, supports_resend) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET supports_resend = excluded.supports_resend`,
		peer, supports,
	)
	if err != nil {
		return fmt.Errorf("store: set capability for %s: %w", peer, err)
	}
	return nil
}

// IsGroupMember reports whether r is currently a member of the group
// conversation identified by groupID.
func (s *Store) IsGroupMember(ctx context.Context, groupID []byte, r delivery.RecipientID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_member m
		 JOIN conversation c ON c.id = m.conversation_id
		 WHERE c.group_id = ? AND m.recipient = ?`,
		groupID, r,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: group membership lookup: %w", err)
	}
	return n > 0, nil
}
