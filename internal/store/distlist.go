package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chatterlab/courier/internal/delivery"
)

// GetMembership returns the current members of a story distribution
// list. A missing list yields an empty set.
func (s *Store) GetMembership(ctx context.Context, listID string) (map[delivery.RecipientID]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT recipient FROM distribution_member WHERE list_id = ?", listID)
	if err != nil {
		return nil, fmt.Errorf("store: load list %s: %w", listID, err)
	}
	defer rows.Close()

	members := make(map[delivery.RecipientID]struct{})
	for rows.Next() {
		var r delivery.RecipientID
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("store: scan list member: %w", err)
		}
		members[r] = struct{}{}
	}
	return members, rows.Err()
}

// SetMembership replaces the member set of a distribution list.
func (s *Store) SetMembership(ctx context.Context, listID string, members []delivery.RecipientID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: set list %s: %w", listID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM distribution_member WHERE list_id = ?", listID,
	); err != nil {
		return fmt.Errorf("store: clear list %s: %w", listID, err)
	}
	for _, r := range members {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO distribution_member (list_id, recipient) VALUES (?, ?)", listID, r,
		); err != nil {
			return fmt.Errorf("store: add %s to list %s: %w", r, listID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: set list %s: %w", listID, err)
	}
	return nil
}

// SenderKeyDistribution returns the active distribution ID and the
// serialized distribution message for a group, or "" when the group has
// none.
func (s *Store) SenderKeyDistribution(ctx context.Context, groupID []byte) (string, []byte, error) {
	var (
		distID string
		msg    []byte
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT distribution_id, message FROM sender_key_distribution WHERE group_id = ?", groupID,
	).Scan(&distID, &msg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("store: load distribution for group %x: %w", groupID, err)
	}
	return distID, msg, nil
}

// SetSenderKeyDistribution stores the active sender-key distribution
// message for a group, replacing any previous one.
func (s *Store) SetSenderKeyDistribution(ctx context.Context, groupID []byte, distributionID string, message []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO sender_key_distribution (group_id, distribution_id, message) VALUES (?, ?, ?)",
		groupID, distributionID, message,
	)
	if err != nil {
		return fmt.Errorf("store: set distribution for group %x: %w", groupID, err)
	}
	return nil
}
