package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chatterlab/courier/internal/delivery"
)

// LoadSession loads the active session for the given ref. Returns
// nil, nil if no session exists or it has been archived.
func (s *Store) LoadSession(ctx context.Context, ref delivery.SessionRef) (*delivery.Session, error) {
	var (
		remoteKey   []byte
		fingerprint string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT remote_key, fingerprint FROM session WHERE account = ? AND device_id = ? AND archived = 0",
		ref.Account, ref.Device,
	).Scan(&remoteKey, &fingerprint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load session %s.%d: %w", ref.Account, ref.Device, err)
	}

	sess := &delivery.Session{Ref: ref, Fingerprint: fingerprint}
	copy(sess.RemoteKey[:], remoteKey)
	return sess, nil
}

// StoreSession inserts or replaces the session for its ref and clears
// any archived flag.
func (s *Store) StoreSession(ctx context.Context, sess *delivery.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session (account, device_id, remote_key, fingerprint, archived)
		 VALUES (?, ?, ?, ?, 0)
		 ON CONFLICT(account, device_id) DO UPDATE SET
		   remote_key = excluded.remote_key,
		   fingerprint = excluded.fingerprint,
		   archived = 0`,
		sess.Ref.Account, sess.Ref.Device, sess.RemoteKey[:], sess.Fingerprint,
	)
	if err != nil {
		return fmt.Errorf("store: store session %s.%d: %w", sess.Ref.Account, sess.Ref.Device, err)
	}
	return nil
}

// ArchiveSession marks the session archived. The next send to this ref
// must establish a fresh session.
func (s *Store) ArchiveSession(ctx context.Context, ref delivery.SessionRef) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE session SET archived = 1 WHERE account = ? AND device_id = ?",
		ref.Account, ref.Device,
	)
	if err != nil {
		return fmt.Errorf("store: archive session %s.%d: %w", ref.Account, ref.Device, err)
	}
	return nil
}

// ArchiveSessionIfMatches archives the session only when its stored
// ratchet-key fingerprint equals the given one. The comparison and the
// archive are a single UPDATE, so no concurrent reader can observe the
// session between check and archive.
func (s *Store) ArchiveSessionIfMatches(ctx context.Context, ref delivery.SessionRef, fingerprint string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE session SET archived = 1 WHERE account = ? AND device_id = ? AND fingerprint = ? AND archived = 0",
		ref.Account, ref.Device, fingerprint,
	)
	if err != nil {
		return false, fmt.Errorf("store: archive session %s.%d: %w", ref.Account, ref.Device, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: archive session %s.%d: %w", ref.Account, ref.Device, err)
	}
	return n > 0, nil
}

// LightSessionReset drops the session's ratchet material so the next
// send runs a fresh handshake. The row itself stays; conversation
// history is untouched.
func (s *Store) LightSessionReset(ctx context.Context, ref delivery.SessionRef) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE session SET archived = 1, fingerprint = '' WHERE account = ? AND device_id = ?",
		ref.Account, ref.Device,
	)
	if err != nil {
		return fmt.Errorf("store: reset session %s.%d: %w", ref.Account, ref.Device, err)
	}
	return nil
}
