package delivery

import "context"

// MessageStore is the durable message record store consumed by the
// dispatcher and classifier.
type MessageStore interface {
	GetByID(ctx context.Context, id string) (*OutgoingMessage, error)
	// Save persists the message including its per-recipient send state.
	Save(ctx context.Context, msg *OutgoingMessage) error
	// MarkFailed flags the message as terminally failed.
	MarkFailed(ctx context.Context, msg *OutgoingMessage) error
	// SaveErrors persists user-visible failure diagnostics. Only called
	// on final give-up; transient attempt errors are never written.
	SaveErrors(ctx context.Context, msg *OutgoingMessage, failures []RecipientFailure) error
}

// SessionStore holds per-(account, device) session state.
type SessionStore interface {
	// LoadSession returns nil, nil when no session exists.
	LoadSession(ctx context.Context, ref SessionRef) (*Session, error)
	ArchiveSession(ctx context.Context, ref SessionRef) error
	// ArchiveSessionIfMatches atomically compares the stored ratchet-key
	// fingerprint and archives the session on a match. Returns whether
	// the session was archived. Atomic so no concurrent reader observes
	// a session mid-archive.
	ArchiveSessionIfMatches(ctx context.Context, ref SessionRef, fingerprint string) (bool, error)
	// LightSessionReset re-keys the session in place without deleting
	// history-relevant state.
	LightSessionReset(ctx context.Context, ref SessionRef) error
}

// PerRecipientResult maps each addressed recipient to its delivery error,
// nil meaning success. One fan-out call may succeed for some recipients
// and fail for others.
type PerRecipientResult map[RecipientID]error

// RecipientMessage is one sealed envelope addressed to one recipient.
type RecipientMessage struct {
	Recipient  RecipientID
	Ciphertext []byte
}

// Payload is one transport send: the sealed envelopes plus the metadata
// recipients use for deduplication and group ordering.
type Payload struct {
	ConversationID ConversationID
	Timestamp      uint64
	Messages       []RecipientMessage
	ContentHint    ContentHint
	Urgent         bool
	Sync           bool // addressed to our own devices only
	GroupID        []byte
	Revision       uint32
}

// Transport delivers sealed payloads. Implementations report partial
// failure through PerRecipientResult; the returned error is the overall
// throw-cause (transport-level failure before any per-recipient result).
type Transport interface {
	SendDirect(ctx context.Context, p *Payload) (PerRecipientResult, error)
	SendGroup(ctx context.Context, p *Payload) (PerRecipientResult, error)
}

// ProtoRecordStore persists what was actually transmitted, keyed by
// (recipient, sent timestamp), so a resend can be reconstructed without
// re-deriving the plaintext.
type ProtoRecordStore interface {
	// GetSentProto returns nil, nil when no record exists.
	GetSentProto(ctx context.Context, recipient RecipientID, timestamp uint64) (*SentProtoRecord, error)
	SaveSentProto(ctx context.Context, recipient RecipientID, rec *SentProtoRecord) error
}

// Encryptor is the envelope encryption capability. Implementations are
// assumed correct; this package never inspects ciphertext.
type Encryptor interface {
	Seal(plaintext []byte, remoteKey [32]byte) ([]byte, error)
}
