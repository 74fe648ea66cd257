// Package delivery implements the outgoing-message fan-out: resolving
// which recipients still need a send, dispatching direct and group sends
// through the transport, and classifying failed attempts for retry.
package delivery

import "time"

// RecipientID identifies a single account a message is addressed to.
type RecipientID string

// ConversationID identifies the conversation owning a message.
type ConversationID string

// SendStatus is the per-recipient delivery status of a message.
type SendStatus int

const (
	StatusPending SendStatus = iota
	StatusSent
	StatusFailed
)

func (s SendStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SendState is the delivery state for one recipient. Errors accumulates
// human-readable failure causes; it is only persisted on final give-up.
type SendState struct {
	Status SendStatus `json:"status"`
	Errors []string   `json:"errors,omitempty"`
}

// OutgoingMessage is one logical message queued for delivery. Body is the
// already-built content envelope; this package never looks inside it.
type OutgoingMessage struct {
	ID             string
	Timestamp      uint64 // unix millis, the recipient-visible dedup key
	ConversationID ConversationID
	Body           []byte
	SendState      map[RecipientID]SendState
	Urgent         bool

	// Erased is set when the user deleted the message while it was
	// queued. Dispatch short-circuits without network I/O.
	Erased bool
}

// FullySent reports whether every recipient has reached StatusSent.
func (m *OutgoingMessage) FullySent() bool {
	if len(m.SendState) == 0 {
		return false
	}
	for _, st := range m.SendState {
		if st.Status != StatusSent {
			return false
		}
	}
	return true
}

// ConversationKind distinguishes the dispatch paths.
type ConversationKind int

const (
	KindDirect ConversationKind = iota
	KindGroup
	KindSelf // note-to-self: sync sends only
)

// Member is one conversation member with the trust flags the resolver
// needs. All flags reflect the state at snapshot time.
type Member struct {
	ID           RecipientID
	Untrusted    bool // unverified identity change, blocks the whole attempt
	Blocked      bool
	Unregistered bool
}

// ConversationSnapshot is an explicit, already-resolved view of a
// conversation. The resolver is a pure function of (message, snapshot);
// callers must build a fresh snapshot per dispatch attempt because
// membership and trust state are mutable.
type ConversationSnapshot struct {
	ID       ConversationID
	Kind     ConversationKind
	Self     RecipientID
	Accepted bool // direct only: peer accepted the message request
	GroupID  []byte
	Revision uint32
	Members  []Member
}

// member returns the snapshot entry for id, or nil.
func (s *ConversationSnapshot) member(id RecipientID) *Member {
	for i := range s.Members {
		if s.Members[i].ID == id {
			return &s.Members[i]
		}
	}
	return nil
}

// ContentHint mirrors the hint attached to sealed content, telling the
// recipient what to do when decryption fails.
type ContentHint int

const (
	HintDefault ContentHint = iota
	HintResendable
	HintImplicit
)

// SentProtoRecord is the durable record of what was actually transmitted
// to one recipient, keyed by (recipient, timestamp). It is what makes a
// resend possible without re-deriving the plaintext.
type SentProtoRecord struct {
	ConversationID ConversationID
	Timestamp      uint64
	Ciphertext     []byte
	ContentHint    ContentHint
	MessageIDs     []string
	Urgent         bool
}

// SessionRef names one cryptographic session.
type SessionRef struct {
	Account RecipientID
	Device  int
}

// Session is a loaded session record. RemoteKey is the peer's current
// ratchet public key; Fingerprint is its stable identifier.
type Session struct {
	Ref         SessionRef
	RemoteKey   [32]byte
	Fingerprint string
}

// RatchetKeyMatches reports whether the peer's claimed ratchet-key
// fingerprint matches this session.
func (s *Session) RatchetKeyMatches(fingerprint string) bool {
	return s != nil && fingerprint != "" && s.Fingerprint == fingerprint
}

// Budget is the attempt budget handed to a running dispatch job by the
// per-conversation scheduler.
type Budget interface {
	IsFinalAttempt() bool
	TimeRemaining() time.Duration
	ShouldContinue() bool
}

// RecipientFailure pairs a recipient with the error that failed it.
type RecipientFailure struct {
	Recipient RecipientID
	Err       error
}

// AttemptResult is the explicit outcome of one dispatch attempt. Sent and
// Failed cover the recipients touched by this attempt; Err carries the
// aggregate cause when the attempt as a whole failed.
type AttemptResult struct {
	Sent   []RecipientID
	Failed []RecipientFailure
	Err    error
}

// Success reports whether the attempt fully succeeded.
func (r *AttemptResult) Success() bool {
	return r != nil && r.Err == nil && len(r.Failed) == 0
}
