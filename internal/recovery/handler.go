package recovery

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/chatterlab/courier/internal/delivery"
	"github.com/chatterlab/courier/internal/wire"
)

// RetryLimit caps how many recovery signals a single message timestamp
// may trigger; further signals are acknowledged and dropped.
const RetryLimit = 5

// DefaultMaxAge is how old a message may be and still be resent as
// content. Older requests get the distribution/null fallback only.
const DefaultMaxAge = 14 * 24 * time.Hour

// State names one step of the recovery state machine. Every handled
// signal records its transition trace, which makes the fallback
// branches exhaustively testable.
type State int

const (
	StateReceived State = iota
	StateRateChecked
	StateArchived
	StateTooOld
	StateDistributionSent
	StateNullMessageSent
	StateResent
	StateResetScheduled
	StateDropped
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateRateChecked:
		return "rate-checked"
	case StateArchived:
		return "archived"
	case StateTooOld:
		return "too-old"
	case StateDistributionSent:
		return "distribution-sent"
	case StateNullMessageSent:
		return "null-message-sent"
	case StateResent:
		return "resent"
	case StateResetScheduled:
		return "reset-scheduled"
	case StateDropped:
		return "dropped"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Trace is the ordered state sequence one signal moved through.
type Trace struct {
	States []State
}

func (t *Trace) push(s State) { t.States = append(t.States, s) }

// Terminal returns the last recorded state.
func (t *Trace) Terminal() State {
	if len(t.States) == 0 {
		return StateReceived
	}
	return t.States[len(t.States)-1]
}

// Has reports whether the trace passed through s.
func (t *Trace) Has(s State) bool {
	for _, st := range t.States {
		if st == s {
			return true
		}
	}
	return false
}

// ResendRequest is a peer explicitly asking for the message at Timestamp
// to be resent. RatchetKey is the requester's claimed ratchet-key
// fingerprint for its session with us.
type ResendRequest struct {
	Requester delivery.RecipientID
	Device    int
	Timestamp uint64
	RatchetKey string
	GroupID   []byte
}

// DecryptionError is a raw decryption-failure report without a specific
// resend mechanism.
type DecryptionError struct {
	Sender     delivery.RecipientID
	Device     int
	Timestamp  uint64
	RatchetKey string
}

// NotGroupMemberError is a protocol-integrity error: the requester
// claims membership inconsistent with current state. Raised hard, never
// silently dropped; it indicates a bug or an attack.
type NotGroupMemberError struct {
	Requester delivery.RecipientID
	GroupID   []byte
}

func (e *NotGroupMemberError) Error() string {
	return fmt.Sprintf("recovery: %s is not a member of group %x", e.Requester, e.GroupID)
}

// ResendKind says what a scheduled recovery send carries.
type ResendKind int

const (
	ResendContent ResendKind = iota
	ResendDistribution
	ResendNullMessage
)

// ResendJob is a send job the handler schedules back through the
// per-conversation scheduler. For ResendContent the Timestamp is the
// original message timestamp: recipients deduplicate by timestamp, so a
// resend must never regenerate one.
type ResendJob struct {
	Kind           ResendKind
	Recipient      delivery.RecipientID
	ConversationID delivery.ConversationID
	Timestamp      uint64
	Ciphertext     []byte
	ContentHint    delivery.ContentHint
	Urgent         bool
	GroupID        []byte
	DistributionID string
}

// Resender schedules recovery sends on the serialized per-conversation
// scheduler.
type Resender interface {
	EnqueueResend(ctx context.Context, job *ResendJob) error
}

// ResetScheduler queues an automatic light session reset; the queue
// drains only when the dispatcher is otherwise idle.
type ResetScheduler interface {
	ScheduleReset(ref delivery.SessionRef, conversation delivery.ConversationID)
}

// ConversationDirectory resolves conversations and peer capabilities.
type ConversationDirectory interface {
	// EnsureDirect resolves or creates the direct conversation with peer.
	EnsureDirect(ctx context.Context, peer delivery.RecipientID) (delivery.ConversationID, error)
	// SupportsResend reports whether the peer's capability set
	// advertises resend-request support.
	SupportsResend(ctx context.Context, peer delivery.RecipientID) (bool, error)
	IsGroupMember(ctx context.Context, groupID []byte, r delivery.RecipientID) (bool, error)
}

// DistributionListStore exposes story-list membership and active
// sender-key distributions.
type DistributionListStore interface {
	GetMembership(ctx context.Context, listID string) (map[delivery.RecipientID]struct{}, error)
	// SenderKeyDistribution returns the active distribution ID and the
	// serialized distribution message for a group, or "" when the group
	// has none.
	SenderKeyDistribution(ctx context.Context, groupID []byte) (string, []byte, error)
}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	Ledger        Ledger
	Sessions      delivery.SessionStore
	Protos        delivery.ProtoRecordStore
	Conversations ConversationDirectory
	Lists         DistributionListStore
	Resender      Resender
	Resets        ResetScheduler
	Metrics       *delivery.Metrics
	Logger        *log.Logger

	// MaxAge and RetryLimit take the package defaults when zero.
	MaxAge     time.Duration
	RetryLimit int
	// SenderKeyRetryDisabled forces decryption errors straight to the
	// automatic session reset path.
	SenderKeyRetryDisabled bool

	Now func() time.Time
}

// Handler is the recovery protocol state machine.
type Handler struct {
	ledger   Ledger
	sessions delivery.SessionStore
	protos   delivery.ProtoRecordStore
	convs    ConversationDirectory
	lists    DistributionListStore
	resender Resender
	resets   ResetScheduler
	metrics  *delivery.Metrics
	logger   *log.Logger

	maxAge            time.Duration
	retryLimit        int
	senderKeyDisabled bool
	now               func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		ledger:            cfg.Ledger,
		sessions:          cfg.Sessions,
		protos:            cfg.Protos,
		convs:             cfg.Conversations,
		lists:             cfg.Lists,
		resender:          cfg.Resender,
		resets:            cfg.Resets,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger,
		maxAge:            cfg.MaxAge,
		retryLimit:        cfg.RetryLimit,
		senderKeyDisabled: cfg.SenderKeyRetryDisabled,
		now:               cfg.Now,
	}
	if h.maxAge <= 0 {
		h.maxAge = DefaultMaxAge
	}
	if h.retryLimit <= 0 {
		h.retryLimit = RetryLimit
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// HandleResendRequest processes an explicit resend request. The returned
// trace records every state the signal moved through; a rate-limited
// drop is not an error.
func (h *Handler) HandleResendRequest(ctx context.Context, req *ResendRequest) (*Trace, error) {
	trace := &Trace{}
	trace.push(StateReceived)

	if !h.rateCheck(trace, "resend_request", req.Timestamp) {
		return trace, nil
	}

	err := h.resendAfterRateCheck(ctx, trace, req)
	h.countSignal("resend_request", trace)
	return trace, err
}

// resendAfterRateCheck runs steps 2-6 of the resend-request flow. Split
// out so a synthesized request from a decryption error is not
// rate-checked twice.
func (h *Handler) resendAfterRateCheck(ctx context.Context, trace *Trace, req *ResendRequest) error {
	ref := delivery.SessionRef{Account: req.Requester, Device: req.Device}

	// Archive the session when the requester's view of the ratchet
	// matches ours: their next message forces a fresh handshake.
	didArchive, err := h.sessions.ArchiveSessionIfMatches(ctx, ref, req.RatchetKey)
	if err != nil {
		return fmt.Errorf("recovery: archive session for %s.%d: %w", req.Requester, req.Device, err)
	}
	if didArchive {
		trace.push(StateArchived)
		logf(h.logger, "recovery: archived session for %s.%d", req.Requester, req.Device)
	}

	// Never resend old content; re-establishing keys is all an ancient
	// request gets.
	sent := time.UnixMilli(int64(req.Timestamp))
	if h.now().Sub(sent) > h.maxAge {
		trace.push(StateTooOld)
		logf(h.logger, "recovery: request for %d older than %s, fallback only", req.Timestamp, h.maxAge)
		return h.fallback(ctx, trace, req, didArchive)
	}

	rec, err := h.protos.GetSentProto(ctx, req.Requester, req.Timestamp)
	if err != nil {
		return fmt.Errorf("recovery: load sent proto (%s, %d): %w", req.Requester, req.Timestamp, err)
	}
	if rec == nil {
		logf(h.logger, "recovery: no sent proto for (%s, %d), fallback", req.Requester, req.Timestamp)
		return h.fallback(ctx, trace, req, didArchive)
	}

	return h.resendContent(ctx, trace, req, rec)
}

// resendContent reconstructs the original send from the stored proto
// record and schedules it with the exact original timestamp, content
// hint, and urgency.
func (h *Handler) resendContent(ctx context.Context, trace *Trace, req *ResendRequest, rec *delivery.SentProtoRecord) error {
	content, err := wire.Unmarshal(rec.Ciphertext)
	if err != nil {
		return fmt.Errorf("recovery: decode stored content for %d: %w", rec.Timestamp, err)
	}

	envelope := rec.Ciphertext

	if content.Group != nil {
		// Membership may have changed since the original send.
		member, err := h.convs.IsGroupMember(ctx, content.Group.ID, req.Requester)
		if err != nil {
			return fmt.Errorf("recovery: check group membership: %w", err)
		}
		if !member {
			return &NotGroupMemberError{Requester: req.Requester, GroupID: content.Group.ID}
		}

		// The requester's sender key may be the reason decryption
		// failed; piggyback a fresh distribution message.
		_, skdm, err := h.lists.SenderKeyDistribution(ctx, content.Group.ID)
		if err != nil {
			return fmt.Errorf("recovery: load sender key distribution: %w", err)
		}
		if len(skdm) > 0 {
			envelope, err = wire.InjectSKDM(rec.Ciphertext, skdm)
			if err != nil {
				return fmt.Errorf("recovery: inject distribution message: %w", err)
			}
		}
	}

	if content.IsStory() {
		members, err := h.lists.GetMembership(ctx, content.Story.ListID)
		if err != nil {
			return fmt.Errorf("recovery: load list membership: %w", err)
		}
		if _, ok := members[req.Requester]; !ok {
			// Left the distribution list: acknowledge and drop.
			logf(h.logger, "recovery: %s no longer in list %s, dropping story resend", req.Requester, content.Story.ListID)
			trace.push(StateDropped)
			return nil
		}
	}

	job := &ResendJob{
		Kind:           ResendContent,
		Recipient:      req.Requester,
		ConversationID: rec.ConversationID,
		Timestamp:      rec.Timestamp,
		Ciphertext:     envelope,
		ContentHint:    rec.ContentHint,
		Urgent:         rec.Urgent,
		GroupID:        req.GroupID,
	}
	if err := h.resender.EnqueueResend(ctx, job); err != nil {
		return fmt.Errorf("recovery: enqueue resend: %w", err)
	}

	trace.push(StateResent)
	trace.push(StateResolved)
	return nil
}

// fallback sends a distribution message when the group has an active
// sender-key distribution, or a null message when a session was just
// archived, or nothing at all.
func (h *Handler) fallback(ctx context.Context, trace *Trace, req *ResendRequest, didArchive bool) error {
	if len(req.GroupID) > 0 {
		distID, skdm, err := h.lists.SenderKeyDistribution(ctx, req.GroupID)
		if err != nil {
			return fmt.Errorf("recovery: load sender key distribution: %w", err)
		}
		if distID != "" {
			job := &ResendJob{
				Kind:           ResendDistribution,
				Recipient:      req.Requester,
				Timestamp:      req.Timestamp,
				Ciphertext:     skdm,
				GroupID:        req.GroupID,
				DistributionID: distID,
			}
			if err := h.resender.EnqueueResend(ctx, job); err != nil {
				return fmt.Errorf("recovery: enqueue distribution message: %w", err)
			}
			trace.push(StateDistributionSent)
			trace.push(StateResolved)
			return nil
		}
	}

	if didArchive {
		// Complete the fresh handshake on both ends.
		job := &ResendJob{
			Kind:      ResendNullMessage,
			Recipient: req.Requester,
			Timestamp: req.Timestamp,
		}
		if err := h.resender.EnqueueResend(ctx, job); err != nil {
			return fmt.Errorf("recovery: enqueue null message: %w", err)
		}
		trace.push(StateNullMessageSent)
		trace.push(StateResolved)
		return nil
	}

	trace.push(StateDropped)
	return nil
}

// HandleDecryptionError processes a raw decryption-failure report. Peers
// that cannot consume a resend get an automatic session reset instead.
func (h *Handler) HandleDecryptionError(ctx context.Context, de *DecryptionError) (*Trace, error) {
	trace := &Trace{}
	trace.push(StateReceived)

	if !h.rateCheck(trace, "decryption_error", de.Timestamp) {
		return trace, nil
	}

	conv, err := h.convs.EnsureDirect(ctx, de.Sender)
	if err != nil {
		return trace, fmt.Errorf("recovery: resolve conversation for %s: %w", de.Sender, err)
	}

	supports, err := h.convs.SupportsResend(ctx, de.Sender)
	if err != nil {
		return trace, fmt.Errorf("recovery: capability lookup for %s: %w", de.Sender, err)
	}

	if !supports || h.senderKeyDisabled {
		// The reset queue drains when otherwise idle and performs no
		// resend, so it bypasses the ledger entirely.
		h.resets.ScheduleReset(delivery.SessionRef{Account: de.Sender, Device: de.Device}, conv)
		trace.push(StateResetScheduled)
		trace.push(StateResolved)
		h.countSignal("decryption_error", trace)
		return trace, nil
	}

	req := &ResendRequest{
		Requester:  de.Sender,
		Device:     de.Device,
		Timestamp:  de.Timestamp,
		RatchetKey: de.RatchetKey,
	}
	err = h.resendAfterRateCheck(ctx, trace, req)
	h.countSignal("decryption_error", trace)
	return trace, err
}

// rateCheck increments the ledger and reports whether processing may
// continue. A drop is deliberate back-pressure, not an error.
func (h *Handler) rateCheck(trace *Trace, kind string, timestamp uint64) bool {
	count := h.ledger.IncrementAndGet(timestamp)
	if count > h.retryLimit {
		logf(h.logger, "recovery: %s for %d seen %d times, dropping", kind, timestamp, count)
		trace.push(StateDropped)
		if h.metrics != nil {
			h.metrics.RateLimitedDrops.Inc()
			h.metrics.RecoveryTotal.WithLabelValues(kind, trace.Terminal().String()).Inc()
		}
		return false
	}
	trace.push(StateRateChecked)
	return true
}

func (h *Handler) countSignal(kind string, trace *Trace) {
	if h.metrics != nil {
		h.metrics.RecoveryTotal.WithLabelValues(kind, trace.Terminal().String()).Inc()
	}
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
