package delivery

import (
	"context"
	"fmt"
	"log"
	"time"
)

// primaryDevice is the device sealed for at this layer; further device
// fan-out happens inside the transport.
const primaryDevice = 1

// Dispatcher performs the per-recipient fan-out for one message at a
// time. The per-conversation scheduler guarantees at most one Dispatch
// in flight per conversation, which keeps sender-key distribution
// ordering intact.
type Dispatcher struct {
	messages  MessageStore
	sessions  SessionStore
	transport Transport
	protos    ProtoRecordStore
	enc       Encryptor
	metrics   *Metrics
	logger    *log.Logger
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Messages  MessageStore
	Sessions  SessionStore
	Transport Transport
	Protos    ProtoRecordStore
	Encryptor Encryptor
	Metrics   *Metrics
	Logger    *log.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		messages:  cfg.Messages,
		sessions:  cfg.Sessions,
		transport: cfg.Transport,
		protos:    cfg.Protos,
		enc:       cfg.Encryptor,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// Dispatch runs one delivery attempt for msg against a fresh
// conversation snapshot. It returns the explicit attempt outcome; the
// classifier decides what happens to a failed attempt.
//
// State transitions are monotonic: a recipient that reached Sent is
// never re-attempted or reverted. Transient failures leave recipients
// Pending; only final give-up (classifier) or budget exhaustion (here)
// moves them to Failed.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *OutgoingMessage, snap *ConversationSnapshot, b Budget) (*AttemptResult, error) {
	start := time.Now()
	kind := kindLabel(snap.Kind)

	res, err := d.dispatch(ctx, msg, snap, b)

	if d.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		d.metrics.DispatchDuration.WithLabelValues(kind, status).Observe(time.Since(start).Seconds())
	}
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *OutgoingMessage, snap *ConversationSnapshot, b Budget) (*AttemptResult, error) {
	if msg.Erased {
		logf(d.logger, "dispatch: message %s erased, skipping", msg.ID)
		return &AttemptResult{}, ErrMessageErased
	}

	// Budget exhausted: no network I/O, mark permanently failed with a
	// timeout error rather than leaving recipients Pending forever.
	if !b.ShouldContinue() {
		terr := &TimeoutError{MessageID: msg.ID}
		if err := d.markTimedOut(ctx, msg, terr); err != nil {
			return nil, err
		}
		return &AttemptResult{Err: terr}, terr
	}

	resolution, err := Resolve(msg, snap)
	if err != nil {
		// Untrusted identity: surfaced before any I/O, no state change.
		return &AttemptResult{Err: err}, err
	}

	// Self conversations only ever talk to our own devices.
	if snap.Kind == KindSelf {
		return d.sendSyncOnly(ctx, msg, snap)
	}

	if len(resolution.ToSend) == 0 {
		if len(resolution.AlreadySent) > 0 {
			return d.sendSyncOnly(ctx, msg, snap)
		}
		if snap.Kind == KindDirect {
			// The direct path reports why the peer is unreachable as a
			// terminal failure.
			return d.sendDirect(ctx, msg, snap, resolution.ToSend)
		}
		logf(d.logger, "dispatch: message %s has no eligible recipients", msg.ID)
		return &AttemptResult{}, nil
	}

	switch snap.Kind {
	case KindGroup:
		return d.sendGroup(ctx, msg, snap, resolution.ToSend)
	default:
		return d.sendDirect(ctx, msg, snap, resolution.ToSend)
	}
}

// sendSyncOnly sends a data message addressed to our own devices. Keeps
// multi-device state consistent when there is nothing (left) to send to
// external recipients; this is not an error path.
func (d *Dispatcher) sendSyncOnly(ctx context.Context, msg *OutgoingMessage, snap *ConversationSnapshot) (*AttemptResult, error) {
	logf(d.logger, "dispatch: message %s sync-only send to %s", msg.ID, snap.Self)

	payload, failures := d.buildPayload(ctx, msg, snap, []RecipientID{snap.Self})
	payload.Sync = true
	if len(failures) > 0 {
		serr := &SendError{Failed: failures}
		return &AttemptResult{Failed: failures, Err: serr}, serr
	}

	perRecipient, err := d.transport.SendDirect(ctx, payload)
	return d.finish(ctx, msg, snap, payload, perRecipient, err)
}

func (d *Dispatcher) sendDirect(ctx context.Context, msg *OutgoingMessage, snap *ConversationSnapshot, toSend []RecipientID) (*AttemptResult, error) {
	// Refuse terminal recipient conditions before any I/O. These are
	// distinct from network failures and never retried.
	if uerr := refuseDirect(snap); uerr != nil {
		return &AttemptResult{
			Failed: []RecipientFailure{{Recipient: uerr.Recipient, Err: uerr}},
			Err:    uerr,
		}, uerr
	}

	if len(toSend) == 0 {
		return &AttemptResult{}, nil
	}

	payload, failures := d.buildPayload(ctx, msg, snap, toSend)
	if len(payload.Messages) == 0 {
		serr := &SendError{Failed: failures}
		return &AttemptResult{Failed: failures, Err: serr}, serr
	}

	perRecipient, err := d.transport.SendDirect(ctx, payload)
	res, rerr := d.finish(ctx, msg, snap, payload, perRecipient, err)
	res.Failed = append(failures, res.Failed...)
	return res, rerr
}

// sendGroup fans out over the member list with group-epoch metadata
// attached. Runs inside the serialized per-conversation job, so a
// sender-key distribution message is never interleaved with the data
// message it must precede.
func (d *Dispatcher) sendGroup(ctx context.Context, msg *OutgoingMessage, snap *ConversationSnapshot, toSend []RecipientID) (*AttemptResult, error) {
	payload, failures := d.buildPayload(ctx, msg, snap, toSend)
	payload.GroupID = snap.GroupID
	payload.Revision = snap.Revision

	if len(payload.Messages) == 0 {
		serr := &SendError{Failed: failures}
		return &AttemptResult{Failed: failures, Err: serr}, serr
	}

	perRecipient, err := d.transport.SendGroup(ctx, payload)
	res, rerr := d.finish(ctx, msg, snap, payload, perRecipient, err)
	res.Failed = append(failures, res.Failed...)
	return res, rerr
}

// buildPayload seals the message body for each recipient. Recipients
// without a loadable session become per-recipient failures; they stay
// Pending and are retried once a session is re-established.
func (d *Dispatcher) buildPayload(ctx context.Context, msg *OutgoingMessage, snap *ConversationSnapshot, recipients []RecipientID) (*Payload, []RecipientFailure) {
	payload := &Payload{
		ConversationID: msg.ConversationID,
		Timestamp:      msg.Timestamp,
		ContentHint:    HintResendable,
		Urgent:         msg.Urgent,
	}

	var failures []RecipientFailure
	for _, r := range recipients {
		session, err := d.sessions.LoadSession(ctx, SessionRef{Account: r, Device: primaryDevice})
		if err != nil {
			failures = append(failures, RecipientFailure{Recipient: r, Err: fmt.Errorf("load session: %w", err)})
			continue
		}
		if session == nil {
			failures = append(failures, RecipientFailure{Recipient: r, Err: fmt.Errorf("no session for %s", r)})
			continue
		}
		ct, err := d.enc.Seal(msg.Body, session.RemoteKey)
		if err != nil {
			failures = append(failures, RecipientFailure{Recipient: r, Err: fmt.Errorf("seal: %w", err)})
			continue
		}
		payload.Messages = append(payload.Messages, RecipientMessage{Recipient: r, Ciphertext: ct})
	}
	return payload, failures
}

// finish merges the transport's per-recipient result into the message
// state, records sent protos, and computes the overall outcome.
func (d *Dispatcher) finish(ctx context.Context, msg *OutgoingMessage, snap *ConversationSnapshot, payload *Payload, perRecipient PerRecipientResult, sendErr error) (*AttemptResult, error) {
	res := &AttemptResult{}

	for _, rm := range payload.Messages {
		recipErr, reported := perRecipient[rm.Recipient]
		if sendErr != nil && !reported {
			// Transport-level failure before per-recipient results.
			recipErr = sendErr
		}
		if recipErr != nil {
			res.Failed = append(res.Failed, RecipientFailure{Recipient: rm.Recipient, Err: recipErr})
			d.countSend("failed")
			continue
		}
		res.Sent = append(res.Sent, rm.Recipient)
		d.countSend("sent")

		st := msg.SendState[rm.Recipient]
		if st.Status != StatusSent {
			st.Status = StatusSent
			msg.SendState[rm.Recipient] = st
		}

		if d.protos != nil {
			rec := &SentProtoRecord{
				ConversationID: msg.ConversationID,
				Timestamp:      msg.Timestamp,
				Ciphertext:     msg.Body,
				ContentHint:    payload.ContentHint,
				MessageIDs:     []string{msg.ID},
				Urgent:         msg.Urgent,
			}
			if err := d.protos.SaveSentProto(ctx, rm.Recipient, rec); err != nil {
				logf(d.logger, "dispatch: save sent proto for %s: %v", rm.Recipient, err)
			}
		}
	}

	if err := d.messages.Save(ctx, msg); err != nil {
		return res, fmt.Errorf("dispatch: save message %s: %w", msg.ID, err)
	}

	// Overall success: no per-recipient errors, or every recipient has
	// reached Sent regardless of this attempt's partial failures.
	if (sendErr == nil && len(res.Failed) == 0) || msg.FullySent() {
		return res, nil
	}

	res.Err = &SendError{Cause: sendErr, Failed: res.Failed}
	return res, res.Err
}

// markTimedOut synchronously fails every still-pending recipient with a
// timeout-classified error and persists the failure.
func (d *Dispatcher) markTimedOut(ctx context.Context, msg *OutgoingMessage, terr *TimeoutError) error {
	var failures []RecipientFailure
	for id, st := range msg.SendState {
		if st.Status != StatusPending {
			continue
		}
		st.Status = StatusFailed
		st.Errors = append(st.Errors, terr.Error())
		msg.SendState[id] = st
		failures = append(failures, RecipientFailure{Recipient: id, Err: terr})
	}
	if err := d.messages.SaveErrors(ctx, msg, failures); err != nil {
		return fmt.Errorf("dispatch: save timeout errors: %w", err)
	}
	if err := d.messages.MarkFailed(ctx, msg); err != nil {
		return fmt.Errorf("dispatch: mark failed: %w", err)
	}
	return nil
}

func (d *Dispatcher) countSend(status string) {
	if d.metrics != nil {
		d.metrics.SendsTotal.WithLabelValues(status).Inc()
	}
}

// refuseDirect returns the terminal error for a direct conversation
// whose peer cannot be sent to, or nil when the peer is eligible.
func refuseDirect(snap *ConversationSnapshot) *RecipientUnavailableError {
	peer := directPeer(snap)
	if peer == nil {
		return nil
	}
	switch {
	case peer.Blocked:
		return &RecipientUnavailableError{Recipient: peer.ID, Reason: ReasonBlocked}
	case peer.Unregistered:
		return &RecipientUnavailableError{Recipient: peer.ID, Reason: ReasonUnregistered}
	case !snap.Accepted:
		return &RecipientUnavailableError{Recipient: peer.ID, Reason: ReasonNotAccepted}
	}
	return nil
}

// directPeer returns the non-self member of a direct conversation.
func directPeer(snap *ConversationSnapshot) *Member {
	if snap.Kind != KindDirect {
		return nil
	}
	for i := range snap.Members {
		if snap.Members[i].ID != snap.Self {
			return &snap.Members[i]
		}
	}
	return nil
}

func kindLabel(k ConversationKind) string {
	switch k {
	case KindGroup:
		return "group"
	case KindSelf:
		return "self"
	default:
		return "direct"
	}
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
