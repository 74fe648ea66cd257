package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// --- test fakes ---

type fakeBudget struct {
	final     bool
	remaining time.Duration
	cont      bool
}

func newBudget() *fakeBudget {
	return &fakeBudget{remaining: time.Minute, cont: true}
}

func (b *fakeBudget) IsFinalAttempt() bool          { return b.final }
func (b *fakeBudget) TimeRemaining() time.Duration  { return b.remaining }
func (b *fakeBudget) ShouldContinue() bool          { return b.cont }

type fakeMessages struct {
	saved       int
	markFailed  int
	savedErrors [][]RecipientFailure
}

func (f *fakeMessages) GetByID(_ context.Context, _ string) (*OutgoingMessage, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeMessages) Save(_ context.Context, _ *OutgoingMessage) error {
	f.saved++
	return nil
}

func (f *fakeMessages) MarkFailed(_ context.Context, _ *OutgoingMessage) error {
	f.markFailed++
	return nil
}

func (f *fakeMessages) SaveErrors(_ context.Context, _ *OutgoingMessage, failures []RecipientFailure) error {
	f.savedErrors = append(f.savedErrors, failures)
	return nil
}

type fakeSessions struct {
	missing  map[RecipientID]bool
	archived []SessionRef
	resets   []SessionRef
}

func (f *fakeSessions) LoadSession(_ context.Context, ref SessionRef) (*Session, error) {
	if f.missing[ref.Account] {
		return nil, nil
	}
	return &Session{Ref: ref, Fingerprint: "fp-" + string(ref.Account)}, nil
}

func (f *fakeSessions) ArchiveSession(_ context.Context, ref SessionRef) error {
	f.archived = append(f.archived, ref)
	return nil
}

func (f *fakeSessions) ArchiveSessionIfMatches(_ context.Context, ref SessionRef, fp string) (bool, error) {
	if fp == "fp-"+string(ref.Account) {
		f.archived = append(f.archived, ref)
		return true, nil
	}
	return false, nil
}

func (f *fakeSessions) LightSessionReset(_ context.Context, ref SessionRef) error {
	f.resets = append(f.resets, ref)
	return nil
}

type fakeTransport struct {
	direct func(*Payload) (PerRecipientResult, error)
	group  func(*Payload) (PerRecipientResult, error)

	directCalls []*Payload
	groupCalls  []*Payload
}

func allOK(p *Payload) PerRecipientResult {
	res := PerRecipientResult{}
	for _, m := range p.Messages {
		res[m.Recipient] = nil
	}
	return res
}

func (f *fakeTransport) SendDirect(_ context.Context, p *Payload) (PerRecipientResult, error) {
	f.directCalls = append(f.directCalls, p)
	if f.direct != nil {
		return f.direct(p)
	}
	return allOK(p), nil
}

func (f *fakeTransport) SendGroup(_ context.Context, p *Payload) (PerRecipientResult, error) {
	f.groupCalls = append(f.groupCalls, p)
	if f.group != nil {
		return f.group(p)
	}
	return allOK(p), nil
}

type fakeProtos struct {
	records map[string]*SentProtoRecord
}

func protoKey(r RecipientID, ts uint64) string { return fmt.Sprintf("%s/%d", r, ts) }

func (f *fakeProtos) GetSentProto(_ context.Context, r RecipientID, ts uint64) (*SentProtoRecord, error) {
	return f.records[protoKey(r, ts)], nil
}

func (f *fakeProtos) SaveSentProto(_ context.Context, r RecipientID, rec *SentProtoRecord) error {
	if f.records == nil {
		f.records = map[string]*SentProtoRecord{}
	}
	f.records[protoKey(r, rec.Timestamp)] = rec
	return nil
}

type fakeEncryptor struct{}

func (fakeEncryptor) Seal(plaintext []byte, _ [32]byte) ([]byte, error) {
	return append([]byte("sealed:"), plaintext...), nil
}

func newTestDispatcher(msgs *fakeMessages, sess *fakeSessions, tr *fakeTransport, protos *fakeProtos) *Dispatcher {
	return NewDispatcher(DispatcherConfig{
		Messages:  msgs,
		Sessions:  sess,
		Transport: tr,
		Protos:    protos,
		Encryptor: fakeEncryptor{},
	})
}

func testMessage(recipients ...RecipientID) *OutgoingMessage {
	states := map[RecipientID]SendState{}
	for _, r := range recipients {
		states[r] = SendState{Status: StatusPending}
	}
	return &OutgoingMessage{
		ID:             "msg-1",
		Timestamp:      1700000000000,
		ConversationID: "conv-1",
		Body:           []byte("envelope"),
		SendState:      states,
	}
}

func groupSnapshot(self RecipientID, members ...Member) *ConversationSnapshot {
	return &ConversationSnapshot{
		ID:       "conv-1",
		Kind:     KindGroup,
		Self:     self,
		GroupID:  []byte{0xAB},
		Revision: 4,
		Members:  members,
	}
}

// --- tests ---

func TestDispatchUntrustedBlocksEntireAttempt(t *testing.T) {
	msg := testMessage("a", "b", "c")
	snap := groupSnapshot("me",
		Member{ID: "a"},
		Member{ID: "b", Untrusted: true},
		Member{ID: "c"},
	)

	tr := &fakeTransport{}
	d := newTestDispatcher(&fakeMessages{}, &fakeSessions{}, tr, &fakeProtos{})

	_, err := d.Dispatch(context.Background(), msg, snap, newBudget())

	var uerr *UntrustedIdentityError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UntrustedIdentityError, got %v", err)
	}
	if len(tr.directCalls)+len(tr.groupCalls) != 0 {
		t.Error("transport must not be called when an identity is untrusted")
	}
	for id, st := range msg.SendState {
		if st.Status != StatusPending {
			t.Errorf("recipient %s state changed to %v", id, st.Status)
		}
	}
}

func TestDispatchPartialGroupFailure(t *testing.T) {
	msg := testMessage("a", "b", "c")
	snap := groupSnapshot("me", Member{ID: "a"}, Member{ID: "b"}, Member{ID: "c"})

	netErr := errors.New("connection reset")
	tr := &fakeTransport{
		group: func(p *Payload) (PerRecipientResult, error) {
			res := allOK(p)
			res["c"] = netErr
			return res, nil
		},
	}
	msgs := &fakeMessages{}
	d := newTestDispatcher(msgs, &fakeSessions{}, tr, &fakeProtos{})

	res, err := d.Dispatch(context.Background(), msg, snap, newBudget())

	var serr *SendError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SendError, got %v", err)
	}
	if len(res.Sent) != 2 || len(res.Failed) != 1 {
		t.Errorf("result: sent=%d failed=%d", len(res.Sent), len(res.Failed))
	}
	if msg.SendState["a"].Status != StatusSent || msg.SendState["b"].Status != StatusSent {
		t.Error("successful recipients not marked Sent")
	}
	// Transient failure: recipient stays Pending for retry, nothing in
	// the durable error record.
	if msg.SendState["c"].Status != StatusPending {
		t.Errorf("c should stay Pending, got %v", msg.SendState["c"].Status)
	}
	if len(msgs.savedErrors) != 0 {
		t.Error("transient errors must not be persisted")
	}
	if msgs.saved == 0 {
		t.Error("send state should be saved after the attempt")
	}
}

func TestDispatchSyncOnlySend(t *testing.T) {
	// Note-to-self conversation: zero external recipients.
	msg := testMessage("me")
	snap := &ConversationSnapshot{
		ID:      "conv-1",
		Kind:    KindSelf,
		Self:    "me",
		Members: []Member{{ID: "me"}},
	}

	tr := &fakeTransport{}
	d := newTestDispatcher(&fakeMessages{}, &fakeSessions{}, tr, &fakeProtos{})

	res, err := d.Dispatch(context.Background(), msg, snap, newBudget())
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.groupCalls) != 0 {
		t.Error("group path must not be entered")
	}
	if len(tr.directCalls) != 1 || !tr.directCalls[0].Sync {
		t.Fatalf("expected one sync-style direct send, got %d calls", len(tr.directCalls))
	}
	if !res.Success() {
		t.Errorf("sync-only send should succeed: %+v", res)
	}
	if !msg.FullySent() {
		t.Error("message should be fully sent")
	}
}

func TestDispatchMonotonicSendState(t *testing.T) {
	msg := testMessage("a", "b")
	snap := groupSnapshot("me", Member{ID: "a"}, Member{ID: "b"})

	// First attempt: a succeeds, b fails.
	tr := &fakeTransport{
		group: func(p *Payload) (PerRecipientResult, error) {
			res := PerRecipientResult{}
			for _, m := range p.Messages {
				if m.Recipient == "b" {
					res["b"] = errors.New("boom")
				} else {
					res[m.Recipient] = nil
				}
			}
			return res, nil
		},
	}
	d := newTestDispatcher(&fakeMessages{}, &fakeSessions{}, tr, &fakeProtos{})

	_, _ = d.Dispatch(context.Background(), msg, snap, newBudget())
	if msg.SendState["a"].Status != StatusSent {
		t.Fatal("a should be Sent after first attempt")
	}

	// Second attempt: a must not be re-attempted.
	tr.group = func(p *Payload) (PerRecipientResult, error) {
		for _, m := range p.Messages {
			if m.Recipient == "a" {
				t.Error("recipient a re-attempted after reaching Sent")
			}
		}
		return allOK(p), nil
	}
	_, err := d.Dispatch(context.Background(), msg, snap, newBudget())
	if err != nil {
		t.Fatal(err)
	}
	if msg.SendState["a"].Status != StatusSent || msg.SendState["b"].Status != StatusSent {
		t.Errorf("states: a=%v b=%v", msg.SendState["a"].Status, msg.SendState["b"].Status)
	}
}

func TestDispatchBudgetExhausted(t *testing.T) {
	msg := testMessage("a", "b")
	snap := groupSnapshot("me", Member{ID: "a"}, Member{ID: "b"})

	b := newBudget()
	b.cont = false

	tr := &fakeTransport{}
	msgs := &fakeMessages{}
	d := newTestDispatcher(msgs, &fakeSessions{}, tr, &fakeProtos{})

	_, err := d.Dispatch(context.Background(), msg, snap, b)

	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if len(tr.directCalls)+len(tr.groupCalls) != 0 {
		t.Error("no network I/O may happen after budget exhaustion")
	}
	if msgs.markFailed != 1 {
		t.Error("message should be marked permanently failed")
	}
	for id, st := range msg.SendState {
		if st.Status != StatusFailed {
			t.Errorf("recipient %s should be Failed, got %v", id, st.Status)
		}
	}
}

func TestDispatchDirectRefusals(t *testing.T) {
	cases := []struct {
		name   string
		member Member
		accept bool
		reason UnavailableReason
	}{
		{"blocked", Member{ID: "peer", Blocked: true}, true, ReasonBlocked},
		{"unregistered", Member{ID: "peer", Unregistered: true}, true, ReasonUnregistered},
		{"not accepted", Member{ID: "peer"}, false, ReasonNotAccepted},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := testMessage("peer")
			snap := &ConversationSnapshot{
				ID:       "conv-1",
				Kind:     KindDirect,
				Self:     "me",
				Accepted: tc.accept,
				Members:  []Member{tc.member},
			}

			tr := &fakeTransport{}
			d := newTestDispatcher(&fakeMessages{}, &fakeSessions{}, tr, &fakeProtos{})

			_, err := d.Dispatch(context.Background(), msg, snap, newBudget())

			var uerr *RecipientUnavailableError
			if !errors.As(err, &uerr) {
				t.Fatalf("expected RecipientUnavailableError, got %v", err)
			}
			if uerr.Reason != tc.reason {
				t.Errorf("reason: got %v, want %v", uerr.Reason, tc.reason)
			}
			if len(tr.directCalls) != 0 {
				t.Error("terminal refusal must not reach the transport")
			}
			if !IsTerminal(err) {
				t.Error("refusal should classify as terminal")
			}
		})
	}
}

func TestDispatchErasedMessage(t *testing.T) {
	msg := testMessage("a")
	msg.Erased = true
	snap := groupSnapshot("me", Member{ID: "a"})

	tr := &fakeTransport{}
	d := newTestDispatcher(&fakeMessages{}, &fakeSessions{}, tr, &fakeProtos{})

	_, err := d.Dispatch(context.Background(), msg, snap, newBudget())
	if !errors.Is(err, ErrMessageErased) {
		t.Fatalf("expected ErrMessageErased, got %v", err)
	}
	if len(tr.directCalls)+len(tr.groupCalls) != 0 {
		t.Error("erased message must not be sent")
	}
}

func TestDispatchRecordsSentProto(t *testing.T) {
	msg := testMessage("a")
	msg.Urgent = true
	snap := groupSnapshot("me", Member{ID: "a"})

	protos := &fakeProtos{}
	d := newTestDispatcher(&fakeMessages{}, &fakeSessions{}, &fakeTransport{}, protos)

	if _, err := d.Dispatch(context.Background(), msg, snap, newBudget()); err != nil {
		t.Fatal(err)
	}

	rec := protos.records[protoKey("a", msg.Timestamp)]
	if rec == nil {
		t.Fatal("sent proto record not saved")
	}
	if rec.Timestamp != msg.Timestamp || !rec.Urgent || rec.ContentHint != HintResendable {
		t.Errorf("record: %+v", rec)
	}
}
