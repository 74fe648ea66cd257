package delivery

import (
	"errors"
	"slices"
	"testing"
)

func TestResolveClassifiesRecipients(t *testing.T) {
	msg := testMessage("sent", "pending", "blocked", "unregistered", "gone")
	msg.SendState["sent"] = SendState{Status: StatusSent}

	snap := groupSnapshot("me",
		Member{ID: "sent"},
		Member{ID: "pending"},
		Member{ID: "blocked", Blocked: true},
		Member{ID: "unregistered", Unregistered: true},
		// "gone" left the conversation: not in the snapshot.
	)

	res, err := Resolve(msg, snap)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(res.ToSend, []RecipientID{"pending"}) {
		t.Errorf("toSend: got %v", res.ToSend)
	}
	if !slices.Equal(res.AlreadySent, []RecipientID{"sent"}) {
		t.Errorf("alreadySent: got %v", res.AlreadySent)
	}
	if len(res.Untrusted) != 0 {
		t.Errorf("untrusted: got %v", res.Untrusted)
	}
}

func TestResolveSelfAlwaysIncluded(t *testing.T) {
	// Self is not in the member list but must stay eligible so that
	// sync-only sends keep working.
	msg := testMessage("me", "a")
	snap := groupSnapshot("me", Member{ID: "a"})

	res, err := Resolve(msg, snap)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(res.ToSend, RecipientID("me")) {
		t.Errorf("self missing from toSend: %v", res.ToSend)
	}
}

func TestResolveUntrustedFailsAttempt(t *testing.T) {
	msg := testMessage("a", "b")
	snap := groupSnapshot("me",
		Member{ID: "a", Untrusted: true},
		Member{ID: "b"},
	)

	res, err := Resolve(msg, snap)
	var uerr *UntrustedIdentityError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UntrustedIdentityError, got %v", err)
	}
	if !slices.Equal(uerr.Recipients, []RecipientID{"a"}) {
		t.Errorf("untrusted: got %v", uerr.Recipients)
	}
	// The resolution still reports the classification for diagnostics.
	if !slices.Equal(res.Untrusted, []RecipientID{"a"}) {
		t.Errorf("res.Untrusted: got %v", res.Untrusted)
	}
}

func TestResolveUntrustedBeatsBlocked(t *testing.T) {
	// A recipient who is both untrusted and blocked still blocks the
	// attempt: the identity change must surface, not be silently skipped.
	msg := testMessage("a", "b")
	snap := groupSnapshot("me",
		Member{ID: "a", Untrusted: true, Blocked: true},
		Member{ID: "b"},
	)

	res, err := Resolve(msg, snap)
	var uerr *UntrustedIdentityError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UntrustedIdentityError, got %v", err)
	}
	if !slices.Equal(res.Untrusted, []RecipientID{"a"}) {
		t.Errorf("untrusted: got %v", res.Untrusted)
	}
}

func TestResolveUntrustedBeatsAlreadySent(t *testing.T) {
	// An untrusted recipient blocks the attempt even if it already
	// received the message.
	msg := testMessage("a")
	msg.SendState["a"] = SendState{Status: StatusSent}
	snap := groupSnapshot("me", Member{ID: "a", Untrusted: true})

	_, err := Resolve(msg, snap)
	var uerr *UntrustedIdentityError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UntrustedIdentityError, got %v", err)
	}
}
