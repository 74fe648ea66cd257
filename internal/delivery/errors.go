package delivery

import (
	"errors"
	"fmt"
	"strings"
)

// UntrustedIdentityError blocks the whole attempt before any network I/O:
// an unverified identity change needs explicit user action and is never
// auto-retried.
type UntrustedIdentityError struct {
	Recipients []RecipientID
}

func (e *UntrustedIdentityError) Error() string {
	names := make([]string, len(e.Recipients))
	for i, r := range e.Recipients {
		names[i] = string(r)
	}
	return fmt.Sprintf("dispatch: untrusted identity for %s", strings.Join(names, ", "))
}

// UnavailableReason says why a recipient is permanently excluded from a
// direct send.
type UnavailableReason int

const (
	ReasonBlocked UnavailableReason = iota
	ReasonUnregistered
	ReasonNotAccepted
)

func (r UnavailableReason) String() string {
	switch r {
	case ReasonBlocked:
		return "blocked"
	case ReasonUnregistered:
		return "unregistered"
	case ReasonNotAccepted:
		return "request not accepted"
	default:
		return "unavailable"
	}
}

// RecipientUnavailableError is a terminal, non-retryable per-recipient
// condition, distinct from a network failure.
type RecipientUnavailableError struct {
	Recipient RecipientID
	Reason    UnavailableReason
}

func (e *RecipientUnavailableError) Error() string {
	return fmt.Sprintf("dispatch: recipient %s %s", e.Recipient, e.Reason)
}

// TimeoutError marks a message failed because the attempt budget ran out
// before delivery.
type TimeoutError struct {
	MessageID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("dispatch: send budget exhausted for message %s", e.MessageID)
}

// SendError aggregates a failed attempt: the throw-cause plus the
// per-recipient error list.
type SendError struct {
	Cause  error
	Failed []RecipientFailure
}

func (e *SendError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dispatch: send failed for %d recipients: %v", len(e.Failed), e.Cause)
	}
	return fmt.Sprintf("dispatch: send failed for %d recipients", len(e.Failed))
}

func (e *SendError) Unwrap() error { return e.Cause }

// ErrMessageErased is returned when dispatch is asked to send a message
// the user has since deleted.
var ErrMessageErased = errors.New("dispatch: message erased")

// IsTerminal reports whether err is one of the non-retryable error kinds:
// blocking-safety, terminal-recipient, or budget timeout.
func IsTerminal(err error) bool {
	var untrusted *UntrustedIdentityError
	var unavailable *RecipientUnavailableError
	var timeout *TimeoutError
	return errors.As(err, &untrusted) ||
		errors.As(err, &unavailable) ||
		errors.As(err, &timeout) ||
		errors.Is(err, ErrMessageErased)
}
