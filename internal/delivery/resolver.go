package delivery

import "sort"

// Resolution is the per-attempt classification of a message's recipients.
type Resolution struct {
	ToSend      []RecipientID
	AlreadySent []RecipientID
	Untrusted   []RecipientID
}

// Resolve computes which recipients still need a send attempt from the
// message's send state and a fresh conversation snapshot. It is
// recomputed on every attempt: membership and trust state may have
// changed since the message was queued.
//
// Rules, in order per recipient:
//   - dropped when no longer a conversation member, unless it is self
//     (self stays included to support sync-only sends)
//   - recipients with an unverified identity change collect into
//     Untrusted
//   - blocked and unregistered recipients are silently excluded
//   - recipients already Sent collect into AlreadySent
//   - everyone else is ToSend
//
// If any recipient is untrusted, Resolve fails the whole attempt with
// *UntrustedIdentityError before any network I/O: identity changes are a
// blocking safety condition requiring explicit user action.
func Resolve(msg *OutgoingMessage, snap *ConversationSnapshot) (*Resolution, error) {
	res := &Resolution{}

	for id, st := range msg.SendState {
		m := snap.member(id)
		if m == nil {
			if id != snap.Self {
				continue
			}
			// Self is always included even when not listed as a member.
			m = &Member{ID: id}
		}
		switch {
		case m.Untrusted:
			res.Untrusted = append(res.Untrusted, id)
		case m.Blocked, m.Unregistered:
			continue
		case st.Status == StatusSent:
			res.AlreadySent = append(res.AlreadySent, id)
		default:
			res.ToSend = append(res.ToSend, id)
		}
	}

	sortRecipients(res.ToSend)
	sortRecipients(res.AlreadySent)
	sortRecipients(res.Untrusted)

	if len(res.Untrusted) > 0 {
		return res, &UntrustedIdentityError{Recipients: res.Untrusted}
	}
	return res, nil
}

func sortRecipients(ids []RecipientID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
