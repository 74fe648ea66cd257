package delivery

import (
	"context"
	"fmt"
	"log"
)

// Decision is the classifier's verdict on a failed attempt.
type Decision int

const (
	DecisionRetry Decision = iota
	DecisionGiveUp
)

func (d Decision) String() string {
	if d == DecisionGiveUp {
		return "give up"
	}
	return "retry"
}

// Classifier turns a failed dispatch attempt into a retry/give-up
// decision and owns the give-up bookkeeping. Transient errors are kept
// out of the durable record: persistence happens only on final give-up,
// so retried attempts never write partial-failure noise.
type Classifier struct {
	messages MessageStore
	logger   *log.Logger
}

// NewClassifier creates a Classifier.
func NewClassifier(messages MessageStore, logger *log.Logger) *Classifier {
	return &Classifier{messages: messages, logger: logger}
}

// OnAttemptFailed decides whether the attempt is retried or terminal.
// On give-up it marks every still-pending recipient Failed, saves the
// accumulated error list for user-visible diagnostics, and flags the
// message failed. A message that already reached Sent for all recipients
// is never reverted.
func (c *Classifier) OnAttemptFailed(ctx context.Context, msg *OutgoingMessage, res *AttemptResult, attemptErr error, b Budget) (Decision, error) {
	if msg.FullySent() {
		logf(c.logger, "classify: message %s fully sent despite error, not reverting: %v", msg.ID, attemptErr)
		return DecisionGiveUp, nil
	}

	terminal := IsTerminal(attemptErr)
	final := b.IsFinalAttempt() || b.TimeRemaining() <= 0

	if !terminal && !final {
		logf(c.logger, "classify: message %s retrying after: %v", msg.ID, attemptErr)
		return DecisionRetry, nil
	}

	if err := c.giveUp(ctx, msg, res, attemptErr); err != nil {
		return DecisionGiveUp, err
	}
	logf(c.logger, "classify: message %s terminal (terminal=%v final=%v): %v", msg.ID, terminal, final, attemptErr)
	return DecisionGiveUp, nil
}

func (c *Classifier) giveUp(ctx context.Context, msg *OutgoingMessage, res *AttemptResult, attemptErr error) error {
	failedBy := map[RecipientID]error{}
	if res != nil {
		for _, f := range res.Failed {
			failedBy[f.Recipient] = f.Err
		}
	}

	var failures []RecipientFailure
	for id, st := range msg.SendState {
		if st.Status != StatusPending {
			continue
		}
		cause := failedBy[id]
		if cause == nil {
			cause = attemptErr
		}
		st.Status = StatusFailed
		if cause != nil {
			st.Errors = append(st.Errors, cause.Error())
		}
		msg.SendState[id] = st
		failures = append(failures, RecipientFailure{Recipient: id, Err: cause})
	}

	if err := c.messages.SaveErrors(ctx, msg, failures); err != nil {
		return fmt.Errorf("classify: save errors for %s: %w", msg.ID, err)
	}
	if err := c.messages.MarkFailed(ctx, msg); err != nil {
		return fmt.Errorf("classify: mark failed %s: %w", msg.ID, err)
	}
	return nil
}
