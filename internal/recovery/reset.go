package recovery

import (
	"context"
	"log"

	"golang.org/x/time/rate"

	"github.com/chatterlab/courier/internal/delivery"
)

// IdleWaiter blocks until the dispatch scheduler has no queued or
// running jobs. The reset queue uses it so resets only run when the
// client is otherwise idle.
type IdleWaiter interface {
	WaitIdle(ctx context.Context) error
}

// Timeline appends locally-visible system events to a conversation.
type Timeline interface {
	AppendSessionRefreshed(ctx context.Context, conversation delivery.ConversationID) error
}

type resetRequest struct {
	ref          delivery.SessionRef
	conversation delivery.ConversationID
}

// ResetQueue performs automatic light session resets. It is the
// unconditional fallback terminal action: it performs no resend, cannot
// duplicate messages, and never consults the retry ledger.
type ResetQueue struct {
	sessions delivery.SessionStore
	timeline Timeline
	idle     IdleWaiter
	limiter  *rate.Limiter
	logger   *log.Logger

	requests chan resetRequest
}

// NewResetQueue creates a ResetQueue. resetsPerSecond paces the worker
// so a burst of decryption errors cannot thrash session state.
func NewResetQueue(sessions delivery.SessionStore, timeline Timeline, idle IdleWaiter, resetsPerSecond float64, logger *log.Logger) *ResetQueue {
	if resetsPerSecond <= 0 {
		resetsPerSecond = 1
	}
	return &ResetQueue{
		sessions: sessions,
		timeline: timeline,
		idle:     idle,
		limiter:  rate.NewLimiter(rate.Limit(resetsPerSecond), 1),
		logger:   logger,
		requests: make(chan resetRequest, 64),
	}
}

// ScheduleReset queues a light reset for the given session. Non-blocking;
// when the queue is full the reset is dropped (a later signal will
// re-schedule it).
func (q *ResetQueue) ScheduleReset(ref delivery.SessionRef, conversation delivery.ConversationID) {
	select {
	case q.requests <- resetRequest{ref: ref, conversation: conversation}:
	default:
		logf(q.logger, "reset: queue full, dropping reset for %s.%d", ref.Account, ref.Device)
	}
}

// Run drains the queue until ctx is cancelled. Each reset waits for the
// dispatcher to go idle first.
func (q *ResetQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-q.requests:
			if err := q.reset(ctx, req); err != nil {
				logf(q.logger, "reset: %s.%d: %v", req.ref.Account, req.ref.Device, err)
			}
		}
	}
}

func (q *ResetQueue) reset(ctx context.Context, req resetRequest) error {
	if q.idle != nil {
		if err := q.idle.WaitIdle(ctx); err != nil {
			return err
		}
	}
	if err := q.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := q.sessions.LightSessionReset(ctx, req.ref); err != nil {
		return err
	}
	logf(q.logger, "reset: refreshed session for %s.%d", req.ref.Account, req.ref.Device)
	return q.timeline.AppendSessionRefreshed(ctx, req.conversation)
}
