package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chatterlab/courier/internal/delivery"
)

type fakeTimeline struct {
	mu       sync.Mutex
	appended []delivery.ConversationID
}

func (f *fakeTimeline) AppendSessionRefreshed(_ context.Context, conv delivery.ConversationID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, conv)
	return nil
}

func (f *fakeTimeline) events() []delivery.ConversationID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery.ConversationID(nil), f.appended...)
}

type gatedIdle struct {
	release chan struct{}
	waited  chan struct{}
}

func (g *gatedIdle) WaitIdle(ctx context.Context) error {
	select {
	case g.waited <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type syncSessions struct {
	mu     sync.Mutex
	resets []delivery.SessionRef
	done   chan struct{}
}

func (s *syncSessions) LoadSession(context.Context, delivery.SessionRef) (*delivery.Session, error) {
	return nil, nil
}
func (s *syncSessions) ArchiveSession(context.Context, delivery.SessionRef) error { return nil }
func (s *syncSessions) ArchiveSessionIfMatches(context.Context, delivery.SessionRef, string) (bool, error) {
	return false, nil
}

func (s *syncSessions) LightSessionReset(_ context.Context, ref delivery.SessionRef) error {
	s.mu.Lock()
	s.resets = append(s.resets, ref)
	s.mu.Unlock()
	select {
	case s.done <- struct{}{}:
	default:
	}
	return nil
}

func (s *syncSessions) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resets)
}

func TestResetQueueWaitsForIdle(t *testing.T) {
	sessions := &syncSessions{done: make(chan struct{}, 1)}
	timeline := &fakeTimeline{}
	idle := &gatedIdle{release: make(chan struct{}), waited: make(chan struct{}, 1)}

	q := NewResetQueue(sessions, timeline, idle, 100, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	ref := delivery.SessionRef{Account: "peer", Device: 1}
	q.ScheduleReset(ref, "conv-1")

	// The worker must be blocked in WaitIdle, reset not yet performed.
	select {
	case <-idle.waited:
	case <-time.After(2 * time.Second):
		t.Fatal("reset queue never consulted the idle waiter")
	}
	if sessions.count() != 0 {
		t.Fatal("reset ran before the dispatcher went idle")
	}

	close(idle.release)

	select {
	case <-sessions.done:
	case <-time.After(2 * time.Second):
		t.Fatal("reset never ran after idle")
	}
	if got := sessions.resets[0]; got != ref {
		t.Errorf("reset ref: got %+v", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(timeline.events()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session refreshed event never appended")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if events := timeline.events(); events[0] != "conv-1" {
		t.Errorf("timeline event: got %v", events)
	}
}

func TestResetQueueDropsWhenFull(t *testing.T) {
	sessions := &syncSessions{done: make(chan struct{}, 1)}
	timeline := &fakeTimeline{}

	// No Run loop: the channel fills up and further schedules must not
	// block the caller.
	q := NewResetQueue(sessions, timeline, nil, 100, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 200 {
			q.ScheduleReset(delivery.SessionRef{Account: "peer", Device: i}, "conv-1")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ScheduleReset blocked on a full queue")
	}
}
