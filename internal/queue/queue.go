// Package queue runs send jobs serialized per conversation. Two jobs for
// the same conversation never overlap; jobs for different conversations
// run concurrently. Each job gets a bounded attempt budget, retried with
// exponential backoff until its failure hook says stop.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/chatterlab/courier/internal/delivery"
)

// Defaults applied when a SchedulerConfig field is zero.
const (
	DefaultMaxAttempts    = 4
	DefaultJobTimeout     = 90 * time.Second
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 15 * time.Second
	DefaultBacklog        = 128
)

// ErrBacklogFull is returned by Enqueue when a conversation's queue is
// at capacity. Callers treat it as a transient send failure.
var ErrBacklogFull = errors.New("queue: conversation backlog full")

// ErrShuttingDown is returned by Enqueue after Close.
var ErrShuttingDown = errors.New("queue: scheduler shutting down")

// Job is one unit of serialized work. Run performs a single attempt;
// OnFailure decides whether a failed attempt is retried. A nil OnFailure
// means the job is never retried.
type Job struct {
	Conversation delivery.ConversationID

	Run func(ctx context.Context, b delivery.Budget) error

	// OnFailure receives the attempt error and the budget it ran under.
	// Its own error is logged, never retried.
	OnFailure func(ctx context.Context, attemptErr error, b delivery.Budget) (delivery.Decision, error)

	// Done, when set, receives the final outcome exactly once.
	Done func(err error)
}

// SchedulerConfig configures a Scheduler. Zero fields take the package
// defaults.
type SchedulerConfig struct {
	MaxAttempts    int
	JobTimeout     time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Backlog        int
	Logger         *log.Logger
}

// Scheduler owns one FIFO worker per conversation.
type Scheduler struct {
	cfg SchedulerConfig

	mu      sync.Mutex
	workers map[delivery.ConversationID]chan *Job
	active  int
	idle    chan struct{} // closed while active == 0
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler and starts accepting jobs.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Scheduler{
		cfg:     cfg,
		workers: make(map[delivery.ConversationID]chan *Job),
		idle:    idle,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Enqueue appends job to its conversation's queue. Never blocks: a full
// backlog returns ErrBacklogFull.
func (s *Scheduler) Enqueue(job *Job) error {
	if job == nil {
		return fmt.Errorf("queue: nil job")
	}
	if job.Run == nil {
		return fmt.Errorf("queue: job for %s has no Run", job.Conversation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	ch, ok := s.workers[job.Conversation]
	if !ok {
		ch = make(chan *Job, s.cfg.Backlog)
		s.workers[job.Conversation] = ch
		s.wg.Add(1)
		go s.worker(job.Conversation, ch)
	}

	// The send stays under the lock so Close cannot slip between the
	// closed check and the send and strand the job in a channel whose
	// worker has already exited.
	select {
	case ch <- job:
		s.incActive()
		return nil
	default:
		return ErrBacklogFull
	}
}

// WaitIdle blocks until no job is queued or running, or ctx expires. The
// reset queue gates automatic session resets on this.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		ch := s.idle
		s.mu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting jobs, cancels running ones, and waits for the
// workers to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) worker(conv delivery.ConversationID, ch chan *Job) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.failPending(ch)
			return
		case job := <-ch:
			err := s.runJob(job)
			if job.Done != nil {
				job.Done(err)
			}
			s.decActive()
			if err != nil {
				logf(s.cfg.Logger, "queue: %s: job finished with error: %v", conv, err)
			}
		}
	}
}

// failPending flushes jobs left queued at shutdown so their Done hooks
// still fire and the active count stays balanced.
func (s *Scheduler) failPending(ch chan *Job) {
	for {
		select {
		case job := <-ch:
			if job.Done != nil {
				job.Done(ErrShuttingDown)
			}
			s.decActive()
		default:
			return
		}
	}
}

// runJob runs the attempt loop for one job: attempt, consult the failure
// hook, back off, repeat.
func (s *Scheduler) runJob(job *Job) error {
	// Jobs dequeued during shutdown fail like drained ones do.
	if s.ctx.Err() != nil {
		return ErrShuttingDown
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff

	deadline := time.Now().Add(s.cfg.JobTimeout)

	for attempt := 1; ; attempt++ {
		b := &attemptBudget{
			ctx:         s.ctx,
			deadline:    deadline,
			attempt:     attempt,
			maxAttempts: s.cfg.MaxAttempts,
		}

		err := job.Run(s.ctx, b)
		if err == nil {
			return nil
		}
		if job.OnFailure == nil {
			return err
		}

		decision, derr := job.OnFailure(s.ctx, err, b)
		if derr != nil {
			logf(s.cfg.Logger, "queue: %s: failure hook: %v", job.Conversation, derr)
		}
		if decision != delivery.DecisionRetry {
			return err
		}

		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = s.cfg.MaxBackoff
		}
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (s *Scheduler) incActive() {
	// caller holds s.mu
	if s.active == 0 {
		s.idle = make(chan struct{})
	}
	s.active++
}

func (s *Scheduler) decActive() {
	s.mu.Lock()
	s.active--
	if s.active == 0 {
		close(s.idle)
	}
	s.mu.Unlock()
}

// attemptBudget is the delivery.Budget handed to each attempt.
type attemptBudget struct {
	ctx         context.Context
	deadline    time.Time
	attempt     int
	maxAttempts int
}

func (b *attemptBudget) IsFinalAttempt() bool { return b.attempt >= b.maxAttempts }

func (b *attemptBudget) TimeRemaining() time.Duration { return time.Until(b.deadline) }

func (b *attemptBudget) ShouldContinue() bool {
	return b.ctx.Err() == nil && time.Now().Before(b.deadline)
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
