// Package courier is a delivery and decryption-failure recovery client
// for end-to-end encrypted messaging. It fans outgoing messages out per
// recipient, retries failed attempts under a bounded budget, and answers
// peers' resend requests and decryption-error reports.
package courier

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/chatterlab/courier/internal/delivery"
	"github.com/chatterlab/courier/internal/queue"
	"github.com/chatterlab/courier/internal/recovery"
	"github.com/chatterlab/courier/internal/sealer"
	"github.com/chatterlab/courier/internal/store"
	"github.com/chatterlab/courier/internal/transport"
	"github.com/chatterlab/courier/internal/wire"
)

// Re-exported types so callers don't import internal packages.
type (
	Message      = delivery.OutgoingMessage
	RecipientID  = delivery.RecipientID
	Conversation = delivery.ConversationSnapshot
	SendState    = delivery.SendState
)

const (
	defaultAPIURL = "https://chat.chatterlab.io"
	defaultWSURL  = "wss://chat.chatterlab.io/v1/stream"
)

// Config configures a Client. Zero fields take defaults; Transport may
// be set to bypass the HTTP client (tests do this).
type Config struct {
	DBPath string
	APIURL string
	WSURL  string
	Auth   transport.BasicAuth

	// Self is our own account ID, the target of sync sends.
	Self RecipientID

	// Keys is the local envelope key pair; generated when nil.
	Keys *sealer.KeyPair

	Logger *log.Logger

	// MaxAttempts and JobTimeout bound each send job's budget.
	MaxAttempts int
	JobTimeout  time.Duration

	// ResetsPerSecond paces the automatic session reset queue.
	ResetsPerSecond float64

	// SenderKeyRetryDisabled routes all decryption errors to the session
	// reset path, skipping resend reconstruction.
	SenderKeyRetryDisabled bool

	// Transport overrides the HTTP send transport when non-nil.
	Transport delivery.Transport
}

// Client is the top-level courier client.
type Client struct {
	cfg     Config
	logger  *log.Logger
	store   *store.Store
	metrics *delivery.Metrics
	sealer  *sealer.Sealer

	transport  delivery.Transport
	dispatcher *delivery.Dispatcher
	classifier *delivery.Classifier
	scheduler  *queue.Scheduler
	handler    *recovery.Handler
	resets     *recovery.ResetQueue
	stream     *transport.Stream
}

// New creates a Client and opens its store. Call Start to begin
// consuming the signal stream, and Close when done.
func New(cfg Config) (*Client, error) {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	if cfg.WSURL == "" {
		cfg.WSURL = defaultWSURL
	}
	if cfg.Keys == nil {
		keys, err := sealer.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("courier: generate keys: %w", err)
		}
		cfg.Keys = keys
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		logger:  cfg.Logger,
		store:   st,
		metrics: delivery.NewMetrics(),
		sealer:  sealer.New(cfg.Keys),
	}

	c.transport = cfg.Transport
	if c.transport == nil {
		c.transport = transport.NewClient(cfg.APIURL, cfg.Auth, cfg.Logger)
	}

	c.dispatcher = delivery.NewDispatcher(delivery.DispatcherConfig{
		Messages:  st,
		Sessions:  st,
		Transport: c.transport,
		Protos:    st,
		Encryptor: c.sealer,
		Metrics:   c.metrics,
		Logger:    cfg.Logger,
	})
	c.classifier = delivery.NewClassifier(st, cfg.Logger)
	c.scheduler = queue.NewScheduler(queue.SchedulerConfig{
		MaxAttempts: cfg.MaxAttempts,
		JobTimeout:  cfg.JobTimeout,
		Logger:      cfg.Logger,
	})
	c.resets = recovery.NewResetQueue(st, st, c.scheduler, cfg.ResetsPerSecond, cfg.Logger)
	c.handler = recovery.NewHandler(recovery.HandlerConfig{
		Ledger:                 recovery.NewMemoryLedger(),
		Sessions:               st,
		Protos:                 st,
		Conversations:          st,
		Lists:                  st,
		Resender:               c,
		Resets:                 c.resets,
		Metrics:                c.metrics,
		Logger:                 cfg.Logger,
		SenderKeyRetryDisabled: cfg.SenderKeyRetryDisabled,
	})
	c.stream = transport.NewStream(cfg.WSURL, cfg.Auth, c.handler, cfg.Logger)

	return c, nil
}

// Start runs the signal stream, the reset queue, and the proto-record
// pruner until ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	go c.resets.Run(ctx)
	go c.pruneLoop(ctx)
	go func() {
		if err := c.stream.Run(ctx); err != nil && ctx.Err() == nil {
			logf(c.logger, "courier: signal stream stopped: %v", err)
		}
	}()
}

// pruneLoop periodically drops transmitted-proto records past the
// resend age window; they can never be replayed again.
func (c *Client) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := uint64(time.Now().Add(-recovery.DefaultMaxAge).UnixMilli())
			n, err := c.store.DeleteSentProtosBefore(ctx, cutoff)
			if err != nil {
				logf(c.logger, "courier: prune sent protos: %v", err)
				continue
			}
			if n > 0 {
				logf(c.logger, "courier: pruned %d expired sent protos", n)
			}
		}
	}
}

// Close drains the scheduler and closes the store.
func (c *Client) Close() error {
	c.scheduler.Close()
	return c.store.Close()
}

// Store exposes the underlying store for conversation and session
// management.
func (c *Client) Store() *store.Store { return c.store }

// Metrics returns the client's Prometheus metrics.
func (c *Client) Metrics() *delivery.Metrics { return c.metrics }

// Send persists the message and queues it for delivery. Delivery runs
// asynchronously on the per-conversation scheduler; done, when non-nil,
// receives the final outcome exactly once.
func (c *Client) Send(ctx context.Context, msg *Message, done func(error)) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = uint64(time.Now().UnixMilli())
	}
	if msg.SendState == nil {
		return fmt.Errorf("courier: message %s has no recipients", msg.ID)
	}
	if err := c.store.Save(ctx, msg); err != nil {
		return err
	}

	// Each attempt reloads message and snapshot: trust flags, membership,
	// and erasure may change between attempts.
	var (
		lastMsg *Message
		lastRes *delivery.AttemptResult
	)
	return c.scheduler.Enqueue(&queue.Job{
		Conversation: msg.ConversationID,
		Run: func(ctx context.Context, b delivery.Budget) error {
			m, err := c.store.GetByID(ctx, msg.ID)
			if err != nil {
				return err
			}
			if m == nil {
				return fmt.Errorf("courier: message %s vanished", msg.ID)
			}
			snap, err := c.store.Snapshot(ctx, m.ConversationID)
			if err != nil {
				return err
			}
			if snap == nil {
				return fmt.Errorf("courier: conversation %s not found", m.ConversationID)
			}
			lastMsg = m
			res, derr := c.dispatcher.Dispatch(ctx, m, snap, b)
			lastRes = res
			return derr
		},
		OnFailure: func(ctx context.Context, attemptErr error, b delivery.Budget) (delivery.Decision, error) {
			if lastMsg == nil {
				return delivery.DecisionGiveUp, nil
			}
			return c.classifier.OnAttemptFailed(ctx, lastMsg, lastRes, attemptErr, b)
		},
		Done: done,
	})
}

// EnqueueResend schedules a recovery send. Content resends reuse the
// original timestamp and metadata so recipients deduplicate correctly.
func (c *Client) EnqueueResend(ctx context.Context, job *recovery.ResendJob) error {
	conv := job.ConversationID
	if conv == "" {
		var err error
		conv, err = c.store.EnsureDirect(ctx, job.Recipient)
		if err != nil {
			return err
		}
	}

	body, hint, err := resendBody(job)
	if err != nil {
		return err
	}

	return c.scheduler.Enqueue(&queue.Job{
		Conversation: conv,
		Run: func(ctx context.Context, b delivery.Budget) error {
			return c.sendSealed(ctx, conv, job, body, hint)
		},
		OnFailure: func(_ context.Context, attemptErr error, b delivery.Budget) (delivery.Decision, error) {
			if delivery.IsTerminal(attemptErr) || b.IsFinalAttempt() || b.TimeRemaining() <= 0 {
				return delivery.DecisionGiveUp, nil
			}
			return delivery.DecisionRetry, nil
		},
	})
}

// resendBody builds the content envelope for a recovery send.
func resendBody(job *recovery.ResendJob) ([]byte, delivery.ContentHint, error) {
	switch job.Kind {
	case recovery.ResendContent:
		return job.Ciphertext, job.ContentHint, nil
	case recovery.ResendDistribution:
		content := &wire.Content{SKDM: job.Ciphertext}
		return content.Marshal(), delivery.HintImplicit, nil
	case recovery.ResendNullMessage:
		// Random-length padding so null messages are not distinguishable
		// by size.
		padding := make([]byte, 1+randByte()%140)
		if _, err := rand.Read(padding); err != nil {
			return nil, 0, fmt.Errorf("courier: null message padding: %w", err)
		}
		content := &wire.Content{NullPadding: padding}
		return content.Marshal(), delivery.HintImplicit, nil
	default:
		return nil, 0, fmt.Errorf("courier: unknown resend kind %d", job.Kind)
	}
}

func randByte() int {
	var b [1]byte
	rand.Read(b[:])
	return int(b[0])
}

// sendSealed seals body for the job's recipient and pushes it through
// the transport as a direct send.
func (c *Client) sendSealed(ctx context.Context, conv delivery.ConversationID, job *recovery.ResendJob, body []byte, hint delivery.ContentHint) error {
	ref := delivery.SessionRef{Account: job.Recipient, Device: 1}
	session, err := c.store.LoadSession(ctx, ref)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("courier: no session for %s", job.Recipient)
	}
	ct, err := c.sealer.Seal(body, session.RemoteKey)
	if err != nil {
		return fmt.Errorf("courier: seal for %s: %w", job.Recipient, err)
	}

	ts := job.Timestamp
	if ts == 0 {
		ts = uint64(time.Now().UnixMilli())
	}
	payload := &delivery.Payload{
		ConversationID: conv,
		Timestamp:      ts,
		ContentHint:    hint,
		Urgent:         job.Urgent,
		GroupID:        job.GroupID,
		Messages:       []delivery.RecipientMessage{{Recipient: job.Recipient, Ciphertext: ct}},
	}

	perRecipient, err := c.transport.SendDirect(ctx, payload)
	if err != nil {
		return fmt.Errorf("courier: resend to %s: %w", job.Recipient, err)
	}
	if rerr := perRecipient[job.Recipient]; rerr != nil {
		return fmt.Errorf("courier: resend to %s: %w", job.Recipient, rerr)
	}
	logf(c.logger, "courier: recovery send (kind %d) to %s at %d delivered", job.Kind, job.Recipient, ts)
	return nil
}

// HandleResendRequest processes an inbound resend request. Exposed for
// callers that receive signals outside the websocket stream.
func (c *Client) HandleResendRequest(ctx context.Context, req *recovery.ResendRequest) (*recovery.Trace, error) {
	return c.handler.HandleResendRequest(ctx, req)
}

// HandleDecryptionError processes an inbound decryption-error report.
func (c *Client) HandleDecryptionError(ctx context.Context, de *recovery.DecryptionError) (*recovery.Trace, error) {
	return c.handler.HandleDecryptionError(ctx, de)
}

// WaitIdle blocks until no send job is queued or running.
func (c *Client) WaitIdle(ctx context.Context) error {
	return c.scheduler.WaitIdle(ctx)
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
