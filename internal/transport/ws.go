package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/chatterlab/courier/internal/delivery"
	"github.com/chatterlab/courier/internal/recovery"
)

const maxReconnectInterval = 30 * time.Second

// Signal frame types on the stream.
const (
	frameResendRequest   = "resend_request"
	frameDecryptionError = "decryption_error"
	frameAck             = "ack"
)

// signalFrame is one incoming recovery signal. GroupID is base64 on the
// wire via encoding/json's []byte handling.
type signalFrame struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Sender     string `json:"sender"`
	Device     int    `json:"device"`
	Timestamp  uint64 `json:"timestamp"`
	RatchetKey string `json:"ratchetKey,omitempty"`
	GroupID    []byte `json:"groupId,omitempty"`
}

type ackFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// SignalHandler consumes recovery signals read off the stream.
type SignalHandler interface {
	HandleResendRequest(ctx context.Context, req *recovery.ResendRequest) (*recovery.Trace, error)
	HandleDecryptionError(ctx context.Context, de *recovery.DecryptionError) (*recovery.Trace, error)
}

// Stream reads recovery signals from the server over a websocket,
// dispatches them to the handler, and acks each frame. It reconnects
// with exponential backoff until its context is cancelled.
type Stream struct {
	url     string
	auth    BasicAuth
	handler SignalHandler
	logger  *log.Logger
}

// NewStream creates a signal stream against the given websocket URL.
func NewStream(url string, auth BasicAuth, handler SignalHandler, logger *log.Logger) *Stream {
	return &Stream{url: url, auth: auth, handler: handler, logger: logger}
}

// Run keeps a connection alive until ctx is cancelled. Connection errors
// are logged and retried; handler errors are logged per frame and never
// tear down the stream.
func (s *Stream) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := s.readLoop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logf(s.logger, "stream: connection lost: %v", err)

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (s *Stream) readLoop(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", basicAuthHeader(s.auth))
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", s.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	logf(s.logger, "stream: connected to %s", s.url)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("transport: read frame: %w", err)
		}

		var frame signalFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logf(s.logger, "stream: bad frame, skipping: %v", err)
			continue
		}

		if err := s.dispatch(ctx, &frame); err != nil {
			logf(s.logger, "stream: handle %s for %d: %v", frame.Type, frame.Timestamp, err)
		}

		// Ack regardless of handler outcome: redelivery cannot improve a
		// signal the handler already judged.
		if frame.ID != "" {
			ack, _ := json.Marshal(ackFrame{Type: frameAck, ID: frame.ID})
			if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
				return fmt.Errorf("transport: write ack: %w", err)
			}
		}
	}
}

func (s *Stream) dispatch(ctx context.Context, frame *signalFrame) error {
	switch frame.Type {
	case frameResendRequest:
		_, err := s.handler.HandleResendRequest(ctx, &recovery.ResendRequest{
			Requester:  delivery.RecipientID(frame.Sender),
			Device:     frame.Device,
			Timestamp:  frame.Timestamp,
			RatchetKey: frame.RatchetKey,
			GroupID:    frame.GroupID,
		})
		return err
	case frameDecryptionError:
		_, err := s.handler.HandleDecryptionError(ctx, &recovery.DecryptionError{
			Sender:     delivery.RecipientID(frame.Sender),
			Device:     frame.Device,
			Timestamp:  frame.Timestamp,
			RatchetKey: frame.RatchetKey,
		})
		return err
	default:
		logf(s.logger, "stream: unknown frame type %q, skipping", frame.Type)
		return nil
	}
}

func basicAuthHeader(auth BasicAuth) string {
	req, _ := http.NewRequest(http.MethodGet, "http://localhost/", nil)
	req.SetBasicAuth(auth.Username, auth.Password)
	return req.Header.Get("Authorization")
}
