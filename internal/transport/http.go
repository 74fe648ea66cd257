// Package transport moves sealed payloads and recovery signals between
// the client and the messaging server: JSON over HTTP for sends, a
// websocket stream for incoming signals.
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/chatterlab/courier/internal/delivery"
)

// BasicAuth holds the account credentials sent with every request.
type BasicAuth struct {
	Username string
	Password string
}

// Client is the HTTP send transport.
type Client struct {
	baseURL string
	auth    BasicAuth
	client  *http.Client
	logger  *log.Logger
}

var _ delivery.Transport = (*Client)(nil)

// NewClient creates an HTTP transport against baseURL.
func NewClient(baseURL string, auth BasicAuth, logger *log.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		auth:    auth,
		client:  &http.Client{},
		logger:  logger,
	}
}

// sendRequest is the JSON body of a send call.
type sendRequest struct {
	ConversationID string            `json:"conversationId"`
	Timestamp      uint64            `json:"timestamp"`
	ContentHint    int               `json:"contentHint"`
	Urgent         bool              `json:"urgent"`
	Sync           bool              `json:"sync,omitempty"`
	GroupID        string            `json:"groupId,omitempty"` // base64
	Revision       uint32            `json:"revision,omitempty"`
	Messages       []recipientSealed `json:"messages"`
}

type recipientSealed struct {
	Recipient  string `json:"recipient"`
	Ciphertext string `json:"ciphertext"` // base64
}

// sendResponse reports the per-recipient outcome of a send call.
type sendResponse struct {
	Results []recipientResult `json:"results"`
}

type recipientResult struct {
	Recipient string `json:"recipient"`
	Status    string `json:"status"` // "ok", "unregistered", "rejected"
	Error     string `json:"error,omitempty"`
}

// SendDirect delivers a payload addressed to one peer (or our own
// devices when p.Sync is set).
func (c *Client) SendDirect(ctx context.Context, p *delivery.Payload) (delivery.PerRecipientResult, error) {
	return c.send(ctx, "/v1/messages/direct", p)
}

// SendGroup delivers a payload fanned out to a group.
func (c *Client) SendGroup(ctx context.Context, p *delivery.Payload) (delivery.PerRecipientResult, error) {
	return c.send(ctx, "/v1/messages/group", p)
}

func (c *Client) send(ctx context.Context, path string, p *delivery.Payload) (delivery.PerRecipientResult, error) {
	req := sendRequest{
		ConversationID: string(p.ConversationID),
		Timestamp:      p.Timestamp,
		ContentHint:    int(p.ContentHint),
		Urgent:         p.Urgent,
		Sync:           p.Sync,
		Revision:       p.Revision,
	}
	if len(p.GroupID) > 0 {
		req.GroupID = base64.StdEncoding.EncodeToString(p.GroupID)
	}
	for _, m := range p.Messages {
		req.Messages = append(req.Messages, recipientSealed{
			Recipient:  string(m.Recipient),
			Ciphertext: base64.StdEncoding.EncodeToString(m.Ciphertext),
		})
	}

	body, status, err := c.put(ctx, path, req)
	if err != nil {
		return nil, fmt.Errorf("transport: send %s: %w", path, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("transport: send %s: status %d: %s", path, status, body)
	}

	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("transport: decode send response: %w", err)
	}

	result := make(delivery.PerRecipientResult, len(resp.Results))
	for _, r := range resp.Results {
		result[delivery.RecipientID(r.Recipient)] = resultError(r)
	}
	return result, nil
}

// resultError maps a per-recipient server result to an error, nil on
// success. Unregistered peers map to the typed terminal error so the
// classifier gives up without retrying.
func resultError(r recipientResult) error {
	switch r.Status {
	case "ok":
		return nil
	case "unregistered":
		return &delivery.RecipientUnavailableError{
			Recipient: delivery.RecipientID(r.Recipient),
			Reason:    delivery.ReasonUnregistered,
		}
	default:
		if r.Error != "" {
			return errors.New(r.Error)
		}
		return fmt.Errorf("send rejected: %s", r.Status)
	}
}

// put performs a PUT with JSON body and automatic retry on 429,
// respecting the Retry-After header.
func (c *Client) put(ctx context.Context, path string, payload any) ([]byte, int, error) {
	const maxRetries = 3
	const maxWait = 10 * time.Minute

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("encode request: %w", err)
	}

	for attempt := range maxRetries + 1 {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, 0, fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.SetBasicAuth(c.auth.Username, c.auth.Password)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, 0, err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, 0, fmt.Errorf("read response: %w", readErr)
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			logf(c.logger, "http PUT %s → %d", path, resp.StatusCode)
			return respBody, resp.StatusCode, nil
		}
		if attempt == maxRetries {
			return respBody, resp.StatusCode, nil
		}

		wait := time.Duration(5<<attempt) * time.Second // 5s, 10s, 20s, 40s
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		wait = min(wait, maxWait)
		logf(c.logger, "http PUT %s → 429, retrying in %v (attempt %d/%d)", path, wait, attempt+1, maxRetries)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}

	return nil, 0, fmt.Errorf("retry loop exhausted")
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
