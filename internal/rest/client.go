// Package rest is the pull side of the server API: conversation and
// message fetches that feed the reconciler, message mutations, and avatar
// lookups. Push delivery is the fast path; everything here exists so state
// converges even when push events were missed.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/vterra/chirp/internal/conn"
	intsync "github.com/vterra/chirp/internal/sync"
)

// Config tunes the client. The zero value gets sane defaults for
// everything but BaseURL.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// MaxRetries bounds re-attempts for transient and server errors.
	MaxRetries int
	RetryDelay time.Duration
}

// Client talks to the server's HTTP API. It implements the pull source
// used by the sync scheduler.
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	tokens conn.TokenSource
	logger *zap.Logger
}

func NewClient(cfg Config, tokens conn.TokenSource, logger *zap.Logger) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Client{
		cfg:    cfg,
		base:   base,
		http:   &http.Client{Timeout: cfg.Timeout},
		tokens: tokens,
		logger: logger.Named("rest"),
	}, nil
}

// Conversations fetches the server's conversation summaries.
func (c *Client) Conversations(ctx context.Context) ([]intsync.ConversationSummary, error) {
	var out []intsync.ConversationSummary
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Counterparts returns the ids of every conversation the server knows
// about.
func (c *Client) Counterparts(ctx context.Context) ([]string, error) {
	convs, err := c.Conversations(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(convs))
	for _, conv := range convs {
		ids = append(ids, conv.CounterpartID)
	}
	return ids, nil
}

// Messages fetches one conversation's messages as reconciler records.
func (c *Client) Messages(ctx context.Context, counterpartID string) ([]intsync.Record, error) {
	var wire []intsync.WireMessage
	path := "/messages/" + url.PathEscape(counterpartID)
	if err := c.do(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}
	recs := make([]intsync.Record, 0, len(wire))
	for _, w := range wire {
		recs = append(recs, w.Record())
	}
	return recs, nil
}

// SendMessage posts a message over the pull API. Used by the control CLI;
// the daemon itself sends over the push channel.
func (c *Client) SendMessage(ctx context.Context, receiverID, content string) (intsync.WireMessage, error) {
	body := map[string]string{"receiverId": receiverID, "content": content}
	var out intsync.WireMessage
	if err := c.do(ctx, http.MethodPost, "/messages", body, &out); err != nil {
		return intsync.WireMessage{}, err
	}
	return out, nil
}

// UpdateMessage replaces a message's content.
func (c *Client) UpdateMessage(ctx context.Context, messageID, content string) error {
	body := map[string]string{"content": content}
	return c.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID), body, nil)
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil)
}

// AvatarURL looks up a user's avatar. The server may answer with a
// relative URL; it is resolved against the base before being returned.
// A not-found answer is not an error: it returns "" so the caller can
// cache the negative.
func (c *Client) AvatarURL(ctx context.Context, userID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := c.do(ctx, http.MethodGet, "/avatar/"+url.PathEscape(userID), nil, &out)
	if IsConflict(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return c.absolute(out.URL)
}

func (c *Client) absolute(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse avatar url: %w", err)
	}
	return c.base.ResolveReference(ref).String(), nil
}

// do runs one API call with bounded retries for transient and server
// failures. Auth and conflict failures return immediately.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s body: %w", method, path, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
			c.logger.Debug("retrying request",
				zap.String("path", path), zap.Int("attempt", attempt))
		}
		lastErr = c.once(ctx, method, path, payload, out)
		if lastErr == nil || !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	op := method + " " + path

	token, err := c.tokens.Token()
	if err != nil {
		return &APIError{Kind: KindAuth, Op: op, Err: err}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request %s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Kind: KindTransient, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{
			Kind:   classify(resp.StatusCode),
			Status: resp.StatusCode,
			Op:     op,
			Err:    fmt.Errorf("%s", bytes.TrimSpace(msg)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
