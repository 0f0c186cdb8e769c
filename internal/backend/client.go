// ABOUTME: HTTP client for the upstream conversational backend
// ABOUTME: Fire-and-forget ask requests and synchronous answer feedback

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jordydydy/semaphore-remove/internal/channel"
)

// ErrNotConfigured is returned when the relevant backend URL is empty.
var ErrNotConfigured = errors.New("backend url not configured")

// TimestampLayout is the start_timestamp format the backend expects (UTC, milliseconds).
const TimestampLayout = "2006-01-02 15:04:05.000"

// Config configures the backend client.
type Config struct {
	AskURL      string
	FeedbackURL string
	// APIKey authenticates ask requests, CoreAPIKey authenticates feedback.
	APIKey     string
	CoreAPIKey string
	// AskTimeout bounds a background ask. The backend answers via callback,
	// so this only limits how long the request may hang.
	AskTimeout      time.Duration
	FeedbackTimeout time.Duration
	HTTPClient      *http.Client
}

// Query is one user message forwarded to the backend.
type Query struct {
	Text           string
	Platform       channel.Channel
	UserID         string
	ConversationID string
	StartedAt      time.Time
	// OnFailure, if set, runs on the background goroutine when the queued
	// request fails.
	OnFailure func(err error)
}

type askPayload struct {
	Query            string `json:"query"`
	Platform         string `json:"platform"`
	PlatformUniqueID string `json:"platform_unique_id"`
	ConversationID   string `json:"conversation_id"`
	StartTimestamp   string `json:"start_timestamp"`
}

type feedbackPayload struct {
	SessionID string `json:"session_id"`
	Feedback  bool   `json:"feedback"`
	AnswerID  int64  `json:"answer_id"`
}

// Observer receives the outcome of each backend request.
type Observer interface {
	ObserveBackend(op string, err error)
}

// Option configures a Client.
type Option func(*Client)

// WithObserver reports request outcomes.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithClock overrides the clock used for start timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client talks to the backend.
type Client struct {
	cfg      Config
	http     *http.Client
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
	inflight sync.WaitGroup
}

// New creates a backend client.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if cfg.AskTimeout == 0 {
		cfg.AskTimeout = 2 * time.Minute
	}
	if cfg.FeedbackTimeout == 0 {
		cfg.FeedbackTimeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With("component", "backend"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ask queues q for the backend and returns without waiting for the response.
// The request runs detached from ctx cancellation; its failures are only logged.
func (c *Client) Ask(ctx context.Context, q Query) error {
	if c.cfg.AskURL == "" {
		return ErrNotConfigured
	}
	started := q.StartedAt
	if started.IsZero() {
		started = c.now()
	}
	payload := askPayload{
		Query:            q.Text,
		Platform:         string(q.Platform),
		PlatformUniqueID: q.UserID,
		ConversationID:   q.ConversationID,
		StartTimestamp:   started.UTC().Format(TimestampLayout),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding ask: %w", err)
	}

	c.logger.Info("forwarding to backend",
		"channel", q.Platform,
		"conversation_id", q.ConversationID,
	)

	bg := context.WithoutCancel(ctx)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		reqCtx, cancel := context.WithTimeout(bg, c.cfg.AskTimeout)
		defer cancel()
		err := c.post(reqCtx, c.cfg.AskURL, c.cfg.APIKey, body)
		c.observe("ask", err)
		if err != nil {
			c.logger.Error("backend ask failed", "conversation_id", q.ConversationID, "error", err)
			if q.OnFailure != nil {
				q.OnFailure(err)
			}
		}
	}()
	return nil
}

// Wait blocks until queued asks have finished.
func (c *Client) Wait() {
	c.inflight.Wait()
}

// SendFeedback records whether answerID in sessionID was helpful.
func (c *Client) SendFeedback(ctx context.Context, sessionID string, positive bool, answerID int64) error {
	if c.cfg.FeedbackURL == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(feedbackPayload{SessionID: sessionID, Feedback: positive, AnswerID: answerID})
	if err != nil {
		return fmt.Errorf("encoding feedback: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FeedbackTimeout)
	defer cancel()

	err = c.post(ctx, c.cfg.FeedbackURL, c.cfg.CoreAPIKey, body)
	c.observe("feedback", err)
	if err != nil {
		return fmt.Errorf("sending feedback for %s: %w", sessionID, err)
	}
	c.logger.Info("feedback sent", "session_id", sessionID, "positive", positive, "answer_id", answerID)
	return nil
}

func (c *Client) observe(op string, err error) {
	if c.observer != nil {
		c.observer.ObserveBackend(op, err)
	}
}

// StatusError is a non-2xx backend response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Body)
}

func (c *Client) post(ctx context.Context, url, apiKey string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting to backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
