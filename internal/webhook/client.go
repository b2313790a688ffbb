package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/imgopt/internal/domain"
)

const (
	HeaderSignature = "X-Imgopt-Signature"
	HeaderTimestamp = "X-Imgopt-Timestamp"
	HeaderEvent     = "X-Imgopt-Event"
	HeaderRunID     = "X-Imgopt-Run-Id"
	HeaderAttempt   = "X-Imgopt-Attempt"

	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
)

// RunEvent is the JSON body posted when a run reaches a terminal status.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	Outputs   any       `json:"outputs,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event names the webhook event for the run's status.
func (e RunEvent) Event() string {
	if e.Status == domain.RunStatusSucceeded {
		return EventRunCompleted
	}
	return EventRunFailed
}

// StatusError is returned when the receiver answers with a non-2xx status.
type StatusError struct {
	RunID      string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook for run %s returned status=%d", e.RunID, e.StatusCode)
}

// Retryable reports whether another attempt could succeed. Client errors are
// final except for timeouts and throttling.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return false
	default:
		return true
	}
}

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client delivers signed run events to the webhook_url of a run.
type Client struct {
	httpClient *http.Client
	secret     string
	attempts   int
	backoff    func(attempt int) time.Duration
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	ceiling := max(cfg.MaxBackoff, initial)

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		secret:     cfg.SigningSecret,
		attempts:   max(cfg.MaxAttempts, 1),
		backoff: func(attempt int) time.Duration {
			d := initial << (attempt - 1)
			if d <= 0 || d > ceiling {
				return ceiling
			}
			return d
		},
	}
}

// delivery is one signed event; every attempt reuses the same body and
// signature so receivers can deduplicate on run id and timestamp.
type delivery struct {
	endpoint  string
	event     string
	runID     string
	timestamp string
	signature string
	body      []byte
}

// Notify posts ev to endpoint. An empty endpoint means the run asked for no
// callback.
func (c *Client) Notify(ctx context.Context, endpoint string, ev RunEvent) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal run event %s: %w", ev.RunID, err)
	}
	timestamp := strconv.FormatInt(ev.Timestamp.Unix(), 10)
	d := delivery{
		endpoint:  endpoint,
		event:     ev.Event(),
		runID:     ev.RunID,
		timestamp: timestamp,
		signature: Sign(c.secret, timestamp, body),
		body:      body,
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		lastErr = c.post(ctx, d, attempt)
		if lastErr == nil {
			return nil
		}
		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && !statusErr.Retryable() {
			return lastErr
		}
		if attempt == c.attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff(attempt)):
		}
	}
	return fmt.Errorf("%s for run %s failed after %d attempts: %w", d.event, d.runID, c.attempts, lastErr)
}

func (c *Client) post(ctx context.Context, d delivery, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(d.body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, d.timestamp)
	req.Header.Set(HeaderSignature, d.signature)
	req.Header.Set(HeaderEvent, d.event)
	req.Header.Set(HeaderRunID, d.runID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{RunID: d.runID, StatusCode: resp.StatusCode}
	}
	return nil
}

// Sign computes the signature header value over "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body for the given secret.
func Verify(secret, timestamp, signature string, body []byte) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
