package main

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
	"time"

	"coachline/internal/api"
	"coachline/internal/transcoder"
)

// jobEvent is the body the API's webhook endpoint accepts.
type jobEvent struct {
	JobName string `json:"jobName"`
	JobID   string `json:"jobId"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}

// notifier posts job state changes to the API. Deliveries are retried with
// exponential backoff; the API deduplicates repeats.
type notifier struct {
	url      string
	secret   string
	client   *http.Client
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

func newNotifier(url, secret string, logger *slog.Logger) *notifier {
	return &notifier{
		url:      strings.TrimSpace(url),
		secret:   secret,
		client:   &http.Client{Timeout: 30 * time.Second},
		attempts: 5,
		backoff:  time.Second,
		logger:   logger,
	}
}

func (n *notifier) Notify(ctx context.Context, job *jobRecord, state transcoder.State, message string) error {
	if n == nil || n.url == "" {
		return nil
	}
	body, err := json.Marshal(jobEvent{JobName: job.Name, JobID: job.ID, State: string(state), Error: message})
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}

	delay := n.backoff
	var lastErr error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		lastErr = n.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		n.logger.Warn("webhook delivery failed", "job", job.Name, "state", state, "attempt", attempt, "error", lastErr)
		var rejected *rejectedError
		if attempt == n.attempts || errors.As(lastErr, &rejected) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("deliver %s event for %s: %w", state, job.Name, lastErr)
}

func (n *notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set(api.WebhookSecretHeader, n.secret)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return &rejectedError{status: resp.Status, body: strings.TrimSpace(string(data))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return nil
}

// rejectedError marks a delivery the API refused; retrying cannot help.
type rejectedError struct {
	status string
	body   string
}

func (e *rejectedError) Error() string {
	return "webhook rejected: " + e.status + ": " + e.body
}
