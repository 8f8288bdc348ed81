// Package signal implements the client for the externally hosted Signal
// API: sending messages on behalf of the registered identity and driving
// phone number registration.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/edgard/signalbot/internal/config"
)

// ErrInvalidCode indicates the provider rejected an SMS verification code
// as wrong or expired.
var ErrInvalidCode = errors.New("invalid or expired verification code")

// RateLimitError indicates the provider signaled a too-many-requests
// condition. RetryAfter is the wait the provider asked for, zero when the
// provider gave none.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by signal provider, retry after %s", e.RetryAfter)
	}
	return "rate limited by signal provider"
}

// Client talks to the Signal REST API.
type Client struct {
	apiURL   string
	apiToken string
	client   *http.Client
	logger   *slog.Logger
}

// NewClient creates a Signal API client with a bounded request timeout.
func NewClient(cfg config.SignalConfig, logger *slog.Logger) *Client {
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiURL:   strings.TrimRight(cfg.APIURL, "/"),
		apiToken: cfg.APIToken,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("component", "signal_client"),
	}
}

// sendPayload mirrors the Signal API send body. Exactly one of Recipients
// or GroupID is set, depending on the conversation.
type sendPayload struct {
	Message    string   `json:"message"`
	Recipients []string `json:"recipients,omitempty"`
	GroupID    string   `json:"groupId,omitempty"`
}

// Send delivers a message body to a conversation. Group conversations are
// identified by a "group:" prefix on the conversation ID.
func (c *Client) Send(ctx context.Context, conversationID, body string) error {
	if conversationID == "" {
		return fmt.Errorf("conversation_id cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	payload := sendPayload{Message: body}
	if groupID, ok := strings.CutPrefix(conversationID, "group:"); ok {
		payload.GroupID = groupID
	} else {
		payload.Recipients = []string{conversationID}
	}

	resp, err := c.post(ctx, "/v1/send", payload)
	if err != nil {
		return fmt.Errorf("signal send failed: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		c.logger.WarnContext(ctx, "Signal send rejected",
			"conversation_id", conversationID, "status", resp.StatusCode, "error", err)
		return fmt.Errorf("signal send to %s failed: %w", conversationID, err)
	}

	c.logger.DebugContext(ctx, "Message sent", "conversation_id", conversationID)
	return nil
}

// Register asks the provider to start registering a phone number. The
// captcha token is consumed by this call whether or not it succeeds.
func (c *Client) Register(ctx context.Context, phoneNumber, captchaToken string) error {
	body := map[string]any{
		"captcha":   captchaToken,
		"use_voice": false,
	}

	resp, err := c.post(ctx, "/v1/register/"+url.PathEscape(phoneNumber), body)
	if err != nil {
		return fmt.Errorf("signal registration request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return fmt.Errorf("signal registration for %s failed: %w", phoneNumber, err)
	}

	c.logger.InfoContext(ctx, "Registration initiated", "phone_number", phoneNumber)
	return nil
}

// Verify submits the SMS verification code for a pending registration.
func (c *Client) Verify(ctx context.Context, phoneNumber, code string) error {
	path := "/v1/register/" + url.PathEscape(phoneNumber) + "/verify/" + url.PathEscape(code)

	resp, err := c.post(ctx, path, nil)
	if err != nil {
		return fmt.Errorf("signal verification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
		return ErrInvalidCode
	}
	if err := c.checkStatus(resp); err != nil {
		return fmt.Errorf("signal verification for %s failed: %w", phoneNumber, err)
	}

	c.logger.InfoContext(ctx, "Verification accepted", "phone_number", phoneNumber)
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	return c.client.Do(req)
}

// checkStatus maps non-success responses to errors, recognizing the
// provider's rate limiting signal.
func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if wait := time.Until(t); wait > 0 {
			return wait
		}
	}
	return 0
}
