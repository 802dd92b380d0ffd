// Package mattermost posts operator alerts to a Mattermost Incoming Webhook.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bissquit/epharmacy-notify/internal/notifications"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultUsername = "epharmacy-notify"
)

// Config holds Mattermost alerter configuration.
type Config struct {
	WebhookURL string
	Username   string
	IconURL    string
	Channel    string
	Timeout    time.Duration
}

// Alerter reports quarantined notifications to operators.
type Alerter struct {
	config     Config
	httpClient *http.Client
}

// NewAlerter creates a new Mattermost alerter.
func NewAlerter(config Config) *Alerter {
	if config.Username == "" {
		config.Username = defaultUsername
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}

	return &Alerter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// NotifyQuarantined posts a short summary of an item that ran out of attempts.
func (a *Alerter) NotifyQuarantined(ctx context.Context, item *notifications.QueuedNotification) error {
	return a.post(ctx, webhookPayload{
		Text:     quarantineText(item),
		Username: a.config.Username,
		IconURL:  a.config.IconURL,
		Channel:  a.config.Channel,
	})
}

type webhookPayload struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	IconURL  string `json:"icon_url,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

func quarantineText(item *notifications.QueuedNotification) string {
	var b strings.Builder
	b.WriteString("### Push notification quarantined\n\n")
	fmt.Fprintf(&b, "| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| ID | `%s` |\n", item.ID)
	fmt.Fprintf(&b, "| Kind | %s |\n", item.Kind())
	fmt.Fprintf(&b, "| Attempts | %d/%d |\n", item.Attempts, item.MaxAttempts)
	if item.Title != "" {
		fmt.Fprintf(&b, "| Title | %s |\n", escapeCell(item.Title))
	}
	if item.LastError != "" {
		fmt.Fprintf(&b, "| Last error | %s |\n", escapeCell(item.LastError))
	}
	return b.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}

func (a *Alerter) post(ctx context.Context, payload webhookPayload) error {
	if a.config.WebhookURL == "" {
		return &PermanentError{Message: "webhook URL is empty"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return a.handleResponse(resp)
}

func (a *Alerter) handleResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		slog.Debug("mattermost alert sent", "webhook", maskWebhookURL(a.config.WebhookURL))
		return nil

	case http.StatusBadRequest:
		return &PermanentError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("bad request: %s", string(body)),
		}

	case http.StatusUnauthorized, http.StatusForbidden:
		return &PermanentError{Code: resp.StatusCode, Message: "invalid or expired webhook"}

	case http.StatusNotFound:
		return &PermanentError{Code: resp.StatusCode, Message: "webhook not found"}

	case http.StatusTooManyRequests:
		return &RetryableError{Code: resp.StatusCode, Message: "rate limited"}

	default:
		if resp.StatusCode >= 500 {
			return &RetryableError{
				Code:    resp.StatusCode,
				Message: fmt.Sprintf("server error: %s", string(body)),
			}
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

// maskWebhookURL hides the secret part of the URL for logging.
func maskWebhookURL(url string) string {
	if len(url) > 40 {
		return url[:20] + "..." + url[len(url)-10:]
	}
	return url
}

// PermanentError indicates a failure that will not go away on retry.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("mattermost error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("mattermost error: %s", e.Message)
}

// IsRetryable returns false.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary failure.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("mattermost error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("mattermost error: %s", e.Message)
}

// IsRetryable returns true.
func (e *RetryableError) IsRetryable() bool { return true }
