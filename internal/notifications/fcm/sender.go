// Package fcm delivers push notifications through the Firebase Cloud Messaging HTTP v1 API.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bissquit/epharmacy-notify/internal/notifications"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
)

const (
	defaultEndpoint = "https://fcm.googleapis.com"
	defaultTimeout  = 10 * time.Second
	messagingScope  = "https://www.googleapis.com/auth/firebase.messaging"
	dryRunMessageID = "dry-run"
	maxErrorBody    = 64 << 10
)

// Config holds FCM sender configuration.
type Config struct {
	Enabled         bool
	ProjectID       string
	CredentialsFile string
	CredentialsJSON string
	Endpoint        string
	Timeout         time.Duration
	RateLimit       float64 // deliveries per second, 0 disables limiting
	Burst           int

	// TokenSource overrides credentials. Used by tests and workload identity setups.
	TokenSource oauth2.TokenSource
}

// Sender implements notifications.Sender for FCM.
type Sender struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	sendURL    string
}

var _ notifications.Sender = (*Sender)(nil)

// NewSender creates a new FCM sender.
// Returns error if enabled but required config is missing.
func NewSender(ctx context.Context, config Config) (*Sender, error) {
	if config.Endpoint == "" {
		config.Endpoint = defaultEndpoint
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}

	s := &Sender{config: config}

	if config.RateLimit > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = max(1, int(config.RateLimit))
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	slog.Info("fcm sender configured",
		"enabled", config.Enabled,
		"project_id", config.ProjectID,
		"rate_limit", config.RateLimit,
	)

	if !config.Enabled {
		return s, nil
	}

	if config.ProjectID == "" {
		return nil, errors.New("fcm sender: project id is required when enabled")
	}

	ts := config.TokenSource
	if ts == nil {
		creds, err := loadCredentials(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("fcm sender: %w", err)
		}
		ts = creds.TokenSource
	}

	base := &http.Client{Timeout: config.Timeout}
	s.httpClient = oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), ts)
	s.httpClient.Timeout = config.Timeout
	s.sendURL = fmt.Sprintf("%s/v1/projects/%s/messages:send", strings.TrimRight(config.Endpoint, "/"), config.ProjectID)

	return s, nil
}

func loadCredentials(ctx context.Context, config Config) (*google.Credentials, error) {
	raw := []byte(config.CredentialsJSON)
	if len(raw) == 0 && config.CredentialsFile != "" {
		data, err := os.ReadFile(config.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read credentials file: %w", err)
		}
		raw = data
	}

	if len(raw) == 0 {
		creds, err := google.FindDefaultCredentials(ctx, messagingScope)
		if err != nil {
			return nil, fmt.Errorf("find default credentials: %w", err)
		}
		return creds, nil
	}

	creds, err := google.CredentialsFromJSON(ctx, raw, messagingScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, nil
}

// Send delivers msg to one device token and returns the provider message name.
func (s *Sender) Send(ctx context.Context, token string, msg notifications.Message) (string, error) {
	if token == "" {
		return "", &Error{Code: CodeInvalidArgument, Message: "device token is empty"}
	}

	if !s.config.Enabled {
		slog.Debug("fcm sender disabled, skipping", "token", maskToken(token), "title", msg.Title)
		return dryRunMessageID, nil
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", &Error{Code: CodeTransport, Message: fmt.Sprintf("rate limiter: %v", err), retryable: true}
		}
	}

	body, err := json.Marshal(sendRequest{Message: buildMessage(token, msg)})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.sendURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", &Error{Code: CodeTransport, Message: fmt.Sprintf("send request: %v", err), retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp, token)
}

func (s *Sender) handleResponse(resp *http.Response, token string) (string, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", &Error{StatusCode: resp.StatusCode, Code: CodeTransport, Message: fmt.Sprintf("read response: %v", err), retryable: true}
	}

	if resp.StatusCode == http.StatusOK {
		var ok sendResponse
		if err := json.Unmarshal(body, &ok); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
		slog.Debug("fcm message sent", "token", maskToken(token), "message_id", ok.Name)
		return ok.Name, nil
	}

	return "", parseError(resp.StatusCode, body)
}

// maskToken hides most of a device token for logging.
func maskToken(token string) string {
	if len(token) > 16 {
		return token[:8] + "..." + token[len(token)-4:]
	}
	return "***"
}
