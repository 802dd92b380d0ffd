//go:build integration

package integration

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/bissquit/epharmacy-notify/internal/notifications"
	"github.com/bissquit/epharmacy-notify/internal/testutil"
	"github.com/stretchr/testify/require"
)

type memoryDirectory struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{tokens: make(map[string]string)}
}

func (d *memoryDirectory) set(userID, token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens[userID] = token
}

func (d *memoryDirectory) ResolveToken(_ context.Context, userID string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	token, ok := d.tokens[userID]
	return token, ok, nil
}

func (d *memoryDirectory) ResolveTokens(_ context.Context, userIDs []string) ([]notifications.UserToken, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []notifications.UserToken
	for _, id := range userIDs {
		if token, ok := d.tokens[id]; ok {
			out = append(out, notifications.UserToken{UserID: id, Token: token})
		}
	}
	return out, nil
}

var errDeviceGone = notifications.NewNonRetryableError(errors.New("device token unregistered"))

type recordingSender struct {
	mu     sync.Mutex
	sent   map[string][]notifications.Message
	broken map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{
		sent:   make(map[string][]notifications.Message),
		broken: make(map[string]bool),
	}
}

func (s *recordingSender) Send(_ context.Context, token string, msg notifications.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken[token] {
		return "", errDeviceGone
	}
	s.sent[token] = append(s.sent[token], msg)
	return "projects/it/messages/" + token, nil
}

func (s *recordingSender) setBroken(token string, broken bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken[token] = broken
}

func (s *recordingSender) delivered(token string) []notifications.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notifications.Message(nil), s.sent[token]...)
}

// resetQueue empties every partition through the operator API.
func resetQueue(t *testing.T, client *testutil.Client) {
	t.Helper()
	resp, err := client.DELETE("/api/v1/admin/queue")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func queueStats(t *testing.T, client *testutil.Client) notifications.Stats {
	t.Helper()
	resp, err := client.GET("/api/v1/admin/queue/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats notifications.Stats
	testutil.DecodeData(t, resp, &stats)
	return stats
}

func requestDrain(t *testing.T, client *testutil.Client) {
	t.Helper()
	resp, err := client.POST("/api/v1/admin/queue/drain", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}
