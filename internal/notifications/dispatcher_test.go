package notifications

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDirectory struct {
	tokens map[string]string
	err    error
}

func (d *stubDirectory) ResolveToken(_ context.Context, userID string) (string, bool, error) {
	if d.err != nil {
		return "", false, d.err
	}
	token, ok := d.tokens[userID]
	return token, ok, nil
}

func (d *stubDirectory) ResolveTokens(_ context.Context, userIDs []string) ([]UserToken, error) {
	if d.err != nil {
		return nil, d.err
	}
	var out []UserToken
	for _, id := range userIDs {
		if token, ok := d.tokens[id]; ok {
			out = append(out, UserToken{UserID: id, Token: token})
		}
	}
	return out, nil
}

type stubSender struct {
	mu     sync.Mutex
	sent   []string
	failOn map[string]error
}

func (s *stubSender) Send(_ context.Context, token string, _ Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sent = append(s.sent, token)
	if err, ok := s.failOn[token]; ok {
		return "", err
	}
	return "projects/test/messages/" + token, nil
}

func (s *stubSender) tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func TestDispatcher_Deliver(t *testing.T) {
	directory := &stubDirectory{tokens: map[string]string{
		"u1": "tok-1",
		"u2": "tok-2",
		"u3": "tok-3",
	}}
	errUnavailable := NewRetryableError(errors.New("provider unavailable"))

	tests := []struct {
		name       string
		target     Target
		failOn     map[string]error
		wantErr    error
		wantSent   []string
		wantFailed bool
	}{
		{
			name:     "single token",
			target:   SingleToken{Token: "raw-token"},
			wantSent: []string{"raw-token"},
		},
		{
			name:       "single token missing",
			target:     SingleToken{},
			wantErr:    ErrInvalidTarget,
			wantFailed: true,
		},
		{
			name:     "by user",
			target:   ByUser{UserID: "u2"},
			wantSent: []string{"tok-2"},
		},
		{
			name:       "by user without token",
			target:     ByUser{UserID: "nobody"},
			wantErr:    ErrTokenNotFound,
			wantFailed: true,
		},
		{
			name:     "by users skips users without token",
			target:   ByUsers{UserIDs: []string{"u1", "nobody", "u3"}},
			wantSent: []string{"tok-1", "tok-3"},
		},
		{
			name:       "by users nobody reachable",
			target:     ByUsers{UserIDs: []string{"x", "y"}},
			wantErr:    ErrNoRecipients,
			wantFailed: true,
		},
		{
			name:     "bulk partial success",
			target:   Bulk{UserIDs: []string{"u1", "u2", "u3"}},
			failOn:   map[string]error{"tok-1": errUnavailable, "tok-3": errUnavailable},
			wantSent: []string{"tok-1", "tok-2", "tok-3"},
		},
		{
			name:       "bulk all fail",
			target:     Bulk{UserIDs: []string{"u1", "u2"}},
			failOn:     map[string]error{"tok-1": errUnavailable, "tok-2": errUnavailable},
			wantErr:    ErrAllFailed,
			wantSent:   []string{"tok-1", "tok-2"},
			wantFailed: true,
		},
		{
			name:       "single token provider error",
			target:     SingleToken{Token: "tok-9"},
			failOn:     map[string]error{"tok-9": errUnavailable},
			wantErr:    errUnavailable,
			wantSent:   []string{"tok-9"},
			wantFailed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &stubSender{failOn: tt.failOn}
			d := NewDispatcher(directory, sender, 2)

			err := d.Deliver(context.Background(), &QueuedNotification{ID: "n1", Target: tt.target, Title: "t"})

			if tt.wantFailed {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.ElementsMatch(t, tt.wantSent, sender.tokens())
		})
	}
}

func TestDispatcher_FanOutSendsOncePerToken(t *testing.T) {
	directory := &stubDirectory{tokens: map[string]string{
		"u1": "shared-tablet",
		"u2": "shared-tablet",
		"u3": "tok-3",
	}}
	sender := &stubSender{}
	d := NewDispatcher(directory, sender, 4)

	err := d.Deliver(context.Background(), &QueuedNotification{
		ID:     "n1",
		Target: Bulk{UserIDs: []string{"u1", "u2", "u3", "u3"}},
		Title:  "Sale",
	})

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"shared-tablet", "tok-3"}, sender.tokens())
}

func TestDispatcher_RejectsMismatchedKind(t *testing.T) {
	sender := &stubSender{}
	d := NewDispatcher(&stubDirectory{}, sender, 0)

	item := &QueuedNotification{
		ID:     "n1",
		Target: invalidTarget{kind: KindSingleToken, token: "t", userIDs: []string{"u"}, err: ErrTargetMismatch},
	}

	err := d.Deliver(context.Background(), item)
	require.ErrorIs(t, err, ErrTargetMismatch)
	assert.False(t, IsRetryable(err))
	assert.Empty(t, sender.tokens(), "nothing must be sent for a malformed item")
}

func TestDispatcher_DirectoryErrorFailsItem(t *testing.T) {
	errDown := errors.New("directory down")
	d := NewDispatcher(&stubDirectory{err: errDown}, &stubSender{}, 0)

	err := d.Deliver(context.Background(), &QueuedNotification{ID: "n1", Target: ByUser{UserID: "u1"}})
	require.ErrorIs(t, err, errDown)
	assert.True(t, IsRetryable(err))

	err = d.Deliver(context.Background(), &QueuedNotification{ID: "n2", Target: Bulk{UserIDs: []string{"u1"}}})
	require.ErrorIs(t, err, errDown)
}

type slowSender struct {
	active atomic.Int32
	peak   atomic.Int32
}

func (s *slowSender) Send(_ context.Context, token string, _ Message) (string, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return token, nil
}

func TestDispatcher_FanOutRespectsLimit(t *testing.T) {
	tokens := make(map[string]string)
	ids := make([]string, 0, 12)
	for i := range 12 {
		id := string(rune('a' + i))
		tokens[id] = "tok-" + id
		ids = append(ids, id)
	}

	sender := &slowSender{}
	d := NewDispatcher(&stubDirectory{tokens: tokens}, sender, 3)

	require.NoError(t, d.Deliver(context.Background(), &QueuedNotification{ID: "n1", Target: Bulk{UserIDs: ids}}))
	assert.LessOrEqual(t, sender.peak.Load(), int32(3))
	assert.Positive(t, sender.peak.Load())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"plain error", errors.New("boom"), true},
		{"retryable", NewRetryableError(errors.New("x")), true},
		{"non-retryable", NewNonRetryableError(errors.New("x")), false},
		{"wrapped non-retryable", errors.Join(errors.New("ctx"), NewNonRetryableError(errors.New("x"))), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

type staleTokenError struct{}

func (staleTokenError) Error() string      { return "token unregistered" }
func (staleTokenError) IsRetryable() bool { return false }
func (staleTokenError) StaleToken() bool  { return true }

type pruningDirectory struct {
	stubDirectory
	mu     sync.Mutex
	pruned []string
}

func (d *pruningDirectory) PruneToken(_ context.Context, userID, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruned = append(d.pruned, userID+"="+token)
	return nil
}

func TestDispatcher_PrunesStaleTokens(t *testing.T) {
	directory := &pruningDirectory{stubDirectory: stubDirectory{tokens: map[string]string{
		"u1": "tok-1",
		"u2": "tok-2",
		"u3": "tok-3",
	}}}
	sender := &stubSender{failOn: map[string]error{
		"tok-1": staleTokenError{},
		"tok-2": NewRetryableError(errors.New("unavailable")),
	}}
	d := NewDispatcher(directory, sender, 2)

	err := d.Deliver(context.Background(), &QueuedNotification{ID: "n1", Target: ByUsers{UserIDs: []string{"u1", "u2", "u3"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1=tok-1"}, directory.pruned)

	err = d.Deliver(context.Background(), &QueuedNotification{ID: "n2", Target: ByUser{UserID: "u1"}})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Len(t, directory.pruned, 2)

	// Direct-token sends have no user to prune.
	err = d.Deliver(context.Background(), &QueuedNotification{ID: "n3", Target: SingleToken{Token: "tok-1"}})
	require.Error(t, err)
	assert.Len(t, directory.pruned, 2)
}
