package fcm

import "github.com/bissquit/epharmacy-notify/internal/notifications"

type sendRequest struct {
	Message message `json:"message"`
}

type message struct {
	Token        string            `json:"token"`
	Notification *notification     `json:"notification,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	Android      *androidConfig    `json:"android,omitempty"`
	APNS         *apnsConfig       `json:"apns,omitempty"`
}

type notification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type androidConfig struct {
	Priority string `json:"priority,omitempty"`
}

type apnsConfig struct {
	Headers map[string]string `json:"headers,omitempty"`
}

type sendResponse struct {
	Name string `json:"name"`
}

// buildMessage maps a queue message onto the v1 payload. Data-only messages
// omit the notification block so the app handles them silently.
func buildMessage(token string, msg notifications.Message) message {
	m := message{
		Token:   token,
		Data:    msg.Data,
		Android: &androidConfig{Priority: "high"},
		APNS:    &apnsConfig{Headers: map[string]string{"apns-priority": "10"}},
	}
	if msg.Title != "" || msg.Body != "" {
		m.Notification = &notification{Title: msg.Title, Body: msg.Body}
	}
	return m
}
