package notifications

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultMaxAttempts is used when a producer does not set MaxAttempts.
const DefaultMaxAttempts = 3

// Kind identifies how the dispatcher resolves delivery targets.
type Kind string

// Notification kinds.
const (
	KindSingleToken Kind = "single_token"
	KindByUser      Kind = "by_user"
	KindByUsers     Kind = "by_users"
	KindBulk        Kind = "bulk"
)

// Target is the addressing part of a queued notification.
// The set of implementations is closed: SingleToken, ByUser, ByUsers and Bulk.
type Target interface {
	Kind() Kind
	validate() error
}

// SingleToken addresses one device token directly.
type SingleToken struct {
	Token string
}

// ByUser addresses the device token registered for one user.
type ByUser struct {
	UserID string
}

// ByUsers addresses the device tokens of several users.
type ByUsers struct {
	UserIDs []string
}

// Bulk addresses a broadcast audience. Resolved the same way as ByUsers.
type Bulk struct {
	UserIDs []string
}

// Kind implements Target.
func (SingleToken) Kind() Kind { return KindSingleToken }

// Kind implements Target.
func (ByUser) Kind() Kind { return KindByUser }

// Kind implements Target.
func (ByUsers) Kind() Kind { return KindByUsers }

// Kind implements Target.
func (Bulk) Kind() Kind { return KindBulk }

func (t SingleToken) validate() error {
	if t.Token == "" {
		return fmt.Errorf("%w: %s requires a token", ErrInvalidTarget, KindSingleToken)
	}
	return nil
}

func (t ByUser) validate() error {
	if t.UserID == "" {
		return fmt.Errorf("%w: %s requires a user id", ErrInvalidTarget, KindByUser)
	}
	return nil
}

func (t ByUsers) validate() error {
	return validateUserIDs(KindByUsers, t.UserIDs)
}

func (t Bulk) validate() error {
	return validateUserIDs(KindBulk, t.UserIDs)
}

func validateUserIDs(kind Kind, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: %s requires at least one user id", ErrInvalidTarget, kind)
	}
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("%w: %s contains an empty user id", ErrInvalidTarget, kind)
		}
	}
	return nil
}

// invalidTarget is what a stored item decodes into when its kind is unknown
// or its populated fields do not belong to its kind. The dispatcher rejects it.
// The raw target fields are kept so the item re-encodes unchanged.
type invalidTarget struct {
	kind    Kind
	token   string
	userID  string
	userIDs []string
	err     error
}

func (t invalidTarget) Kind() Kind      { return t.kind }
func (t invalidTarget) validate() error { return t.err }

// ValidateTarget reports whether t is a well-formed target.
func ValidateTarget(t Target) error {
	if t == nil {
		return fmt.Errorf("%w: target is required", ErrInvalidTarget)
	}
	return t.validate()
}

// QueuedNotification is one unit of deliverable work.
type QueuedNotification struct {
	ID            string
	Target        Target
	Title         string
	Body          string
	Data          map[string]string
	Attempts      int
	MaxAttempts   int
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	LastError     string
}

// Kind returns the kind of the item's target.
func (n *QueuedNotification) Kind() Kind {
	if n.Target == nil {
		return ""
	}
	return n.Target.Kind()
}

// Message returns the provider payload of the item.
func (n *QueuedNotification) Message() Message {
	return Message{Title: n.Title, Body: n.Body, Data: n.Data}
}

// Exhausted reports whether the item has used its whole attempts budget.
func (n *QueuedNotification) Exhausted() bool {
	return n.Attempts >= n.MaxAttempts
}

// recordFailure bumps the attempt counter and stores the failure cause.
func (n *QueuedNotification) recordFailure(at time.Time, cause error) {
	n.Attempts++
	n.LastAttemptAt = &at
	n.LastError = cause.Error()
}

// wireNotification is the serialized form kept in every queue partition.
type wireNotification struct {
	ID            string            `json:"id"`
	Kind          Kind              `json:"kind"`
	Token         string            `json:"token,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	UserIDs       []string          `json:"user_ids,omitempty"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	Data          map[string]string `json:"data,omitempty"`
	Attempts      int               `json:"attempts"`
	MaxAttempts   int               `json:"max_attempts"`
	CreatedAt     time.Time         `json:"created_at"`
	LastAttemptAt *time.Time        `json:"last_attempt_at,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (n QueuedNotification) MarshalJSON() ([]byte, error) {
	w := wireNotification{
		ID:            n.ID,
		Title:         n.Title,
		Body:          n.Body,
		Data:          n.Data,
		Attempts:      n.Attempts,
		MaxAttempts:   n.MaxAttempts,
		CreatedAt:     n.CreatedAt,
		LastAttemptAt: n.LastAttemptAt,
		LastError:     n.LastError,
	}

	switch t := n.Target.(type) {
	case SingleToken:
		w.Kind, w.Token = KindSingleToken, t.Token
	case ByUser:
		w.Kind, w.UserID = KindByUser, t.UserID
	case ByUsers:
		w.Kind, w.UserIDs = KindByUsers, t.UserIDs
	case Bulk:
		w.Kind, w.UserIDs = KindBulk, t.UserIDs
	case invalidTarget:
		w.Kind, w.Token, w.UserID, w.UserIDs = t.kind, t.token, t.userID, t.userIDs
	case nil:
	default:
		return nil, fmt.Errorf("marshal notification %s: unsupported target %T", n.ID, n.Target)
	}

	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
// Kind and field mismatches never fail decoding; they surface as an invalid target.
func (n *QueuedNotification) UnmarshalJSON(data []byte) error {
	var w wireNotification
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*n = QueuedNotification{
		ID:            w.ID,
		Target:        decodeTarget(w),
		Title:         w.Title,
		Body:          w.Body,
		Data:          w.Data,
		Attempts:      w.Attempts,
		MaxAttempts:   w.MaxAttempts,
		CreatedAt:     w.CreatedAt,
		LastAttemptAt: w.LastAttemptAt,
		LastError:     w.LastError,
	}
	return nil
}

func decodeTarget(w wireNotification) Target {
	invalid := func(err error) Target {
		return invalidTarget{
			kind:    w.Kind,
			token:   w.Token,
			userID:  w.UserID,
			userIDs: w.UserIDs,
			err:     err,
		}
	}
	mismatch := func(field string) Target {
		return invalid(fmt.Errorf("%w: %s must not carry %s", ErrTargetMismatch, w.Kind, field))
	}

	switch w.Kind {
	case KindSingleToken:
		if w.UserID != "" || len(w.UserIDs) > 0 {
			return mismatch("user ids")
		}
		return SingleToken{Token: w.Token}
	case KindByUser:
		if w.Token != "" || len(w.UserIDs) > 0 {
			return mismatch("a token or user id list")
		}
		return ByUser{UserID: w.UserID}
	case KindByUsers, KindBulk:
		if w.Token != "" || w.UserID != "" {
			return mismatch("a token or single user id")
		}
		if w.Kind == KindBulk {
			return Bulk{UserIDs: w.UserIDs}
		}
		return ByUsers{UserIDs: w.UserIDs}
	default:
		return invalid(fmt.Errorf("%w: %q", ErrUnknownKind, w.Kind))
	}
}

// Stats holds point-in-time partition lengths.
type Stats struct {
	Waiting    int64 `json:"waiting"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
}

// Message is the provider-facing payload of a notification.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// UserToken pairs a user with their delivery token.
type UserToken struct {
	UserID string
	Token  string
}

// StringifyData converts an arbitrary producer payload into the string-only
// map push providers accept. Strings are kept verbatim, nil values are dropped
// and everything else is JSON encoded.
func StringifyData(data map[string]any) map[string]string {
	if len(data) == 0 {
		return nil
	}

	out := make(map[string]string, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case fmt.Stringer:
			out[k] = val.String()
		default:
			b, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprint(val)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
