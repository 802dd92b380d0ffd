package fcm

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// FCM error codes. See https://firebase.google.com/docs/reference/fcm/rest/v1/ErrorCode.
const (
	CodeUnregistered        = "UNREGISTERED"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeSenderIDMismatch    = "SENDER_ID_MISMATCH"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeUnavailable         = "UNAVAILABLE"
	CodeInternal            = "INTERNAL"
	CodeThirdPartyAuthError = "THIRD_PARTY_AUTH_ERROR"
	CodeTransport           = "TRANSPORT"
)

const fcmErrorType = "type.googleapis.com/google.firebase.fcm.v1.FcmError"

// Error is a failed FCM delivery.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	retryable  bool
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("fcm %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("fcm %s (status %d): %s", e.Code, e.StatusCode, e.Message)
}

// IsRetryable reports whether a later attempt may succeed.
func (e *Error) IsRetryable() bool {
	return e.retryable
}

// StaleToken reports whether the device token is no longer registered with FCM.
func (e *Error) StaleToken() bool {
	return e.Code == CodeUnregistered
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// parseError builds an Error from a non-200 response.
// The FCM-specific errorCode in details wins over the generic status.
func parseError(statusCode int, body []byte) *Error {
	e := &Error{StatusCode: statusCode, Message: http.StatusText(statusCode)}

	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err == nil {
		if resp.Error.Message != "" {
			e.Message = resp.Error.Message
		}
		e.Code = resp.Error.Status
		for _, d := range resp.Error.Details {
			if d.Type == fcmErrorType && d.ErrorCode != "" {
				e.Code = d.ErrorCode
				break
			}
		}
	}

	e.retryable = classify(statusCode, e.Code)
	return e
}

func classify(statusCode int, code string) bool {
	switch code {
	case CodeUnregistered, CodeInvalidArgument, CodeSenderIDMismatch, CodeThirdPartyAuthError:
		return false
	case CodeQuotaExceeded, CodeUnavailable, CodeInternal:
		return true
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return true
	case statusCode >= 500:
		return true
	case statusCode >= 400:
		return false
	default:
		return true
	}
}
