package avidachat

import (
	"errors"
	"fmt"
)

// ErrStaleResponse marks a response that arrived after its request context
// changed, e.g. a history fetch resolving for a conversation the user has
// already switched away from. Stale results are discarded, never applied.
var ErrStaleResponse = errors.New("avidachat: stale response discarded")

// APIError is the messaging service's error envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// NetworkError wraps a failed REST call. The optimistic message affected by
// it is marked failed and stays visible for manual retry.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("avidachat: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ChannelError reports a push connection problem. It never reaches the user:
// the session reconnects and re-joins the active room on its own.
type ChannelError struct {
	Reason string
	Err    error
}

func (e *ChannelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("avidachat: channel %s: %v", e.Reason, e.Err)
	}
	return "avidachat: channel " + e.Reason
}

func (e *ChannelError) Unwrap() error { return e.Err }

// UploadError reports a failed media upload. The pipeline falls back to a
// placeholder text message so the conversation is never blocked.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("avidachat: upload %s: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// PermissionError reports a denied capture-device permission. The capture
// flow aborts without sending anything.
type PermissionError struct {
	Capability Capability
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("avidachat: %s access denied", e.Capability)
}
