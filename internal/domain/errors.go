package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by a RemoteStore when a conversation has no
	// history yet. Loaders treat it as an empty history, not a failure.
	ErrNotFound = errors.New("conversation not found")

	// ErrCanceled reports that the caller aborted an in-flight operation.
	ErrCanceled = errors.New("operation canceled")

	// ErrEmptyMessage rejects a send with neither text nor attachments.
	ErrEmptyMessage = errors.New("message has no text and no attachments")

	// ErrStreamConsumed is returned when a StreamHandle is read twice.
	ErrStreamConsumed = errors.New("stream already consumed")
)

// RequestFailedError is a non-2xx answer from the remote store or a
// completion endpoint.
type RequestFailedError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RequestFailedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: request failed with HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: request failed with HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// NetworkError wraps a transport failure or an unreadable payload. The whole
// operation may be retried by the caller.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// ConfigurationError reports an agent role with no completion endpoint.
type ConfigurationError struct {
	Role AgentRole
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("no completion endpoint configured for agent role %q", e.Role)
}

// EncodingError reports an attachment that could not be inlined.
type EncodingError struct {
	File string
	Err  error
}

func (e *EncodingError) Error() string { return fmt.Sprintf("encode %s: %v", e.File, e.Err) }
func (e *EncodingError) Unwrap() error { return e.Err }
