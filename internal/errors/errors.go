package errors

import "errors"

// Client errors.
var (
	ErrUnauthorized  = errors.New("credential rejected")
	ErrNotDraggable  = errors.New("item cannot be dragged")
	ErrNoDragSession = errors.New("no drag in progress")
)

// Server/transport errors.
var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrServerRejected     = errors.New("server rejected request")
	ErrMalformedResponse  = errors.New("malformed server response")
)

// Local storage errors.
var (
	ErrStorageUnavailable = errors.New("durable storage unavailable")
)
