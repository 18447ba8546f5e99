package sfu

import (
	"errors"

	"harbor/internal/constants"
)

// RouterError carries a wire-level error code alongside the underlying
// failure. Codes pass through to voice:sfu:response frames unchanged.
type RouterError struct {
	Code    string
	Message string
	Err     error
}

func (e *RouterError) Error() string {
	if e.Err == nil {
		return e.Code + ": " + e.Message
	}
	return e.Code + ": " + e.Message + ": " + e.Err.Error()
}

func (e *RouterError) Unwrap() error {
	return e.Err
}

// Sentinel errors
var (
	ErrRouterClosed     = errors.New("router closed")
	ErrPeerNotFound     = errors.New("peer not found")
	ErrProducerNotFound = errors.New("producer not found")
	ErrConsumerNotFound = errors.New("consumer not found")
)

func newError(code, message string, err error) *RouterError {
	return &RouterError{Code: code, Message: message, Err: err}
}

func errNotReady(err error) *RouterError {
	return newError(constants.ErrCodeSFUNotReady, "media router not ready", err)
}

func errTransportNotFound(transportID string) *RouterError {
	return newError(constants.ErrCodeSFUTransportNotFound, "unknown transport "+transportID, nil)
}

func errTransportLimit() *RouterError {
	return newError(constants.ErrCodeSFUTransportLimit, "transport limit reached", nil)
}

func errProducerLimit() *RouterError {
	return newError(constants.ErrCodeSFUProducerLimit, "producer limit reached", nil)
}

func errAudioOnly() *RouterError {
	return newError(constants.ErrCodeSFUAudioOnly, "router is audio-only", nil)
}

func errCannotConsume(message string) *RouterError {
	return newError(constants.ErrCodeSFUCannotConsume, message, nil)
}

func errRequestFailed(op string, err error) *RouterError {
	return newError(constants.ErrCodeSFURequestFailed, op+" failed", err)
}
