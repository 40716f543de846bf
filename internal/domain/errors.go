package domain

import (
	"errors"
	"fmt"
)

// TransportError means the connection is down or a request never reached the
// server. The draft is retained and send stays disabled until reconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: not connected", e.Op)
	}
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError is raised before any request leaves the client.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthError means the session expired; the caller must re-authenticate.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth (%d): %s", e.Status, e.Message)
}

// ServerError is a rejected request. Local state is unchanged.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server (%d): %s", e.Status, e.Message)
}

// ErrNotConnected is wrapped by TransportError when the channel is offline.
var ErrNotConnected = errors.New("not connected")

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsServer(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}
