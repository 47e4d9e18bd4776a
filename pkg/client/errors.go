package client

import "errors"

var ErrUnauthenticated = errors.New("no credential available")
var ErrUnauthorized = errors.New("credential rejected")
var ErrNotFound = errors.New("poll not found")
var ErrChannelDropped = errors.New("channel dropped")
var ErrNotJoined = errors.New("room not joined")
var ErrNoSelection = errors.New("no option selected")
var ErrSubmitPending = errors.New("submission already in flight")
var ErrPollFinal = errors.New("poll is final")

// TransientError marks a snapshot-fetch failure the caller may retry
// manually. Retrying here is never automatic.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// ProtocolError is a server-reported rejection delivered over the live
// channel. It does not terminate the connection.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }
