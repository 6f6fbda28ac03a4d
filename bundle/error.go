package bundle

import (
	"fmt"
)

// BindError is an error indicating the transport socket could not be bound
type BindError struct {
	port int
	err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind transport socket on port %d: %s", e.port, e.err)
}

func (e *BindError) Unwrap() error {
	return e.err
}

// NewBindError creates a new BindError error
func NewBindError(port int, err error) error {
	return &BindError{
		port: port,
		err:  err,
	}
}

// DuplicateUsernameError is an error indicating a connection for the given
// ICE username already exists on the transport
type DuplicateUsernameError struct {
	username string
}

func (e *DuplicateUsernameError) Error() string {
	return fmt.Sprintf("connection for username %s already exists", e.username)
}

// NewDuplicateUsernameError creates a new DuplicateUsernameError error
func NewDuplicateUsernameError(username string) error {
	return &DuplicateUsernameError{
		username: username,
	}
}

// SessionCreationError is an error indicating the engine failed to create a
// per-peer session
type SessionCreationError struct {
	username string
	err      error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("failed to create session for username %s: %s", e.username, e.err)
}

func (e *SessionCreationError) Unwrap() error {
	return e.err
}

// NewSessionCreationError creates a new SessionCreationError error
func NewSessionCreationError(username string, err error) error {
	return &SessionCreationError{
		username: username,
		err:      err,
	}
}

// RegistrationError is an error indicating the transport rejected a source
// group registration
type RegistrationError struct {
	direction string
	mid       string
	ssrc      uint32
	err       error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("failed to register %s source group (mid: %q, ssrc: %d): %s", e.direction, e.mid, e.ssrc, e.err)
}

func (e *RegistrationError) Unwrap() error {
	return e.err
}

// NewRegistrationError creates a new RegistrationError error
func NewRegistrationError(direction, mid string, ssrc uint32, err error) error {
	return &RegistrationError{
		direction: direction,
		mid:       mid,
		ssrc:      ssrc,
		err:       err,
	}
}

// RelayBindError is an error indicating a transponder failed to bind or
// rebind its incoming source group
type RelayBindError struct {
	err error
}

func (e *RelayBindError) Error() string {
	return fmt.Sprintf("failed to bind relay source: %s", e.err)
}

func (e *RelayBindError) Unwrap() error {
	return e.err
}

// NewRelayBindError creates a new RelayBindError error
func NewRelayBindError(err error) error {
	return &RelayBindError{
		err: err,
	}
}
