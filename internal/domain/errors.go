package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")

	// ErrAuthorization: the actor lacks the authority the action requires.
	ErrAuthorization = errors.New("not authorized")
	// ErrValidation: the input is rejected before any network call.
	ErrValidation = errors.New("invalid input")
	// ErrConflict: the target is already in the requested state.
	ErrConflict = errors.New("target already in requested state")
	// ErrBanned is returned by authentication for identities with a BanRecord.
	ErrBanned = errors.New("identity is banned")
	// ErrKicked is returned when a kicked identity tries to attach a session
	// without authenticating again.
	ErrKicked = errors.New("identity was kicked")
	ErrNotFound           = errors.New("not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already registered")

	ErrMuted   = fmt.Errorf("room is muted: %w", ErrAuthorization)
	ErrBlocked = errors.New("conversation partner is blocked")
)

// TransientIOError wraps a collaborator fetch/subscribe failure that is
// expected to clear on its own. It is retried, never surfaced to the user.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string { return fmt.Sprintf("transient io (%s): %v", e.Op, e.Err) }
func (e *TransientIOError) Unwrap() error { return e.Err }

// ExternalReasoningError wraps a failed or malformed reasoning decision.
type ExternalReasoningError struct {
	Err error
}

func (e *ExternalReasoningError) Error() string { return "reasoning: " + e.Err.Error() }
func (e *ExternalReasoningError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientIOError unless it is nil or already one.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var t *TransientIOError
	if errors.As(err, &t) {
		return err
	}
	return &TransientIOError{Op: op, Err: err}
}
