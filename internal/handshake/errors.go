package handshake

import "errors"

// Sentinel errors. Callers match with errors.Is; the Phase of the wrapping
// *Error tells message 1 failures apart from message 2 failures.
var (
	ErrVerificationFailed = errors.New("handshake: verification failed")
	ErrSessionState       = errors.New("handshake: invalid session state")
)

// Phase names the handshake step that produced an error.
type Phase string

const (
	PhaseInitiate Phase = "initiate"
	PhaseFinalize Phase = "finalize"
)

// Error is returned by every Server operation.
type Error struct {
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	return "handshake " + string(e.Phase) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func fail(p Phase, err error) error {
	return &Error{Phase: p, Err: err}
}
