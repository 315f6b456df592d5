package handshake

import (
	"sync"
	"time"

	"watermarkd/internal/security"
)

// State is the lifecycle state of a session.
type State string

const (
	StateInitiated State = "INITIATED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// session is one handshake in progress. All fields after mu are guarded by
// it; id, identity and created are immutable.
type session struct {
	id       string
	identity string
	created  time.Time

	mu         sync.Mutex
	state      State
	transcript [32]byte
	confirm    []byte
	seal       []byte
	secret     string
}

// SessionInfo is a read-only snapshot of a session.
type SessionInfo struct {
	ID       string    `json:"id"`
	Identity string    `json:"identity"`
	State    State     `json:"state"`
	Created  time.Time `json:"created"`
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{ID: s.id, Identity: s.identity, State: s.state, Created: s.created}
}

// failLocked moves the session to FAILED and drops its key material.
func (s *session) failLocked() {
	s.state = StateFailed
	s.dropKeysLocked()
}

func (s *session) dropKeysLocked() {
	security.Wipe(s.confirm)
	security.Wipe(s.seal)
	s.confirm, s.seal = nil, nil
}
