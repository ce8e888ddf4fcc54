// Package booking runs single booking attempts through the lock-protected
// write sequence.
package booking

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the position of a booking attempt in its sequence.
type State string

const (
	StateQuerying       State = "QUERYING"
	StateSlotChosen     State = "SLOT_CHOSEN"
	StateLockRequested  State = "LOCK_REQUESTED"
	StateLocked         State = "LOCKED"
	StateWriteCommitted State = "WRITE_COMMITTED"
	StateLockReleased   State = "LOCK_RELEASED"
	StateLockDenied     State = "LOCK_DENIED"
	StateWriteFailed    State = "WRITE_FAILED"
	// StateRejected ends attempts whose slot is misaligned or already taken
	// before any lock was requested.
	StateRejected State = "REJECTED"
)

// ErrInvalidTransition is returned for moves the state machine does not allow.
var ErrInvalidTransition = errors.New("invalid booking state transition")

var transitions = map[State][]State{
	StateQuerying:       {StateSlotChosen, StateRejected},
	StateSlotChosen:     {StateLockRequested, StateRejected},
	StateLockRequested:  {StateLocked, StateLockDenied},
	StateLocked:         {StateWriteCommitted, StateWriteFailed},
	StateWriteCommitted: {StateLockReleased},
}

// CanTransition checks if the transition is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Retryable reports whether a caller should re-query availability and try again.
func (s State) Retryable() bool {
	return s == StateLockDenied || s == StateWriteFailed
}

// Step is one entry of an attempt history.
type Step struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Attempt tracks a single booking attempt.
type Attempt struct {
	ID      string
	mu      sync.Mutex
	state   State
	history []Step
	now     func() time.Time
}

// NewAttempt starts an attempt in StateQuerying.
func NewAttempt(now func() time.Time) *Attempt {
	if now == nil {
		now = time.Now
	}
	a := &Attempt{ID: uuid.NewString(), state: StateQuerying, now: now}
	a.history = append(a.history, Step{State: StateQuerying, At: now()})
	return a
}

// State returns the current state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Transition moves the attempt to the given state.
func (a *Attempt) Transition(to State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !CanTransition(a.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.state, to)
	}
	a.state = to
	a.history = append(a.history, Step{State: to, At: a.now()})
	return nil
}

// History returns a copy of the visited states.
func (a *Attempt) History() []Step {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Step(nil), a.history...)
}
