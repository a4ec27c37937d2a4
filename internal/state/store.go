// Package state tracks the lifecycle state of every managed client,
// with a bounded per-client transition history for debugging.
package state

import (
	"sync"
	"time"

	"github.com/matheus3301/wafleet/internal/bus"
)

// State represents a client lifecycle state.
type State string

const (
	Initializing   State = "INITIALIZING"
	WaitingQR      State = "WAITING_QR"
	Authenticating State = "AUTHENTICATING"
	Authenticated  State = "AUTHENTICATED"
	Ready          State = "READY"
	Disconnected   State = "DISCONNECTED"
	AuthFailure    State = "AUTH_FAILURE"
	Error          State = "ERROR"
	Reconnecting   State = "RECONNECTING"
	Zombie         State = "ZOMBIE"
)

// historyLimit caps the per-client transition history (ring semantics).
const historyLimit = 50

// Transition records one state change.
type Transition struct {
	From     State
	To       State
	At       time.Time
	Metadata map[string]any
}

// ClientState is the current lifecycle entry for one client.
type ClientState struct {
	State     State
	Previous  State
	EnteredAt time.Time
	Metadata  map[string]any
}

// Store holds current state plus bounded history per client. All methods
// are safe for concurrent use; each client's entry is replaced atomically.
type Store struct {
	mu      sync.RWMutex
	current map[string]ClientState
	history map[string][]Transition
	bus     *bus.Bus
}

// NewStore creates an empty state store. The bus may be nil in tests.
func NewStore(b *bus.Bus) *Store {
	return &Store{
		current: make(map[string]ClientState),
		history: make(map[string][]Transition),
		bus:     b,
	}
}

// SetState records a transition to the new state. It always succeeds: any
// state may follow any other, since the underlying session can fail at any
// point. Returns the recorded transition.
func (s *Store) SetState(clientID string, to State, metadata map[string]any) Transition {
	s.mu.Lock()
	prev := s.current[clientID]
	now := time.Now()

	tr := Transition{
		From:     prev.State,
		To:       to,
		At:       now,
		Metadata: metadata,
	}

	s.current[clientID] = ClientState{
		State:     to,
		Previous:  prev.State,
		EnteredAt: now,
		Metadata:  metadata,
	}

	h := append(s.history[clientID], tr)
	if len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	s.history[clientID] = h
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit(bus.KindStateChanged, clientID, tr)
	}
	return tr
}

// GetState returns the current entry for a client. ok is false when the
// client has never been seen (or was cleared).
func (s *Store) GetState(clientID string) (ClientState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.current[clientID]
	return cs, ok
}

// History returns a copy of the transition history, most recent last.
func (s *Store) History(clientID string) []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[clientID]
	out := make([]Transition, len(h))
	copy(out, h)
	return out
}

// IsHealthy reports whether the client is in a working state.
func (s *Store) IsHealthy(clientID string) bool {
	cs, ok := s.GetState(clientID)
	if !ok {
		return false
	}
	return cs.State == Authenticated || cs.State == Ready
}

// IsRecoverable reports whether an automatic reconnection may be attempted.
// Unknown clients are recoverable; ZOMBIE and ERROR require manual action.
func (s *Store) IsRecoverable(clientID string) bool {
	cs, ok := s.GetState(clientID)
	if !ok {
		return true
	}
	return cs.State != Zombie && cs.State != Error
}

// StateAge returns the time since the last transition.
func (s *Store) StateAge(clientID string) (time.Duration, bool) {
	cs, ok := s.GetState(clientID)
	if !ok {
		return 0, false
	}
	return time.Since(cs.EnteredAt), true
}

// Clear removes state and history for a client. Idempotent.
func (s *Store) Clear(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.current, clientID)
	delete(s.history, clientID)
}

// Snapshot returns a copy of all current entries keyed by client id.
func (s *Store) Snapshot() map[string]ClientState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ClientState, len(s.current))
	for id, cs := range s.current {
		out[id] = cs
	}
	return out
}

// CountByState tallies clients per state for reporting.
func (s *Store) CountByState() map[State]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[State]int)
	for _, cs := range s.current {
		out[cs.State]++
	}
	return out
}
