// Package session implements the per-connection state machine (§4.3) and
// the map of live sessions the data-plane enforces its session limit
// against (§3 Session, §4.8).
package session

import (
	"sync"
	"time"

	"github.com/floegence/mtrelay/mtproto"
)

// State is a connection's position in the init -> handshake -> encrypted
// progression. Encrypted is absorbing.
type State int

const (
	StateInit State = iota
	StateHandshake
	StateEncrypted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHandshake:
		return "handshake"
	case StateEncrypted:
		return "encrypted"
	default:
		return "unknown"
	}
}

// Session is the per-connection record the data-plane owns. Its own
// goroutine serializes writes via Touch/Absorb, but PruneIdle reads
// LastSeen from the manager's background sweep concurrently with that
// goroutine, so every field below is guarded by mu rather than left bare.
type Session struct {
	ConnID uint64

	mu          sync.Mutex
	state       State
	lastSeen    time.Time
	packetCount uint64
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSeen returns the time of the session's most recently absorbed packet.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// PacketCount returns the number of packets absorbed so far.
func (s *Session) PacketCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packetCount
}

// Absorb feeds a classified packet's kind into the state machine. A
// dh-handshake packet observed after the session is encrypted never
// downgrades it.
func (s *Session) Absorb(kind mtproto.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case mtproto.KindDHHandshake:
		if s.state == StateInit {
			s.state = StateHandshake
		}
	case mtproto.KindEncrypted:
		s.state = StateEncrypted
	}
}

// Touch records that a packet was just absorbed at now, advancing
// LastSeen and PacketCount together under the same lock Absorb itself
// excludes PruneIdle with.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
	s.packetCount++
}

// Manager tracks live sessions keyed by connection id and enforces the
// session-limit invariant from §4.8 (|sessions| <= limit, when limit > 0).
type Manager struct {
	mu    sync.Mutex
	limit int
	byID  map[uint64]*Session
}

// NewManager constructs a Manager. limit <= 0 means unlimited concurrent
// sessions.
func NewManager(limit int) *Manager {
	return &Manager{
		limit: limit,
		byID:  make(map[uint64]*Session),
	}
}

// GetOrCreate returns the session for connID, creating one if absent.
// created reports whether a new session was allocated; ok is false if
// creating it would exceed the session limit (no session is created in
// that case).
func (m *Manager) GetOrCreate(connID uint64, now time.Time) (s *Session, created bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, found := m.byID[connID]; found {
		return existing, false, true
	}
	if m.limit > 0 && len(m.byID) >= m.limit {
		return nil, false, false
	}
	s = &Session{ConnID: connID, state: StateInit, lastSeen: now}
	m.byID[connID] = s
	return s, true, true
}

// Close removes a session by connection id, reporting whether one was
// present.
func (m *Manager) Close(connID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[connID]; !ok {
		return false
	}
	delete(m.byID, connID)
	return true
}

// PruneIdle removes every session whose LastSeen is older than idle and
// returns how many were removed.
func (m *Manager) PruneIdle(idle time.Duration, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-idle)
	n := 0
	for id, s := range m.byID {
		if s.LastSeen().Before(cutoff) {
			delete(m.byID, id)
			n++
		}
	}
	return n
}

// Count returns the current number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// Limit returns the configured session limit (0 means unlimited).
func (m *Manager) Limit() int {
	return m.limit
}
