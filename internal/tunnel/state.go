// Package tunnel owns the durable peer session: the current transport
// connection, per-request substream multiplexing, and the reconnection
// state machine, per spec.md §4.5–§4.6. It is the generalization of the
// teacher's package-level `session *yamux.Session` + `sessionLock` globals
// (minewire.go/tunnel.go) into an owned, injectable value with one
// instance per process (spec.md §3 SessionState).
package tunnel

import (
	"sync"

	"github.com/dmodder/p2ptunnel/internal/transport"
)

// State holds the single shared SessionState described in spec.md §3.
// Exactly one instance exists per process; the supervisor is its only
// writer, every other task only reads snapshots.
type State struct {
	mu   sync.RWMutex
	conn transport.Connection
	gen  uint64
	peer string // last-known peer identifier; not set by the supervisor, which persists the peer via identity.Store

	bindHost string
	bindPort uint16

	reconnected chan struct{} // closed and replaced on each successful (re)connect
}

// NewState constructs a State for a SOCKS5 listener bound to
// bindHost:bindPort (used only by the loop guard, spec.md §3).
func NewState(bindHost string, bindPort uint16) *State {
	return &State{
		bindHost:    bindHost,
		bindPort:    bindPort,
		reconnected: make(chan struct{}),
	}
}

// Snapshot returns the current connection (nil if absent), the generation
// counter, and whether a connection is present — the "immutable snapshot"
// read view called for by spec.md §9.
func (s *State) Snapshot() (conn transport.Connection, gen uint64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn, s.gen, s.conn != nil
}

// Generation returns the current generation counter alone.
func (s *State) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// ReconnectSignal returns a channel that is closed the next time the
// supervisor establishes a connection. Callers must re-fetch the signal
// after it fires (it is replaced on every transition into Connected).
func (s *State) ReconnectSignal() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnected
}

// setConnected installs conn as current, bumps the generation counter, and
// wakes every waiter on ReconnectSignal. Only the supervisor calls this.
func (s *State) setConnected(conn transport.Connection) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.gen++
	close(s.reconnected)
	s.reconnected = make(chan struct{})
	return s.gen
}

// clearConnected removes the current connection (transport lost), without
// bumping the generation counter — the next successful reconnect does that.
func (s *State) clearConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
}

// BindAddr returns the local SOCKS5 bind host/port, for the loop guard.
func (s *State) BindAddr() (string, uint16) {
	return s.bindHost, s.bindPort
}
