package tunnel

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/dmodder/p2ptunnel/internal/identity"
	"github.com/dmodder/p2ptunnel/internal/transport"
)

// HealthProbeInterval is how often the supervisor checks the current
// connection's liveness indicator, per spec.md §4.6. A var rather than a
// const so tests can shrink it instead of waiting out the real interval.
var HealthProbeInterval = 5 * time.Second

// backoffSchedule matches spec.md §4.6: 1,2,4,8,16,32,60 seconds, doubling
// on consecutive failures, capped at 60, reset to 1 after success.
func newBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    1 * time.Second,
		Max:    60 * time.Second,
		Factor: 2,
		Jitter: false,
	}
}

// Supervisor runs the reconnection state machine described in spec.md §4.6
// as a single long-lived task. It is the generalization of the teacher's
// maintainSession loop (tunnel.go), replacing the fixed 3s retry with the
// spec's doubling backoff and replacing the bare package-level `session`
// global with State.
type Supervisor struct {
	state    *State
	endpoint transport.Endpoint
	store    *identity.Store
	log      zerolog.Logger

	initialHint transport.AddrHint
	haveHint    bool

	knownPeer   transport.AddrHint
	haveKnown   bool
}

// NewSupervisor builds a Supervisor. If haveHint is true, hint seeds the
// Connecting attempts until the first connection succeeds (spec.md §4.6 "Initiation choice" — ticket
// or persisted PeerHandle); otherwise the supervisor starts Idle and waits
// for an inbound connection to be promoted.
func NewSupervisor(state *State, endpoint transport.Endpoint, store *identity.Store, log zerolog.Logger, hint transport.AddrHint, haveHint bool) *Supervisor {
	return &Supervisor{state: state, endpoint: endpoint, store: store, log: log, initialHint: hint, haveHint: haveHint}
}

// Run drives the state machine until ctx is cancelled. Retries are
// unbounded; it never returns except on ctx cancellation.
func (sv *Supervisor) Run(ctx context.Context) error {
	b := newBackoff()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := sv.connectOnce(ctx)
		if err != nil {
			d := b.Duration()
			sv.log.Warn().Err(err).Dur("backoff", d).Msg("tunnel connect failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
			continue
		}

		b.Reset()
		sv.haveHint = false // the ticket/peer hint only seeds attempts until the first live session
		sv.knownPeer = transport.AddrHint{PeerID: conn.RemotePeer()}
		sv.haveKnown = true

		gen := sv.state.setConnected(conn)
		sv.log.Info().Uint64("generation", gen).Str("peer", conn.RemotePeer().String()).Msg("tunnel connected")
		if err := sv.store.SavePeer(conn.RemotePeer().String()); err != nil {
			sv.log.Warn().Err(err).Msg("failed to persist peer handle")
		}

		sv.monitor(ctx, conn)
		sv.state.clearConnected()
		sv.log.Warn().Msg("tunnel connection lost, reconnecting")
	}
}

// connectOnce attempts exactly one connection: dial using the initial hint
// if one was provided and no connection has succeeded yet, the peer of the
// last live session otherwise, or simply accept an inbound connection if
// neither exists (spec.md §4.6 "Initiation choice").
func (sv *Supervisor) connectOnce(ctx context.Context) (transport.Connection, error) {
	hint, ok := sv.nextHint()
	if ok {
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return sv.endpoint.Dial(dialCtx, hint)
	}
	return sv.endpoint.Accept(ctx)
}

func (sv *Supervisor) nextHint() (transport.AddrHint, bool) {
	if sv.haveHint {
		return sv.initialHint, true
	}
	if sv.haveKnown {
		// Every Connecting attempt after the first live session redials the
		// peer we were last connected to — spec.md §4.6 allows either side
		// to initiate, but once we know who the peer is, trying to reach
		// them actively recovers faster than passively waiting for them to
		// redial us.
		return sv.knownPeer, true
	}
	return transport.AddrHint{}, false
}

// monitor blocks until conn is observed lost (closed, or health probe
// failure), per spec.md §4.6's "On detecting loss" transition.
func (sv *Supervisor) monitor(ctx context.Context, conn transport.Connection) {
	ticker := time.NewTicker(HealthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if conn.IsClosed() {
				return
			}
		}
	}
}
