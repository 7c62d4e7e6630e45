package tunnel

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/dmodder/p2ptunnel/internal/frame"
	"github.com/dmodder/p2ptunnel/internal/loopguard"
	"github.com/dmodder/p2ptunnel/internal/relay"
	"github.com/dmodder/p2ptunnel/internal/sniff"
	"github.com/dmodder/p2ptunnel/internal/transport"
)

// TransportUnavailable is returned by OpenOutbound when no connection was
// established within the reconnect-wait window (spec.md §4.5).
type TransportUnavailable struct{ Waited time.Duration }

func (e *TransportUnavailable) Error() string {
	return fmt.Sprintf("tunnel: no session available after waiting %s", e.Waited)
}

// DialError is returned by OpenOutbound when the exit peer reported a
// failed dial via an Error frame.
type DialError struct{ Message string }

func (e *DialError) Error() string { return "tunnel: exit dial failed: " + e.Message }

// RequestRecord is the ephemeral per-substream bookkeeping described in
// spec.md §3.
type RequestRecord struct {
	ID             string
	Host           string
	Port           uint16
	Outbound       bool
	Classification transport.Classification
	RTT            time.Duration
	Start          time.Time
	End            time.Time
	BytesUp        int64
	BytesDown      int64
	Sniffed        sniff.Result
}

// Session is the tunnel session layer (spec.md §4.5): it owns no
// connection itself (State does) and exposes OpenOutbound/ServeExit as the
// two operations the orchestrator drives.
type Session struct {
	state         *State
	reconnectWait time.Duration
}

// NewSession builds a Session over state. reconnectWait bounds how long
// OpenOutbound suspends when no connection is currently installed
// (spec.md §4.5, suggested 5s).
func NewSession(state *State, reconnectWait time.Duration) *Session {
	return &Session{state: state, reconnectWait: reconnectWait}
}

// OpenOutbound opens a new substream on the current connection, writes
// Connect{host,port}, and waits for the reply. A Connected reply yields the
// stream to the caller; an Error reply closes the stream and returns
// *DialError; any other reply is a protocol violation and resets the
// stream.
func (s *Session) OpenOutbound(ctx context.Context, host string, port uint16) (transport.Stream, RequestRecord, error) {
	rec := RequestRecord{ID: uuid.NewString(), Host: host, Port: port, Outbound: true, Start: time.Now()}

	conn, err := s.waitForConnection(ctx)
	if err != nil {
		return nil, rec, err
	}
	rec.Classification = conn.Metadata().Classification
	rec.RTT = conn.Metadata().RTT

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, rec, fmt.Errorf("tunnel: opening substream: %w", err)
	}
	if err := frame.Write(stream, frame.Connect(host, port)); err != nil {
		stream.Close()
		return nil, rec, fmt.Errorf("tunnel: writing Connect: %w", err)
	}

	reply, err := frame.Read(stream)
	if err != nil {
		stream.Close()
		return nil, rec, fmt.Errorf("tunnel: reading Connect reply: %w", err)
	}
	switch reply.Tag {
	case frame.TagConnected:
		return stream, rec, nil
	case frame.TagError:
		stream.Close()
		return nil, rec, &DialError{Message: reply.Text}
	default:
		stream.Close()
		return nil, rec, &frame.ProtocolViolation{Reason: fmt.Sprintf("expected Connected/Error, got %s", reply.Tag)}
	}
}

// waitForConnection blocks until a connection is installed in state or
// reconnectWait elapses, whichever comes first.
func (s *Session) waitForConnection(ctx context.Context) (transport.Connection, error) {
	if conn, _, ok := s.state.Snapshot(); ok {
		return conn, nil
	}

	deadline := time.NewTimer(s.reconnectWait)
	defer deadline.Stop()

	for {
		signal := s.state.ReconnectSignal()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, &TransportUnavailable{Waited: s.reconnectWait}
		case <-signal:
			if conn, _, ok := s.state.Snapshot(); ok {
				return conn, nil
			}
			// Spurious: reconnected then immediately lost again; keep waiting
			// out the remainder of the original window.
		}
	}
}

// InboundRequest is a peer-initiated substream together with its request
// record. ServeExit handles inbound substreams itself and does not produce
// InboundRequest values.
type InboundRequest struct {
	Stream transport.Stream
	Record RequestRecord
}

// ExitHandler is the signature of a handler for an inbound substream whose
// loop-guard check and exit dial have both succeeded. ServeExit does not
// take or call an ExitHandler; it runs the relay pump itself.
type ExitHandler func(ctx context.Context, req InboundRequest, local net.Conn)

// ServeExit runs the exit-node side of the protocol (spec.md §4.5): it
// accepts inbound substreams on whatever connection is current, decodes
// the first frame as Connect, consults guard, dials the destination with
// dialTimeout, and either bridges the dial through the relay pump or
// writes back an Error frame. It restarts its accept loop whenever the
// underlying connection is replaced (reconnect), and returns only when ctx
// is cancelled.
func (s *Session) ServeExit(ctx context.Context, guard *loopguard.Guard, dialTimeout time.Duration, onRecord func(RequestRecord)) error {
	for {
		conn, err := s.waitForeverForConnection(ctx)
		if err != nil {
			return err
		}

		connDone := s.serveOneConnection(ctx, conn, guard, dialTimeout, onRecord)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-connDone:
			// Connection replaced or lost; loop and pick up the new one.
		}
	}
}

func (s *Session) waitForeverForConnection(ctx context.Context) (transport.Connection, error) {
	for {
		if conn, _, ok := s.state.Snapshot(); ok {
			return conn, nil
		}
		signal := s.state.ReconnectSignal()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-signal:
		}
	}
}

// serveOneConnection accepts inbound substreams on conn until it changes
// generation or closes; the returned channel closes when that happens.
func (s *Session) serveOneConnection(ctx context.Context, conn transport.Connection, guard *loopguard.Guard, dialTimeout time.Duration, onRecord func(RequestRecord)) <-chan struct{} {
	_, startGen, _ := s.state.Snapshot()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				return
			}
			if _, gen, _ := s.state.Snapshot(); gen != startGen {
				stream.Close()
				return
			}
			go s.handleInbound(ctx, stream, conn, guard, dialTimeout, onRecord)
		}
	}()

	return done
}

func (s *Session) handleInbound(ctx context.Context, stream transport.Stream, conn transport.Connection, guard *loopguard.Guard, dialTimeout time.Duration, onRecord func(RequestRecord)) {
	rec := RequestRecord{ID: uuid.NewString(), Outbound: false, Start: time.Now(), Classification: conn.Metadata().Classification, RTT: conn.Metadata().RTT}
	defer func() {
		rec.End = time.Now()
		if onRecord != nil {
			onRecord(rec)
		}
	}()

	first, err := frame.Read(stream)
	if err != nil {
		stream.Close()
		return
	}
	if first.Tag != frame.TagConnect {
		stream.Close()
		return
	}
	rec.Host, rec.Port = first.Host, first.Port

	if guard.Reject(first.Host, first.Port) {
		frame.Write(stream, frame.Err("loop detected"))
		stream.Close()
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	local, err := dialDestination(dialCtx, first.Host, first.Port)
	if err != nil {
		frame.Write(stream, frame.Err(err.Error()))
		stream.Close()
		return
	}

	if err := frame.Write(stream, frame.Connected()); err != nil {
		local.Close()
		stream.Close()
		return
	}

	onFirstDown := func(buf []byte) {
		if result, ok := sniff.Observe(rec.Port, buf); ok {
			rec.Sniffed = result
		}
	}
	counters, _ := relay.Pump(ctx, local, stream, onFirstDown)
	rec.BytesUp, rec.BytesDown = counters.BytesUp, counters.BytesDown
}

// dialDestination dials host:port, trying every address the OS resolver
// returns (falling back across families) per spec.md §4.5.
func dialDestination(ctx context.Context, host string, port uint16) (net.Conn, error) {
	var d net.Dialer
	addr := net.JoinHostPort(trimBrackets(host), fmt.Sprintf("%d", port))
	return d.DialContext(ctx, "tcp", addr)
}

func trimBrackets(host string) string {
	if len(host) >= 2 && host[0] == '[' && host[len(host)-1] == ']' {
		return host[1 : len(host)-1]
	}
	return host
}
