// Package transport defines the narrow capability set this module needs
// from a peer-to-peer transport (spec.md §6.2). It is deliberately thin —
// endpoint creation, dial/accept, substream open/accept, liveness, and
// per-connection metadata — so the tunnel session (internal/tunnel) can be
// built and tested against a fake without depending on any concrete p2p
// stack. internal/transport/libp2p and internal/transport/yamuxtransport
// are the two concrete implementations.
package transport

import (
	"context"
	"io"
	"time"
)

// PeerID is an opaque, comparable peer identifier. Concrete adapters define
// what it encodes (a libp2p peer.ID, a public key hash, ...); callers must
// only compare and stringify it.
type PeerID interface {
	String() string
}

// AddrHint carries an out-of-band address a dialer may try in addition to
// whatever the endpoint's own peer routing discovers. Ticket decodes into a
// PeerID plus zero or more AddrHints.
type AddrHint struct {
	PeerID PeerID
	Addr   string
}

// Endpoint is a local transport instance: it can dial a remote peer and
// accept inbound connections from peers that dial it.
type Endpoint interface {
	LocalPeer() PeerID
	Dial(ctx context.Context, hint AddrHint) (Connection, error)
	Accept(ctx context.Context) (Connection, error)
	Close() error
}

// Classification describes how two peers reached each other.
type Classification int

const (
	ClassificationUnknown Classification = iota
	ClassificationDirect
	ClassificationRelay
)

func (c Classification) String() string {
	switch c {
	case ClassificationDirect:
		return "direct"
	case ClassificationRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// ConnMetadata is the observability surface spec.md §4.8/§6.2 asks the
// transport to expose.
type ConnMetadata struct {
	RemoteAddr     string
	Classification Classification
	RTT            time.Duration
}

// Connection is a single authenticated connection to a remote peer, able to
// open and accept bidirectional substreams.
type Connection interface {
	RemotePeer() PeerID
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	IsClosed() bool
	Metadata() ConnMetadata
	Close() error
}

// Stream is a bidirectional substream multiplexed over a Connection —
// spec.md's "substream".
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	// CloseWrite half-closes the write side, signalling EOF to the peer
	// without tearing down the read side.
	CloseWrite() error
}
