// Package orchestrator wires identity, transport, the tunnel session and
// supervisor, the loop guard, and the local SOCKS5 listener into one
// running process (spec.md §4.9). It generalizes the teacher's
// proxy.go/minewire.go main-loop wiring (accept loop + per-client
// goroutine over a package-level session) into an explicit, injectable
// Orchestrator built from already-constructed components rather than
// globals.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/dmodder/p2ptunnel/internal/identity"
	"github.com/dmodder/p2ptunnel/internal/loopguard"
	"github.com/dmodder/p2ptunnel/internal/relay"
	"github.com/dmodder/p2ptunnel/internal/socks5"
	"github.com/dmodder/p2ptunnel/internal/sysproxy"
	"github.com/dmodder/p2ptunnel/internal/transport"
	"github.com/dmodder/p2ptunnel/internal/tunnel"
)

// MaxConcurrentClients bounds how many SOCKS5 clients are served at once,
// via golang.org/x/net/netutil.LimitListener, so a runaway local client
// population can't exhaust file descriptors.
const MaxConcurrentClients = 512

// Config bundles everything the orchestrator needs that isn't itself a
// long-lived component (those are passed in already built, so tests can
// substitute fakes).
type Config struct {
	BindAddr       string // local SOCKS5 listener address, e.g. "127.0.0.1:1080"
	DialTimeout    time.Duration
	ReconnectWait  time.Duration
	InitialHint    transport.AddrHint
	HaveHint       bool
	SetSystemProxy bool // best-effort; only takes effect on Windows (internal/sysproxy)
}

// Orchestrator is the C9 component: one SOCKS5 listener, one Session, one
// Supervisor, one loop Guard.
type Orchestrator struct {
	cfg      Config
	endpoint transport.Endpoint
	store    *identity.Store
	log      zerolog.Logger

	state      *tunnel.State
	session    *tunnel.Session
	supervisor *tunnel.Supervisor
	guard      *loopguard.Guard
}

// New builds an Orchestrator. endpoint must already be constructed (the
// concrete libp2p or yamuxtransport adapter); store is the identity store
// for the data directory.
func New(cfg Config, endpoint transport.Endpoint, store *identity.Store, log zerolog.Logger) (*Orchestrator, error) {
	host, portStr, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: parsing bind address %q: %w", cfg.BindAddr, err)
	}
	port := mustParsePort(portStr)

	guard, err := loopguard.New(cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: building loop guard: %w", err)
	}

	state := tunnel.NewState(host, port)
	session := tunnel.NewSession(state, cfg.ReconnectWait)
	supervisor := tunnel.NewSupervisor(state, endpoint, store, log, cfg.InitialHint, cfg.HaveHint)

	return &Orchestrator{
		cfg:        cfg,
		endpoint:   endpoint,
		store:      store,
		log:        log,
		state:      state,
		session:    session,
		supervisor: supervisor,
		guard:      guard,
	}, nil
}

// Run starts the supervisor, the exit-side accept loop, and the local
// SOCKS5 listener, and blocks until ctx is cancelled or a fatal startup
// error occurs. It implements spec.md §4.9's startup/shutdown sequence.
func (o *Orchestrator) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", o.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("orchestrator: binding SOCKS5 listener: %w", err)
	}
	ln = netutil.LimitListener(ln, MaxConcurrentClients)

	if o.cfg.SetSystemProxy {
		if err := sysproxy.Set(o.cfg.BindAddr); err != nil {
			o.log.Warn().Err(err).Msg("could not set system proxy")
		} else {
			defer func() {
				if err := sysproxy.Clear(); err != nil {
					o.log.Warn().Err(err).Msg("could not clear system proxy")
				}
			}()
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return o.supervisor.Run(ctx)
	})

	g.Go(func() error {
		return o.session.ServeExit(ctx, o.guard, o.cfg.DialTimeout, o.logRequest)
	})

	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})

	g.Go(func() error {
		return o.acceptLoop(ctx, ln)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (o *Orchestrator) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("orchestrator: accepting local client: %w", err)
		}
		go o.handleClient(ctx, conn)
	}
}

// handleClient implements spec.md §4.9's per-client sequence: handshake,
// open_outbound, reply-then-relay or reply-then-close.
func (o *Orchestrator) handleClient(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	req, err := socks5.Handshake(conn)
	if err != nil {
		o.log.Debug().Err(err).Msg("socks5 handshake failed")
		return
	}

	if o.guard.Reject(req.Host, req.Port) {
		socks5.WriteReply(conn, socks5.ReplyConnectionNotAllowed)
		o.log.Warn().Str("host", req.Host).Uint16("port", req.Port).Msg("rejected loopback destination")
		return
	}

	stream, rec, err := o.session.OpenOutbound(ctx, req.Host, req.Port)
	if err != nil {
		socks5.WriteReply(conn, mapOpenOutboundError(err))
		o.log.Warn().Err(err).Str("host", req.Host).Uint16("port", req.Port).Msg("open_outbound failed")
		return
	}
	defer stream.Close()

	if err := socks5.WriteReply(conn, socks5.ReplySucceeded); err != nil {
		return
	}

	o.log.Info().
		Str("id", rec.ID).
		Str("host", rec.Host).
		Uint16("port", rec.Port).
		Str("classification", rec.Classification.String()).
		Dur("rtt", rec.RTT).
		Msg("outbound request started")

	counters, _ := relay.Pump(ctx, conn, stream, nil)
	rec.BytesUp, rec.BytesDown = counters.BytesUp, counters.BytesDown
	rec.End = time.Now()
	o.logRequest(rec)
}

func (o *Orchestrator) logRequest(rec tunnel.RequestRecord) {
	o.log.Info().
		Str("id", rec.ID).
		Bool("outbound", rec.Outbound).
		Str("host", rec.Host).
		Uint16("port", rec.Port).
		Int64("bytes_up", rec.BytesUp).
		Int64("bytes_down", rec.BytesDown).
		Dur("duration", rec.End.Sub(rec.Start)).
		Msg("request finished")
}

// mapOpenOutboundError translates an OpenOutbound failure into the SOCKS5
// reply code spec.md §7 assigns it.
func mapOpenOutboundError(err error) byte {
	var unavailable *tunnel.TransportUnavailable
	var dialErr *tunnel.DialError
	switch {
	case errors.As(err, &unavailable):
		return socks5.ReplyNetworkUnreachable
	case errors.As(err, &dialErr):
		return socks5.ReplyHostUnreachable
	default:
		return socks5.ReplyGeneralFailure
	}
}

func mustParsePort(s string) uint16 {
	var n uint16
	for _, ch := range []byte(s) {
		if ch < '0' || ch > '9' {
			return 0
		}
		n = n*10 + uint16(ch-'0')
	}
	return n
}
