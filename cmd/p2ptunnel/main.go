// Command p2ptunnel runs one peer of the SOCKS5-over-peer-to-peer tunnel:
// a local SOCKS5 listener on --port, bridged over a direct or relayed
// peer connection to whichever peer it dials (--peer) or is dialed by.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/dmodder/p2ptunnel/internal/identity"
	"github.com/dmodder/p2ptunnel/internal/orchestrator"
	"github.com/dmodder/p2ptunnel/internal/ticket"
	"github.com/dmodder/p2ptunnel/internal/transport"
	libp2ptransport "github.com/dmodder/p2ptunnel/internal/transport/libp2p"
	"github.com/dmodder/p2ptunnel/internal/transport/yamuxtransport"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		port          = pflag.Uint16("port", 1080, "local SOCKS5 listener port")
		peerTicket    = pflag.String("peer", "", "ticket for the remote peer (client-initiate mode)")
		logFile       = pflag.String("log-file", "", "path to append structured logs to (default stderr)")
		dataDir       = pflag.String("data-dir", ".", "directory holding .tunnel_key and .tunnel_peer")
		dialTimeout   = pflag.Duration("dial-timeout", 10*time.Second, "exit-side TCP dial timeout")
		reconnectWait = pflag.Duration("reconnect-wait", 5*time.Second, "how long open_outbound waits for a session")
		transportKind = pflag.String("transport", "libp2p", "transport backend: libp2p or yamux-tcp")
		listenAddr    = pflag.String("listen-addr", "/ip4/0.0.0.0/udp/0/quic-v1", "libp2p listen multiaddr (ignored for yamux-tcp)")
		yamuxListen   = pflag.String("yamux-listen", "", "yamux-tcp: bind address for the exit side (empty means client-only/dial mode)")
		setSysProxy   = pflag.Bool("set-system-proxy", false, "point the OS system proxy at this listener while running (Windows only; no-op elsewhere)")
	)
	pflag.Parse()

	log := newLogger(*logFile)

	store := identity.New(*dataDir)
	secret, err := store.LoadOrCreateSecret()
	if err != nil {
		log.Error().Err(err).Msg("failed to load or create identity")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSignal(cancel)

	endpoint, hint, haveHint, err := buildTransport(ctx, *transportKind, secret, *listenAddr, *yamuxListen, *peerTicket, store)
	if err != nil {
		log.Error().Err(err).Msg("failed to build transport endpoint")
		return 1
	}
	defer endpoint.Close()

	cfg := orchestrator.Config{
		BindAddr:       fmt.Sprintf("127.0.0.1:%d", *port),
		DialTimeout:    *dialTimeout,
		ReconnectWait:  *reconnectWait,
		InitialHint:    hint,
		HaveHint:       haveHint,
		SetSystemProxy: *setSysProxy,
	}

	orch, err := orchestrator.New(cfg, endpoint, store, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to build orchestrator")
		return 1
	}

	log.Info().Uint16("port", *port).Str("transport", *transportKind).Msg("starting")
	if err := orch.Run(ctx); err != nil {
		log.Error().Err(err).Msg("orchestrator exited with error")
		return 1
	}
	return 0
}

func buildTransport(ctx context.Context, kind string, secret identity.Secret, listenAddr, yamuxListen, peerTicket string, store *identity.Store) (transport.Endpoint, transport.AddrHint, bool, error) {
	switch kind {
	case "libp2p":
		ep, err := libp2ptransport.New(ctx, secret, listenAddr)
		if err != nil {
			return nil, transport.AddrHint{}, false, err
		}
		if peerTicket != "" {
			info, err := ticket.Decode(peerTicket)
			if err != nil {
				ep.Close()
				return nil, transport.AddrHint{}, false, fmt.Errorf("decoding --peer ticket: %w", err)
			}
			hint := transport.AddrHint{PeerID: libp2ptransport.NewPeerID(info.ID)}
			if len(info.Addrs) > 0 {
				hint.Addr = info.Addrs[0].String()
			}
			return ep, hint, true, nil
		}
		if handle, ok := store.LoadPeer(); ok {
			id, err := peer.Decode(handle)
			if err != nil {
				ep.Close()
				return nil, transport.AddrHint{}, false, fmt.Errorf("decoding persisted peer handle %q: %w", handle, err)
			}
			return ep, transport.AddrHint{PeerID: libp2ptransport.NewPeerID(id)}, true, nil
		}
		return ep, transport.AddrHint{}, false, nil

	case "yamux-tcp":
		if yamuxListen != "" {
			ep, err := yamuxtransport.Listen(yamuxListen)
			return ep, transport.AddrHint{}, false, err
		}
		ep := yamuxtransport.Dialer("client")
		if peerTicket == "" {
			return nil, transport.AddrHint{}, false, fmt.Errorf("yamux-tcp client mode requires --peer <host:port>")
		}
		return ep, transport.AddrHint{Addr: peerTicket}, true, nil

	default:
		return nil, transport.AddrHint{}, false, fmt.Errorf("unknown --transport %q", kind)
	}
}

func newLogger(path string) zerolog.Logger {
	if path == "" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fallback := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		fallback.Warn().Err(err).Str("path", path).Msg("could not open log file, falling back to stderr")
		return fallback
	}
	return zerolog.New(f).With().Timestamp().Logger()
}

func waitForSignal(cancel context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	cancel()
}
