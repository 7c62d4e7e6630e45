// Package loopguard rejects tunnel Connect requests that would dial back
// into this process's own SOCKS5 listener, per spec.md §4.7. It is
// consulted by the exit-side handler before any outbound dial.
package loopguard

import (
	"net"
	"strings"

	"github.com/yl2chen/cidranger"
)

// reservedLoopback holds the fixed set of ranges that are loopback or
// "any interface" regardless of what the local bind address is. Adapted
// from the teacher's split-tunnel CIDR ranger (which loaded user-supplied
// bypass rules from files); here the ranges are fixed, not user-loaded.
var reservedLoopback = []string{
	"127.0.0.0/8",
	"::1/128",
	"0.0.0.0/32",
	"::/128",
}

// Guard rejects destinations that resolve to the local SOCKS5 listener.
type Guard struct {
	bindHost string
	bindPort uint16
	bindIsAny bool
	ranger   cidranger.Ranger
}

// New builds a Guard for a local SOCKS5 listener bound to bindAddr
// (host:port, as passed to net.Listen).
func New(bindAddr string) (*Guard, error) {
	host, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return nil, err
	}
	port := parsePort(portStr)

	r := cidranger.NewPCTrieRanger()
	for _, cidr := range reservedLoopback {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		if err := r.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, err
		}
	}

	ip := net.ParseIP(host)
	bindIsAny := ip != nil && ip.IsUnspecified()

	return &Guard{
		bindHost:  host,
		bindPort:  port,
		bindIsAny: bindIsAny,
		ranger:    r,
	}, nil
}

var namedLoopbacks = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"0.0.0.0":   true,
	"::":        true,
}

// Reject reports whether (host, port) would loop back to the local SOCKS5
// listener, per spec.md §4.7's rules.
func (g *Guard) Reject(host string, port uint16) bool {
	if port != g.bindPort {
		return false
	}

	h := strings.ToLower(strings.Trim(host, "[]"))
	if namedLoopbacks[h] {
		return true
	}

	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	if ip.String() == g.bindHost {
		return true
	}
	if g.bindIsAny {
		if ip.IsLoopback() {
			return true
		}
		contains, err := g.ranger.Contains(ip)
		if err == nil && contains {
			return true
		}
	}
	return false
}

func parsePort(s string) uint16 {
	var n uint16
	for _, ch := range []byte(s) {
		if ch < '0' || ch > '9' {
			return 0
		}
		n = n*10 + uint16(ch-'0')
	}
	return n
}
