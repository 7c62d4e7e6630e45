// Package sniff implements the passive, best-effort inspection the request
// logger performs on the first relayed buffer of an outbound substream
// (spec.md §4.8). It never consumes or mutates the bytes it is shown —
// callers pass a copy or a read-only view taken before the buffer is
// forwarded — and it never returns an error: a parse failure just yields a
// zero Result.
package sniff

import (
	"bufio"
	"bytes"
	"net/http"
)

// Result carries whatever the sniffer could extract. Kind is empty when
// nothing was recognized.
type Result struct {
	Kind       string // "http" or "tls"
	Method     string
	Target     string
	Host       string
	ServerName string
}

// Observe inspects buf according to the destination port: 80 gets the HTTP
// request-line sniff, 443 gets the TLS ClientHello/SNI sniff, anything else
// is left alone. ok reports whether anything was extracted.
func Observe(port uint16, buf []byte) (Result, bool) {
	switch port {
	case 80:
		return sniffHTTP(buf)
	case 443:
		return sniffTLS(buf)
	default:
		return Result{}, false
	}
}

// sniffHTTP parses an HTTP request line and, if present in the same
// buffer, the Host header — grounded on the http.ReadRequest-over-a-peeked-
// buffer pattern used to serve API requests inline with TLS traffic on a
// shared port.
func sniffHTTP(buf []byte) (Result, bool) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil || req.Method == "" {
		return Result{}, false
	}
	return Result{
		Kind:   "http",
		Method: req.Method,
		Target: req.URL.String(),
		Host:   req.Host,
	}, true
}

// sniffTLS walks a TLS record/handshake/extension structure by hand to pull
// the SNI server name out of a ClientHello, without performing a TLS
// handshake. No library in common use parses a ClientHello from a raw
// buffer without driving an actual handshake, so this is hand-rolled.
func sniffTLS(buf []byte) (Result, bool) {
	name, ok := extractSNI(buf)
	if !ok {
		return Result{}, false
	}
	return Result{Kind: "tls", ServerName: name}, true
}

// extractSNI parses a single TLS record containing a ClientHello handshake
// message and returns the server_name extension's host_name entry, if any.
func extractSNI(data []byte) (string, bool) {
	// TLS record header: ContentType(1) + Version(2) + Length(2).
	if len(data) < 5 || data[0] != 0x16 {
		return "", false
	}
	pos := 5

	// Handshake header: HandshakeType(1) + Length(3); must be ClientHello (1).
	if len(data) < pos+4 || data[pos] != 0x01 {
		return "", false
	}
	pos += 4

	// ClientVersion(2) + Random(32).
	if len(data) < pos+34 {
		return "", false
	}
	pos += 34

	if len(data) < pos+1 {
		return "", false
	}
	sessionIDLen := int(data[pos])
	pos += 1 + sessionIDLen

	if len(data) < pos+2 {
		return "", false
	}
	cipherSuitesLen := int(data[pos])<<8 | int(data[pos+1])
	pos += 2 + cipherSuitesLen

	if len(data) < pos+1 {
		return "", false
	}
	compressionLen := int(data[pos])
	pos += 1 + compressionLen

	if len(data) < pos+2 {
		return "", false
	}
	extensionsLen := int(data[pos])<<8 | int(data[pos+1])
	pos += 2

	end := pos + extensionsLen
	if end > len(data) {
		end = len(data)
	}

	for pos+4 <= end {
		extType := int(data[pos])<<8 | int(data[pos+1])
		extLen := int(data[pos+2])<<8 | int(data[pos+3])
		pos += 4

		if extType == 0x0000 { // server_name
			if pos+5 > end {
				return "", false
			}
			if data[pos+2] != 0x00 { // host_name
				return "", false
			}
			nameLen := int(data[pos+3])<<8 | int(data[pos+4])
			if pos+5+nameLen > end {
				return "", false
			}
			return string(data[pos+5 : pos+5+nameLen]), true
		}
		pos += extLen
	}

	return "", false
}
