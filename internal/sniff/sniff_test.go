package sniff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveHTTPRequestLine(t *testing.T) {
	buf := []byte("GET /status HTTP/1.1\r\nHost: example.invalid\r\n\r\n")
	result, ok := Observe(80, buf)
	require.True(t, ok)
	assert.Equal(t, "http", result.Kind)
	assert.Equal(t, "GET", result.Method)
	assert.Equal(t, "/status", result.Target)
	assert.Equal(t, "example.invalid", result.Host)
}

func TestObserveHTTPGarbageIsSilent(t *testing.T) {
	_, ok := Observe(80, []byte("not an http request at all"))
	assert.False(t, ok)
}

func TestObserveTLSClientHelloSNI(t *testing.T) {
	buf := buildClientHello("example.invalid")
	result, ok := Observe(443, buf)
	require.True(t, ok)
	assert.Equal(t, "tls", result.Kind)
	assert.Equal(t, "example.invalid", result.ServerName)
}

func TestObserveTLSGarbageIsSilent(t *testing.T) {
	_, ok := Observe(443, []byte{0x01, 0x02, 0x03})
	assert.False(t, ok)
}

func TestObserveIgnoresOtherPorts(t *testing.T) {
	_, ok := Observe(22, []byte("SSH-2.0-OpenSSH_9.0"))
	assert.False(t, ok)
}

// buildClientHello constructs a minimal, well-formed TLS 1.2 ClientHello
// record carrying a single server_name extension, for exercising
// extractSNI without a real TLS stack.
func buildClientHello(serverName string) []byte {
	sni := []byte(serverName)

	var ext []byte
	ext = append(ext, 0x00, 0x00) // extension type: server_name
	listLen := 2 + 1 + 2 + len(sni)
	ext = append(ext, byte(listLen>>8), byte(listLen)) // extension length
	serverNameListLen := 1 + 2 + len(sni)
	ext = append(ext, byte(serverNameListLen>>8), byte(serverNameListLen))
	ext = append(ext, 0x00) // name type: host_name
	ext = append(ext, byte(len(sni)>>8), byte(len(sni)))
	ext = append(ext, sni...)

	var body []byte
	body = append(body, 0x03, 0x03)              // client version
	body = append(body, make([]byte, 32)...)      // random
	body = append(body, 0x00)                     // session id len
	body = append(body, 0x00, 0x02, 0x13, 0x01)   // cipher suites (len=2, one suite)
	body = append(body, 0x01, 0x00)               // compression methods (len=1, null)
	body = append(body, byte(len(ext)>>8), byte(len(ext)))
	body = append(body, ext...)

	var handshake []byte
	handshake = append(handshake, 0x01) // ClientHello
	handshake = append(handshake, byte(len(body)>>16), byte(len(body)>>8), byte(len(body)))
	handshake = append(handshake, body...)

	var record []byte
	record = append(record, 0x16, 0x03, 0x01) // handshake, TLS 1.0 record version
	record = append(record, byte(len(handshake)>>8), byte(len(handshake)))
	record = append(record, handshake...)
	return record
}
