// Package identity persists the long-lived node secret and the last known
// peer identifier across restarts, per spec.md §4.1. Both files live in the
// configured data directory; writes are best-effort write-then-rename so a
// crash mid-write never leaves a half-written file behind.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	keyFileName  = ".tunnel_key"
	peerFileName = ".tunnel_peer"
	secretLen    = 32
)

// Secret is the raw 32-byte node secret. Callers outside this package must
// not interpret its bytes; the transport adapter alone knows how to turn it
// into a cryptographic key.
type Secret [secretLen]byte

// Store persists the secret and peer-handle files under Dir.
type Store struct {
	Dir string
}

func New(dir string) *Store {
	return &Store{Dir: dir}
}

func (s *Store) keyPath() string  { return filepath.Join(s.Dir, keyFileName) }
func (s *Store) peerPath() string { return filepath.Join(s.Dir, peerFileName) }

// LoadOrCreateSecret reads the persisted secret, or generates and persists a
// fresh one on first run. The secret is stable across restarts unless the
// key file is removed (spec.md invariant 4).
func (s *Store) LoadOrCreateSecret() (Secret, error) {
	b, err := os.ReadFile(s.keyPath())
	if err == nil {
		if len(b) != secretLen {
			return Secret{}, fmt.Errorf("identity: key file %s is malformed: want %d bytes, got %d", s.keyPath(), secretLen, len(b))
		}
		var sec Secret
		copy(sec[:], b)
		return sec, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Secret{}, fmt.Errorf("identity: reading key file: %w", err)
	}

	var sec Secret
	if _, err := rand.Read(sec[:]); err != nil {
		return Secret{}, fmt.Errorf("identity: generating secret: %w", err)
	}
	if err := s.writeFileAtomic(s.keyPath(), sec[:], 0o600); err != nil {
		return Secret{}, fmt.Errorf("identity: persisting new secret: %w", err)
	}
	return sec, nil
}

// LoadPeer returns the last-known peer identifier, if one was persisted.
func (s *Store) LoadPeer() (string, bool) {
	b, err := os.ReadFile(s.peerPath())
	if err != nil {
		return "", false
	}
	return string(b), true
}

// SavePeer best-effort persists id as the last-known peer. Per spec.md §3
// invariant 3, callers must only invoke this after a handshake has observed
// liveness. Failure is non-fatal: the caller logs and continues.
func (s *Store) SavePeer(id string) error {
	return s.writeFileAtomic(s.peerPath(), []byte(id), 0o644)
}

func (s *Store) writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
