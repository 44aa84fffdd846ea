// Package security seals and opens private message payloads. The only
// private message in this system is the seed message, encrypted to the
// identity that owns it, but the sealing is generic: any symmetric key added
// to a Keyring can open matching payloads later (a reindex sweep re-attempts
// exactly that).
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"metafeed/pkg/models"
)

const (
	nonceSize  = 24
	boxSalt    = "ssb"
	boxInfo    = "metafeed-self-box-v1"
)

// BoxKey is a symmetric sealing key.
type BoxKey [32]byte

// SelfKey derives the symmetric sealing key owned by a key pair; sealing to
// self means sealing with this key.
func SelfKey(kp models.KeyPair) (BoxKey, error) {
	var out BoxKey
	if len(kp.Private) != ed25519.PrivateKeySize {
		return out, fmt.Errorf("%w: key pair has no private key", models.ErrInvalidArgument)
	}
	r := hkdf.New(sha256.New, kp.Private.Seed(), []byte(boxSalt), []byte(boxInfo))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// Seal encrypts plain under key with a random nonce prefix.
func Seal(plain []byte, key BoxKey) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	k := [32]byte(key)
	return secretbox.Seal(nonce[:], plain, &nonce, &k), nil
}

// Open decrypts a payload produced by Seal. The boolean is false when the
// key does not match or the payload is malformed.
func Open(sealed []byte, key BoxKey) ([]byte, bool) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, false
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	k := [32]byte(key)
	return secretbox.Open(nil, sealed[nonceSize:], &nonce, &k)
}

// Keyring is a concurrency-safe set of sealing keys. Keys learned after a
// payload was first seen make it decryptable on the next attempt.
type Keyring struct {
	mu   sync.RWMutex
	keys []BoxKey
}

// Add registers a key; duplicates are ignored.
func (r *Keyring) Add(key BoxKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if k == key {
			return
		}
	}
	r.keys = append(r.keys, key)
}

// Open tries every key in the ring against the sealed payload.
func (r *Keyring) Open(sealed []byte) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.keys {
		if plain, ok := Open(sealed, k); ok {
			return plain, true
		}
	}
	return nil, false
}
