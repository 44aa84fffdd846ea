// Package keys derives deterministic feed key pairs from a root seed.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"metafeed/pkg/bfe"
	"metafeed/pkg/models"
)

const (
	// SeedLength is the size of a root seed in bytes.
	SeedLength = 32

	// RootLabel is the fixed derivation label of the root meta-feed.
	RootLabel = "metafeed"

	hkdfSalt       = "ssb"
	hkdfInfoPrefix = "ssb-meta-feed-seed-v1:"
)

// GenerateSeed returns a fresh 32-byte root secret.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, SeedLength)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// DeriveKey stretches seed into an ed25519 key pair for the given label and
// feed format. Identical inputs always yield an identical pair; this is
// what makes the whole feed tree reconstructible from the seed plus the
// public log.
func DeriveKey(seed []byte, label, format string) (models.KeyPair, error) {
	if len(seed) != SeedLength {
		return models.KeyPair{}, fmt.Errorf("%w: seed length %d, expected %d bytes", models.ErrInvalidArgument, len(seed), SeedLength)
	}
	if label == "" {
		return models.KeyPair{}, fmt.Errorf("%w: derivation label is required", models.ErrInvalidArgument)
	}
	if !models.KnownFormat(format) {
		return models.KeyPair{}, fmt.Errorf("%w: unknown feed format %q", models.ErrInvalidArgument, format)
	}
	r := hkdf.New(sha256.New, seed, []byte(hkdfSalt), []byte(hkdfInfoPrefix+label))
	derived := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, derived); err != nil {
		return models.KeyPair{}, err
	}
	priv := ed25519.NewKeyFromSeed(derived)
	pub := priv.Public().(ed25519.PublicKey)
	return models.KeyPair{
		ID:      bfe.FeedID(pub, format),
		Format:  format,
		Public:  pub,
		Private: priv,
	}, nil
}

// DeriveRootKey derives the root meta-feed key pair from a seed using the
// fixed well-known label.
func DeriveRootKey(seed []byte) (models.KeyPair, error) {
	return DeriveKey(seed, RootLabel, models.FormatBendyButtV1)
}

// Generate creates a non-derived (random) key pair in the given format,
// for identities whose key material does not come from a seed.
func Generate(format string) (models.KeyPair, error) {
	if !models.KnownFormat(format) {
		return models.KeyPair{}, fmt.Errorf("%w: unknown feed format %q", models.ErrInvalidArgument, format)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return models.KeyPair{}, err
	}
	return models.KeyPair{
		ID:      bfe.FeedID(pub, format),
		Format:  format,
		Public:  pub,
		Private: priv,
	}, nil
}
