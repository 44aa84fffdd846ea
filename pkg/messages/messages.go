// Package messages builds the signed link messages a meta-feed carries:
// add/existing, add/derived, tombstone, plus the announce and seed messages
// posted on a primary classic feed.
package messages

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"metafeed/pkg/keys"
	"metafeed/pkg/logger"
	"metafeed/pkg/models"
	"metafeed/pkg/store"
	"metafeed/pkg/validation"
)

// Builder writes link messages into the log. It holds the optional HMAC
// signing key so every signature in one deployment is keyed the same way.
type Builder struct {
	log     store.Log
	hmacKey []byte
}

// NewBuilder wraps a log. hmacKey may be nil for the unkeyed variant, or
// exactly 32 bytes.
func NewBuilder(log store.Log, hmacKey []byte) (*Builder, error) {
	if hmacKey != nil && len(hmacKey) != 32 {
		return nil, fmt.Errorf("%w: hmac key length %d, expected 32 bytes", models.ErrInvalidArgument, len(hmacKey))
	}
	return &Builder{log: log, hmacKey: hmacKey}, nil
}

func checkMetadata(metadata map[string]any) error {
	for k := range metadata {
		if models.IsReservedField(k) {
			return fmt.Errorf("%w: metadata field %q is reserved", models.ErrInvalidArgument, k)
		}
	}
	return nil
}

func (b *Builder) sign(content *models.Content, signer models.KeyPair) (string, error) {
	payload, err := validation.SigningPayload(content, b.hmacKey)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(signer.Private, payload)
	return validation.EncodeSignature(sig), nil
}

// AddExisting links an already-existing subfeed under the meta-feed. The
// content is signed by the subfeed key, proving the owner controls it.
func (b *Builder) AddExisting(purpose string, metafeedKeys, subfeedKeys models.KeyPair, metadata map[string]any) (*models.Message, error) {
	if purpose == "" {
		return nil, fmt.Errorf("%w: purpose is required", models.ErrInvalidArgument)
	}
	if err := checkMetadata(metadata); err != nil {
		return nil, err
	}
	content := &models.Content{
		Type:     models.TypeAddExisting,
		Purpose:  purpose,
		Subfeed:  subfeedKeys.ID,
		Metafeed: metafeedKeys.ID,
		Tangles:  &models.Tangles{},
		Metadata: metadata,
	}
	sig, err := b.sign(content, subfeedKeys)
	if err != nil {
		return nil, err
	}
	msg, err := b.log.Add(&models.Message{
		Author:           metafeedKeys.ID,
		Content:          content,
		ContentSignature: sig,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("subfeed_added", "type", content.Type, "metafeed", metafeedKeys.ID, "subfeed", subfeedKeys.ID, "purpose", purpose)
	return msg, nil
}

// AddDerived creates a new subfeed derived from the root seed and links it
// under the meta-feed. A fresh 32-byte nonce is the derivation label, so
// the subfeed keys can always be re-derived from the seed plus the message.
func (b *Builder) AddDerived(purpose string, metafeedKeys models.KeyPair, rootSeed []byte, format string, metadata map[string]any) (*models.Message, models.KeyPair, error) {
	if purpose == "" {
		return nil, models.KeyPair{}, fmt.Errorf("%w: purpose is required", models.ErrInvalidArgument)
	}
	if !models.KnownFormat(format) {
		return nil, models.KeyPair{}, fmt.Errorf("%w: unknown feed format %q", models.ErrInvalidArgument, format)
	}
	if err := checkMetadata(metadata); err != nil {
		return nil, models.KeyPair{}, err
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, models.KeyPair{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	subKeys, err := keys.DeriveKey(rootSeed, base64.StdEncoding.EncodeToString(nonce), format)
	if err != nil {
		return nil, models.KeyPair{}, err
	}

	content := &models.Content{
		Type:     models.TypeAddDerived,
		Purpose:  purpose,
		Subfeed:  subKeys.ID,
		Metafeed: metafeedKeys.ID,
		Nonce:    nonce,
		Tangles:  &models.Tangles{},
		Metadata: metadata,
	}
	sig, err := b.sign(content, subKeys)
	if err != nil {
		return nil, models.KeyPair{}, err
	}
	msg, err := b.log.Add(&models.Message{
		Author:           metafeedKeys.ID,
		Content:          content,
		ContentSignature: sig,
	})
	if err != nil {
		return nil, models.KeyPair{}, err
	}
	logger.Info("subfeed_added", "type", content.Type, "metafeed", metafeedKeys.ID, "subfeed", subKeys.ID, "purpose", purpose, "format", format)
	return msg, subKeys, nil
}

// Tombstone marks a subfeed as terminated on its meta-feed. The tangle
// links back to the add message, and the content is signed by the subfeed
// key. Returns ErrNotFound when the meta-feed never added the subfeed.
func (b *Builder) Tombstone(subfeedKeys, metafeedKeys models.KeyPair, reason string) (*models.Message, error) {
	prior, err := b.log.QueryByAuthorAndType(metafeedKeys.ID,
		models.TypeAddExisting, models.TypeAddDerived, models.TypeUpdate, models.TypeTombstone)
	if err != nil {
		return nil, err
	}
	var root, previous string
	for _, msg := range prior {
		if msg.Content.Subfeed != subfeedKeys.ID {
			continue
		}
		if root == "" {
			root = msg.Key
		}
		previous = msg.Key
	}
	if root == "" {
		return nil, fmt.Errorf("cannot tombstone %s because it is not a subfeed of %s: %w",
			subfeedKeys.ID, metafeedKeys.ID, models.ErrNotFound)
	}

	content := &models.Content{
		Type:     models.TypeTombstone,
		Subfeed:  subfeedKeys.ID,
		Metafeed: metafeedKeys.ID,
		Reason:   reason,
		Tangles: &models.Tangles{
			Metafeed: models.Tangle{Root: root, Previous: previous},
		},
	}
	sig, err := b.sign(content, subfeedKeys)
	if err != nil {
		return nil, err
	}
	msg, err := b.log.Add(&models.Message{
		Author:           metafeedKeys.ID,
		Content:          content,
		ContentSignature: sig,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("subfeed_tombstoned", "metafeed", metafeedKeys.ID, "subfeed", subfeedKeys.ID, "reason", reason)
	return msg, nil
}

// Announce publishes a metafeed/announce on the primary classic feed,
// pointing followers at the meta-feed. The content carries an embedded
// signature made with the meta-feed key; the tangle chains announces
// together so the newest one wins.
func (b *Builder) Announce(metafeedKeys, primaryKeys models.KeyPair) (*models.Message, error) {
	prior, err := b.log.QueryByAuthorAndType(primaryKeys.ID, models.TypeAnnounce)
	if err != nil {
		return nil, err
	}
	tangle := models.Tangle{}
	if len(prior) > 0 {
		tangle.Root = prior[0].Key
		tangle.Previous = prior[len(prior)-1].Key
	}

	content := &models.Content{
		Type:     models.TypeAnnounce,
		Metafeed: metafeedKeys.ID,
		Subfeed:  primaryKeys.ID,
		Tangles:  &models.Tangles{Metafeed: tangle},
	}
	sig, err := b.sign(content, metafeedKeys)
	if err != nil {
		return nil, err
	}
	content.Signature = sig

	msg, err := b.log.Publish(content, primaryKeys)
	if err != nil {
		return nil, err
	}
	logger.Info("metafeed_announced", "metafeed", metafeedKeys.ID, "primary", primaryKeys.ID)
	return msg, nil
}

// PublishSeed stores the root seed as a private metafeed/seed message on
// the primary feed, readable only by the primary itself.
func (b *Builder) PublishSeed(seed []byte, metafeedKeys, primaryKeys models.KeyPair) (*models.Message, error) {
	if len(seed) != keys.SeedLength {
		return nil, fmt.Errorf("%w: seed length %d, expected %d bytes", models.ErrInvalidArgument, len(seed), keys.SeedLength)
	}
	content := &models.Content{
		Type:     models.TypeSeed,
		Metafeed: metafeedKeys.ID,
		Seed:     hex.EncodeToString(seed),
		Recps:    []string{primaryKeys.ID},
	}
	msg, err := b.log.Publish(content, primaryKeys)
	if err != nil {
		return nil, err
	}
	logger.Info("seed_published", "primary", primaryKeys.ID, "metafeed", metafeedKeys.ID)
	return msg, nil
}

// FindSeed recovers the root seed from the primary feed's private seed
// message, or ErrNotFound when none was published (or none is readable).
func (b *Builder) FindSeed(primaryID string) ([]byte, error) {
	msgs, err := b.log.QueryByAuthorAndType(primaryID, models.TypeSeed)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("no seed message on %s: %w", primaryID, models.ErrNotFound)
	}
	last := msgs[len(msgs)-1]
	seed, err := hex.DecodeString(last.Content.Seed)
	if err != nil {
		return nil, fmt.Errorf("seed message %s carries malformed seed: %w", last.Key, err)
	}
	if len(seed) != keys.SeedLength {
		return nil, fmt.Errorf("seed message %s carries %d-byte seed, expected %d", last.Key, len(seed), keys.SeedLength)
	}
	return seed, nil
}

// FindAnnounced returns the meta-feed id the primary feed most recently
// announced, or ErrNotFound.
func (b *Builder) FindAnnounced(primaryID string) (string, error) {
	msgs, err := b.log.QueryByAuthorAndType(primaryID, models.TypeAnnounce)
	if err != nil {
		return "", err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if validation.ValidateAnnounce(msgs[i]) == nil {
			return msgs[i].Content.Metafeed, nil
		}
	}
	return "", fmt.Errorf("no announce message on %s: %w", primaryID, models.ErrNotFound)
}
