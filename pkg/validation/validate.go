// Package validation checks meta-feed link messages before the tree index
// admits them. Validation is pure: no storage or network access, just shape
// checks and one signature verification.
package validation

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"metafeed/pkg/bfe"
	"metafeed/pkg/models"
)

const signatureSuffix = ".sig.ed25519"

// linkTypes are the content types allowed on a meta-feed.
var linkTypes = map[string]struct{}{
	models.TypeAddExisting: {},
	models.TypeAddDerived:  {},
	models.TypeUpdate:      {},
	models.TypeTombstone:   {},
}

// IsValid reports whether a stored message carries a valid content section.
// Messages without both content and content signature never validate.
func IsValid(msg *models.Message) bool {
	if msg == nil || msg.Content == nil || msg.ContentSignature == "" {
		return false
	}
	return ValidateContentSection(msg.Content, msg.ContentSignature, nil) == nil
}

// ValidateMessage validates a stored message, optionally with an HMAC key
// for the keyed signing variant.
func ValidateMessage(msg *models.Message, hmacKey []byte) error {
	if msg == nil {
		return fmt.Errorf("invalid message: message is nil")
	}
	if msg.IsEncrypted() {
		return fmt.Errorf("invalid message: cannot validate encrypted content section")
	}
	if msg.Content == nil || msg.ContentSignature == "" {
		return fmt.Errorf("invalid message: expected both content and content signature")
	}
	return ValidateContentSection(msg.Content, msg.ContentSignature, hmacKey)
}

// ValidateContentSection runs the full check sequence over a content
// section: type, key-type tags, nonce length, and the content signature
// made by the key embedded in the content's subfeed field.
func ValidateContentSection(content *models.Content, signature string, hmacKey []byte) error {
	if content == nil {
		return fmt.Errorf("invalid message: content cannot be nil")
	}
	if _, ok := linkTypes[content.Type]; !ok {
		return fmt.Errorf("invalid message: content type %q is incorrect", content.Type)
	}

	subfeedTag, err := bfe.EncodeFeed(content.Subfeed)
	if err != nil {
		return fmt.Errorf("invalid message: subfeed: %w", err)
	}
	if subfeedTag[0] != bfe.TypeFeed {
		return fmt.Errorf("invalid message: content subfeed type 0x%02x is incorrect, expected 0x00", subfeedTag[0])
	}

	metafeedTag, err := bfe.EncodeFeed(content.Metafeed)
	if err != nil {
		return fmt.Errorf("invalid message: metafeed: %w", err)
	}
	if metafeedTag[0] != bfe.TypeFeed || models.DetectFormat(content.Metafeed) != models.FormatBendyButtV1 {
		return fmt.Errorf("invalid message: content metafeed type 0x%02x%02x is incorrect, expected 0x0003", metafeedTag[0], metafeedTag[1])
	}

	if content.Type == models.TypeAddDerived && len(content.Nonce) != 32 {
		return fmt.Errorf("invalid message: content nonce is %d bytes, expected 32", len(content.Nonce))
	}

	return validateSignature(content.Subfeed, content, signature, hmacKey)
}

// ValidateAnnounce validates an announce message posted on a primary
// (classic) feed: the author must be a classic feed, the subfeed must be
// the author itself, and the content must be signed by the meta-feed key.
func ValidateAnnounce(msg *models.Message) error {
	if msg == nil || msg.Content == nil {
		return fmt.Errorf("announce is invalid because it has no content")
	}
	if models.DetectFormat(msg.Author) != models.FormatClassic {
		return fmt.Errorf("announce %s is invalid because author is not a classic feed: %s", msg.Key, msg.Author)
	}
	content := msg.Content
	if models.DetectFormat(content.Metafeed) != models.FormatBendyButtV1 {
		return fmt.Errorf("announce %s is invalid because content.metafeed is not a bendy butt feed: %s", msg.Key, content.Metafeed)
	}
	if content.Subfeed != msg.Author {
		return fmt.Errorf("announce %s is invalid because content.subfeed is not the author: %s", msg.Key, content.Subfeed)
	}
	if err := validateSignature(content.Metafeed, content, content.Signature, nil); err != nil {
		return fmt.Errorf("announce %s is invalid because content is not signed by the meta feed: %w", msg.Key, err)
	}
	return nil
}

func validateSignature(signerID string, content *models.Content, signature string, hmacKey []byte) error {
	if err := validateHmacKey(hmacKey); err != nil {
		return err
	}

	sig, err := decodeSignature(signature)
	if err != nil {
		return err
	}

	pub, _, err := bfe.PublicKey(signerID)
	if err != nil {
		return fmt.Errorf("invalid message: signer key %q: %w", signerID, err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid message: signer key %q is not an ed25519 key", signerID)
	}

	payload, err := SigningPayload(content, hmacKey)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		return fmt.Errorf("invalid message: content signature must correctly sign the content using the subfeed key %s", signerID)
	}
	return nil
}

// SigningPayload builds the byte sequence a content signature covers,
// applying the HMAC keying when a key is supplied. Shared with the message
// builders so signing and verification cannot drift.
func SigningPayload(content *models.Content, hmacKey []byte) ([]byte, error) {
	payload, err := bfe.SigningPayload(content)
	if err != nil {
		return nil, fmt.Errorf("invalid message: cannot encode content: %w", err)
	}
	if len(hmacKey) > 0 {
		mac := hmac.New(sha256.New, hmacKey)
		mac.Write(payload)
		payload = mac.Sum(nil)
	}
	return payload, nil
}

// EncodeSignature renders a raw signature in the canonical string form.
func EncodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig) + signatureSuffix
}

func decodeSignature(signature string) ([]byte, error) {
	if !strings.HasSuffix(signature, signatureSuffix) {
		return nil, fmt.Errorf("invalid message: content signature %q, expected a base64 string with suffix %q", signature, signatureSuffix)
	}
	raw := strings.TrimSuffix(signature, signatureSuffix)
	sig, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid message: content signature %q, expected a base64 string", signature)
	}
	if reencoded := base64.StdEncoding.EncodeToString(sig); reencoded != raw {
		return nil, fmt.Errorf("invalid message: content signature %q is not canonical base64", signature)
	}
	return sig, nil
}

func validateHmacKey(hmacKey []byte) error {
	if hmacKey == nil {
		return nil
	}
	if len(hmacKey) != 32 {
		return fmt.Errorf("invalid hmac key: length %d, expected 32 bytes", len(hmacKey))
	}
	return nil
}
