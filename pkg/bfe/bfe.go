// Package bfe implements the type-format tagged binary encoding of feed and
// message identifiers, and the canonical signing payload for meta-feed
// message content: the "bendybutt" prefix followed by the bencoding of the
// tagged content fields.
package bfe

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/zeebo/bencode"

	"metafeed/pkg/models"
)

// Type tags (first byte).
const (
	TypeFeed    = 0x00
	TypeMessage = 0x01
	TypeGeneric = 0x06
)

// Feed format tags (second byte under TypeFeed).
const (
	feedFormatClassic    = 0x00
	feedFormatGabbyGrove = 0x01
	feedFormatBendyButt  = 0x03
	feedFormatIndexed    = 0x04
)

// Message format tags (second byte under TypeMessage).
const (
	msgFormatClassic   = 0x00
	msgFormatBendyButt = 0x04
)

// Generic value tags (second byte under TypeGeneric).
const (
	genericString = 0x00
	genericBool   = 0x01
	genericNil    = 0x02
	genericBytes  = 0x03
)

var contentSigPrefix = []byte("bendybutt")

func feedFormatTag(format string) (byte, error) {
	switch format {
	case models.FormatClassic:
		return feedFormatClassic, nil
	case models.FormatGabbyGroveV1:
		return feedFormatGabbyGrove, nil
	case models.FormatBendyButtV1:
		return feedFormatBendyButt, nil
	case models.FormatIndexedV1:
		return feedFormatIndexed, nil
	}
	return 0, fmt.Errorf("unknown feed format %q", format)
}

// FeedID builds the canonical identifier string for a public key in the
// given feed format: the classic sigil for classic feeds, a feed URI for
// everything else.
func FeedID(pub []byte, format string) string {
	if format == models.FormatClassic {
		return "@" + base64.StdEncoding.EncodeToString(pub) + ".ed25519"
	}
	return "ssb:feed/" + format + "/" + base64.URLEncoding.EncodeToString(pub)
}

// PublicKey extracts the raw key bytes and format from a canonical feed
// identifier, accepting both the classic sigil and the URI form.
func PublicKey(feedID string) ([]byte, string, error) {
	if strings.HasPrefix(feedID, "@") && strings.HasSuffix(feedID, ".ed25519") {
		b64 := strings.TrimSuffix(strings.TrimPrefix(feedID, "@"), ".ed25519")
		key, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, "", fmt.Errorf("feed id %q: %w", feedID, err)
		}
		return key, models.FormatClassic, nil
	}
	if strings.HasPrefix(feedID, "ssb:feed/") {
		rest := strings.TrimPrefix(feedID, "ssb:feed/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || !models.KnownFormat(parts[0]) {
			return nil, "", fmt.Errorf("feed id %q is not a canonical feed uri", feedID)
		}
		key, err := base64.URLEncoding.DecodeString(parts[1])
		if err != nil {
			return nil, "", fmt.Errorf("feed id %q: %w", feedID, err)
		}
		return key, parts[0], nil
	}
	return nil, "", fmt.Errorf("feed id %q is neither a sigil nor a feed uri", feedID)
}

// EncodeFeed returns the tagged bytes for a feed identifier.
func EncodeFeed(feedID string) ([]byte, error) {
	key, format, err := PublicKey(feedID)
	if err != nil {
		return nil, err
	}
	tag, err := feedFormatTag(format)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 2+len(key))
	out = append(out, TypeFeed, tag)
	return append(out, key...), nil
}

// EncodeMessage returns the tagged bytes for a message identifier.
func EncodeMessage(msgID string) ([]byte, error) {
	if strings.HasPrefix(msgID, "%") && strings.HasSuffix(msgID, ".sha256") {
		b64 := strings.TrimSuffix(strings.TrimPrefix(msgID, "%"), ".sha256")
		hash, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("message id %q: %w", msgID, err)
		}
		return append([]byte{TypeMessage, msgFormatClassic}, hash...), nil
	}
	if strings.HasPrefix(msgID, "ssb:message/bendybutt-v1/") {
		b64 := strings.TrimPrefix(msgID, "ssb:message/bendybutt-v1/")
		hash, err := base64.URLEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("message id %q: %w", msgID, err)
		}
		return append([]byte{TypeMessage, msgFormatBendyButt}, hash...), nil
	}
	return nil, fmt.Errorf("message id %q is not recognized", msgID)
}

// MessageID builds a bendybutt-v1 message identifier from the message's
// canonical payload.
func MessageID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "ssb:message/bendybutt-v1/" + base64.URLEncoding.EncodeToString(sum[:])
}

// ClassicMessageID builds a classic message identifier from an encoded
// message payload.
func ClassicMessageID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "%" + base64.StdEncoding.EncodeToString(sum[:]) + ".sha256"
}

// IsFeedID reports whether s parses as a canonical feed identifier.
func IsFeedID(s string) bool {
	_, _, err := PublicKey(s)
	return err == nil
}

func isMessageID(s string) bool {
	_, err := EncodeMessage(s)
	return err == nil
}

func encodeGenericString(s string) []byte {
	return append([]byte{TypeGeneric, genericString}, []byte(s)...)
}

// EncodeString returns the tagged form of a plain string value.
func EncodeString(s string) []byte {
	return encodeGenericString(s)
}

func encodeNil() []byte {
	return []byte{TypeGeneric, genericNil}
}

func encodeBool(b bool) []byte {
	v := byte(0)
	if b {
		v = 1
	}
	return []byte{TypeGeneric, genericBool, v}
}

func encodeBytes(b []byte) []byte {
	return append([]byte{TypeGeneric, genericBytes}, b...)
}

// encodeValue maps a content value to its tagged representation, leaving
// integers bare so bencode can carry them natively.
func encodeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return encodeNil(), nil
	case string:
		if IsFeedID(val) {
			return EncodeFeed(val)
		}
		if isMessageID(val) {
			return EncodeMessage(val)
		}
		return encodeGenericString(val), nil
	case bool:
		return encodeBool(val), nil
	case []byte:
		return encodeBytes(val), nil
	case int:
		return int64(val), nil
	case int64:
		return val, nil
	case float64:
		return int64(val), nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			enc, err := encodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			enc, err := encodeValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot encode value of type %T", v)
}

func tangleValue(root, previous string) map[string]any {
	return map[string]any{
		"root":     tangleLink(root),
		"previous": tangleLink(previous),
	}
}

func tangleLink(id string) any {
	if id == "" {
		return encodeNil()
	}
	if enc, err := EncodeMessage(id); err == nil {
		return enc
	}
	return encodeGenericString(id)
}

// contentMap assembles the taggable view of a content record, excluding the
// embedded signature so the payload matches what was signed.
func contentMap(c *models.Content) (map[string]any, error) {
	out := make(map[string]any, len(c.Metadata)+8)
	for k, v := range c.Metadata {
		enc, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("metadata field %q: %w", k, err)
		}
		out[k] = enc
	}
	out["type"] = encodeGenericString(c.Type)
	if c.Purpose != "" {
		out["purpose"] = encodeGenericString(c.Purpose)
	}
	if c.Subfeed != "" {
		enc, err := encodeValue(c.Subfeed)
		if err != nil {
			return nil, err
		}
		out["subfeed"] = enc
	}
	if c.Metafeed != "" {
		enc, err := encodeValue(c.Metafeed)
		if err != nil {
			return nil, err
		}
		out["metafeed"] = enc
	}
	if len(c.Nonce) > 0 {
		out["nonce"] = encodeBytes(c.Nonce)
	}
	if c.Reason != "" {
		out["reason"] = encodeGenericString(c.Reason)
	}
	if c.Seed != "" {
		out["seed"] = encodeGenericString(c.Seed)
	}
	if c.Tangles != nil {
		out["tangles"] = map[string]any{
			"metafeed": tangleValue(c.Tangles.Metafeed.Root, c.Tangles.Metafeed.Previous),
		}
	}
	if len(c.Recps) > 0 {
		recps := make([]any, len(c.Recps))
		for i, r := range c.Recps {
			enc, err := encodeValue(r)
			if err != nil {
				return nil, err
			}
			recps[i] = enc
		}
		out["recps"] = recps
	}
	return out, nil
}

// SigningPayload builds the canonical byte sequence that the content
// signature covers. Bencode sorts dictionary keys, so the result is
// deterministic for equal content.
func SigningPayload(c *models.Content) ([]byte, error) {
	m, err := contentMap(c)
	if err != nil {
		return nil, err
	}
	enc, err := bencode.EncodeBytes(m)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, contentSigPrefix...), enc...), nil
}
