package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Link-message content types posted on meta-feeds, plus the two message
// types posted on the primary (classic) feed.
const (
	TypeAddExisting = "metafeed/add/existing"
	TypeAddDerived  = "metafeed/add/derived"
	TypeUpdate      = "metafeed/update"
	TypeTombstone   = "metafeed/tombstone"
	TypeAnnounce    = "metafeed/announce"
	TypeSeed        = "metafeed/seed"
)

// reservedContentFields are the content fields that user metadata may not
// shadow. Enforced at message construction time.
var reservedContentFields = map[string]struct{}{
	"type":     {},
	"metafeed": {},
	"purpose":  {},
	"subfeed":  {},
	"tangles":  {},
	"reason":   {},
	"nonce":    {},
	"recps":    {},
}

// IsReservedField reports whether key collides with a fixed content field.
func IsReservedField(key string) bool {
	_, ok := reservedContentFields[key]
	return ok
}

// Tangle is the root/previous back-link pair establishing a causal chain
// among messages of one type on one feed. Empty strings mean null.
type Tangle struct {
	Root     string `json:"root"`
	Previous string `json:"previous"`
}

// Tangles holds the per-tangle link map; link messages use the "metafeed"
// tangle only.
type Tangles struct {
	Metafeed Tangle `json:"metafeed"`
}

// Content is the logical content of a meta-feed link message or a
// primary-feed announce/seed message. Metadata holds any extra fields
// carried by the message that are not part of the fixed schema.
type Content struct {
	Type     string
	Purpose  string
	Subfeed  string
	Metafeed string
	Nonce    []byte
	Reason   string
	Seed     string // hex-encoded, seed messages only
	Tangles  *Tangles
	Recps    []string
	Metadata map[string]any

	// Signature is the embedded content signature used by announce
	// messages, which are signed by the meta-feed key rather than the
	// feed they are posted on.
	Signature string
}

type contentFixed struct {
	Type      string   `json:"type"`
	Purpose   string   `json:"purpose,omitempty"`
	Subfeed   string   `json:"subfeed,omitempty"`
	Metafeed  string   `json:"metafeed,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Seed      string   `json:"seed,omitempty"`
	Tangles   *Tangles `json:"tangles,omitempty"`
	Recps     []string `json:"recps,omitempty"`
	Signature string   `json:"signature,omitempty"`
}

// MarshalJSON flattens Metadata next to the fixed fields, the way the wire
// schema carries them.
func (c *Content) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Metadata)+8)
	for k, v := range c.Metadata {
		if IsReservedField(k) {
			return nil, fmt.Errorf("metadata key %q collides with a reserved content field", k)
		}
		out[k] = v
	}
	fixed := contentFixed{
		Type:      c.Type,
		Purpose:   c.Purpose,
		Subfeed:   c.Subfeed,
		Metafeed:  c.Metafeed,
		Reason:    c.Reason,
		Seed:      c.Seed,
		Tangles:   c.Tangles,
		Recps:     c.Recps,
		Signature: c.Signature,
	}
	if len(c.Nonce) > 0 {
		fixed.Nonce = base64.StdEncoding.EncodeToString(c.Nonce)
	}
	b, err := json.Marshal(fixed)
	if err != nil {
		return nil, err
	}
	var fixedMap map[string]any
	if err := json.Unmarshal(b, &fixedMap); err != nil {
		return nil, err
	}
	for k, v := range fixedMap {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the fixed fields back out and collects everything
// else into Metadata.
func (c *Content) UnmarshalJSON(data []byte) error {
	var fixed contentFixed
	if err := json.Unmarshal(data, &fixed); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	c.Type = fixed.Type
	c.Purpose = fixed.Purpose
	c.Subfeed = fixed.Subfeed
	c.Metafeed = fixed.Metafeed
	c.Reason = fixed.Reason
	c.Seed = fixed.Seed
	c.Tangles = fixed.Tangles
	c.Recps = fixed.Recps
	c.Signature = fixed.Signature
	if fixed.Nonce != "" {
		nonce, err := base64.StdEncoding.DecodeString(fixed.Nonce)
		if err != nil {
			return fmt.Errorf("invalid nonce encoding: %w", err)
		}
		c.Nonce = nonce
	}
	c.Metadata = nil
	for k, v := range all {
		if IsReservedField(k) || k == "seed" || k == "signature" {
			continue
		}
		if c.Metadata == nil {
			c.Metadata = make(map[string]any)
		}
		c.Metadata[k] = v
	}
	return nil
}

// CollectMetadata returns the non-reserved fields of the content as the
// metadata map for a FeedDetails record.
func (c *Content) CollectMetadata() map[string]any {
	out := make(map[string]any, len(c.Metadata))
	for k, v := range c.Metadata {
		out[k] = v
	}
	return out
}

// Message is a stored log entry. Content and ContentSignature are the
// validatable content section; Encrypted holds the sealed payload of a
// private message whose content has not (or can not) be opened.
type Message struct {
	Key       string   `json:"key"`
	Author    string   `json:"author"`
	Sequence  int64    `json:"sequence"`
	Previous  string   `json:"previous,omitempty"`
	Timestamp int64    `json:"ts"`
	Content   *Content `json:"content,omitempty"`
	// ContentSignature is signed by the subfeed key named in the content.
	ContentSignature string `json:"content_signature,omitempty"`
	Encrypted        []byte `json:"encrypted,omitempty"`
}

// IsEncrypted reports whether the message's content section is still an
// opaque sealed blob.
func (m *Message) IsEncrypted() bool {
	return m.Content == nil && len(m.Encrypted) > 0
}
