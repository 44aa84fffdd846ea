package models

import (
	"bytes"
	"crypto/ed25519"
	"reflect"
	"slices"
	"strings"
)

// Feed formats. Meta-feeds are always bendybutt-v1; content feeds are
// classic unless the caller asks for something else.
const (
	FormatClassic      = "classic"
	FormatBendyButtV1  = "bendybutt-v1"
	FormatGabbyGroveV1 = "gabbygrove-v1"
	FormatIndexedV1    = "indexed-v1"
)

// KnownFormat reports whether format names a feed format this system
// understands.
func KnownFormat(format string) bool {
	switch format {
	case FormatClassic, FormatBendyButtV1, FormatGabbyGroveV1, FormatIndexedV1:
		return true
	}
	return false
}

// DetectFormat returns the feed format encoded in a feed identifier, or ""
// when the identifier is not recognized.
func DetectFormat(feedID string) string {
	switch {
	case strings.HasPrefix(feedID, "@"):
		return FormatClassic
	case strings.HasPrefix(feedID, "ssb:feed/classic/"):
		return FormatClassic
	case strings.HasPrefix(feedID, "ssb:feed/bendybutt-v1/"):
		return FormatBendyButtV1
	case strings.HasPrefix(feedID, "ssb:feed/gabbygrove-v1/"):
		return FormatGabbyGroveV1
	case strings.HasPrefix(feedID, "ssb:feed/indexed-v1/"):
		return FormatIndexedV1
	}
	return ""
}

// KeyPair is an ed25519 signing key pair plus the canonical identifier
// string that tags the key with its feed format.
type KeyPair struct {
	ID      string
	Format  string
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Equal compares two key pairs by identifier and key material.
func (k KeyPair) Equal(other KeyPair) bool {
	return k.ID == other.ID &&
		k.Format == other.Format &&
		bytes.Equal(k.Public, other.Public) &&
		bytes.Equal(k.Private, other.Private)
}

// FeedDetails is the node record of the feed tree. ID is stable for the
// record's lifetime; Metadata, Tombstoned and TombstoneReason may change
// after creation. Keys and Seed are populated only for feeds owned by this
// identity (derivable from its seed).
type FeedDetails struct {
	ID              string         `json:"id"`
	Parent          string         `json:"parent,omitempty"`
	Purpose         string         `json:"purpose,omitempty"`
	Format          string         `json:"format,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Recps           []string       `json:"recps,omitempty"`
	Tombstoned      bool           `json:"tombstoned,omitempty"`
	TombstoneReason string         `json:"tombstone_reason,omitempty"`

	// Nonce is the derivation label from an add/derived message; kept so
	// the owner can re-derive the feed's keys from the seed alone.
	Nonce []byte `json:"nonce,omitempty"`

	Keys *KeyPair `json:"-"`
	Seed []byte   `json:"-"`
}

// Update folds another details record into this one. Parent and Purpose are
// filled only if previously unknown; Metadata merges last-writer-wins per
// field; tombstone state is adopted when the incoming record carries it.
// Reports whether anything actually changed, so re-delivered duplicates can
// be suppressed.
func (d *FeedDetails) Update(in *FeedDetails) bool {
	changed := false
	if d.Parent == "" && in.Parent != "" {
		d.Parent = in.Parent
		changed = true
	}
	if in.Purpose != "" && in.Purpose != d.Purpose {
		d.Purpose = in.Purpose
		changed = true
	}
	if d.Format == "" && in.Format != "" {
		d.Format = in.Format
		changed = true
	}
	for k, v := range in.Metadata {
		if cur, ok := d.Metadata[k]; ok && reflect.DeepEqual(cur, v) {
			continue
		}
		if d.Metadata == nil {
			d.Metadata = make(map[string]any, len(in.Metadata))
		}
		d.Metadata[k] = v
		changed = true
	}
	if in.Recps != nil && !slices.Equal(d.Recps, in.Recps) {
		d.Recps = in.Recps
		changed = true
	}
	if in.Nonce != nil && !bytes.Equal(d.Nonce, in.Nonce) {
		d.Nonce = in.Nonce
		changed = true
	}
	if in.Keys != nil && (d.Keys == nil || !d.Keys.Equal(*in.Keys)) {
		d.Keys = in.Keys
		changed = true
	}
	if in.Seed != nil && !bytes.Equal(d.Seed, in.Seed) {
		d.Seed = in.Seed
		changed = true
	}
	if in.Tombstoned {
		if !d.Tombstoned {
			d.Tombstoned = true
			changed = true
		}
		if in.TombstoneReason != "" && in.TombstoneReason != d.TombstoneReason {
			d.TombstoneReason = in.TombstoneReason
			changed = true
		}
	}
	return changed
}

// Clone returns a shallow copy with its own metadata map, safe to hand to
// callers while the index keeps mutating the original.
func (d *FeedDetails) Clone() *FeedDetails {
	out := *d
	if d.Metadata != nil {
		out.Metadata = make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// RootDetails builds the synthetic record for a meta-feed that has been
// referenced as a parent but whose own add message has not been seen.
func RootDetails(id string) *FeedDetails {
	return &FeedDetails{
		ID:       id,
		Purpose:  "root",
		Format:   FormatBendyButtV1,
		Metadata: map[string]any{},
	}
}
