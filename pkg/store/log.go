// Package store is the append-only message log. The durable representation
// of the whole system is here: one private seed message and a chain of
// announce messages on the primary feed, and a chain of add/tombstone
// messages on each meta-feed. Everything else is a derived cache.
package store

import (
	"metafeed/pkg/models"
	"metafeed/pkg/security"
)

// Log is the interface the core consumes. The Pebble implementation below
// is the production backend; tests use it directly against temp dirs.
type Log interface {
	// QueryByAuthor returns the author's messages in append order.
	QueryByAuthor(author string) ([]*models.Message, error)
	// QueryByAuthorAndType returns the author's messages matching any of
	// the given content types, in append order. Sealed messages that
	// cannot be opened are skipped.
	QueryByAuthorAndType(author string, types ...string) ([]*models.Message, error)
	// QueryBySubfeed returns every message whose content names the given
	// subfeed, across authors, in global append order.
	QueryBySubfeed(subfeed string) ([]*models.Message, error)
	// QueryByFormat returns every message authored by a feed of the given
	// format, in global append order. Sealed messages that cannot be
	// opened are skipped.
	QueryByFormat(format string) ([]*models.Message, error)
	// Latest returns the author's newest message, or nil if none exist.
	Latest(author string) (*models.Message, error)
	// Get fetches one message by its key.
	Get(key string) (*models.Message, error)

	// Add appends a fully-built message (from the message builders).
	Add(msg *models.Message) (*models.Message, error)
	// Publish appends a new message with the given content on the
	// author's own feed, sealing it when the content names recipients.
	Publish(content *models.Content, author models.KeyPair) (*models.Message, error)

	// SubscribeLive delivers every message appended after the call, in
	// append order. The returned func cancels the subscription.
	SubscribeLive() (<-chan *models.Message, func())
	// OnReindexed delivers messages that became readable after initial
	// ingestion (a sealed payload opened by a newly-learned key).
	OnReindexed() (<-chan *models.Message, func())

	// AddBoxKey registers an additional sealing key; the next reindex
	// sweep re-attempts opening with it.
	AddBoxKey(key security.BoxKey)
	// Reindex runs one decrypt re-attempt sweep immediately.
	Reindex() error

	Close() error
}
