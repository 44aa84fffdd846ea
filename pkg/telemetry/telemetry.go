// Package telemetry exposes Prometheus metrics for the log and the tree
// index.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesAppended counts messages appended to the local log, by author
	// feed format.
	MessagesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metafeed_log_messages_appended_total",
		Help: "Messages appended to the local log.",
	}, []string{"format"})

	// MessagesIngested counts messages folded into the tree index.
	MessagesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metafeed_index_messages_ingested_total",
		Help: "Messages accepted by the tree index.",
	})

	// MessagesDropped counts messages the tree index rejected during
	// validation.
	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metafeed_index_messages_dropped_total",
		Help: "Messages dropped by the tree index as invalid.",
	})

	// IndexedFeeds tracks the number of feed records currently indexed.
	IndexedFeeds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metafeed_index_feeds",
		Help: "Feed detail records currently held by the tree index.",
	})

	// FeedsCreated counts feeds created through the reconciliation API.
	FeedsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metafeed_feeds_created_total",
		Help: "Feeds created via find-or-create.",
	})

	// FeedsTombstoned counts tombstones appended through the
	// reconciliation API.
	FeedsTombstoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metafeed_feeds_tombstoned_total",
		Help: "Feeds tombstoned via find-and-tombstone.",
	})

	// NotificationsDropped counts live/reindex notifications dropped because
	// a subscriber's buffer was full.
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metafeed_log_notifications_dropped_total",
		Help: "Log notifications dropped on slow subscribers.",
	})

	// ReindexSweeps counts scheduled decrypt re-attempt sweeps.
	ReindexSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metafeed_reindex_sweeps_total",
		Help: "Scheduled reindex sweeps over sealed messages.",
	})

	// ReindexDecrypted counts sealed messages opened by a reindex sweep.
	ReindexDecrypted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metafeed_reindex_decrypted_total",
		Help: "Sealed messages that became readable during a reindex sweep.",
	})

	// HTTPRequests counts admin API requests by method and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metafeed_http_requests_total",
		Help: "Admin API requests served.",
	}, []string{"method", "code"})

	// RateLimited counts requests refused by the per-client rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metafeed_http_rate_limited_total",
		Help: "Admin API requests refused by the rate limiter.",
	})
)
