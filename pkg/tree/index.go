// Package tree maintains the in-memory feed tree derived from meta-feed
// link messages. The index is a cache over the log: it can be rebuilt at
// any time by replaying every bendy butt message in append order.
package tree

import (
	"context"
	"fmt"
	"sync"

	"metafeed/pkg/logger"
	"metafeed/pkg/models"
	"metafeed/pkg/store"
	"metafeed/pkg/telemetry"
	"metafeed/pkg/validation"
)

// Index is the incremental feed-tree index. Children are kept in insertion
// order so lookups that pick "the first matching child" are deterministic
// across rebuilds.
type Index struct {
	log store.Log

	mu       sync.RWMutex
	details  map[string]*models.FeedDetails
	order    []string
	children map[string][]string
	childSet map[string]map[string]struct{}
	pending  map[string][]chan *models.FeedDetails
	ready    bool
	readyCh  chan struct{}

	lisMu     sync.Mutex
	nextLisID int
	listeners map[int]*branchListener

	stopLive func()
}

// NewIndex builds an empty index over the log. Call Start to replay
// history and begin live ingestion.
func NewIndex(log store.Log) *Index {
	return &Index{
		log:       log,
		details:   map[string]*models.FeedDetails{},
		children:  map[string][]string{},
		childSet:  map[string]map[string]struct{}{},
		pending:   map[string][]chan *models.FeedDetails{},
		readyCh:   make(chan struct{}),
		listeners: map[int]*branchListener{},
	}
}

// Start replays every bendy butt message already in the log, marks the
// index ready, then keeps ingesting from the live and reindexed streams
// until the context is cancelled.
func (ix *Index) Start(ctx context.Context) error {
	msgs, err := ix.log.QueryByFormat(models.FormatBendyButtV1)
	if err != nil {
		return fmt.Errorf("failed to replay log: %w", err)
	}
	for _, msg := range msgs {
		ix.Ingest(msg)
	}

	ix.mu.Lock()
	ix.ready = true
	close(ix.readyCh)
	total := len(ix.details)
	ix.mu.Unlock()
	logger.Info("tree_index_ready", "messages", len(msgs), "feeds", total)

	live, cancelLive := ix.log.SubscribeLive()
	reindexed, cancelRe := ix.log.OnReindexed()
	done := make(chan struct{})
	ix.stopLive = func() {
		cancelLive()
		cancelRe()
		<-done
	}
	go func() {
		defer close(done)
		for {
			select {
			case msg, ok := <-live:
				if !ok {
					return
				}
				if models.DetectFormat(msg.Author) == models.FormatBendyButtV1 {
					ix.Ingest(msg)
				}
			case msg, ok := <-reindexed:
				if !ok {
					return
				}
				if models.DetectFormat(msg.Author) == models.FormatBendyButtV1 {
					ix.Ingest(msg)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop tears down the live ingestion goroutine. Safe to call once after
// Start returned nil.
func (ix *Index) Stop() {
	if ix.stopLive != nil {
		ix.stopLive()
	}
	ix.lisMu.Lock()
	for id, l := range ix.listeners {
		close(l.ch)
		delete(ix.listeners, id)
	}
	ix.lisMu.Unlock()
}

// Ready reports whether history has been fully replayed.
func (ix *Index) Ready() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.ready
}

// WaitReady blocks until the index is ready or the context ends.
func (ix *Index) WaitReady(ctx context.Context) error {
	select {
	case <-ix.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ingest folds one message into the index. Messages that are not valid
// meta-feed link messages are ignored. Returns true when the tree changed;
// a re-delivered duplicate changes nothing and is not announced.
func (ix *Index) Ingest(msg *models.Message) bool {
	delta, link := deltaFor(msg)
	if delta == nil {
		if msg != nil && msg.Content != nil {
			telemetry.MessagesDropped.Inc()
		}
		return false
	}
	telemetry.MessagesIngested.Inc()

	ix.mu.Lock()
	updated := ix.applyLocked(delta, link)
	branch := ix.branchLocked(delta.ID)
	telemetry.IndexedFeeds.Set(float64(len(ix.details)))
	ix.mu.Unlock()

	if updated {
		ix.notify(branch)
	}
	return updated
}

// AddCreated folds a locally created feed into the index without waiting
// for its add message to round-trip through the live stream.
func (ix *Index) AddCreated(d *models.FeedDetails) {
	if d == nil || d.ID == "" {
		return
	}
	ix.mu.Lock()
	updated := ix.applyLocked(d.Clone(), true)
	branch := ix.branchLocked(d.ID)
	telemetry.IndexedFeeds.Set(float64(len(ix.details)))
	ix.mu.Unlock()
	if updated {
		ix.notify(branch)
	}
}

// deltaFor translates a link message into the feed-details update it
// implies, or nil when the message does not affect the tree. link reports
// whether the message establishes the parent edge; only add messages do,
// so a tombstone or update for a feed that was never added cannot
// fabricate one.
func deltaFor(msg *models.Message) (delta *models.FeedDetails, link bool) {
	if msg == nil || msg.Content == nil {
		return nil, false
	}
	c := msg.Content
	switch c.Type {
	case models.TypeAddExisting, models.TypeAddDerived:
		if !validation.IsValid(msg) {
			return nil, false
		}
		return &models.FeedDetails{
			ID:       c.Subfeed,
			Parent:   c.Metafeed,
			Purpose:  c.Purpose,
			Format:   models.DetectFormat(c.Subfeed),
			Metadata: c.CollectMetadata(),
			Recps:    c.Recps,
			Nonce:    c.Nonce,
		}, true
	case models.TypeUpdate:
		if !validation.IsValid(msg) {
			return nil, false
		}
		return &models.FeedDetails{
			ID:       c.Subfeed,
			Parent:   c.Metafeed,
			Metadata: c.CollectMetadata(),
		}, false
	case models.TypeTombstone:
		if !validation.IsValid(msg) {
			return nil, false
		}
		return &models.FeedDetails{
			ID:              c.Subfeed,
			Parent:          c.Metafeed,
			Tombstoned:      true,
			TombstoneReason: c.Reason,
		}, false
	default:
		return nil, false
	}
}

func (ix *Index) applyLocked(delta *models.FeedDetails, link bool) bool {
	changed := false
	if link && delta.Parent != "" {
		if _, ok := ix.details[delta.Parent]; !ok {
			ix.details[delta.Parent] = models.RootDetails(delta.Parent)
			ix.order = append(ix.order, delta.Parent)
			ix.flushPendingLocked(delta.Parent)
			changed = true
		}
		if ix.linkLocked(delta.Parent, delta.ID) {
			changed = true
		}
	}
	existing, ok := ix.details[delta.ID]
	if !ok {
		ix.details[delta.ID] = delta.Clone()
		ix.order = append(ix.order, delta.ID)
		ix.flushPendingLocked(delta.ID)
		return true
	}
	if existing.Update(delta) {
		changed = true
	}
	return changed
}

// linkLocked records the parent→child edge, reporting whether it is new.
func (ix *Index) linkLocked(parent, child string) bool {
	set, ok := ix.childSet[parent]
	if !ok {
		set = map[string]struct{}{}
		ix.childSet[parent] = set
	}
	if _, dup := set[child]; dup {
		return false
	}
	set[child] = struct{}{}
	ix.children[parent] = append(ix.children[parent], child)
	return true
}

// flushPendingLocked resolves EnsureLoaded waiters for a feed that just
// entered the index. Callers hold ix.mu.
func (ix *Index) flushPendingLocked(id string) {
	waiters := ix.pending[id]
	if len(waiters) == 0 {
		return
	}
	delete(ix.pending, id)
	d := ix.details[id]
	for _, ch := range waiters {
		// buffered, never blocks
		ch <- d.Clone()
	}
}

// FindByIDSync looks a feed up in memory. It fails with ErrNotReady before
// Start finished replaying, and ErrNotFound for unknown feeds.
func (ix *Index) FindByIDSync(id string) (*models.FeedDetails, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.ready {
		return nil, models.ErrNotReady
	}
	d, ok := ix.details[id]
	if !ok {
		return nil, fmt.Errorf("feed %s: %w", id, models.ErrNotFound)
	}
	return d.Clone(), nil
}

// FindByID looks a feed up directly in the log, so it works before the
// index is ready. Tombstoned feeds are reported as not found.
func (ix *Index) FindByID(id string) (*models.FeedDetails, error) {
	msgs, err := ix.log.QueryBySubfeed(id)
	if err != nil {
		return nil, err
	}
	var found *models.FeedDetails
	for _, msg := range msgs {
		delta, _ := deltaFor(msg)
		if delta == nil || delta.ID != id {
			continue
		}
		if delta.Tombstoned {
			return nil, fmt.Errorf("feed %s is tombstoned: %w", id, models.ErrNotFound)
		}
		if found == nil {
			found = delta.Clone()
		} else {
			found.Update(delta)
		}
	}
	if found == nil {
		return nil, fmt.Errorf("feed %s: %w", id, models.ErrNotFound)
	}
	return found, nil
}

// EnsureLoaded returns the feed's details as soon as the index knows the
// feed: immediately when already indexed, otherwise once a future ingest
// brings it in. The log is consulted first, so a feed whose messages are
// already persisted resolves without waiting for the live stream.
func (ix *Index) EnsureLoaded(ctx context.Context, id string) (*models.FeedDetails, error) {
	ix.mu.Lock()
	if d, ok := ix.details[id]; ok {
		out := d.Clone()
		ix.mu.Unlock()
		return out, nil
	}
	ch := make(chan *models.FeedDetails, 1)
	ix.pending[id] = append(ix.pending[id], ch)
	ix.mu.Unlock()

	if d, err := ix.FindByID(id); err == nil {
		// folding it in flushes our own waiter
		ix.AddCreated(d)
	}

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Children returns the non-tombstoned children of a feed in the order they
// were first linked.
func (ix *Index) Children(parent string) []*models.FeedDetails {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []*models.FeedDetails
	for _, id := range ix.children[parent] {
		d := ix.details[id]
		if d == nil || d.Tombstoned {
			continue
		}
		out = append(out, d.Clone())
	}
	return out
}

// RootOf walks parent links up from a feed and returns the id of its root.
// A bendy butt feed with no known parent is its own root.
func (ix *Index) RootOf(id string) string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	seen := map[string]struct{}{}
	cur := id
	for {
		if _, dup := seen[cur]; dup {
			return cur
		}
		seen[cur] = struct{}{}
		d, ok := ix.details[cur]
		if !ok || d.Parent == "" {
			return cur
		}
		cur = d.Parent
	}
}
