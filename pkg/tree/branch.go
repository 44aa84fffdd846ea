package tree

import (
	"context"

	"metafeed/pkg/models"
)

// Branch is the path from a root to one feed, root first. A root on its
// own is a one-element branch.
type Branch []*models.FeedDetails

// Leaf returns the feed the branch ends at.
func (b Branch) Leaf() *models.FeedDetails {
	if len(b) == 0 {
		return nil
	}
	return b[len(b)-1]
}

// BranchOpts selects which branches a stream delivers. Old replays the
// current tree, Live continues with future changes. Tombstoned nil passes
// everything, true admits only branches ending at a tombstoned feed, false
// only branches with no tombstoned feed anywhere on them. Root restricts
// the stream to one subtree: branches start at Root, and branches that
// never pass through it are discarded.
type BranchOpts struct {
	Old        bool
	Live       bool
	Root       string
	Tombstoned *bool
}

// cut truncates the branch to start at Root. Branches Root does not appear
// in are dropped.
func (o BranchOpts) cut(b Branch) (Branch, bool) {
	if o.Root == "" {
		return b, true
	}
	for i, d := range b {
		if d.ID == o.Root {
			return b[i:], true
		}
	}
	return nil, false
}

func (o BranchOpts) admit(b Branch) bool {
	leaf := b.Leaf()
	if leaf == nil {
		return false
	}
	if o.Tombstoned != nil {
		if *o.Tombstoned {
			if !leaf.Tombstoned {
				return false
			}
		} else {
			for _, d := range b {
				if d.Tombstoned {
					return false
				}
			}
		}
	}
	return true
}

type branchListener struct {
	ch   chan Branch
	opts BranchOpts
}

// branchLocked builds the branch ending at id. Callers hold ix.mu.
func (ix *Index) branchLocked(id string) Branch {
	var rev []*models.FeedDetails
	seen := map[string]struct{}{}
	cur := id
	for cur != "" {
		if _, dup := seen[cur]; dup {
			break
		}
		seen[cur] = struct{}{}
		d, ok := ix.details[cur]
		if !ok {
			break
		}
		rev = append(rev, d.Clone())
		cur = d.Parent
	}
	branch := make(Branch, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		branch = append(branch, rev[i])
	}
	return branch
}

func (ix *Index) notify(b Branch) {
	if len(b) == 0 {
		return
	}
	ix.lisMu.Lock()
	defer ix.lisMu.Unlock()
	for _, l := range ix.listeners {
		cut, ok := l.opts.cut(b)
		if !ok || !l.opts.admit(cut) {
			continue
		}
		select {
		case l.ch <- cut:
		default:
			// slow consumer: drop rather than block ingestion
		}
	}
}

// rootsLocked returns every feed without a parent, in order of first
// sighting.
func (ix *Index) rootsLocked() []string {
	var roots []string
	for _, id := range ix.order {
		if d := ix.details[id]; d != nil && d.Parent == "" {
			roots = append(roots, id)
		}
	}
	return roots
}

// snapshotLocked walks the current tree depth-first in insertion order and
// returns one branch per feed, roots included as one-element branches.
// With a non-empty under, only that feed's subtree is walked, branches
// starting at it; an unknown under yields a stub record.
func (ix *Index) snapshotLocked(under string) []Branch {
	var out []Branch
	var walk func(prefix Branch, id string)
	walk = func(prefix Branch, id string) {
		d, ok := ix.details[id]
		if !ok {
			if id != under {
				return
			}
			d = models.RootDetails(id)
		}
		branch := make(Branch, len(prefix), len(prefix)+1)
		copy(branch, prefix)
		branch = append(branch, d.Clone())
		out = append(out, branch)
		for _, kid := range ix.children[id] {
			walk(branch, kid)
		}
	}
	if under != "" {
		walk(nil, under)
		return out
	}
	for _, root := range ix.rootsLocked() {
		walk(nil, root)
	}
	return out
}

// BranchStream delivers branches matching opts. With Old the current tree
// is replayed first; with Live the channel then carries a branch for every
// future change. The channel closes when the context ends, or after the
// replay for old-only streams.
func (ix *Index) BranchStream(ctx context.Context, opts BranchOpts) <-chan Branch {
	out := make(chan Branch, 64)

	var snapshot []Branch
	if opts.Old {
		ix.mu.RLock()
		snapshot = ix.snapshotLocked(opts.Root)
		ix.mu.RUnlock()
	}

	var lisID int
	var lisCh chan Branch
	if opts.Live {
		lisCh = make(chan Branch, 256)
		ix.lisMu.Lock()
		lisID = ix.nextLisID
		ix.nextLisID++
		ix.listeners[lisID] = &branchListener{ch: lisCh, opts: opts}
		ix.lisMu.Unlock()
	}

	go func() {
		defer close(out)
		if opts.Live {
			defer func() {
				ix.lisMu.Lock()
				if l, ok := ix.listeners[lisID]; ok {
					delete(ix.listeners, lisID)
					close(l.ch)
				}
				ix.lisMu.Unlock()
			}()
		}
		for _, b := range snapshot {
			if !opts.admit(b) {
				continue
			}
			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
		if !opts.Live {
			return
		}
		for {
			select {
			case b, ok := <-lisCh:
				if !ok {
					return
				}
				select {
				case out <- b:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Node is one vertex of a materialized tree.
type Node struct {
	Details  *models.FeedDetails `json:"details"`
	Children []*Node             `json:"children,omitempty"`
}

// GetTree materializes the subtree under root, tombstoned feeds included.
// Returns nil when the root is unknown.
func (ix *Index) GetTree(root string) *Node {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.nodeLocked(root, map[string]struct{}{})
}

func (ix *Index) nodeLocked(id string, seen map[string]struct{}) *Node {
	if _, dup := seen[id]; dup {
		return nil
	}
	seen[id] = struct{}{}
	d, ok := ix.details[id]
	if !ok {
		return nil
	}
	n := &Node{Details: d.Clone()}
	for _, kid := range ix.children[id] {
		if child := ix.nodeLocked(kid, seen); child != nil {
			n.Children = append(n.Children, child)
		}
	}
	return n
}
