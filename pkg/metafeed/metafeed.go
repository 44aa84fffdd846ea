// Package metafeed is the reconciliation layer: idempotent find-or-create
// over the feed tree. Every operation converges on the same tree no matter
// how many times it runs, because lookups consult the index and creations
// append link messages that the index folds straight back in.
package metafeed

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"metafeed/pkg/bfe"
	"metafeed/pkg/keys"
	"metafeed/pkg/logger"
	"metafeed/pkg/messages"
	"metafeed/pkg/models"
	"metafeed/pkg/store"
	"metafeed/pkg/telemetry"
	"metafeed/pkg/tree"
	"metafeed/pkg/validation"
)

const (
	// PurposeV1 is the versioning feed directly under the root.
	PurposeV1 = "v1"
	// PurposeMain is the owner's primary content feed.
	PurposeMain = "main"
)

// Service reconciles the local feed tree for one identity: the owner's
// classic keypair plus the root seed everything else derives from.
type Service struct {
	log     store.Log
	idx     *tree.Index
	builder *messages.Builder
	owner   models.KeyPair
	hmacKey []byte

	rootMu   sync.Mutex
	seed     []byte
	rootKeys models.KeyPair
	root     *models.FeedDetails

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// New wires a service over the log and index. hmacKey is the optional
// 32-byte signing key shared by the whole deployment.
func New(log store.Log, idx *tree.Index, owner models.KeyPair, hmacKey []byte) (*Service, error) {
	if models.DetectFormat(owner.ID) != models.FormatClassic {
		return nil, fmt.Errorf("%w: owner must be a classic feed, got %s", models.ErrInvalidArgument, owner.ID)
	}
	builder, err := messages.NewBuilder(log, hmacKey)
	if err != nil {
		return nil, err
	}
	return &Service{
		log:     log,
		idx:     idx,
		builder: builder,
		owner:   owner,
		hmacKey: hmacKey,
		locks:   map[string]*sync.Mutex{},
	}, nil
}

// lockFor serializes operations on one (parent, purpose) cell so that
// concurrent find-or-create calls cannot double-create.
func (s *Service) lockFor(parent, purpose string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	key := parent + "\x00" + purpose
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	return mu
}

// GetOrCreateRoot loads or establishes the identity's root meta-feed:
// the seed message, the derived root keypair, and the announce on the
// primary feed. Idempotent; the result is memoized.
func (s *Service) GetOrCreateRoot(ctx context.Context) (*models.FeedDetails, error) {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	if s.root != nil {
		return s.root.Clone(), nil
	}

	seed, err := s.builder.FindSeed(s.owner.ID)
	if errors.Is(err, models.ErrNotFound) {
		seed, err = keys.GenerateSeed()
		if err != nil {
			return nil, err
		}
		rootKeys, derr := keys.DeriveRootKey(seed)
		if derr != nil {
			return nil, derr
		}
		if _, err := s.builder.PublishSeed(seed, rootKeys, s.owner); err != nil {
			return nil, err
		}
		logger.Info("root_seed_created", "owner", s.owner.ID, "root", rootKeys.ID)
	} else if err != nil {
		return nil, err
	}

	rootKeys, err := keys.DeriveRootKey(seed)
	if err != nil {
		return nil, err
	}

	if _, err := s.builder.FindAnnounced(s.owner.ID); errors.Is(err, models.ErrNotFound) {
		if _, err := s.builder.Announce(rootKeys, s.owner); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	s.seed = seed
	s.rootKeys = rootKeys
	s.root = models.RootDetails(rootKeys.ID)
	s.root.Keys = &rootKeys
	s.idx.AddCreated(s.root)
	logger.Info("root_loaded", "root", rootKeys.ID)
	return s.root.Clone(), nil
}

// Find returns the first non-tombstoned child of parent, in the order the
// children were linked, whose purpose matches (and format, when given).
// ErrNotFound when no child matches.
func (s *Service) Find(parentID, purpose, format string) (*models.FeedDetails, error) {
	for _, child := range s.idx.Children(parentID) {
		if child.Purpose != purpose {
			continue
		}
		if format != "" && child.Format != format {
			continue
		}
		return s.hydrated(child)
	}
	return nil, fmt.Errorf("no %q feed under %s: %w", purpose, parentID, models.ErrNotFound)
}

// Create appends an add/derived message linking a fresh subfeed under the
// parent and folds it into the index. Purpose and format are required.
func (s *Service) Create(ctx context.Context, parentID, purpose, format string, metadata map[string]any) (*models.FeedDetails, error) {
	if purpose == "" || format == "" {
		return nil, fmt.Errorf("%w: purpose and format are required", models.ErrInvalidArgument)
	}
	if s.seed == nil {
		return nil, fmt.Errorf("%w: root not loaded, call GetOrCreateRoot first", models.ErrNotReady)
	}
	parentKeys, err := s.keysFor(parentID)
	if err != nil {
		return nil, err
	}

	msg, subKeys, err := s.builder.AddDerived(purpose, parentKeys, s.seed, format, metadata)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateMessage(msg, s.hmacKey); err != nil {
		return nil, fmt.Errorf("created message failed validation: %w", err)
	}

	details := &models.FeedDetails{
		ID:       subKeys.ID,
		Parent:   parentID,
		Purpose:  purpose,
		Format:   format,
		Metadata: metadata,
		Nonce:    msg.Content.Nonce,
		Keys:     &subKeys,
	}
	s.idx.AddCreated(details)
	telemetry.FeedsCreated.Inc()
	return details.Clone(), nil
}

// FindOrCreate returns the matching child of parent, creating it when
// absent. Concurrent calls for the same (parent, purpose) cell serialize
// and converge on a single feed.
func (s *Service) FindOrCreate(ctx context.Context, parentID, purpose, format string, metadata map[string]any) (*models.FeedDetails, error) {
	mu := s.lockFor(parentID, purpose)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.Find(parentID, purpose, format)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	return s.Create(ctx, parentID, purpose, format, metadata)
}

// FindAndTombstone terminates the matching child of parent. Exactly one of
// a set of concurrent callers wins; the rest get ErrNotFound because the
// feed is already gone.
func (s *Service) FindAndTombstone(ctx context.Context, parentID, purpose, reason string) error {
	mu := s.lockFor(parentID, purpose)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.Find(parentID, purpose, "")
	if err != nil {
		return err
	}
	parentKeys, err := s.keysFor(parentID)
	if err != nil {
		return err
	}
	subKeys, err := s.hydrateKeys(d)
	if err != nil {
		return err
	}
	msg, err := s.builder.Tombstone(subKeys, parentKeys, reason)
	if err != nil {
		return err
	}
	s.idx.Ingest(msg)
	telemetry.FeedsTombstoned.Inc()
	return nil
}

// Shard returns the single hex character naming the shard feed a purpose
// lives under, stable for a given root.
func Shard(rootID, purpose string) (string, error) {
	rootTag, err := bfe.EncodeFeed(rootID)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(append(rootTag, bfe.EncodeString(purpose)...))
	return hex.EncodeToString(h[:])[:1], nil
}

// FindOrCreatePurpose resolves a leaf feed for a purpose through the
// sharded layout: root, the v1 versioning feed, the purpose's shard feed,
// then the leaf itself.
func (s *Service) FindOrCreatePurpose(ctx context.Context, purpose, format string, metadata map[string]any) (*models.FeedDetails, error) {
	shardParent, err := s.shardFeed(ctx, purpose)
	if err != nil {
		return nil, err
	}
	return s.FindOrCreate(ctx, shardParent.ID, purpose, format, metadata)
}

// TombstonePurpose terminates the leaf feed for a purpose in the sharded
// layout.
func (s *Service) TombstonePurpose(ctx context.Context, purpose, reason string) error {
	shardParent, err := s.shardFeed(ctx, purpose)
	if err != nil {
		return err
	}
	return s.FindAndTombstone(ctx, shardParent.ID, purpose, reason)
}

func (s *Service) shardFeed(ctx context.Context, purpose string) (*models.FeedDetails, error) {
	root, err := s.GetOrCreateRoot(ctx)
	if err != nil {
		return nil, err
	}
	v1, err := s.FindOrCreate(ctx, root.ID, PurposeV1, models.FormatBendyButtV1, nil)
	if err != nil {
		return nil, err
	}
	shard, err := Shard(root.ID, purpose)
	if err != nil {
		return nil, err
	}
	return s.FindOrCreate(ctx, v1.ID, shard, models.FormatBendyButtV1, nil)
}

// BootstrapMain links the owner's existing classic feed as the main feed in
// the sharded layout. Unlike Create, no new keys are derived: the add
// message carries the primary feed itself.
func (s *Service) BootstrapMain(ctx context.Context) (*models.FeedDetails, error) {
	shard, err := s.shardFeed(ctx, PurposeMain)
	if err != nil {
		return nil, err
	}
	mu := s.lockFor(shard.ID, PurposeMain)
	mu.Lock()
	defer mu.Unlock()

	if d, err := s.Find(shard.ID, PurposeMain, models.FormatClassic); err == nil {
		return d, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	shardKeys, err := s.keysFor(shard.ID)
	if err != nil {
		return nil, err
	}
	msg, err := s.builder.AddExisting(PurposeMain, shardKeys, s.owner, nil)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateMessage(msg, s.hmacKey); err != nil {
		return nil, fmt.Errorf("created message failed validation: %w", err)
	}
	owner := s.owner
	details := &models.FeedDetails{
		ID:      owner.ID,
		Parent:  shard.ID,
		Purpose: PurposeMain,
		Format:  models.FormatClassic,
		Keys:    &owner,
	}
	s.idx.AddCreated(details)
	telemetry.FeedsCreated.Inc()
	return details.Clone(), nil
}

// FindRootFeedID walks parent links up from any feed id. An unknown bendy
// butt feed is taken to be its own root.
func (s *Service) FindRootFeedID(id string) (string, error) {
	root := s.idx.RootOf(id)
	if root == id && models.DetectFormat(id) != models.FormatBendyButtV1 {
		return "", fmt.Errorf("feed %s has no known root: %w", id, models.ErrNotFound)
	}
	return root, nil
}

// keysFor resolves the signing keypair for a feed the identity owns.
func (s *Service) keysFor(feedID string) (models.KeyPair, error) {
	if feedID == s.rootKeys.ID {
		return s.rootKeys, nil
	}
	d, err := s.idx.FindByIDSync(feedID)
	if err != nil {
		return models.KeyPair{}, err
	}
	return s.hydrateKeys(d)
}

// hydrateKeys re-derives a derived feed's keypair from its nonce and the
// root seed.
func (s *Service) hydrateKeys(d *models.FeedDetails) (models.KeyPair, error) {
	if d.Keys != nil {
		return *d.Keys, nil
	}
	if d.ID == s.rootKeys.ID {
		return s.rootKeys, nil
	}
	if len(d.Nonce) == 0 {
		return models.KeyPair{}, fmt.Errorf("feed %s is not owned by this identity: %w", d.ID, models.ErrNotFound)
	}
	if s.seed == nil {
		return models.KeyPair{}, fmt.Errorf("%w: root not loaded", models.ErrNotReady)
	}
	return keys.DeriveKey(s.seed, base64.StdEncoding.EncodeToString(d.Nonce), d.Format)
}

// hydrated clones details and fills in the keypair when the feed is owned.
func (s *Service) hydrated(d *models.FeedDetails) (*models.FeedDetails, error) {
	out := d.Clone()
	kp, err := s.hydrateKeys(d)
	if err == nil {
		out.Keys = &kp
	}
	return out, nil
}
