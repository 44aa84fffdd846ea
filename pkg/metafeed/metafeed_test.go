package metafeed_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"metafeed/pkg/keys"
	"metafeed/pkg/metafeed"
	"metafeed/pkg/models"
	"metafeed/pkg/store"
	"metafeed/pkg/tree"
)

type fixture struct {
	log   *store.PebbleLog
	idx   *tree.Index
	svc   *metafeed.Service
	owner models.KeyPair
	ctx   context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	idx := tree.NewIndex(p)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, idx.Start(ctx))
	t.Cleanup(func() {
		cancel()
		idx.Stop()
	})

	owner, err := keys.Generate(models.FormatClassic)
	require.NoError(t, err)
	svc, err := metafeed.New(p, idx, owner, nil)
	require.NoError(t, err)
	return &fixture{log: p, idx: idx, svc: svc, owner: owner, ctx: ctx}
}

func TestGetOrCreateRootIdempotent(t *testing.T) {
	f := newFixture(t)
	first, err := f.svc.GetOrCreateRoot(f.ctx)
	require.NoError(t, err)
	require.Equal(t, models.FormatBendyButtV1, models.DetectFormat(first.ID))
	require.NotNil(t, first.Keys)

	second, err := f.svc.GetOrCreateRoot(f.ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	// a fresh service over the same log recovers the same root from the
	// seed message instead of minting a new one
	again, err := metafeed.New(f.log, f.idx, f.owner, nil)
	require.NoError(t, err)
	recovered, err := again.GetOrCreateRoot(f.ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, recovered.ID)
}

func TestRejectsNonClassicOwner(t *testing.T) {
	f := newFixture(t)
	bb, _ := keys.Generate(models.FormatBendyButtV1)
	_, err := metafeed.New(f.log, f.idx, bb, nil)
	require.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestCreateRequiresPurposeAndFormat(t *testing.T) {
	f := newFixture(t)
	root, err := f.svc.GetOrCreateRoot(f.ctx)
	require.NoError(t, err)

	_, err = f.svc.Create(f.ctx, root.ID, "", models.FormatClassic, nil)
	require.ErrorIs(t, err, models.ErrInvalidArgument)
	_, err = f.svc.Create(f.ctx, root.ID, "chess", "", nil)
	require.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestFindOrCreateIdempotent(t *testing.T) {
	f := newFixture(t)
	root, err := f.svc.GetOrCreateRoot(f.ctx)
	require.NoError(t, err)

	first, err := f.svc.FindOrCreate(f.ctx, root.ID, "chess", models.FormatClassic, nil)
	require.NoError(t, err)
	require.NotNil(t, first.Keys, "created feed must carry its keys")

	for i := 0; i < 5; i++ {
		again, err := f.svc.FindOrCreate(f.ctx, root.ID, "chess", models.FormatClassic, nil)
		require.NoError(t, err)
		require.Equal(t, first.ID, again.ID)
		require.NotNil(t, again.Keys, "found feed must re-derive its keys")
		require.True(t, first.Keys.Equal(*again.Keys))
	}
}

func TestFindOrCreateConcurrent(t *testing.T) {
	f := newFixture(t)
	root, err := f.svc.GetOrCreateRoot(f.ctx)
	require.NoError(t, err)

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := f.svc.FindOrCreate(f.ctx, root.ID, "chess", models.FormatClassic, nil)
			if err != nil {
				t.Errorf("FindOrCreate: %v", err)
				return
			}
			ids[i] = d.ID
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		require.Equal(t, ids[0], ids[i], "concurrent callers diverged")
	}

	// exactly one add message was appended for the purpose
	msgs, err := f.log.QueryByAuthorAndType(root.ID, models.TypeAddDerived)
	require.NoError(t, err)
	count := 0
	for _, m := range msgs {
		if m.Content.Purpose == "chess" {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestFindAndTombstoneExclusive(t *testing.T) {
	f := newFixture(t)
	root, err := f.svc.GetOrCreateRoot(f.ctx)
	require.NoError(t, err)
	created, err := f.svc.FindOrCreate(f.ctx, root.ID, "chess", models.FormatClassic, nil)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.svc.FindAndTombstone(f.ctx, root.ID, "chess", "calling it quits")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, models.ErrNotFound)
		}
	}
	require.Equal(t, 1, wins, "exactly one concurrent tombstone call may win")

	_, err = f.svc.Find(root.ID, "chess", "")
	require.ErrorIs(t, err, models.ErrNotFound)

	// recreating the purpose yields a fresh feed, not the tombstoned one
	recreated, err := f.svc.FindOrCreate(f.ctx, root.ID, "chess", models.FormatClassic, nil)
	require.NoError(t, err)
	require.NotEqual(t, created.ID, recreated.ID)
}

func TestShardIsStableAndBounded(t *testing.T) {
	root, err := keys.Generate(models.FormatBendyButtV1)
	require.NoError(t, err)
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		purpose := "purpose-" + strings.Repeat("x", i%7) + string(rune('a'+i%26))
		shard, err := metafeed.Shard(root.ID, purpose)
		require.NoError(t, err)
		require.Len(t, shard, 1)
		require.Contains(t, "0123456789abcdef", shard)
		again, err := metafeed.Shard(root.ID, purpose)
		require.NoError(t, err)
		require.Equal(t, shard, again)
		seen[shard] = true
	}
	require.Greater(t, len(seen), 1, "1000 purposes should spread over shards")
}

func TestBootstrapMainLayout(t *testing.T) {
	f := newFixture(t)
	main, err := f.svc.BootstrapMain(f.ctx)
	require.NoError(t, err)
	require.Equal(t, metafeed.PurposeMain, main.Purpose)
	require.Equal(t, models.FormatClassic, main.Format)
	require.Equal(t, f.owner.ID, main.ID, "main must be the existing primary feed, not a derived one")

	root, err := f.svc.GetOrCreateRoot(f.ctx)
	require.NoError(t, err)
	shardName, err := metafeed.Shard(root.ID, metafeed.PurposeMain)
	require.NoError(t, err)

	// walk the chain: main -> shard -> v1 -> root
	shard, err := f.idx.FindByIDSync(main.Parent)
	require.NoError(t, err)
	require.Equal(t, shardName, shard.Purpose)
	require.Equal(t, models.FormatBendyButtV1, shard.Format)

	v1, err := f.idx.FindByIDSync(shard.Parent)
	require.NoError(t, err)
	require.Equal(t, metafeed.PurposeV1, v1.Purpose)
	require.Equal(t, root.ID, v1.Parent)

	// a second bootstrap converges on the same leaf
	again, err := f.svc.BootstrapMain(f.ctx)
	require.NoError(t, err)
	require.Equal(t, main.ID, again.ID)

	rootID, err := f.svc.FindRootFeedID(main.ID)
	require.NoError(t, err)
	require.Equal(t, root.ID, rootID)
}

func TestFindOrCreatePurposeScenario(t *testing.T) {
	f := newFixture(t)

	chess, err := f.svc.FindOrCreatePurpose(f.ctx, "chess", models.FormatClassic, map[string]any{"score": 0})
	require.NoError(t, err)
	require.Equal(t, "chess", chess.Purpose)

	again, err := f.svc.FindOrCreatePurpose(f.ctx, "chess", models.FormatClassic, nil)
	require.NoError(t, err)
	require.Equal(t, chess.ID, again.ID)

	require.NoError(t, f.svc.TombstonePurpose(f.ctx, "chess", "gave up the game"))
	_, err = f.idx.FindByID(chess.ID)
	require.ErrorIs(t, err, models.ErrNotFound)

	losing := f.svc.TombstonePurpose(f.ctx, "chess", "again")
	require.ErrorIs(t, losing, models.ErrNotFound)
}

func TestFindRootFeedIDUnknownBendyButt(t *testing.T) {
	f := newFixture(t)
	stranger, _ := keys.Generate(models.FormatBendyButtV1)
	rootID, err := f.svc.FindRootFeedID(stranger.ID)
	require.NoError(t, err)
	require.Equal(t, stranger.ID, rootID)

	classic, _ := keys.Generate(models.FormatClassic)
	_, err = f.svc.FindRootFeedID(classic.ID)
	require.ErrorIs(t, err, models.ErrNotFound)
}
