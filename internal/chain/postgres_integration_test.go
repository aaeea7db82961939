//go:build integration

package chain

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/keylock"
	"github.com/ledgerline/einvoicing/internal/shared/logging"
	"github.com/ledgerline/einvoicing/internal/shared/testutil"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

func TestPostgresStore(t *testing.T) {
	db := testutil.NewPostgres(t)
	store := NewPostgresStore(db.Pool)
	ctx := context.Background()
	key := testKey(types.StageProduction)

	st, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, InitialState(key).Head, st.Head)

	a := digestOf("a")
	require.NoError(t, store.Advance(ctx, key, Link{PIH: SeedPIH, ICV: 0}, Link{PIH: a, ICV: 1}))

	err = store.Advance(ctx, key, Link{PIH: SeedPIH, ICV: 0}, Link{PIH: digestOf("b"), ICV: 1})
	assert.ErrorIs(t, err, errors.ErrChainIntegrity)

	require.NoError(t, store.Halt(ctx, key, "operator"))
	err = store.Advance(ctx, key, Link{PIH: a, ICV: 1}, Link{PIH: digestOf("b"), ICV: 2})
	assert.ErrorIs(t, err, errors.ErrChainIntegrity)

	require.NoError(t, store.Reconcile(ctx, key, Link{PIH: a, ICV: 1}))
	st, err = store.Load(ctx, key)
	require.NoError(t, err)
	assert.False(t, st.Halted)
	assert.Equal(t, int64(1), st.Head.ICV)
}

func TestPostgresStore_ConcurrentSequencers(t *testing.T) {
	db := testutil.NewPostgres(t)
	store := NewPostgresStore(db.Pool)
	locker := keylock.NewMemory()
	ctx := context.Background()
	key := testKey(types.StageCompliance)

	// Two sequencers sharing a lock, as two handlers in one process would.
	seqs := []*Sequencer{
		NewSequencer(store, locker, WithLogger(logging.Nop())),
		NewSequencer(store, locker, WithLogger(logging.Nop())),
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq := seqs[i%2]
			r, err := seq.Reserve(ctx, key)
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, seq.Commit(ctx, r, digestOf(r.Key.String()+string(rune('a'+i)))))
		}(i)
	}
	wg.Wait()

	st, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.Head.ICV)
}
