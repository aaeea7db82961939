package chain

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/einvoicing/internal/shared/errors"
	"github.com/ledgerline/einvoicing/internal/shared/keylock"
	"github.com/ledgerline/einvoicing/internal/shared/logging"
	"github.com/ledgerline/einvoicing/internal/shared/types"
)

func testKey(stage types.Stage) types.ChainKey {
	return types.NewChainKey(types.BranchKey{OrganizationID: types.NewID(), BranchID: types.NewID()}, stage)
}

func newTestSequencer() (*Sequencer, *MemoryStore) {
	store := NewMemoryStore()
	return NewSequencer(store, keylock.NewMemory(), WithLogger(logging.Nop())), store
}

func digestOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func TestSeedPIH(t *testing.T) {
	sum := sha256.Sum256([]byte("0"))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(sum[:]))), SeedPIH)
}

func TestReserve_EmptyChain(t *testing.T) {
	seq, _ := newTestSequencer()
	ctx := context.Background()

	r, err := seq.Reserve(ctx, testKey(types.StageProduction))
	require.NoError(t, err)
	defer seq.Release(r)

	assert.Equal(t, int64(1), r.ICV)
	assert.Equal(t, SeedPIH, r.PIH)
}

func TestCommit_ChainIntegrity(t *testing.T) {
	seq, _ := newTestSequencer()
	ctx := context.Background()
	key := testKey(types.StageProduction)

	var entries []Entry
	for i := 0; i < 5; i++ {
		r, err := seq.Reserve(ctx, key)
		require.NoError(t, err)
		d := digestOf(fmt.Sprintf("invoice-%d", i))
		entries = append(entries, Entry{ICV: r.ICV, PIH: r.PIH, Digest: d})
		require.NoError(t, seq.Commit(ctx, r, d))
	}

	require.NoError(t, VerifyChain(key, entries))
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].Digest, entries[i].PIH)
		assert.Equal(t, entries[i-1].ICV+1, entries[i].ICV)
	}

	head, err := seq.Head(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, HeadOf(key, entries), head.Head)
}

func TestRelease_NoGap(t *testing.T) {
	seq, _ := newTestSequencer()
	ctx := context.Background()
	key := testKey(types.StageCompliance)

	r1, err := seq.Reserve(ctx, key)
	require.NoError(t, err)
	require.NoError(t, seq.Commit(ctx, r1, digestOf("first")))

	failed, err := seq.Reserve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), failed.ICV)
	seq.Release(failed)
	seq.Release(failed)

	r2, err := seq.Reserve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r2.ICV)
	assert.Equal(t, digestOf("first"), r2.PIH)
	require.NoError(t, seq.Commit(ctx, r2, digestOf("second")))
}

func TestCommit_FinishedReservation(t *testing.T) {
	seq, _ := newTestSequencer()
	ctx := context.Background()

	r, err := seq.Reserve(ctx, testKey(types.StageProduction))
	require.NoError(t, err)
	require.NoError(t, seq.Commit(ctx, r, digestOf("a")))
	assert.Error(t, seq.Commit(ctx, r, digestOf("b")))
}

func TestCheck_ReportsFinishedReservation(t *testing.T) {
	seq, _ := newTestSequencer()
	ctx := context.Background()

	r, err := seq.Reserve(ctx, testKey(types.StageProduction))
	require.NoError(t, err)
	require.NoError(t, seq.Check(ctx, r))

	seq.Release(r)
	assert.Error(t, seq.Check(ctx, r))
}

func TestCommit_MismatchHaltsChain(t *testing.T) {
	seq, store := newTestSequencer()
	ctx := context.Background()
	key := testKey(types.StageProduction)

	r, err := seq.Reserve(ctx, key)
	require.NoError(t, err)

	// Head moved underneath the reservation.
	require.NoError(t, store.Advance(ctx, key, Link{PIH: SeedPIH, ICV: 0}, Link{PIH: digestOf("rogue"), ICV: 1}))

	err = seq.Commit(ctx, r, digestOf("mine"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrChainIntegrity)

	_, err = seq.Reserve(ctx, key)
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, ie.Reason, "halted")

	require.NoError(t, seq.Reconcile(ctx, key, Link{PIH: digestOf("rogue"), ICV: 1}))
	r, err = seq.Reserve(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.ICV)
	seq.Release(r)
}

func TestReserve_SerializesPerChain(t *testing.T) {
	seq, _ := newTestSequencer()
	ctx := context.Background()
	key := testKey(types.StageProduction)

	const workers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		entries = make([]Entry, 0, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := seq.Reserve(ctx, key)
			if !assert.NoError(t, err) {
				return
			}
			d := digestOf(fmt.Sprintf("w%d", i))
			// Every fourth worker fails after reserving.
			if i%4 == 0 {
				seq.Release(r)
				return
			}
			mu.Lock()
			entries = append(entries, Entry{ICV: r.ICV, PIH: r.PIH, Digest: d})
			mu.Unlock()
			assert.NoError(t, seq.Commit(ctx, r, d))
		}(i)
	}
	wg.Wait()

	// Entries were appended under the chain lock, so they are already ordered.
	require.Len(t, entries, 15)
	require.NoError(t, VerifyChain(key, entries))

	head, err := seq.Head(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(15), head.Head.ICV)
}

func TestReserve_IndependentChains(t *testing.T) {
	seq, _ := newTestSequencer()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	branch := types.BranchKey{OrganizationID: types.NewID(), BranchID: types.NewID()}
	compliance, err := seq.Reserve(ctx, types.NewChainKey(branch, types.StageCompliance))
	require.NoError(t, err)
	defer seq.Release(compliance)

	production, err := seq.Reserve(ctx, types.NewChainKey(branch, types.StageProduction))
	require.NoError(t, err)
	defer seq.Release(production)

	assert.Equal(t, int64(1), compliance.ICV)
	assert.Equal(t, int64(1), production.ICV)
}

func TestReserve_WaitsForHolder(t *testing.T) {
	seq, _ := newTestSequencer()
	key := testKey(types.StageProduction)

	r, err := seq.Reserve(context.Background(), key)
	require.NoError(t, err)
	defer seq.Release(r)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = seq.Reserve(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVerifyChain(t *testing.T) {
	key := testKey(types.StageProduction)
	a, b := digestOf("a"), digestOf("b")

	assert.NoError(t, VerifyChain(key, nil))
	assert.NoError(t, VerifyChain(key, []Entry{{1, SeedPIH, a}, {2, a, b}}))

	err := VerifyChain(key, []Entry{{1, SeedPIH, a}, {3, a, b}})
	assert.ErrorIs(t, err, errors.ErrChainIntegrity)
	assert.Contains(t, err.Error(), "counter gap")

	err = VerifyChain(key, []Entry{{1, SeedPIH, a}, {2, b, b}})
	assert.ErrorIs(t, err, errors.ErrChainIntegrity)

	err = VerifyChain(key, []Entry{{1, a, a}})
	assert.ErrorIs(t, err, errors.ErrChainIntegrity)
}
