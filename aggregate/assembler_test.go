package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ec-shard/ecagg/ectypes"
	"github.com/ec-shard/ecagg/extentstore"
)

// TestCarryOverSplit covers the carry-over boundary scenario: a single extent
// [0,10) at epoch 9 crosses the stripe-0/stripe-1 boundary (stripe size
// K*L=8). carryOverTrim must split it into a trimmed prefix that stays
// with stripe 0 for removal bookkeeping, and a suffix that seeds stripe
// 1, both carrying the untrimmed original recx forward.
func TestCarryOverSplit(t *testing.T) {
	class := ectypes.EcClass{K: 2, P: 1, L: 4, RecordSize: 8}

	ext := extentstore.Extent{
		Recx:     ectypes.Recx{Idx: 0, Nr: 10},
		OrigRecx: ectypes.Recx{Idx: 0, Nr: 10},
		Epoch:    9,
	}

	var st stripeState
	st.append(ext, class)
	require.Equal(t, uint64(0), st.stripeNum)
	require.Equal(t, ectypes.Epoch(9), st.hiEpoch)
	require.Len(t, st.dataExtents, 1)

	next, err := st.carryOverTrim(class)
	require.NoError(t, err)

	assert.Equal(t, ectypes.Recx{Idx: 0, Nr: 8}, st.dataExtents[0].Recx, "prefix trimmed to the stripe boundary")
	assert.Equal(t, ectypes.Recx{Idx: 0, Nr: 10}, st.dataExtents[0].OrigRecx, "original recx preserved for removal bookkeeping")

	assert.Equal(t, uint64(1), next.stripeNum)
	assert.Equal(t, ectypes.Epoch(9), next.hiEpoch)
	require.Len(t, next.dataExtents, 1)
	assert.Equal(t, ectypes.Recx{Idx: 8, Nr: 2}, next.dataExtents[0].Recx, "suffix starts at the next stripe boundary")
	assert.Equal(t, ectypes.Recx{Idx: 0, Nr: 10}, next.dataExtents[0].OrigRecx)
	assert.Equal(t, ectypes.Epoch(9), next.dataExtents[0].Epoch)

	assert.False(t, st.contained(class), "crossing extent's original recx extends past the stripe, so a whole-stripe remove would be wrong")
	assert.False(t, next.contained(class), "the suffix's original recx starts before stripe 1, so it must be removed per-extent too")
}

// TestCarryOverRejectsTwoCrossingExtents enforces the invariant that at
// most one data extent may straddle a stripe boundary; a second crossing
// extent means the caller fed in more than one stripe's worth of writes
// without processing the first crossing, which the iteration driver never
// does deliberately.
func TestCarryOverRejectsTwoCrossingExtents(t *testing.T) {
	class := ectypes.EcClass{K: 2, P: 1, L: 4, RecordSize: 8}

	var st stripeState
	st.append(extentstore.Extent{Recx: ectypes.Recx{Idx: 0, Nr: 10}, OrigRecx: ectypes.Recx{Idx: 0, Nr: 10}, Epoch: 1}, class)
	st.append(extentstore.Extent{Recx: ectypes.Recx{Idx: 2, Nr: 10}, OrigRecx: ectypes.Recx{Idx: 2, Nr: 10}, Epoch: 2}, class)

	_, err := st.carryOverTrim(class)
	assert.ErrorIs(t, err, ErrInvariant)
}

// TestContainedRequiresNoHoldOvers checks the other half of the removal
// strategy choice: a stripe whose extents are all within bounds but that
// still has a pending hold-over from a prior stripe cannot use the
// whole-stripe remove shortcut.
func TestContainedRequiresNoHoldOvers(t *testing.T) {
	class := ectypes.EcClass{K: 2, P: 1, L: 4, RecordSize: 8}

	st := stripeState{
		started:   true,
		stripeNum: 1,
		dataExtents: []extentstore.Extent{
			{Recx: ectypes.Recx{Idx: 8, Nr: 8}, OrigRecx: ectypes.Recx{Idx: 8, Nr: 8}, Epoch: 5},
		},
	}
	assert.True(t, st.contained(class))

	st.holdOverExtents = append(st.holdOverExtents, extentstore.Extent{
		Recx: ectypes.Recx{Idx: 8, Nr: 2}, OrigRecx: ectypes.Recx{Idx: 4, Nr: 6}, Epoch: 3,
	})
	assert.False(t, st.contained(class))
}

// TestRemovalCandidatesIncludesHoldOvers checks that a pending hold-over
// is offered up for removal alongside the stripe's own data extents, so
// the committer's per-extent path can range-remove it once its terminal
// stripe is reached.
func TestRemovalCandidatesIncludesHoldOvers(t *testing.T) {
	var st stripeState
	assert.Empty(t, st.removalCandidates())

	data := extentstore.Extent{Recx: ectypes.Recx{Idx: 8, Nr: 8}, OrigRecx: ectypes.Recx{Idx: 8, Nr: 8}, Epoch: 5}
	holdOver := extentstore.Extent{Recx: ectypes.Recx{Idx: 8, Nr: 2}, OrigRecx: ectypes.Recx{Idx: 4, Nr: 6}, Epoch: 3}
	st.dataExtents = []extentstore.Extent{data}
	st.holdOverExtents = []extentstore.Extent{holdOver}

	assert.ElementsMatch(t, []extentstore.Extent{data, holdOver}, st.removalCandidates())
}

// TestCarryOverTrimDropsExpiredHoldOvers checks that once a hold-over's
// original recx no longer extends past the stripe boundary, carryOverTrim
// stops carrying it forward: the committer must have already range-removed
// it via removalCandidates before carryOverTrim runs.
func TestCarryOverTrimDropsExpiredHoldOvers(t *testing.T) {
	class := ectypes.EcClass{K: 2, P: 1, L: 4, RecordSize: 8}

	st := stripeState{
		started:   true,
		stripeNum: 1,
		dataExtents: []extentstore.Extent{
			{Recx: ectypes.Recx{Idx: 8, Nr: 8}, OrigRecx: ectypes.Recx{Idx: 8, Nr: 8}, Epoch: 7},
		},
		holdOverExtents: []extentstore.Extent{
			{Recx: ectypes.Recx{Idx: 8, Nr: 0}, OrigRecx: ectypes.Recx{Idx: 0, Nr: 16}, Epoch: 5},
		},
	}

	next, err := st.carryOverTrim(class)
	require.NoError(t, err)
	assert.Empty(t, next.holdOverExtents, "hold-over reached its terminal stripe and must not be carried forward again")
}
