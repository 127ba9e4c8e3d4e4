package aggregate_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ec-shard/ecagg/aggregate"
	"github.com/ec-shard/ecagg/cluster"
	"github.com/ec-shard/ecagg/config"
	"github.com/ec-shard/ecagg/ecrpc"
	"github.com/ec-shard/ecagg/ectypes"
	"github.com/ec-shard/ecagg/extentstore"
	"github.com/ec-shard/ecagg/extentstore/memstore"
	"github.com/ec-shard/ecagg/objclient"
)

// fakeWatermarks is a map-backed extentstore.Watermarks for tests.
type fakeWatermarks struct {
	mu   sync.Mutex
	last map[string]ectypes.Epoch
}

func newFakeWatermarks() *fakeWatermarks {
	return &fakeWatermarks{last: make(map[string]ectypes.Epoch)}
}

func (w *fakeWatermarks) LastAggregated(ctx context.Context, containerID string) (ectypes.Epoch, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last[containerID], nil
}

func (w *fakeWatermarks) AdvanceLastAggregated(ctx context.Context, containerID string, hi ectypes.Epoch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last[containerID] = hi
	return nil
}

// fakePeerClient stands in for a peer parity shard, optionally applying
// received calls to its own memstore.Store so convergence can be checked.
type fakePeerClient struct {
	mu             sync.Mutex
	class          ectypes.EcClass
	store          *memstore.Store
	aggregateCalls []*ecrpc.AggregateRequest
	replicateCalls []*ecrpc.ReplicateRequest
}

func (f *fakePeerClient) Aggregate(ctx context.Context, req *ecrpc.AggregateRequest) (*ecrpc.AggregateReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aggregateCalls = append(f.aggregateCalls, req)

	oid := ectypes.OID{Hi: req.OidHi, Lo: req.OidLo}
	dkey := ectypes.Dkey(req.Dkey)
	akey := ectypes.Akey(req.Akey)
	parityRecx := ectypes.ParityRecx(req.StripeNum, f.class.L)

	if req.WriteParity {
		data := req.ParityData
		_ = f.store.Update(ctx, oid, ectypes.Epoch(req.EprHi), dkey, akey, parityRecx, data, req.ParityChecksum)
	}
	for _, r := range req.RemoveRecxs {
		epr := extentstore.EpochRange{Lo: ectypes.Epoch(r.Epoch), Hi: ectypes.Epoch(r.Epoch)}
		_ = f.store.RangeRemove(ctx, oid, epr, dkey, akey, ectypes.Recx{Idx: r.Idx, Nr: r.Nr})
	}
	return &ecrpc.AggregateReply{Status: ecrpc.StatusOK}, nil
}

func (f *fakePeerClient) Replicate(ctx context.Context, req *ecrpc.ReplicateRequest) (*ecrpc.ReplicateReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replicateCalls = append(f.replicateCalls, req)

	oid := ectypes.OID{Hi: req.OidHi, Lo: req.OidLo}
	dkey := ectypes.Dkey(req.Dkey)
	akey := ectypes.Akey(req.Akey)
	recx := ectypes.Recx{Idx: req.RecxIdx, Nr: req.RecxNr}
	_ = f.store.Update(ctx, oid, ectypes.Epoch(req.Epoch), dkey, akey, recx, req.Data, req.Checksum)

	parityRecx := ectypes.ParityRecx(req.StripeNum, f.class.L)
	_ = f.store.RangeRemove(ctx, oid, extentstore.EpochRange{Lo: 0, Hi: ectypes.Epoch(req.Epoch)}, dkey, akey, parityRecx)
	return &ecrpc.ReplicateReply{Status: ecrpc.StatusOK}, nil
}

// harness bundles one test's Aggregator plus the collaborators a test
// wants direct access to (the local store, each peer's store, each data
// shard's store).
type harness struct {
	oid        ectypes.OID
	class      ectypes.EcClass
	localStore *memstore.Store
	dataStores map[uint32]*memstore.Store
	peers      map[uint32]*fakePeerClient
	agg        *aggregate.Aggregator
}

func newHarness(t *testing.T, class ectypes.EcClass, localPidx uint32) *harness {
	t.Helper()
	oid := ectypes.OID{Hi: 1, Lo: 1}

	localStore := memstore.New()
	localStore.SetOclassAttrs(oid, class)

	dataStores := make(map[uint32]*memstore.Store, class.K)
	objClient := objclient.NewLocalClient(class)
	for c := uint32(0); c < class.K; c++ {
		s := memstore.New()
		s.SetOclassAttrs(oid, class)
		dataStores[c] = s
		objClient.Shards[ectypes.ShardIndex(c)] = s
	}

	membership := cluster.NewStatic(true)
	for i := uint32(0); i < class.K+class.P; i++ {
		tid := cluster.TargetID{Rank: 0, Target: i}
		objClient.Layouts[ectypes.ShardIndex(i)] = tid
		membership.TargetAddress[tid] = fmt.Sprintf("peer-%d", i)
	}

	peers := make(map[uint32]*fakePeerClient)
	for p := uint32(0); p < class.P; p++ {
		if p == localPidx {
			continue
		}
		peerStore := memstore.New()
		peerStore.SetOclassAttrs(oid, class)
		peers[p] = &fakePeerClient{class: class, store: peerStore}
	}

	dial := func(ctx context.Context, address string) (aggregate.PeerClient, error) {
		for p := uint32(0); p < class.P; p++ {
			tid := cluster.TargetID{Rank: 0, Target: class.K + p}
			if membership.TargetAddress[tid] == address {
				if fp, ok := peers[p]; ok {
					return fp, nil
				}
			}
		}
		return nil, fmt.Errorf("no peer registered for address %s", address)
	}

	agg := aggregate.NewAggregator(localStore, newFakeWatermarks(), objClient, membership, dial,
		ectypes.ShardIndex(class.K+localPidx), "pool-1", config.Defaults())

	return &harness{oid: oid, class: class, localStore: localStore, dataStores: dataStores, peers: peers, agg: agg}
}

func (h *harness) run(t *testing.T, lo, hi ectypes.Epoch) aggregate.Stats {
	t.Helper()
	stats, err := h.agg.Aggregate(context.Background(), "container-1", extentstore.EpochRange{Lo: lo, Hi: hi}, nil, true, cluster.MapVersion(1))
	require.NoError(t, err)
	return stats
}

// TestBoundaryScenario1 covers the full-encode boundary scenario: K=2, P=1,
// L=4, record_size=8, two full-stripe replicas, no prior parity. Branch 2
// (full-encode) fires; parity equals the XOR of the two cells, and both
// replicas are removed.
func TestBoundaryScenario1(t *testing.T) {
	class := ectypes.EcClass{K: 2, P: 1, L: 4, RecordSize: 8}
	h := newHarness(t, class, 0)
	ctx := context.Background()

	cellA := make([]byte, class.CellBytes())
	cellB := make([]byte, class.CellBytes())
	for i := range cellA {
		cellA[i] = byte(i + 1)
		cellB[i] = byte(200 - i)
	}
	require.NoError(t, h.localStore.Update(ctx, h.oid, 5, "dk", "ak", ectypes.Recx{Idx: 0, Nr: 4}, cellA, nil))
	require.NoError(t, h.localStore.Update(ctx, h.oid, 5, "dk", "ak", ectypes.Recx{Idx: 4, Nr: 4}, cellB, nil))

	stats := h.run(t, 0, 10)
	assert.Equal(t, 1, stats.FullEncode)
	assert.Equal(t, 0, stats.Failed)

	want := make([]byte, class.CellBytes())
	for i := range want {
		want[i] = cellA[i] ^ cellB[i]
	}
	got, err := h.localStore.Fetch(ctx, h.oid, 5, "dk", "ak", ectypes.ParityRecx(0, class.L))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	leftover, err := h.localStore.Fetch(ctx, h.oid, 5, "dk", "ak", ectypes.Recx{Idx: 0, Nr: 8})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8*int(class.RecordSize)), leftover, "both replicas must be removed")
}

// TestBoundaryScenario4 matches scenario 4: prior parity newer than the
// only replica. Branch 1 (drop) fires; the replica is removed and parity
// is untouched.
func TestBoundaryScenario4(t *testing.T) {
	class := ectypes.EcClass{K: 2, P: 1, L: 4, RecordSize: 8}
	h := newHarness(t, class, 0)
	ctx := context.Background()

	oldParity := make([]byte, class.CellBytes())
	for i := range oldParity {
		oldParity[i] = byte(i + 9)
	}
	require.NoError(t, h.localStore.Update(ctx, h.oid, 10, "dk", "ak", ectypes.ParityRecx(0, class.L), oldParity, nil))

	replica := make([]byte, class.CellBytes())
	require.NoError(t, h.localStore.Update(ctx, h.oid, 5, "dk", "ak", ectypes.Recx{Idx: 0, Nr: 4}, replica, nil))

	stats := h.run(t, 0, 20)
	assert.Equal(t, 1, stats.Drop)
	assert.Equal(t, 0, stats.Failed)

	got, err := h.localStore.Fetch(ctx, h.oid, 10, "dk", "ak", ectypes.ParityRecx(0, class.L))
	require.NoError(t, err)
	assert.Equal(t, oldParity, got, "parity must be unchanged")

	leftover, err := h.localStore.Fetch(ctx, h.oid, 10, "dk", "ak", ectypes.Recx{Idx: 0, Nr: 4})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4*int(class.RecordSize)), leftover, "stale replica must be removed")
}

// TestBoundaryScenario2 matches scenario 2: K=4, P=2, prior parity at
// epoch 5, a new replica touching only cell 0 at epoch 7. Branch 6
// (partial-update) fires; exactly one peer receives an incremental diff
// for cell 0, and the touched replica is removed.
func TestBoundaryScenario2(t *testing.T) {
	class := ectypes.EcClass{K: 4, P: 2, L: 4, RecordSize: 8}
	h := newHarness(t, class, 0)
	ctx := context.Background()

	oldCell0 := make([]byte, class.CellBytes())
	for i := range oldCell0 {
		oldCell0[i] = byte(i + 1)
	}
	require.NoError(t, h.dataStores[0].Update(ctx, h.oid, 5, "dk", "ak", ectypes.Recx{Idx: 0, Nr: 4}, oldCell0, nil))

	oldParity := make([]byte, class.CellBytes())
	for i := range oldParity {
		oldParity[i] = byte(50 + i)
	}
	require.NoError(t, h.localStore.Update(ctx, h.oid, 5, "dk", "ak", ectypes.ParityRecx(0, class.L), oldParity, nil))

	newCell0 := make([]byte, class.CellBytes())
	for i := range newCell0 {
		newCell0[i] = byte(90 - i)
	}
	require.NoError(t, h.localStore.Update(ctx, h.oid, 7, "dk", "ak", ectypes.Recx{Idx: 2, Nr: 2}, newCell0[2*int(class.RecordSize):], nil))

	stats := h.run(t, 0, 20)
	assert.Equal(t, 1, stats.PartialUpdate)
	assert.Equal(t, 0, stats.Failed)

	require.Len(t, h.peers, 1)
	var peer *fakePeerClient
	for _, p := range h.peers {
		peer = p
	}
	require.Len(t, peer.aggregateCalls, 1)
	call := peer.aggregateCalls[0]
	assert.True(t, call.Incremental)
	assert.Equal(t, uint32(0), call.CellIndex)
	assert.NotEmpty(t, call.RemoveRecxs)

	leftover, err := h.localStore.Fetch(ctx, h.oid, 7, "dk", "ak", ectypes.Recx{Idx: 2, Nr: 2})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 2*int(class.RecordSize)), leftover, "touched replica must be removed")
}

// TestBoundaryScenario3 matches scenario 3: K=4, P=2, prior parity at
// epoch 5, new full-cell replicas at epoch 7 for cells 0-2 (3/4 cells
// full, >= K/2). Branch 5 (full-recalc) fires; cell 3 is pulled from its
// data shard and parity is recomputed from the whole stripe.
func TestBoundaryScenario3(t *testing.T) {
	class := ectypes.EcClass{K: 4, P: 2, L: 4, RecordSize: 8}
	h := newHarness(t, class, 0)
	ctx := context.Background()

	oldParity := make([]byte, class.CellBytes())
	require.NoError(t, h.localStore.Update(ctx, h.oid, 5, "dk", "ak", ectypes.ParityRecx(0, class.L), oldParity, nil))

	cell3 := make([]byte, class.CellBytes())
	for i := range cell3 {
		cell3[i] = byte(7 + i)
	}
	require.NoError(t, h.dataStores[3].Update(ctx, h.oid, 5, "dk", "ak", ectypes.Recx{Idx: 12, Nr: 4}, cell3, nil))

	for c := uint32(0); c < 3; c++ {
		cell := make([]byte, class.CellBytes())
		for i := range cell {
			cell[i] = byte(c*10 + uint32(i))
		}
		start := uint64(c) * class.CellRecords()
		require.NoError(t, h.localStore.Update(ctx, h.oid, 7, "dk", "ak", ectypes.Recx{Idx: start, Nr: class.CellRecords()}, cell, nil))
	}

	stats := h.run(t, 0, 20)
	assert.Equal(t, 1, stats.FullRecalc)
	assert.Equal(t, 0, stats.Failed)

	leftover, err := h.localStore.Fetch(ctx, h.oid, 7, "dk", "ak", ectypes.Recx{Idx: 0, Nr: 12})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 12*int(class.RecordSize)), leftover, "recalced replicas must be removed")
}

// TestBoundaryScenario5 matches scenario 5: K=2, P=2, prior parity at
// epoch 5, a hole extent at epoch 7 covering the whole stripe. Branch 4
// (hole-fill) fires; valid ranges are re-replicated locally and to the
// peer, and parity is range-removed on both sides.
func TestBoundaryScenario5(t *testing.T) {
	class := ectypes.EcClass{K: 2, P: 2, L: 4, RecordSize: 8}
	h := newHarness(t, class, 0)
	ctx := context.Background()

	oldParity := make([]byte, class.CellBytes())
	require.NoError(t, h.localStore.Update(ctx, h.oid, 5, "dk", "ak", ectypes.ParityRecx(0, class.L), oldParity, nil))

	require.NoError(t, h.localStore.PunchHole(ctx, h.oid, 7, "dk", "ak", ectypes.Recx{Idx: 0, Nr: 8}))

	stats := h.run(t, 0, 20)
	assert.Equal(t, 1, stats.HoleFill)
	assert.Equal(t, 0, stats.Failed)

	_, err := h.localStore.Fetch(ctx, h.oid, 7, "dk", "ak", ectypes.ParityRecx(0, class.L))
	assert.ErrorIs(t, err, extentstore.ErrNotFound, "local parity must be removed")

	require.Len(t, h.peers, 1)
	var peer *fakePeerClient
	for _, p := range h.peers {
		peer = p
	}
	require.Len(t, peer.replicateCalls, 1)
}

// TestIdempotence checks that running aggregate twice over the same
// window yields the same persistent state as running it once, because
// the second pass finds nothing left to classify but no-op/absence of
// replicas.
func TestIdempotence(t *testing.T) {
	class := ectypes.EcClass{K: 2, P: 1, L: 4, RecordSize: 8}
	h := newHarness(t, class, 0)
	ctx := context.Background()

	cellA := make([]byte, class.CellBytes())
	cellB := make([]byte, class.CellBytes())
	require.NoError(t, h.localStore.Update(ctx, h.oid, 5, "dk", "ak", ectypes.Recx{Idx: 0, Nr: 4}, cellA, nil))
	require.NoError(t, h.localStore.Update(ctx, h.oid, 5, "dk", "ak", ectypes.Recx{Idx: 4, Nr: 4}, cellB, nil))

	_ = h.run(t, 0, 10)
	parityAfterFirst, err := h.localStore.Fetch(ctx, h.oid, 5, "dk", "ak", ectypes.ParityRecx(0, class.L))
	require.NoError(t, err)

	stats := h.run(t, 0, 10)
	assert.Equal(t, 0, stats.Failed)
	parityAfterSecond, err := h.localStore.Fetch(ctx, h.oid, 5, "dk", "ak", ectypes.ParityRecx(0, class.L))
	require.NoError(t, err)
	assert.Equal(t, parityAfterFirst, parityAfterSecond)
}

// TestHoldOverRemovedAtTerminalStripe plants a genuine hold-over: a raw
// write at epoch 5 spans stripes 0 and 1, and a second write at epoch 7
// fully overwrites its portion in stripe 1. The stripe-1 slice of the
// epoch-5 write is superseded and invisible, but its original recx still
// crosses into stripe 1, so it must be tracked as a hold-over through
// stripe 0's commit and only range-removed once stripe 1 (its terminal
// stripe) itself commits successfully.
func TestHoldOverRemovedAtTerminalStripe(t *testing.T) {
	class := ectypes.EcClass{K: 2, P: 1, L: 4, RecordSize: 8}
	h := newHarness(t, class, 0)
	ctx := context.Background()

	full := make([]byte, 16*int(class.RecordSize))
	for i := range full {
		full[i] = byte(i + 1)
	}
	require.NoError(t, h.localStore.Update(ctx, h.oid, 5, "dk", "ak", ectypes.Recx{Idx: 0, Nr: 16}, full, nil))

	stripe1 := make([]byte, 8*int(class.RecordSize))
	for i := range stripe1 {
		stripe1[i] = byte(200 - i)
	}
	require.NoError(t, h.localStore.Update(ctx, h.oid, 7, "dk", "ak", ectypes.Recx{Idx: 8, Nr: 8}, stripe1, nil))

	stats := h.run(t, 0, 20)
	assert.Equal(t, 2, stats.FullEncode)
	assert.Equal(t, 0, stats.Failed)

	leftoverHoldOver, err := h.localStore.Fetch(ctx, h.oid, 5, "dk", "ak", ectypes.Recx{Idx: 0, Nr: 16})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16*int(class.RecordSize)), leftoverHoldOver, "the epoch-5 write must be removed once its terminal stripe commits")

	leftoverStripe1, err := h.localStore.Fetch(ctx, h.oid, 7, "dk", "ak", ectypes.Recx{Idx: 8, Nr: 8})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8*int(class.RecordSize)), leftoverStripe1, "the covering epoch-7 replica must also be removed")
}

// TestWatermarkMonotonicity is invariant 4: a fully successful run advances
// the container watermark to the run's hi epoch.
func TestWatermarkMonotonicity(t *testing.T) {
	class := ectypes.EcClass{K: 2, P: 1, L: 4, RecordSize: 8}
	h := newHarness(t, class, 0)
	ctx := context.Background()

	require.NoError(t, h.localStore.Update(ctx, h.oid, 5, "dk", "ak", ectypes.Recx{Idx: 0, Nr: 4}, make([]byte, class.CellBytes()), nil))
	require.NoError(t, h.localStore.Update(ctx, h.oid, 5, "dk", "ak", ectypes.Recx{Idx: 4, Nr: 4}, make([]byte, class.CellBytes()), nil))

	stats := h.run(t, 0, 10)
	assert.Equal(t, 0, stats.Failed)

	wm, err := h.agg.Watermarks.LastAggregated(ctx, "container-1")
	require.NoError(t, err)
	assert.Equal(t, ectypes.Epoch(10), wm)
}
