package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/karlseguin/ccache/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ec-shard/ecagg/cluster"
	"github.com/ec-shard/ecagg/ecrpc"
	"github.com/ec-shard/ecagg/ectypes"
)

// PeerClient is the subset of ecrpc.Client the peer coordinator calls; an
// interface so tests can fake peer shards in-process.
type PeerClient interface {
	Aggregate(ctx context.Context, req *ecrpc.AggregateRequest) (*ecrpc.AggregateReply, error)
	Replicate(ctx context.Context, req *ecrpc.ReplicateRequest) (*ecrpc.ReplicateReply, error)
}

// Dialer resolves and opens a PeerClient for a dialable address.
type Dialer func(ctx context.Context, address string) (PeerClient, error)

// layoutCache caches each peer parity shard's TargetID per object, keyed by
// "oid/parity-index". Addresses are not cached.
type layoutCache struct {
	cache *ccache.Cache
	ttl   time.Duration
}

func newLayoutCache(size int, ttl time.Duration) *layoutCache {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &layoutCache{cache: ccache.New(ccache.Configure().MaxSize(int64(size))), ttl: ttl}
}

func (l *layoutCache) key(oid ectypes.OID, pidx uint32) string {
	return fmt.Sprintf("%s/%d", oid.String(), pidx)
}

func (l *layoutCache) get(oid ectypes.OID, pidx uint32) (cluster.TargetID, bool) {
	item := l.cache.Get(l.key(oid, pidx))
	if item == nil || item.Expired() {
		return cluster.TargetID{}, false
	}
	return item.Value().(cluster.TargetID), true
}

func (l *layoutCache) set(oid ectypes.OID, pidx uint32, target cluster.TargetID) {
	l.cache.Set(l.key(oid, pidx), target, l.ttl)
}

// resolvePeerAddress resolves one peer parity shard's address. A cached
// TargetID for (oid, pidx) takes the place of target; otherwise target is
// cached. Membership.ResolveTarget is called on every invocation.
func (a *Aggregator) resolvePeerAddress(ctx context.Context, oid ectypes.OID, pidx uint32, target cluster.TargetID) (string, error) {
	if cached, ok := a.layoutCache.get(oid, pidx); ok {
		target = cached
	} else {
		a.layoutCache.set(oid, pidx, target)
	}
	return a.Membership.ResolveTarget(ctx, a.PoolUUID, target)
}

// shipToPeers runs the peer coordinator: for every parity shard other
// than this one, it sends either an EC_AGGREGATE (the common case, new
// parity plus a removal list) or, when the stripe carries holes, an
// EC_REPLICATE instead. Failed/unreachable peers abort the whole
// stripe; no partial commit is attempted.
func (a *Aggregator) shipToPeers(ctx context.Context, oid ectypes.OID, dkey string, akey string, class ectypes.EcClass, mapVer cluster.MapVersion, req peerShipment) error {
	failed, err := a.Membership.FailedTargets(ctx, a.PoolUUID, mapVer)
	if err != nil {
		return fmt.Errorf("aggregate: failed-targets lookup: %w", err)
	}

	peers := make([]uint32, 0, class.P-1)
	for p := uint32(0); p < class.P; p++ {
		if p == req.localPidx {
			continue
		}
		peers = append(peers, p)
	}
	if len(peers) == 0 {
		return nil
	}

	grp, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(class.P - 1))

	for _, p := range peers {
		p := p
		target := req.targets[p]
		if failed[target] {
			return fmt.Errorf("aggregate: peer target %+v failed: %w", target, ErrPeerFailed)
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			return err
		}
		grp.Go(func() error {
			defer sem.Release(1)
			return a.shipOnePeer(gctx, oid, dkey, akey, target, p, req)
		})
	}

	if err := grp.Wait(); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerFailed, err)
	}
	return nil
}

type peerShipment struct {
	containerUUID string
	localPidx     uint32
	targets       map[uint32]cluster.TargetID
	lo, hi        ectypes.Epoch
	stripeNum     uint64
	mapVer        cluster.MapVersion
	writeParity   bool
	parityData    [][]byte // indexed by parity index
	parityCsum    [][]byte
	incremental   bool
	cellIndex     uint32
	diff          []byte
	removeRecxs   []ecrpc.RecxEpoch
	isHoleFill    bool
	replicateData []byte
	replicateRecx ectypes.Recx
	replicateCsum []byte
}

func (a *Aggregator) shipOnePeer(ctx context.Context, oid ectypes.OID, dkey, akey string, target cluster.TargetID, pidx uint32, req peerShipment) error {
	addr, err := a.resolvePeerAddress(ctx, oid, pidx, target)
	if err != nil {
		return fmt.Errorf("%w: resolve %+v: %v", ErrPeerFailed, target, err)
	}
	client, err := a.Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrPeerFailed, addr, err)
	}

	if req.isHoleFill {
		_, err := client.Replicate(ctx, &ecrpc.ReplicateRequest{
			RequestID:     newRequestID(),
			PoolUUID:      a.PoolUUID,
			ContainerUUID: req.containerUUID,
			OidHi:         oid.Hi, OidLo: oid.Lo,
			Dkey: dkey, Akey: akey,
			RecxIdx: req.replicateRecx.Idx, RecxNr: req.replicateRecx.Nr,
			StripeNum:  req.stripeNum,
			Epoch:      uint64(req.hi),
			MapVersion: uint32(req.mapVer),
			Data:       req.replicateData,
			Checksum:   req.replicateCsum,
		})
		if err != nil {
			return fmt.Errorf("%w: replicate to %s: %v", ErrPeerFailed, addr, err)
		}
		return nil
	}

	var data, csum []byte
	if req.incremental {
		data = req.diff
	} else if req.writeParity && int(pidx) < len(req.parityData) {
		data = req.parityData[pidx]
		if int(pidx) < len(req.parityCsum) {
			csum = req.parityCsum[pidx]
		}
	}
	reply, err := client.Aggregate(ctx, &ecrpc.AggregateRequest{
		RequestID:     newRequestID(),
		PoolUUID:      a.PoolUUID,
		ContainerUUID: req.containerUUID,
		OidHi:         oid.Hi, OidLo: oid.Lo,
		Dkey: dkey, Akey: akey,
		EprLo: uint64(req.lo), EprHi: uint64(req.hi),
		StripeNum:      req.stripeNum,
		MapVersion:     uint32(req.mapVer),
		WriteParity:    req.writeParity,
		ParityIndex:    pidx,
		ParityData:     data,
		ParityChecksum: csum,
		Incremental:    req.incremental,
		CellIndex:      req.cellIndex,
		RemoveRecxs:    req.removeRecxs,
	})
	if err != nil {
		return fmt.Errorf("%w: aggregate to %s: %v", ErrPeerFailed, addr, err)
	}
	if reply.Status != ecrpc.StatusOK {
		return fmt.Errorf("%w: peer %s returned status %d: %s", ErrPeerFailed, addr, reply.Status, reply.Message)
	}
	return nil
}
