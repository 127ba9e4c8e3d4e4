// Package aggregate implements the per-stripe reconciliation state
// machine: the iteration driver, stripe assembler, parity probe,
// classifier, parity codec wiring, peer coordinator, local committer, and
// offload bridge. Every other package in this module exists to give this
// one something real to run against.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"

	"github.com/ec-shard/ecagg/cluster"
	"github.com/ec-shard/ecagg/codec"
	"github.com/ec-shard/ecagg/config"
	"github.com/ec-shard/ecagg/ectypes"
	"github.com/ec-shard/ecagg/extentstore"
	"github.com/ec-shard/ecagg/metrics"
	"github.com/ec-shard/ecagg/objclient"
)

// YieldFunc is the cooperative-yield callback the driver invokes every
// credits_max calls; returning true requests a clean abort at the next
// stripe boundary.
type YieldFunc func() bool

type codecKey struct {
	K, P uint32
}

// Aggregator owns one target's worth of aggregation state: the local
// extent store, its external collaborators, and the resources (offload
// worker, layout cache, per-class codecs) that live for the process's
// lifetime.
type Aggregator struct {
	Store      extentstore.Store
	Watermarks extentstore.Watermarks
	ObjClient  objclient.Client
	Membership cluster.Membership
	Dial       Dialer

	ShardIndex ectypes.ShardIndex
	PoolUUID   string
	Config     config.Config

	layoutCache *layoutCache
	offload     *offloadBridge

	codecsMu sync.Mutex
	codecs   map[codecKey]*codec.Codec
}

// NewAggregator wires an Aggregator from its collaborators and resolved
// configuration.
func NewAggregator(store extentstore.Store, watermarks extentstore.Watermarks, objClient objclient.Client, membership cluster.Membership, dial Dialer, shardIndex ectypes.ShardIndex, poolUUID string, cfg config.Config) *Aggregator {
	return &Aggregator{
		Store:       store,
		Watermarks:  watermarks,
		ObjClient:   objClient,
		Membership:  membership,
		Dial:        dial,
		ShardIndex:  shardIndex,
		PoolUUID:    poolUUID,
		Config:      cfg,
		layoutCache: newLayoutCache(cfg.LayoutCacheSize, cfg.LayoutCacheTTL),
		offload:     newOffloadBridge(cfg.OffloadQueueDepth),
		codecs:      make(map[codecKey]*codec.Codec),
	}
}

// Close shuts down the offload worker. Call once the Aggregator is no
// longer in use.
func (a *Aggregator) Close() {
	a.offload.close()
}

func (a *Aggregator) getCodec(class ectypes.EcClass) (*codec.Codec, error) {
	key := codecKey{K: class.K, P: class.P}

	a.codecsMu.Lock()
	defer a.codecsMu.Unlock()
	if c, ok := a.codecs[key]; ok {
		return c, nil
	}
	c, err := codec.New(class)
	if err != nil {
		return nil, err
	}
	a.codecs[key] = c
	return c, nil
}

// Stats tallies one Aggregate call's outcomes, by classifier action.
type Stats struct {
	Drop          int
	FullEncode    int
	NoOp          int
	HoleFill      int
	FullRecalc    int
	PartialUpdate int
	Failed        int
	Aborted       bool
}

func (s *Stats) record(action Action, failed bool) {
	if failed {
		s.Failed++
		return
	}
	switch action {
	case ActionDrop:
		s.Drop++
	case ActionFullEncode:
		s.FullEncode++
	case ActionNoOp:
		s.NoOp++
	case ActionHoleFill:
		s.HoleFill++
	case ActionFullRecalc:
		s.FullRecalc++
	case ActionPartialUpdate:
		s.PartialUpdate++
	}
}

// stripeFailures accumulates every stripe-level error across one
// traversal so Aggregate can hand the caller the full picture instead of
// just a Failed counter, while individual stripe failures still don't
// abort the traversal itself.
type stripeFailures struct {
	any  bool
	errs *multierror.Error
}

func (f *stripeFailures) record(err error) {
	f.any = true
	f.errs = multierror.Append(f.errs, err)
}

// Aggregate runs the iteration driver over every object this target
// leads and is the parity shard for, across the
// inclusive epoch range epr. yield is invoked every credits_max entries;
// returning true unwinds cleanly at the next stripe boundary. When
// isCurrent and the run completes without any stripe failure, the
// container's last-aggregated watermark advances to epr.Hi. The
// returned error, when non-nil on an otherwise successful run, is a
// multierror.Error wrapping every stripe that failed; a hard traversal
// error (list/cursor/membership failures) is returned bare.
func (a *Aggregator) Aggregate(ctx context.Context, containerUUID string, epr extentstore.EpochRange, yield YieldFunc, isCurrent bool, mapVer cluster.MapVersion) (Stats, error) {
	bo := backoff.NewExponentialBackOff()
	for {
		stats := Stats{}
		credits := 0
		failures := &stripeFailures{}

		aborted, err := a.runTraversal(ctx, containerUUID, epr, yield, mapVer, &credits, &stats, failures)
		if err != nil {
			if errors.Is(err, ErrNeedsRefresh) {
				wait := bo.NextBackOff()
				if wait == backoff.Stop {
					return stats, fmt.Errorf("aggregate: needs-refresh retries exhausted for container %s: %w", containerUUID, err)
				}
				glog.V(1).Infof("aggregate: needs refresh, retrying traversal for container %s in %s", containerUUID, wait)
				select {
				case <-ctx.Done():
					return stats, ctx.Err()
				case <-time.After(wait):
				}
				continue
			}
			return stats, err
		}
		bo.Reset()

		stats.Aborted = aborted
		if !aborted && !failures.any && isCurrent {
			if err := a.Watermarks.AdvanceLastAggregated(ctx, containerUUID, epr.Hi); err != nil {
				return stats, fmt.Errorf("aggregate: advance watermark: %w", err)
			}
		}
		return stats, failures.errs.ErrorOrNil()
	}
}

func (a *Aggregator) runTraversal(ctx context.Context, containerUUID string, epr extentstore.EpochRange, yield YieldFunc, mapVer cluster.MapVersion, credits *int, stats *Stats, failures *stripeFailures) (aborted bool, err error) {
	objects, err := a.Store.ListObjects(ctx)
	if err != nil {
		return false, fmt.Errorf("aggregate: list objects: %w", err)
	}
	for _, oid := range objects {
		ab, err := a.processObject(ctx, containerUUID, oid, epr, yield, mapVer, credits, stats, failures)
		if err != nil {
			return false, err
		}
		if ab {
			return true, nil
		}
	}
	return false, nil
}

func (a *Aggregator) processObject(ctx context.Context, containerUUID string, oid ectypes.OID, epr extentstore.EpochRange, yield YieldFunc, mapVer cluster.MapVersion, credits *int, stats *Stats, failures *stripeFailures) (aborted bool, err error) {
	class, err := a.Store.OclassAttrs(ctx, oid)
	if err != nil {
		return false, fmt.Errorf("aggregate: oclass attrs for %s: %w", oid, err)
	}

	leader, err := a.Membership.IsLeader(ctx, a.PoolUUID, oid.Hi, oid.Lo, mapVer)
	if err != nil {
		return false, fmt.Errorf("aggregate: is_leader for %s: %w", oid, err)
	}
	if !leader || !class.IsParityShard(a.ShardIndex) {
		return false, nil
	}
	pidx := class.ParityIndex(a.ShardIndex)

	dkeys, err := a.Store.ListDkeys(ctx, oid)
	if err != nil {
		return false, fmt.Errorf("aggregate: list dkeys for %s: %w", oid, err)
	}
	for _, dkey := range dkeys {
		akeys, err := a.Store.ListAkeys(ctx, oid, dkey)
		if err != nil {
			return false, fmt.Errorf("aggregate: list akeys for %s/%s: %w", oid, dkey, err)
		}
		for _, akey := range akeys {
			ab, err := a.processAkey(ctx, containerUUID, oid, dkey, akey, class, pidx, epr, yield, mapVer, credits, stats, failures)
			if err != nil {
				return false, err
			}
			if ab {
				return true, nil
			}
		}
	}
	return false, nil
}

func (a *Aggregator) processAkey(ctx context.Context, containerUUID string, oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey, class ectypes.EcClass, pidx uint32, epr extentstore.EpochRange, yield YieldFunc, mapVer cluster.MapVersion, credits *int, stats *Stats, failures *stripeFailures) (aborted bool, err error) {
	cur, err := a.Store.OpenAkeyCursor(ctx, oid, dkey, akey, epr)
	if err != nil {
		return false, fmt.Errorf("aggregate: open cursor for %s/%s/%s: %w", oid, dkey, akey, err)
	}
	defer cur.Close()

	var st stripeState

	for {
		ext, ok, err := cur.Next(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}

		thisStripe := class.StripeOf(ext.Recx.Idx)
		for st.started && thisStripe != st.stripeNum {
			a.processStripe(ctx, containerUUID, oid, dkey, akey, class, pidx, mapVer, &st, stats, failures)
		}
		st.append(ext, class)

		*credits++
		creditsMax := a.Config.CreditsMax
		if creditsMax <= 0 {
			creditsMax = config.Defaults().CreditsMax
		}
		if yield != nil && *credits%creditsMax == 0 {
			if yield() {
				return true, nil
			}
		}
	}

	if st.started {
		a.processStripe(ctx, containerUUID, oid, dkey, akey, class, pidx, mapVer, &st, stats, failures)
	}
	return false, nil
}

// processStripe runs the parity probe, classifier, and action for the
// stripe currently assembled in st, then performs the carry-over trim
// and advances *st to the next stripe in place. Per-stripe failures are
// logged and accumulated into failures rather than aborting the
// traversal; iteration continues with the next stripe number.
func (a *Aggregator) processStripe(ctx context.Context, containerUUID string, oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey, class ectypes.EcClass, pidx uint32, mapVer cluster.MapVersion, st *stripeState, stats *Stats, failures *stripeFailures) {
	start := time.Now()
	failed := false
	action := ActionNoOp

	probe, err := probeParity(ctx, a.Store, oid, dkey, akey, class, st.stripeNum)
	if err != nil {
		wrapped := fmt.Errorf("aggregate: parity probe failed for %s/%s/%s stripe %d: %w", oid, dkey, akey, st.stripeNum, err)
		glog.Warningf("%v", wrapped)
		failures.record(wrapped)
		failed = true
	} else {
		cells := cellAccounting(class, st.stripeNum, st.dataExtents)
		action = classify(class, st, probe, cells)
		if err := a.executeAction(ctx, oid, string(dkey), string(akey), class, pidx, mapVer, containerUUID, st, probe, cells, action); err != nil {
			wrapped := fmt.Errorf("aggregate: stripe %d action %v failed for %s/%s/%s: %w", st.stripeNum, action, oid, dkey, akey, err)
			glog.Warningf("%v", wrapped)
			failures.record(wrapped)
			failed = true
		}
	}

	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	metrics.ObserveStripe(action.String(), outcome, start)
	stats.record(action, failed)

	next, err := st.carryOverTrim(class)
	if err != nil {
		wrapped := fmt.Errorf("aggregate: %w at stripe %d for %s/%s/%s", err, st.stripeNum, oid, dkey, akey)
		glog.Errorf("%v", wrapped)
		failures.record(wrapped)
		next = stripeState{stripeNum: st.stripeNum + 1}
	}
	*st = next
}
