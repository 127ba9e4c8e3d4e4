package aggregate

import (
	"context"
	"fmt"

	"github.com/ec-shard/ecagg/ectypes"
	"github.com/ec-shard/ecagg/extentstore"
)

// commitParity writes the local parity cell, the first committer step:
// update(oid, hi_epoch, dkey, akey, recx=PARITY_FLAG|(s*L), len=L,
// sgl=parity_buf[pidx]).
func (a *Aggregator) commitParity(ctx context.Context, oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey, probe parityProbe, hiEpoch ectypes.Epoch, data, checksum []byte) error {
	if err := a.Store.Update(ctx, oid, hiEpoch, dkey, akey, probe.recx, data, checksum); err != nil {
		return fmt.Errorf("aggregate: commit parity: %w", err)
	}
	return nil
}

// removeReplicas runs the removal strategy: one range_remove for the
// whole stripe when every extent is contained and no hold-overs are
// pending, otherwise one range_remove per data extent bounded to its own
// epoch, plus any hold-over whose original write's terminal stripe is
// this one.
func (a *Aggregator) removeReplicas(ctx context.Context, oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey, class ectypes.EcClass, st *stripeState) error {
	if st.contained(class) {
		start, end := class.StripeBounds(st.stripeNum)
		epr := extentstore.EpochRange{Lo: 0, Hi: st.hiEpoch}
		if err := a.Store.RangeRemove(ctx, oid, epr, dkey, akey, ectypes.Recx{Idx: start, Nr: end - start}); err != nil {
			return fmt.Errorf("aggregate: range remove stripe %d: %w", st.stripeNum, err)
		}
		return nil
	}

	stripeStart, stripeEnd := class.StripeBounds(st.stripeNum)
	for _, e := range st.removalCandidates() {
		if e.OrigRecx.End() > stripeEnd {
			continue // still carried forward; removed once its own terminal stripe commits
		}
		if e.OrigRecx.Idx < stripeStart && e.OrigRecx.End() <= stripeStart {
			continue // already removed by a prior stripe's commit
		}
		epr := extentstore.EpochRange{Lo: e.Epoch, Hi: e.Epoch}
		if err := a.Store.RangeRemove(ctx, oid, epr, dkey, akey, e.OrigRecx); err != nil {
			return fmt.Errorf("aggregate: range remove extent %+v: %w", e.OrigRecx, err)
		}
	}
	return nil
}
