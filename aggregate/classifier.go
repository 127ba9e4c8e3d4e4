package aggregate

import (
	"context"
	"sort"

	"github.com/ec-shard/ecagg/ectypes"
	"github.com/ec-shard/ecagg/extentstore"
)

// Action is one of the six disjoint branches a stripe is classified into.
type Action int

const (
	ActionDrop Action = iota
	ActionFullEncode
	ActionNoOp
	ActionHoleFill
	ActionFullRecalc
	ActionPartialUpdate
)

func (a Action) String() string {
	switch a {
	case ActionDrop:
		return "drop"
	case ActionFullEncode:
		return "full-encode"
	case ActionNoOp:
		return "no-op"
	case ActionHoleFill:
		return "hole-fill"
	case ActionFullRecalc:
		return "full-recalc"
	case ActionPartialUpdate:
		return "partial-update"
	default:
		return "unknown"
	}
}

// parityProbe is the result of the nested parity-recx lookup.
type parityProbe struct {
	recx  ectypes.Recx
	epoch ectypes.Epoch
	found bool
}

// probeParity queries the reserved parity recx for the stripe currently
// assembled, recording absence with the EpochMax sentinel.
func probeParity(ctx context.Context, store extentstore.Store, oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey, class ectypes.EcClass, stripeNum uint64) (parityProbe, error) {
	recx := ectypes.ParityRecx(stripeNum, class.L)
	epoch, err := store.ProbeParity(ctx, oid, dkey, akey, recx)
	if err != nil {
		if err == extentstore.ErrNotFound {
			return parityProbe{recx: recx, epoch: ectypes.EpochMax, found: false}, nil
		}
		return parityProbe{}, err
	}
	return parityProbe{recx: recx, epoch: epoch, found: true}, nil
}

// cellStats is the per-cell touched/full accounting used to pick between
// full-recalc and partial-update.
type cellStats struct {
	touched      []bool
	full         []bool
	touchedCount int
	fullCount    int
}

// cellAccounting scans the contiguous, non-hole replica runs covering the
// current stripe and marks each cell c ∈ [0, K) touched (any overlap) or
// full (a single contiguous run covers it entirely).
func cellAccounting(class ectypes.EcClass, stripeNum uint64, extents []extentstore.Extent) cellStats {
	K := int(class.K)
	stats := cellStats{touched: make([]bool, K), full: make([]bool, K)}

	stripeStart, _ := class.StripeBounds(stripeNum)

	type span struct{ start, end uint64 }
	var spans []span
	for _, e := range extents {
		if e.IsHole {
			continue
		}
		spans = append(spans, span{start: e.Recx.Idx - stripeStart, end: e.Recx.End() - stripeStart})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var runs []span
	for _, sp := range spans {
		if len(runs) > 0 && sp.start <= runs[len(runs)-1].end {
			if sp.end > runs[len(runs)-1].end {
				runs[len(runs)-1].end = sp.end
			}
			continue
		}
		runs = append(runs, sp)
	}

	cellRecords := class.CellRecords()
	for _, r := range runs {
		firstCell := int(r.start / cellRecords)
		lastCell := int((r.end - 1) / cellRecords)
		for c := firstCell; c <= lastCell && c < K; c++ {
			if c < 0 {
				continue
			}
			stats.touched[c] = true
			cellStart := uint64(c) * cellRecords
			cellEnd := cellStart + cellRecords
			if r.start <= cellStart && r.end >= cellEnd {
				stats.full[c] = true
			}
		}
	}
	for _, t := range stats.touched {
		if t {
			stats.touchedCount++
		}
	}
	for _, f := range stats.full {
		if f {
			stats.fullCount++
		}
	}
	return stats
}

// classify runs the six-branch decision table in its own precedence
// order.
func classify(class ectypes.EcClass, st *stripeState, probe parityProbe, cells cellStats) Action {
	hasParity := probe.found

	someNewer := false
	hasOlderThanParity := false
	allNewerThanParity := true
	for _, e := range st.dataExtents {
		if !hasParity {
			continue
		}
		if e.Epoch > probe.epoch {
			someNewer = true
		} else {
			hasOlderThanParity = true
			allNewerThanParity = false
		}
	}

	switch {
	case hasParity && !someNewer:
		return ActionDrop
	case st.stripeFill == class.StripeRecords() && (!hasParity || allNewerThanParity):
		return ActionFullEncode
	case !hasParity && st.stripeFill < class.StripeRecords():
		return ActionNoOp
	case hasParity && someNewer && st.hasHoles:
		return ActionHoleFill
	case hasParity && someNewer && !st.hasHoles &&
		(cells.fullCount*2 >= int(class.K) || cells.touchedCount == int(class.K) || hasOlderThanParity):
		return ActionFullRecalc
	default:
		return ActionPartialUpdate
	}
}
