package aggregate

import (
	"github.com/ec-shard/ecagg/ectypes"
	"github.com/ec-shard/ecagg/extentstore"
)

// stripeState is the per-akey aggregation state carried stripe to stripe.
// Its lifetime is one akey traversal; the iteration driver owns it
// exclusively.
type stripeState struct {
	started bool

	stripeNum uint64
	hiEpoch   ectypes.Epoch

	dataExtents     []extentstore.Extent
	holdOverExtents []extentstore.Extent

	stripeFill uint64
	offset     uint64
	hasHoles   bool
}

// append folds one incoming recx entry into the stripe currently being
// assembled.
func (s *stripeState) append(ext extentstore.Extent, class ectypes.EcClass) {
	stripeStart, stripeEnd := class.StripeBounds(s.stripeNum)

	if !s.started {
		s.started = true
		s.stripeNum = class.StripeOf(ext.Recx.Idx)
		stripeStart, stripeEnd = class.StripeBounds(s.stripeNum)
		s.offset = ext.Recx.Idx - stripeStart
	}

	s.dataExtents = append(s.dataExtents, ext)
	if ext.Epoch > s.hiEpoch {
		s.hiEpoch = ext.Epoch
	}

	if ext.IsHole {
		s.hasHoles = true
		return
	}

	lo := max64(ext.Recx.Idx, stripeStart)
	hi := min64(ext.Recx.End(), stripeEnd)
	if hi > lo {
		s.stripeFill += hi - lo
	}
}

// carryOverTrim executes the carry-over split: at most one extent in
// dataExtents may cross into the next stripe;
// its prefix stays with s (for removal bookkeeping after commit) and its
// suffix seeds the returned stripeState. Extents whose original recx
// extends past the stripe boundary but whose current trimmed recx does
// not are migrated into the next state's hold-over list.
func (s *stripeState) carryOverTrim(class ectypes.EcClass) (stripeState, error) {
	_, stripeEnd := class.StripeBounds(s.stripeNum)

	crossIdx := -1
	for i, e := range s.dataExtents {
		if e.Recx.Idx < stripeEnd && e.Recx.End() > stripeEnd {
			if crossIdx != -1 {
				return stripeState{}, ErrInvariant
			}
			crossIdx = i
		}
	}

	next := stripeState{stripeNum: s.stripeNum + 1}

	if crossIdx != -1 {
		crossing := s.dataExtents[crossIdx]
		suffix := extentstore.Extent{
			Recx:     ectypes.Recx{Idx: stripeEnd, Nr: crossing.Recx.End() - stripeEnd},
			OrigRecx: crossing.OrigRecx,
			Epoch:    crossing.Epoch,
			IsHole:   crossing.IsHole,
			Checksum: crossing.Checksum,
		}
		s.dataExtents[crossIdx].Recx.Nr = stripeEnd - crossing.Recx.Idx
		next.append(suffix, class)
	}

	for i, e := range s.dataExtents {
		if i == crossIdx {
			continue
		}
		if e.OrigRecx.End() > stripeEnd && e.Recx.End() <= stripeEnd {
			next.holdOverExtents = append(next.holdOverExtents, e)
		}
	}
	for _, e := range s.holdOverExtents {
		if e.OrigRecx.End() > stripeEnd {
			next.holdOverExtents = append(next.holdOverExtents, e)
		}
		// else: this hold-over's terminal stripe is the one just finished;
		// removeReplicas already range-removed it via removalCandidates
		// before carryOverTrim ran, so it is dropped here rather than
		// carried forward.
	}

	return next, nil
}

// removalCandidates returns every extent the committer may need to
// range_remove for this stripe: the stripe's own data extents plus any
// pending hold-over, whose original write crossed into this stripe from
// an earlier one and is now ripe for removal once its terminal stripe is
// reached.
func (s *stripeState) removalCandidates() []extentstore.Extent {
	if len(s.holdOverExtents) == 0 {
		return s.dataExtents
	}
	out := make([]extentstore.Extent, 0, len(s.dataExtents)+len(s.holdOverExtents))
	out = append(out, s.dataExtents...)
	out = append(out, s.holdOverExtents...)
	return out
}

// contained reports whether every data extent's original recx lies fully
// within the current stripe's record range and no hold-overs are pending,
// the condition that lets the committer issue a single whole-stripe
// range_remove instead of one range_remove per extent.
func (s *stripeState) contained(class ectypes.EcClass) bool {
	if len(s.holdOverExtents) > 0 {
		return false
	}
	stripeStart, stripeEnd := class.StripeBounds(s.stripeNum)
	for _, e := range s.dataExtents {
		if e.OrigRecx.Idx < stripeStart || e.OrigRecx.End() > stripeEnd {
			return false
		}
	}
	return true
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
