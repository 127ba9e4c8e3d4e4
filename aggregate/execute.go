package aggregate

import (
	"context"
	"crypto/md5"
	"fmt"
	"time"

	"github.com/ec-shard/ecagg/cluster"
	"github.com/ec-shard/ecagg/codec"
	"github.com/ec-shard/ecagg/ecrpc"
	"github.com/ec-shard/ecagg/ectypes"
	"github.com/ec-shard/ecagg/extentstore"
	"github.com/ec-shard/ecagg/metrics"
)

// checksum computes the verification checksum stored alongside parity and
// re-replicated ranges when checksums_enabled is set, a plain md5 sum
// rather than a dedicated checksum library.
func checksum(data []byte) []byte {
	sum := md5.Sum(data)
	return sum[:]
}

// executeAction dispatches the classified stripe to its action handler.
func (a *Aggregator) executeAction(ctx context.Context, oid ectypes.OID, dkey, akey string, class ectypes.EcClass, pidx uint32, mapVer cluster.MapVersion, containerUUID string, st *stripeState, probe parityProbe, cells cellStats, action Action) error {
	switch action {
	case ActionNoOp:
		return nil
	case ActionDrop:
		return a.removeReplicas(ctx, oid, ectypes.Dkey(dkey), ectypes.Akey(akey), class, st)
	case ActionFullEncode:
		return a.doFullEncode(ctx, oid, dkey, akey, class, pidx, mapVer, containerUUID, st, probe)
	case ActionFullRecalc:
		return a.doFullRecalc(ctx, oid, dkey, akey, class, pidx, mapVer, containerUUID, st, probe, cells)
	case ActionPartialUpdate:
		return a.doPartialUpdate(ctx, oid, dkey, akey, class, pidx, mapVer, containerUUID, st, probe, cells)
	case ActionHoleFill:
		return a.doHoleFill(ctx, oid, dkey, akey, class, pidx, mapVer, containerUUID, st, probe)
	default:
		return fmt.Errorf("%w: unknown action %v", ErrInvariant, action)
	}
}

func cellRecxAt(class ectypes.EcClass, stripeNum uint64, cell uint32) ectypes.Recx {
	stripeStart, _ := class.StripeBounds(stripeNum)
	return ectypes.Recx{Idx: stripeStart + uint64(cell)*class.CellRecords(), Nr: class.CellRecords()}
}

// doFullEncode handles the stripe-entirely-filled case: the stripe is
// filled by replicas newer than (or in the absence of) parity. Fetch the
// whole stripe of local data, GF-encode, ship, remove replicas.
func (a *Aggregator) doFullEncode(ctx context.Context, oid ectypes.OID, dkey, akey string, class ectypes.EcClass, pidx uint32, mapVer cluster.MapVersion, containerUUID string, st *stripeState, probe parityProbe) error {
	cdc, err := a.getCodec(class)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCodec, err)
	}

	dataCells := make([][]byte, class.K)
	for c := uint32(0); c < class.K; c++ {
		data, err := a.Store.Fetch(ctx, oid, st.hiEpoch, ectypes.Dkey(dkey), ectypes.Akey(akey), cellRecxAt(class, st.stripeNum, c))
		if err != nil {
			return fmt.Errorf("%w: fetch cell %d: %v", ErrCodec, c, err)
		}
		dataCells[c] = data
	}

	result, err := a.offload.runSync(ctx, func(context.Context) (interface{}, error) {
		start := time.Now()
		parity, err := cdc.FullEncode(dataCells)
		metrics.ObserveCodec("full_encode", start)
		return parity, err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCodec, err)
	}

	return a.finishParityWrite(ctx, oid, dkey, akey, class, pidx, mapVer, containerUUID, st, probe, result.([][]byte))
}

// doFullRecalc is branch 5: a majority of cells are fully covered by newer
// replicas (or some replicas predate parity). Pull the complementary
// cells from the data shards, GF-encode the whole stripe, ship, remove.
func (a *Aggregator) doFullRecalc(ctx context.Context, oid ectypes.OID, dkey, akey string, class ectypes.EcClass, pidx uint32, mapVer cluster.MapVersion, containerUUID string, st *stripeState, probe parityProbe, cells cellStats) error {
	cdc, err := a.getCodec(class)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCodec, err)
	}

	handle, err := a.ObjClient.Open(ctx, containerUUID, oid)
	if err != nil {
		return fmt.Errorf("aggregate: open object client: %w", err)
	}
	defer handle.Close()

	dataCells := make([][]byte, class.K)
	for c := uint32(0); c < class.K; c++ {
		recx := cellRecxAt(class, st.stripeNum, c)
		if cells.full[c] {
			data, err := a.Store.Fetch(ctx, oid, st.hiEpoch, ectypes.Dkey(dkey), ectypes.Akey(akey), recx)
			if err != nil {
				return fmt.Errorf("%w: fetch local cell %d: %v", ErrCodec, c, err)
			}
			dataCells[c] = data
			continue
		}
		data, err := handle.Fetch(ctx, st.hiEpoch, ectypes.Dkey(dkey), ectypes.Akey(akey), recx, ectypes.ShardIndex(c))
		if err != nil {
			return fmt.Errorf("%w: fetch remote cell %d: %v", ErrCodec, c, err)
		}
		dataCells[c] = data
	}

	result, err := a.offload.runSync(ctx, func(context.Context) (interface{}, error) {
		start := time.Now()
		parity, err := cdc.Recalc(dataCells)
		metrics.ObserveCodec("full_recalc", start)
		return parity, err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCodec, err)
	}

	return a.finishParityWrite(ctx, oid, dkey, akey, class, pidx, mapVer, containerUUID, st, probe, result.([][]byte))
}

// doPartialUpdate is branch 6: a minority of cells are touched. Compute the
// hole-zeroed XOR diff for the touched cell against its value at the
// parity epoch, and ship the diff (not an absolute parity image) so each
// peer can apply the incremental update against its own locally held old
// parity.
func (a *Aggregator) doPartialUpdate(ctx context.Context, oid ectypes.OID, dkey, akey string, class ectypes.EcClass, pidx uint32, mapVer cluster.MapVersion, containerUUID string, st *stripeState, probe parityProbe, cells cellStats) error {
	touchedCell := -1
	for c, t := range cells.touched {
		if t {
			touchedCell = c
			break
		}
	}
	if touchedCell < 0 {
		return fmt.Errorf("%w: partial-update with no touched cell", ErrInvariant)
	}
	cell := uint32(touchedCell)
	recx := cellRecxAt(class, st.stripeNum, cell)

	handle, err := a.ObjClient.Open(ctx, containerUUID, oid)
	if err != nil {
		return fmt.Errorf("aggregate: open object client: %w", err)
	}
	defer handle.Close()

	oldData, err := handle.Fetch(ctx, probe.epoch, ectypes.Dkey(dkey), ectypes.Akey(akey), recx, ectypes.ShardIndex(cell))
	if err != nil {
		return fmt.Errorf("%w: fetch old cell %d at epoch %d: %v", ErrCodec, cell, probe.epoch, err)
	}
	newData, err := a.Store.Fetch(ctx, oid, st.hiEpoch, ectypes.Dkey(dkey), ectypes.Akey(akey), recx)
	if err != nil {
		return fmt.Errorf("%w: fetch new cell %d: %v", ErrCodec, cell, err)
	}

	recordSize := int(class.RecordSize)
	cellStart, _ := class.StripeBounds(st.stripeNum)
	cellStart += uint64(cell) * class.CellRecords()

	var spans []codec.ByteSpan
	for _, e := range st.dataExtents {
		if e.IsHole || e.Epoch <= probe.epoch {
			continue
		}
		lo := max64(e.Recx.Idx, recx.Idx)
		hi := min64(e.Recx.End(), recx.End())
		if hi <= lo {
			continue
		}
		spans = append(spans, codec.ByteSpan{
			Start: int(lo-cellStart) * recordSize,
			End:   int(hi-cellStart) * recordSize,
		})
	}

	diff := make([]byte, class.CellBytes())
	codec.XORDiff(diff, oldData, newData)
	codec.ZeroOutsideSpans(diff, spans)

	localParityOld, err := a.Store.Fetch(ctx, oid, probe.epoch, ectypes.Dkey(dkey), ectypes.Akey(akey), probe.recx)
	if err != nil {
		return fmt.Errorf("%w: fetch local old parity: %v", ErrCodec, err)
	}
	cdc, err := a.getCodec(class)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCodec, err)
	}

	result, err := a.offload.runSync(ctx, func(context.Context) (interface{}, error) {
		start := time.Now()
		newParity, err := cdc.ApplyIncrementalDiff(pidx, localParityOld, cell, diff)
		metrics.ObserveCodec("partial_update", start)
		return newParity, err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCodec, err)
	}
	newLocalParity := result.([]byte)

	var newChecksum []byte
	if a.Config.ChecksumsEnabled {
		newChecksum = checksum(newLocalParity)
	}

	targets, err := a.parityTargets(ctx, containerUUID, oid, class)
	if err != nil {
		return fmt.Errorf("aggregate: resolve parity targets: %w", err)
	}
	shipment := peerShipment{
		containerUUID: containerUUID,
		localPidx:     pidx,
		targets:       targets,
		lo:            extentLo(st), hi: st.hiEpoch,
		stripeNum:   st.stripeNum,
		mapVer:      mapVer,
		writeParity: true,
		incremental: true,
		cellIndex:   cell,
		diff:        diff,
		removeRecxs: buildRemoveList(class, st),
	}
	if err := a.shipToPeers(ctx, oid, dkey, akey, class, mapVer, shipment); err != nil {
		return err
	}
	if err := a.commitParity(ctx, oid, ectypes.Dkey(dkey), ectypes.Akey(akey), probe, st.hiEpoch, newLocalParity, newChecksum); err != nil {
		return err
	}
	return a.removeReplicas(ctx, oid, ectypes.Dkey(dkey), ectypes.Akey(akey), class, st)
}

// doHoleFill is branch 4: a hole coexists with newer replicas. Pull the
// still-valid ranges from the data shards, re-replicate them to peers and
// then locally, and range-remove the stale parity on both sides rather
// than writing new parity over a hole.
func (a *Aggregator) doHoleFill(ctx context.Context, oid ectypes.OID, dkey, akey string, class ectypes.EcClass, pidx uint32, mapVer cluster.MapVersion, containerUUID string, st *stripeState, probe parityProbe) error {
	handle, err := a.ObjClient.Open(ctx, containerUUID, oid)
	if err != nil {
		return fmt.Errorf("aggregate: open object client: %w", err)
	}
	defer handle.Close()

	stripeStart, stripeEnd := class.StripeBounds(st.stripeNum)
	fullStripeRecx := ectypes.Recx{Idx: stripeStart, Nr: stripeEnd - stripeStart}

	valid := make([]byte, 0, int(fullStripeRecx.Nr)*int(class.RecordSize))
	for c := uint32(0); c < class.K; c++ {
		data, err := handle.Fetch(ctx, st.hiEpoch, ectypes.Dkey(dkey), ectypes.Akey(akey), cellRecxAt(class, st.stripeNum, c), ectypes.ShardIndex(c))
		if err != nil {
			return fmt.Errorf("aggregate: fetch valid ranges of cell %d for hole-fill: %v", c, err)
		}
		valid = append(valid, data...)
	}
	var csum []byte
	if a.Config.ChecksumsEnabled {
		csum = checksum(valid)
	}

	targets, err := a.parityTargets(ctx, containerUUID, oid, class)
	if err != nil {
		return fmt.Errorf("aggregate: resolve parity targets: %w", err)
	}
	shipment := peerShipment{
		containerUUID: containerUUID,
		localPidx:     pidx,
		targets:       targets,
		lo:            extentLo(st), hi: st.hiEpoch,
		stripeNum:     st.stripeNum,
		mapVer:        mapVer,
		isHoleFill:    true,
		replicateData: valid,
		replicateRecx: fullStripeRecx,
		replicateCsum: csum,
	}
	if err := a.shipToPeers(ctx, oid, dkey, akey, class, mapVer, shipment); err != nil {
		return err
	}

	if err := a.Store.Update(ctx, oid, st.hiEpoch, ectypes.Dkey(dkey), ectypes.Akey(akey), fullStripeRecx, valid, csum); err != nil {
		return fmt.Errorf("aggregate: local re-replicate: %w", err)
	}
	if err := a.Store.RangeRemove(ctx, oid, extentstore.EpochRange{Lo: 0, Hi: st.hiEpoch}, ectypes.Dkey(dkey), ectypes.Akey(akey), probe.recx); err != nil {
		return fmt.Errorf("aggregate: remove stale local parity: %w", err)
	}
	return nil
}

// finishParityWrite ships every peer its own absolute parity shard plus the
// removal list, then commits the locally computed parity shard and removes
// replicas now subsumed by parity (the tail shared by branches 2 and 5).
func (a *Aggregator) finishParityWrite(ctx context.Context, oid ectypes.OID, dkey, akey string, class ectypes.EcClass, pidx uint32, mapVer cluster.MapVersion, containerUUID string, st *stripeState, probe parityProbe, parityShards [][]byte) error {
	var checksums [][]byte
	if a.Config.ChecksumsEnabled {
		checksums = make([][]byte, len(parityShards))
		for i, shard := range parityShards {
			checksums[i] = checksum(shard)
		}
	}

	var localChecksum []byte
	if checksums != nil {
		localChecksum = checksums[pidx]
	}

	targets, err := a.parityTargets(ctx, containerUUID, oid, class)
	if err != nil {
		return fmt.Errorf("aggregate: resolve parity targets: %w", err)
	}
	shipment := peerShipment{
		containerUUID: containerUUID,
		localPidx:     pidx,
		targets:       targets,
		lo:            extentLo(st), hi: st.hiEpoch,
		stripeNum:   st.stripeNum,
		mapVer:      mapVer,
		writeParity: true,
		parityData:  parityShards,
		parityCsum:  checksums,
		removeRecxs: buildRemoveList(class, st),
	}
	if err := a.shipToPeers(ctx, oid, dkey, akey, class, mapVer, shipment); err != nil {
		return err
	}
	if err := a.commitParity(ctx, oid, ectypes.Dkey(dkey), ectypes.Akey(akey), probe, st.hiEpoch, parityShards[pidx], localChecksum); err != nil {
		return err
	}
	return a.removeReplicas(ctx, oid, ectypes.Dkey(dkey), ectypes.Akey(akey), class, st)
}

func (a *Aggregator) parityTargets(ctx context.Context, containerUUID string, oid ectypes.OID, class ectypes.EcClass) (map[uint32]cluster.TargetID, error) {
	handle, err := a.ObjClient.Open(ctx, containerUUID, oid)
	if err != nil {
		return nil, err
	}
	defer handle.Close()
	layout, err := handle.Layout(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]cluster.TargetID, class.P)
	for p := uint32(0); p < class.P; p++ {
		shardIdx := ectypes.ShardIndex(class.K + p)
		t, ok := layout[shardIdx]
		if !ok {
			return nil, fmt.Errorf("aggregate: no layout entry for parity shard %d", shardIdx)
		}
		out[p] = t
	}
	return out, nil
}

func buildRemoveList(class ectypes.EcClass, st *stripeState) []ecrpc.RecxEpoch {
	_, stripeEnd := class.StripeBounds(st.stripeNum)
	var out []ecrpc.RecxEpoch
	for _, e := range st.removalCandidates() {
		if e.OrigRecx.End() > stripeEnd {
			continue
		}
		out = append(out, ecrpc.RecxEpoch{Idx: e.OrigRecx.Idx, Nr: e.OrigRecx.Nr, Epoch: uint64(e.Epoch)})
	}
	return out
}

func extentLo(st *stripeState) ectypes.Epoch {
	lo := ectypes.EpochMax
	for _, e := range st.dataExtents {
		if e.Epoch < lo {
			lo = e.Epoch
		}
	}
	if lo == ectypes.EpochMax {
		return 0
	}
	return lo
}
