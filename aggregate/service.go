package aggregate

import (
	"context"

	"github.com/golang/glog"

	"github.com/ec-shard/ecagg/ecrpc"
	"github.com/ec-shard/ecagg/ectypes"
	"github.com/ec-shard/ecagg/extentstore"
)

// Aggregate implements ecrpc.Service for the receiving side of the peer
// coordinator: a parity shard that is not leading this object's
// aggregation still runs this same Aggregator type, and applies the
// leader's parity write / incremental diff / removal list locally.
func (a *Aggregator) Aggregate(ctx context.Context, req *ecrpc.AggregateRequest) (*ecrpc.AggregateReply, error) {
	oid := ectypes.OID{Hi: req.OidHi, Lo: req.OidLo}
	dkey := ectypes.Dkey(req.Dkey)
	akey := ectypes.Akey(req.Akey)

	class, err := a.Store.OclassAttrs(ctx, oid)
	if err != nil {
		return &ecrpc.AggregateReply{Status: ecrpc.StatusCodecError, Message: err.Error()}, nil
	}
	parityRecx := ectypes.ParityRecx(req.StripeNum, class.L)

	if req.WriteParity {
		data := req.ParityData
		csum := req.ParityChecksum

		if req.Incremental {
			oldParity, err := a.Store.Fetch(ctx, oid, ectypes.Epoch(req.EprHi), dkey, akey, parityRecx)
			if err != nil {
				return &ecrpc.AggregateReply{Status: ecrpc.StatusCodecError, Message: err.Error()}, nil
			}
			cdc, err := a.getCodec(class)
			if err != nil {
				return &ecrpc.AggregateReply{Status: ecrpc.StatusCodecError, Message: err.Error()}, nil
			}
			newParity, err := cdc.ApplyIncrementalDiff(req.ParityIndex, oldParity, req.CellIndex, req.ParityData)
			if err != nil {
				return &ecrpc.AggregateReply{Status: ecrpc.StatusCodecError, Message: err.Error()}, nil
			}
			data = newParity
			if a.Config.ChecksumsEnabled {
				csum = checksum(newParity)
			}
		}

		if err := a.Store.Update(ctx, oid, ectypes.Epoch(req.EprHi), dkey, akey, parityRecx, data, csum); err != nil {
			return &ecrpc.AggregateReply{Status: ecrpc.StatusCodecError, Message: err.Error()}, nil
		}
	}

	for _, r := range req.RemoveRecxs {
		epr := extentstore.EpochRange{Lo: ectypes.Epoch(r.Epoch), Hi: ectypes.Epoch(r.Epoch)}
		recx := ectypes.Recx{Idx: r.Idx, Nr: r.Nr}
		if err := a.Store.RangeRemove(ctx, oid, epr, dkey, akey, recx); err != nil {
			glog.Warningf("aggregate: peer removal of %+v failed: %v", recx, err)
			return &ecrpc.AggregateReply{Status: ecrpc.StatusCodecError, Message: err.Error()}, nil
		}
	}

	return &ecrpc.AggregateReply{Status: ecrpc.StatusOK}, nil
}

// Replicate implements the receiving side of the hole-fill branch's
// re-replicate RPC: write the shipped valid ranges as a replica and drop
// the now-stale local parity for that stripe.
func (a *Aggregator) Replicate(ctx context.Context, req *ecrpc.ReplicateRequest) (*ecrpc.ReplicateReply, error) {
	oid := ectypes.OID{Hi: req.OidHi, Lo: req.OidLo}
	dkey := ectypes.Dkey(req.Dkey)
	akey := ectypes.Akey(req.Akey)

	class, err := a.Store.OclassAttrs(ctx, oid)
	if err != nil {
		return &ecrpc.ReplicateReply{Status: ecrpc.StatusCodecError, Message: err.Error()}, nil
	}

	recx := ectypes.Recx{Idx: req.RecxIdx, Nr: req.RecxNr}
	if err := a.Store.Update(ctx, oid, ectypes.Epoch(req.Epoch), dkey, akey, recx, req.Data, req.Checksum); err != nil {
		return &ecrpc.ReplicateReply{Status: ecrpc.StatusCodecError, Message: err.Error()}, nil
	}

	parityRecx := ectypes.ParityRecx(req.StripeNum, class.L)
	if err := a.Store.RangeRemove(ctx, oid, extentstore.EpochRange{Lo: 0, Hi: ectypes.Epoch(req.Epoch)}, dkey, akey, parityRecx); err != nil {
		return &ecrpc.ReplicateReply{Status: ecrpc.StatusCodecError, Message: err.Error()}, nil
	}

	return &ecrpc.ReplicateReply{Status: ecrpc.StatusOK}, nil
}
