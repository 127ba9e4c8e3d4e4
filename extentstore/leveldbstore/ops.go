package leveldbstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/btree"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/ec-shard/ecagg/ectypes"
	"github.com/ec-shard/ecagg/extentstore"
	"github.com/ec-shard/ecagg/extentstore/overlay"
)

func (s *Store) Update(ctx context.Context, oid ectypes.OID, epoch ectypes.Epoch, dkey ectypes.Dkey, akey ectypes.Akey, recx ectypes.Recx, data []byte, checksum []byte) error {
	if recx.IsParity() {
		return s.putParity(oid, dkey, akey, recx, epoch, data, checksum)
	}

	k := akeyIndexKey{oid: oid, dkey: dkey, akey: akey}
	ldbKey := writeKey(oid, dkey, akey, recx.Idx, epoch)
	value, err := gobEncode(writeValue{Nr: recx.Nr, Epoch: uint64(epoch), Data: data, Checksum: checksum})
	if err != nil {
		return err
	}
	if err := s.db.Put(ldbKey, value, nil); err != nil {
		return fmt.Errorf("leveldbstore: put write: %w", err)
	}
	if err := s.markKeys(oid, dkey, akey); err != nil {
		return err
	}

	tr, err := s.writeIndex(k)
	if err != nil {
		return err
	}
	s.mu.Lock()
	tr.ReplaceOrInsert(&writeItem{start: recx.Idx, end: recx.End(), epoch: epoch, checksum: checksum, ldbKey: ldbKey})
	s.mu.Unlock()
	return nil
}

func (s *Store) PunchHole(ctx context.Context, oid ectypes.OID, epoch ectypes.Epoch, dkey ectypes.Dkey, akey ectypes.Akey, recx ectypes.Recx) error {
	k := akeyIndexKey{oid: oid, dkey: dkey, akey: akey}
	ldbKey := writeKey(oid, dkey, akey, recx.Idx, epoch)
	value, err := gobEncode(writeValue{Nr: recx.Nr, Epoch: uint64(epoch), IsHole: true})
	if err != nil {
		return err
	}
	if err := s.db.Put(ldbKey, value, nil); err != nil {
		return fmt.Errorf("leveldbstore: put hole: %w", err)
	}
	if err := s.markKeys(oid, dkey, akey); err != nil {
		return err
	}

	tr, err := s.writeIndex(k)
	if err != nil {
		return err
	}
	s.mu.Lock()
	tr.ReplaceOrInsert(&writeItem{start: recx.Idx, end: recx.End(), epoch: epoch, isHole: true, ldbKey: ldbKey})
	s.mu.Unlock()
	return nil
}

func (s *Store) putParity(oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey, recx ectypes.Recx, epoch ectypes.Epoch, data, checksum []byte) error {
	class, err := s.OclassAttrs(context.Background(), oid)
	if err != nil {
		return err
	}
	stripe := ectypes.StripeOfParityRecx(recx, class.L)
	value, err := gobEncode(parityValue{Epoch: uint64(epoch), Data: data, Checksum: checksum})
	if err != nil {
		return err
	}
	if err := s.db.Put(parityKey(oid, dkey, akey, stripe), value, nil); err != nil {
		return fmt.Errorf("leveldbstore: put parity: %w", err)
	}
	return s.markKeys(oid, dkey, akey)
}

func (s *Store) ProbeParity(ctx context.Context, oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey, parityRecx ectypes.Recx) (ectypes.Epoch, error) {
	class, err := s.OclassAttrs(ctx, oid)
	if err != nil {
		return ectypes.EpochMax, err
	}
	stripe := ectypes.StripeOfParityRecx(parityRecx, class.L)
	data, err := s.db.Get(parityKey(oid, dkey, akey, stripe), nil)
	if err == leveldb.ErrNotFound {
		return ectypes.EpochMax, extentstore.ErrNotFound
	}
	if err != nil {
		return ectypes.EpochMax, fmt.Errorf("leveldbstore: get parity: %w", err)
	}
	var v parityValue
	if err := gobDecode(data, &v); err != nil {
		return ectypes.EpochMax, err
	}
	return ectypes.Epoch(v.Epoch), nil
}

func (s *Store) Fetch(ctx context.Context, oid ectypes.OID, epoch ectypes.Epoch, dkey ectypes.Dkey, akey ectypes.Akey, recx ectypes.Recx) ([]byte, error) {
	class, err := s.OclassAttrs(ctx, oid)
	if err != nil {
		return nil, err
	}

	if recx.IsParity() {
		stripe := ectypes.StripeOfParityRecx(recx, class.L)
		data, err := s.db.Get(parityKey(oid, dkey, akey, stripe), nil)
		if err == leveldb.ErrNotFound {
			return nil, extentstore.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("leveldbstore: get parity: %w", err)
		}
		var v parityValue
		if err := gobDecode(data, &v); err != nil {
			return nil, err
		}
		if ectypes.Epoch(v.Epoch) > epoch {
			return nil, extentstore.ErrNotFound
		}
		out := make([]byte, recx.Nr*uint64(class.RecordSize))
		copy(out, v.Data)
		return out, nil
	}

	tr, err := s.writeIndex(akeyIndexKey{oid: oid, dkey: dkey, akey: akey})
	if err != nil {
		return nil, err
	}

	recordSize := uint64(class.RecordSize)
	out := make([]byte, recx.Nr*recordSize)

	s.mu.RLock()
	var items []*writeItem
	overlapping(tr, recx.Idx, recx.End(), func(w *writeItem) bool {
		if w.epoch <= epoch && !w.isHole {
			items = append(items, w)
		}
		return true
	})
	s.mu.RUnlock()

	for _, w := range items {
		value, err := s.db.Get(w.ldbKey, nil)
		if err != nil {
			return nil, fmt.Errorf("leveldbstore: get write: %w", err)
		}
		var v writeValue
		if err := gobDecode(value, &v); err != nil {
			return nil, err
		}
		lo := maxU64(w.start, recx.Idx)
		hi := minU64(w.end, recx.End())
		srcOff := (lo - w.start) * recordSize
		dstOff := (lo - recx.Idx) * recordSize
		n := (hi - lo) * recordSize
		copy(out[dstOff:dstOff+n], v.Data[srcOff:srcOff+n])
	}
	return out, nil
}

func (s *Store) RangeRemove(ctx context.Context, oid ectypes.OID, epr extentstore.EpochRange, dkey ectypes.Dkey, akey ectypes.Akey, recx ectypes.Recx) error {
	if recx.IsParity() {
		class, err := s.OclassAttrs(ctx, oid)
		if err != nil {
			return err
		}
		stripe := ectypes.StripeOfParityRecx(recx, class.L)
		key := parityKey(oid, dkey, akey, stripe)
		data, err := s.db.Get(key, nil)
		if err == leveldb.ErrNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("leveldbstore: get parity: %w", err)
		}
		var v parityValue
		if err := gobDecode(data, &v); err != nil {
			return err
		}
		if epr.Contains(ectypes.Epoch(v.Epoch)) {
			if err := s.db.Delete(key, nil); err != nil {
				return fmt.Errorf("leveldbstore: delete parity: %w", err)
			}
		}
		return nil
	}

	k := akeyIndexKey{oid: oid, dkey: dkey, akey: akey}
	tr, err := s.writeIndex(k)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var doomed []*writeItem
	overlapping(tr, recx.Idx, recx.End(), func(w *writeItem) bool {
		if epr.Contains(w.epoch) && recx.Idx <= w.start && w.end <= recx.End() {
			doomed = append(doomed, w)
		}
		return true
	})
	for _, w := range doomed {
		tr.Delete(w)
	}
	s.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, w := range doomed {
		batch.Delete(w.ldbKey)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("leveldbstore: delete writes: %w", err)
	}
	return nil
}

type writeRef struct {
	epoch    ectypes.Epoch
	isHole   bool
	checksum []byte
	orig     ectypes.Recx
}

// OpenAkeyCursor resolves the currently visible data extents for one akey,
// overlaying every indexed write in ascending epoch order, mirroring
// memstore's own cursor logic on top of the shared overlay package.
func (s *Store) OpenAkeyCursor(ctx context.Context, oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey, epr extentstore.EpochRange) (extentstore.AkeyCursor, error) {
	tr, err := s.writeIndex(akeyIndexKey{oid: oid, dkey: dkey, akey: akey})
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	var inRange []*writeItem
	tr.Ascend(func(item btree.Item) bool {
		w := item.(*writeItem)
		if epr.Contains(w.epoch) {
			inRange = append(inRange, w)
		}
		return true
	})
	s.mu.RUnlock()

	sort.Slice(inRange, func(i, j int) bool { return inRange[i].epoch < inRange[j].epoch })

	list := overlay.New[writeRef]()
	for _, w := range inRange {
		list.Overlay(w.start, w.end, writeRef{epoch: w.epoch, isHole: w.isHole, checksum: w.checksum, orig: ectypes.Recx{Idx: w.start, Nr: w.end - w.start}})
	}

	var out []extentstore.Extent
	list.Visible(func(start, end uint64, ref writeRef) {
		out = append(out, extentstore.Extent{
			Recx:     ectypes.Recx{Idx: start, Nr: end - start},
			OrigRecx: ref.orig,
			Epoch:    ref.epoch,
			IsHole:   ref.isHole,
			Checksum: ref.checksum,
		})
	})

	return &cursor{extents: out}, nil
}

type cursor struct {
	extents []extentstore.Extent
	pos     int
}

func (c *cursor) Next(ctx context.Context) (extentstore.Extent, bool, error) {
	if c.pos >= len(c.extents) {
		return extentstore.Extent{}, false, nil
	}
	e := c.extents[c.pos]
	c.pos++
	return e, true, nil
}

func (c *cursor) Close() error { return nil }

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
