package memstore

import (
	"context"
	"sort"

	"github.com/ec-shard/ecagg/ectypes"
	"github.com/ec-shard/ecagg/extentstore"
	"github.com/ec-shard/ecagg/extentstore/overlay"
)

// writeRef names which raw write (by index) is visible over a range.
type writeRef struct {
	writeIdx int
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

// OpenAkeyCursor resolves the currently visible data extents for one akey,
// bounded by epr, by overlaying every raw write in ascending epoch order
// so later epochs win over the spans they cover.
func (s *Store) OpenAkeyCursor(ctx context.Context, oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey, epr extentstore.EpochRange) (extentstore.AkeyCursor, error) {
	s.mu.Lock()
	a := s.akeyState(oid, dkey, akey)
	writes := make([]rawWrite, len(a.writes))
	copy(writes, a.writes)
	s.mu.Unlock()

	var inRange []int
	for i, w := range writes {
		if epr.Contains(w.epoch) {
			inRange = append(inRange, i)
		}
	}
	sort.Slice(inRange, func(i, j int) bool { return writes[inRange[i]].epoch < writes[inRange[j]].epoch })

	list := overlay.New[writeRef]()
	for _, idx := range inRange {
		w := writes[idx]
		list.Overlay(w.recx.Idx, w.recx.End(), writeRef{writeIdx: idx})
	}

	var out []extentstore.Extent
	list.Visible(func(start, end uint64, ref writeRef) {
		w := writes[ref.writeIdx]
		out = append(out, extentstore.Extent{
			Recx:     ectypes.Recx{Idx: start, Nr: end - start},
			OrigRecx: w.recx,
			Epoch:    w.epoch,
			IsHole:   w.isHole,
			Checksum: w.checksum,
		})
	})

	return &cursor{extents: out}, nil
}
