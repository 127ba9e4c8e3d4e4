package leveldbstore

import (
	"github.com/google/btree"
	leveldb_util "github.com/syndtr/goleveldb/leveldb/util"

	"github.com/ec-shard/ecagg/ectypes"
)

const btreeDegree = 32

// writeIndex returns the in-memory write index for one akey, lazily
// building it from leveldb on first use. Once built it is kept current by
// every subsequent Update/PunchHole/RangeRemove against that akey, so the
// leveldb prefix scan in buildIndex only ever runs once per akey per
// process lifetime.
func (s *Store) writeIndex(k akeyIndexKey) (*btree.BTree, error) {
	s.mu.Lock()
	if tr, ok := s.index[k]; ok && s.indexDone[k] {
		s.mu.Unlock()
		return tr, nil
	}
	s.mu.Unlock()

	tr, err := s.buildIndex(k)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.index[k] = tr
	s.indexDone[k] = true
	s.mu.Unlock()
	return tr, nil
}

func (s *Store) buildIndex(k akeyIndexKey) (*btree.BTree, error) {
	tr := btree.New(btreeDegree)

	prefix := akeyPrefixKey(prefixWrite, k.oid, k.dkey, k.akey)
	iter := s.db.NewIterator(leveldb_util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		var v writeValue
		if err := gobDecode(iter.Value(), &v); err != nil {
			return nil, err
		}
		key := append([]byte(nil), iter.Key()...)
		idx, epoch := decodeWriteKeyTail(key)
		tr.ReplaceOrInsert(&writeItem{
			start:    idx,
			end:      idx + v.Nr,
			epoch:    ectypes.Epoch(epoch),
			isHole:   v.IsHole,
			checksum: v.Checksum,
			ldbKey:   key,
		})
	}
	return tr, iter.Error()
}

func decodeWriteKeyTail(key []byte) (idx, epoch uint64) {
	n := len(key)
	idx = beUint64(key[n-16 : n-8])
	epoch = beUint64(key[n-8:])
	return idx, epoch
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// overlapping walks items in ascending start order and invokes fn for
// every item whose [start,end) interval overlaps [lo,hi), stopping the
// walk as soon as an item starts at or past hi, since no later item (all
// sorted by start) can overlap either.
func overlapping(tr *btree.BTree, lo, hi uint64, fn func(*writeItem) bool) {
	tr.Ascend(func(item btree.Item) bool {
		w := item.(*writeItem)
		if w.start >= hi {
			return false
		}
		if w.end <= lo {
			return true
		}
		return fn(w)
	})
}
