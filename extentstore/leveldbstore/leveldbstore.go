// Package leveldbstore is a goleveldb-backed extentstore.Store, the
// persistent counterpart to extentstore/memstore, grounded on
// weed/filer/leveldb3's open/get/put/iterator conventions. Each akey's
// writes are also indexed in an in-memory google/btree.BTree so that
// RangeRemove and cursor construction can walk the writes that overlap a
// query range in ascending-start order without re-scanning every key the
// akey has ever held: an Ascend walk from the lowest start that stops at
// the first write starting past the range, after the classic btree API
// weed/filer2/memdb/memdb_store.go uses for its own ordered lookups.
package leveldbstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"sync"

	"github.com/google/btree"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	leveldb_util "github.com/syndtr/goleveldb/leveldb/util"

	"github.com/ec-shard/ecagg/ectypes"
)

const (
	prefixWrite     = 'W'
	prefixParity    = 'P'
	prefixClass     = 'C'
	prefixDkey      = 'D'
	prefixAkey      = 'A'
	prefixObject    = 'O'
	prefixWatermark = 'M'
)

type writeValue struct {
	Nr       uint64
	Epoch    uint64
	IsHole   bool
	Data     []byte
	Checksum []byte
}

type parityValue struct {
	Epoch    uint64
	Data     []byte
	Checksum []byte
}

// akeyIndexKey identifies one (oid, dkey, akey) write index in memory.
type akeyIndexKey struct {
	oid  ectypes.OID
	dkey ectypes.Dkey
	akey ectypes.Akey
}

// writeItem is one btree entry: the write's interval, its epoch, enough
// metadata to answer a cursor query without a leveldb round trip, and the
// leveldb key holding its encoded value for when the actual bytes are
// needed (Fetch).
type writeItem struct {
	start, end uint64
	epoch      ectypes.Epoch
	isHole     bool
	checksum   []byte
	ldbKey     []byte
}

func (w *writeItem) Less(other btree.Item) bool {
	o := other.(*writeItem)
	if w.start != o.start {
		return w.start < o.start
	}
	if w.epoch != o.epoch {
		return w.epoch < o.epoch
	}
	return bytes.Compare(w.ldbKey, o.ldbKey) < 0
}

// Store is the goleveldb-backed reference extentstore.Store.
type Store struct {
	db *leveldb.DB

	mu        sync.RWMutex
	index     map[akeyIndexKey]*btree.BTree
	indexDone map[akeyIndexKey]bool
	classes   map[ectypes.OID]ectypes.EcClass
}

// Open opens (or creates) a leveldb database rooted at dir, mirroring
// weed/filer/leveldb3's bloom-filter / block-cache configuration.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("leveldbstore: mkdir %s: %w", dir, err)
	}
	opts := &opt.Options{
		BlockCacheCapacity: 32 * 1024 * 1024,
		WriteBuffer:        16 * 1024 * 1024,
		Filter:             filter.NewBloomFilter(8),
	}
	db, err := leveldb.OpenFile(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("leveldbstore: open %s: %w", dir, err)
	}
	return &Store{
		db:        db,
		index:     make(map[akeyIndexKey]*btree.BTree),
		indexDone: make(map[akeyIndexKey]bool),
		classes:   make(map[ectypes.OID]ectypes.EcClass),
	}, nil
}

// Close releases the underlying leveldb handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func oidBytes(oid ectypes.OID) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], oid.Hi)
	binary.BigEndian.PutUint64(b[8:16], oid.Lo)
	return b
}

func lenPrefixed(s string) []byte {
	b := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(b[0:2], uint16(len(s)))
	copy(b[2:], s)
	return b
}

func akeyPrefixKey(prefix byte, oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey) []byte {
	var buf bytes.Buffer
	buf.WriteByte(prefix)
	buf.Write(oidBytes(oid))
	buf.Write(lenPrefixed(string(dkey)))
	buf.Write(lenPrefixed(string(akey)))
	return buf.Bytes()
}

func writeKey(oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey, idx uint64, epoch ectypes.Epoch) []byte {
	base := akeyPrefixKey(prefixWrite, oid, dkey, akey)
	tail := make([]byte, 16)
	binary.BigEndian.PutUint64(tail[0:8], idx)
	binary.BigEndian.PutUint64(tail[8:16], uint64(epoch))
	return append(base, tail...)
}

func parityKey(oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey, stripe uint64) []byte {
	base := akeyPrefixKey(prefixParity, oid, dkey, akey)
	tail := make([]byte, 8)
	binary.BigEndian.PutUint64(tail, stripe)
	return append(base, tail...)
}

func classKey(oid ectypes.OID) []byte {
	return append([]byte{prefixClass}, oidBytes(oid)...)
}

func dkeyMarkerKey(oid ectypes.OID, dkey ectypes.Dkey) []byte {
	var buf bytes.Buffer
	buf.WriteByte(prefixDkey)
	buf.Write(oidBytes(oid))
	buf.Write(lenPrefixed(string(dkey)))
	return buf.Bytes()
}

func akeyMarkerKey(oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey) []byte {
	return akeyPrefixKey(prefixAkey, oid, dkey, akey)
}

func objectMarkerKey(oid ectypes.OID) []byte {
	return append([]byte{prefixObject}, oidBytes(oid)...)
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// SetOclassAttrs registers the EC class parameters for an object. Unlike
// memstore, this is also persisted, since a leveldb-backed store is
// expected to survive process restarts.
func (s *Store) SetOclassAttrs(ctx context.Context, oid ectypes.OID, class ectypes.EcClass) error {
	data, err := gobEncode(class)
	if err != nil {
		return err
	}
	if err := s.db.Put(classKey(oid), data, nil); err != nil {
		return fmt.Errorf("leveldbstore: put class: %w", err)
	}
	if err := s.db.Put(objectMarkerKey(oid), []byte{1}, nil); err != nil {
		return fmt.Errorf("leveldbstore: put object marker: %w", err)
	}
	s.mu.Lock()
	s.classes[oid] = class
	s.mu.Unlock()
	return nil
}

func (s *Store) OclassAttrs(ctx context.Context, oid ectypes.OID) (ectypes.EcClass, error) {
	s.mu.RLock()
	if c, ok := s.classes[oid]; ok {
		s.mu.RUnlock()
		return c, nil
	}
	s.mu.RUnlock()

	data, err := s.db.Get(classKey(oid), nil)
	if err == leveldb.ErrNotFound {
		return ectypes.EcClass{}, nil
	}
	if err != nil {
		return ectypes.EcClass{}, fmt.Errorf("leveldbstore: get class: %w", err)
	}
	var class ectypes.EcClass
	if err := gobDecode(data, &class); err != nil {
		return ectypes.EcClass{}, err
	}
	s.mu.Lock()
	s.classes[oid] = class
	s.mu.Unlock()
	return class, nil
}

func (s *Store) ListObjects(ctx context.Context) ([]ectypes.OID, error) {
	iter := s.db.NewIterator(leveldb_util.BytesPrefix([]byte{prefixObject}), nil)
	defer iter.Release()
	var out []ectypes.OID
	for iter.Next() {
		key := iter.Key()
		if len(key) < 17 {
			continue
		}
		out = append(out, ectypes.OID{
			Hi: binary.BigEndian.Uint64(key[1:9]),
			Lo: binary.BigEndian.Uint64(key[9:17]),
		})
	}
	return out, iter.Error()
}

func (s *Store) ListDkeys(ctx context.Context, oid ectypes.OID) ([]ectypes.Dkey, error) {
	prefix := append([]byte{prefixDkey}, oidBytes(oid)...)
	iter := s.db.NewIterator(leveldb_util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var out []ectypes.Dkey
	for iter.Next() {
		dkey, _, ok := readLenPrefixed(iter.Key()[len(prefix):])
		if ok {
			out = append(out, ectypes.Dkey(dkey))
		}
	}
	return out, iter.Error()
}

func (s *Store) ListAkeys(ctx context.Context, oid ectypes.OID, dkey ectypes.Dkey) ([]ectypes.Akey, error) {
	prefix := append([]byte{prefixAkey}, oidBytes(oid)...)
	prefix = append(prefix, lenPrefixed(string(dkey))...)
	iter := s.db.NewIterator(leveldb_util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var out []ectypes.Akey
	for iter.Next() {
		akey, _, ok := readLenPrefixed(iter.Key()[len(prefix):])
		if ok {
			out = append(out, ectypes.Akey(akey))
		}
	}
	return out, iter.Error()
}

func readLenPrefixed(b []byte) (string, int, bool) {
	if len(b) < 2 {
		return "", 0, false
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) < 2+n {
		return "", 0, false
	}
	return string(b[2 : 2+n]), 2 + n, true
}

func watermarkKey(containerID string) []byte {
	return append([]byte{prefixWatermark}, []byte(containerID)...)
}

// LastAggregated implements extentstore.Watermarks, persisting the
// per-container watermark alongside the rest of the store so it survives
// process restarts.
func (s *Store) LastAggregated(ctx context.Context, containerID string) (ectypes.Epoch, error) {
	data, err := s.db.Get(watermarkKey(containerID), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("leveldbstore: get watermark: %w", err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("leveldbstore: corrupt watermark for %s", containerID)
	}
	return ectypes.Epoch(binary.BigEndian.Uint64(data)), nil
}

// AdvanceLastAggregated implements extentstore.Watermarks.
func (s *Store) AdvanceLastAggregated(ctx context.Context, containerID string, hi ectypes.Epoch) error {
	cur, err := s.LastAggregated(ctx, containerID)
	if err != nil {
		return err
	}
	if hi <= cur {
		return nil
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(hi))
	if err := s.db.Put(watermarkKey(containerID), buf, nil); err != nil {
		return fmt.Errorf("leveldbstore: put watermark: %w", err)
	}
	return nil
}

func (s *Store) markKeys(oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey) error {
	batch := new(leveldb.Batch)
	batch.Put(objectMarkerKey(oid), []byte{1})
	batch.Put(dkeyMarkerKey(oid, dkey), []byte{1})
	batch.Put(akeyMarkerKey(oid, dkey, akey), []byte{1})
	return s.db.Write(batch, nil)
}
