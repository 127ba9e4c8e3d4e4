// Package memstore is an in-memory reference implementation of
// extentstore.Store, used by unit tests and boundary-scenario tests. It
// keeps every raw write and resolves visibility with the epoch-ordered
// interval overlay used throughout extentstore.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/ec-shard/ecagg/ectypes"
	"github.com/ec-shard/ecagg/extentstore"
)

type rawWrite struct {
	recx     ectypes.Recx
	epoch    ectypes.Epoch
	isHole   bool
	data     []byte
	checksum []byte
}

type parityEntry struct {
	epoch    ectypes.Epoch
	data     []byte
	checksum []byte
}

type akeyState struct {
	writes []rawWrite
	parity map[uint64]parityEntry // stripe number -> entry
}

type dkeyState struct {
	akeys map[ectypes.Akey]*akeyState
}

type objState struct {
	class ectypes.EcClass
	dkeys map[ectypes.Dkey]*dkeyState
}

// Store is the in-memory extentstore.Store implementation.
type Store struct {
	mu         sync.Mutex
	objects    map[ectypes.OID]*objState
	watermarks map[string]ectypes.Epoch
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		objects:    make(map[ectypes.OID]*objState),
		watermarks: make(map[string]ectypes.Epoch),
	}
}

// LastAggregated implements extentstore.Watermarks.
func (s *Store) LastAggregated(ctx context.Context, containerID string) (ectypes.Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[containerID], nil
}

// AdvanceLastAggregated implements extentstore.Watermarks.
func (s *Store) AdvanceLastAggregated(ctx context.Context, containerID string, hi ectypes.Epoch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hi > s.watermarks[containerID] {
		s.watermarks[containerID] = hi
	}
	return nil
}

// SetOclassAttrs registers the EC class parameters for an object; must be
// called before any write against that object.
func (s *Store) SetOclassAttrs(oid ectypes.OID, class ectypes.EcClass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.obj(oid).class = class
}

func (s *Store) obj(oid ectypes.OID) *objState {
	o, ok := s.objects[oid]
	if !ok {
		o = &objState{dkeys: make(map[ectypes.Dkey]*dkeyState)}
		s.objects[oid] = o
	}
	return o
}

func (s *Store) dkeyState(oid ectypes.OID, dkey ectypes.Dkey) *dkeyState {
	o := s.obj(oid)
	d, ok := o.dkeys[dkey]
	if !ok {
		d = &dkeyState{akeys: make(map[ectypes.Akey]*akeyState)}
		o.dkeys[dkey] = d
	}
	return d
}

func (s *Store) akeyState(oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey) *akeyState {
	d := s.dkeyState(oid, dkey)
	a, ok := d.akeys[akey]
	if !ok {
		a = &akeyState{parity: make(map[uint64]parityEntry)}
		d.akeys[akey] = a
	}
	return a
}

func (s *Store) ListObjects(ctx context.Context) ([]ectypes.OID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ectypes.OID, 0, len(s.objects))
	for oid := range s.objects {
		out = append(out, oid)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hi != out[j].Hi {
			return out[i].Hi < out[j].Hi
		}
		return out[i].Lo < out[j].Lo
	})
	return out, nil
}

func (s *Store) ListDkeys(ctx context.Context, oid ectypes.OID) ([]ectypes.Dkey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[oid]
	if !ok {
		return nil, nil
	}
	out := make([]ectypes.Dkey, 0, len(o.dkeys))
	for dk := range o.dkeys {
		out = append(out, dk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) ListAkeys(ctx context.Context, oid ectypes.OID, dkey ectypes.Dkey) ([]ectypes.Akey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[oid]
	if !ok {
		return nil, nil
	}
	d, ok := o.dkeys[dkey]
	if !ok {
		return nil, nil
	}
	out := make([]ectypes.Akey, 0, len(d.akeys))
	for ak := range d.akeys {
		out = append(out, ak)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) OclassAttrs(ctx context.Context, oid ectypes.OID) (ectypes.EcClass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.obj(oid).class, nil
}

func (s *Store) Update(ctx context.Context, oid ectypes.OID, epoch ectypes.Epoch, dkey ectypes.Dkey, akey ectypes.Akey, recx ectypes.Recx, data []byte, checksum []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if recx.IsParity() {
		class := s.obj(oid).class
		stripe := ectypes.StripeOfParityRecx(recx, class.L)
		a := s.akeyState(oid, dkey, akey)
		a.parity[stripe] = parityEntry{epoch: epoch, data: append([]byte(nil), data...), checksum: checksum}
		return nil
	}

	a := s.akeyState(oid, dkey, akey)
	a.writes = append(a.writes, rawWrite{recx: recx, epoch: epoch, data: append([]byte(nil), data...), checksum: checksum})
	return nil
}

func (s *Store) PunchHole(ctx context.Context, oid ectypes.OID, epoch ectypes.Epoch, dkey ectypes.Dkey, akey ectypes.Akey, recx ectypes.Recx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.akeyState(oid, dkey, akey)
	a.writes = append(a.writes, rawWrite{recx: recx, epoch: epoch, isHole: true})
	return nil
}

func (s *Store) Fetch(ctx context.Context, oid ectypes.OID, epoch ectypes.Epoch, dkey ectypes.Dkey, akey ectypes.Akey, recx ectypes.Recx) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, recx.Nr*uint64(s.obj(oid).class.RecordSize))

	if recx.IsParity() {
		class := s.obj(oid).class
		stripe := ectypes.StripeOfParityRecx(recx, class.L)
		a := s.akeyState(oid, dkey, akey)
		entry, ok := a.parity[stripe]
		if !ok || entry.epoch > epoch {
			return nil, extentstore.ErrNotFound
		}
		copy(out, entry.data)
		return out, nil
	}

	a := s.akeyState(oid, dkey, akey)
	recordSize := uint64(s.obj(oid).class.RecordSize)
	for _, w := range a.writes {
		if w.epoch > epoch || w.isHole {
			continue
		}
		if !w.recx.Overlaps(recx) {
			continue
		}
		lo := max64(w.recx.Idx, recx.Idx)
		hi := min64(w.recx.End(), recx.End())
		srcOff := (lo - w.recx.Idx) * recordSize
		dstOff := (lo - recx.Idx) * recordSize
		n := (hi - lo) * recordSize
		copy(out[dstOff:dstOff+n], w.data[srcOff:srcOff+n])
	}
	return out, nil
}

func (s *Store) RangeRemove(ctx context.Context, oid ectypes.OID, epr extentstore.EpochRange, dkey ectypes.Dkey, akey ectypes.Akey, recx ectypes.Recx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.akeyState(oid, dkey, akey)

	if recx.IsParity() {
		class := s.obj(oid).class
		stripe := ectypes.StripeOfParityRecx(recx, class.L)
		if entry, ok := a.parity[stripe]; ok && epr.Contains(entry.epoch) {
			delete(a.parity, stripe)
		}
		return nil
	}

	kept := a.writes[:0]
	for _, w := range a.writes {
		if epr.Contains(w.epoch) && w.recx.Overlaps(recx) && recx.Idx <= w.recx.Idx && w.recx.End() <= recx.End() {
			// fully contained in the removed range at a matching epoch: drop it
			continue
		}
		kept = append(kept, w)
	}
	a.writes = kept
	return nil
}

func (s *Store) ProbeParity(ctx context.Context, oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey, parityRecx ectypes.Recx) (ectypes.Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	class := s.obj(oid).class
	stripe := ectypes.StripeOfParityRecx(parityRecx, class.L)
	a := s.akeyState(oid, dkey, akey)
	entry, ok := a.parity[stripe]
	if !ok {
		return ectypes.EpochMax, extentstore.ErrNotFound
	}
	return entry.epoch, nil
}

// RemoveParity deletes the parity entry for a stripe regardless of its
// epoch. The hole-fill branch does not use it; it removes parity through
// RangeRemove on the parity recx.
func (s *Store) RemoveParity(oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey, stripe uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.akeyState(oid, dkey, akey)
	delete(a.parity, stripe)
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
