// Package extentstore defines the versioned key-value / extent store
// interface the aggregation engine runs against, and provides reference
// implementations. The real store is an external collaborator; this
// package exists so the engine is testable and runnable end to end.
package extentstore

import (
	"context"
	"errors"

	"github.com/ec-shard/ecagg/ectypes"
)

// ErrNotFound is returned by Fetch/ProbeParity when nothing matches.
var ErrNotFound = errors.New("extentstore: not found")

// EpochRange is an inclusive [Lo, Hi] aggregation window.
type EpochRange struct {
	Lo, Hi ectypes.Epoch
}

// Contains reports whether e falls within the range.
func (r EpochRange) Contains(e ectypes.Epoch) bool {
	return e >= r.Lo && e <= r.Hi
}

// Extent is one data-extent record surfaced by iteration: the (possibly
// visibility-trimmed) recx, its original on-write recx, the write epoch,
// and whether it is a punch/hole rather than real data.
type Extent struct {
	Recx     ectypes.Recx
	OrigRecx ectypes.Recx
	Epoch    ectypes.Epoch
	IsHole   bool
	Checksum []byte // nil when unset
}

// AkeyCursor yields Extent records for one akey in ascending start-offset
// order, bounded by the epoch range and restricted to the data address
// space (the parity-reserved range is never returned here; use ProbeParity).
type AkeyCursor interface {
	// Next advances the cursor and reports whether an extent is available.
	Next(ctx context.Context) (Extent, bool, error)
	Close() error
}

// Store is the extent-store surface the aggregation engine consumes.
// Implementations must be safe for the single-threaded cooperative driver
// plus one concurrent offload worker.
type Store interface {
	// ListObjects returns every object id this target holds data for.
	ListObjects(ctx context.Context) ([]ectypes.OID, error)
	// ListDkeys returns the dkeys present for an object.
	ListDkeys(ctx context.Context, oid ectypes.OID) ([]ectypes.Dkey, error)
	// ListAkeys returns the akeys present under one (object, dkey).
	ListAkeys(ctx context.Context, oid ectypes.OID, dkey ectypes.Dkey) ([]ectypes.Akey, error)

	// OpenAkeyCursor opens a forward, start-offset-ordered cursor over the
	// data extents of one akey, bounded by epr.
	OpenAkeyCursor(ctx context.Context, oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey, epr EpochRange) (AkeyCursor, error)

	// ProbeParity returns the parity extent recorded for one akey's stripe,
	// or ErrNotFound if none exists.
	ProbeParity(ctx context.Context, oid ectypes.OID, dkey ectypes.Dkey, akey ectypes.Akey, parityRecx ectypes.Recx) (epoch ectypes.Epoch, err error)

	// Fetch reads the bytes for one recx at a given epoch snapshot.
	Fetch(ctx context.Context, oid ectypes.OID, epoch ectypes.Epoch, dkey ectypes.Dkey, akey ectypes.Akey, recx ectypes.Recx) ([]byte, error)

	// Update writes (or overwrites) bytes for one recx at a given epoch.
	Update(ctx context.Context, oid ectypes.OID, epoch ectypes.Epoch, dkey ectypes.Dkey, akey ectypes.Akey, recx ectypes.Recx, data []byte, checksum []byte) error

	// PunchHole records a hole (a punched, valueless) extent at a given
	// epoch, surfaced by iteration with IsHole set.
	PunchHole(ctx context.Context, oid ectypes.OID, epoch ectypes.Epoch, dkey ectypes.Dkey, akey ectypes.Akey, recx ectypes.Recx) error

	// RangeRemove deletes an akey's writes that lie wholly inside recx and
	// within the epoch range; a write only partly inside recx is kept
	// whole. For a parity recx it drops the stripe's parity entry when its
	// epoch is in the range. It is a no-op (and must not error)
	// over an already-empty range, which is what makes it idempotent.
	RangeRemove(ctx context.Context, oid ectypes.OID, epr EpochRange, dkey ectypes.Dkey, akey ectypes.Akey, recx ectypes.Recx) error

	// OclassAttrs returns the EC class parameters (K, P, L, RecordSize) for
	// an object.
	OclassAttrs(ctx context.Context, oid ectypes.OID) (ectypes.EcClass, error)
}

// Watermarks tracks the per-container "last aggregated epoch", process-wide
// state updated only on a fully successful run.
type Watermarks interface {
	LastAggregated(ctx context.Context, containerID string) (ectypes.Epoch, error)
	AdvanceLastAggregated(ctx context.Context, containerID string, hi ectypes.Epoch) error
}
