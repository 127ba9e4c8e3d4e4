// Package ectypes defines the shared value types for erasure-coded object
// aggregation: object/key identifiers, record extents, epochs, and EC class
// parameters.
package ectypes

import "fmt"

// Epoch is a monotonically assigned write version, totally ordered.
type Epoch uint64

// EpochMax is the sentinel epoch meaning "no parity found" or "unbounded".
const EpochMax Epoch = ^Epoch(0)

// PARITY_FLAG is the high bit of the recx index space, reserved to
// distinguish parity extents from data extents within the same akey.
const PARITY_FLAG uint64 = 1 << 63

// OID identifies an object within a container.
type OID struct {
	Hi uint64
	Lo uint64
}

func (o OID) String() string {
	return fmt.Sprintf("%x.%x", o.Hi, o.Lo)
}

// Dkey and Akey are opaque, comparable key bytes in an object's keyspace.
type Dkey string
type Akey string

// Recx is a contiguous record range [Idx, Idx+Nr) within one (oid, dkey, akey).
type Recx struct {
	Idx uint64
	Nr  uint64
}

// End returns the exclusive end index of the extent.
func (r Recx) End() uint64 { return r.Idx + r.Nr }

// IsParity reports whether this recx lives in the parity-reserved address
// space (PARITY_FLAG set in Idx).
func (r Recx) IsParity() bool { return r.Idx&PARITY_FLAG != 0 }

// Overlaps reports whether two extents share any record.
func (r Recx) Overlaps(o Recx) bool {
	return r.Idx < o.End() && o.Idx < r.End()
}

// ParityRecx returns the reserved recx for stripe s of an EC class with L
// records per cell.
func ParityRecx(stripeNum uint64, l uint32) Recx {
	return Recx{Idx: PARITY_FLAG | (stripeNum * uint64(l)), Nr: uint64(l)}
}

// StripeOfParityRecx extracts the stripe number from a parity recx.
func StripeOfParityRecx(r Recx, l uint32) uint64 {
	return (r.Idx &^ PARITY_FLAG) / uint64(l)
}

// EcClass holds the per-object EC coding parameters: K data cells, P parity
// cells, L records per cell, and the byte size of one record.
type EcClass struct {
	K          uint32
	P          uint32
	L          uint32
	RecordSize uint32
}

// StripeRecords is the number of records in one stripe (K*L).
func (c EcClass) StripeRecords() uint64 { return uint64(c.K) * uint64(c.L) }

// CellRecords is the number of records in one cell (L).
func (c EcClass) CellRecords() uint64 { return uint64(c.L) }

// CellBytes is the byte size of one cell (L * RecordSize).
func (c EcClass) CellBytes() int { return int(c.L) * int(c.RecordSize) }

// StripeOf returns the stripe ordinal that contains record index idx.
func (c EcClass) StripeOf(idx uint64) uint64 {
	return idx / c.StripeRecords()
}

// StripeBounds returns the [start, end) record range of stripe s.
func (c EcClass) StripeBounds(s uint64) (start, end uint64) {
	sr := c.StripeRecords()
	return s * sr, (s + 1) * sr
}

// CellOf returns the cell index within a stripe for a record offset relative
// to the start of that stripe.
func (c EcClass) CellOf(offsetInStripe uint64) uint32 {
	return uint32(offsetInStripe / c.CellRecords())
}

// TotalShards returns K+P.
func (c EcClass) TotalShards() uint32 { return c.K + c.P }

// ShardIndex identifies one shard of an object's K+P shard layout.
type ShardIndex uint32

// IsParityShard reports whether shardIndex belongs to the parity range
// [K, K+P) of the class.
func (c EcClass) IsParityShard(shardIndex ShardIndex) bool {
	mod := uint32(shardIndex) % c.TotalShards()
	return mod >= c.K && mod < c.K+c.P
}

// ParityIndex returns pidx = (shard_index - K) mod P for a parity shard.
func (c EcClass) ParityIndex(shardIndex ShardIndex) uint32 {
	mod := uint32(shardIndex) % c.TotalShards()
	return (mod - c.K) % c.P
}
