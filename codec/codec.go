// Package codec implements the Galois-field parity arithmetic for one EC
// class: full-stripe encode, XOR diff with hole pre-processing, and
// incremental per-cell parity update. It is a thin wrapper over
// klauspost/reedsolomon, the same library commonly used for whole-volume
// erasure coding, applied here at per-stripe granularity instead.
package codec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/ec-shard/ecagg/ectypes"
)

// ByteSpan is a [Start, End) byte range within one cell.
type ByteSpan struct {
	Start, End int
}

// Codec runs the GF-coding primitives for one EC class.
type Codec struct {
	class ectypes.EcClass
	enc   reedsolomon.Encoder
}

// New builds a Codec for class, validating (K, P) against the coding
// library's limits.
func New(class ectypes.EcClass) (*Codec, error) {
	enc, err := reedsolomon.New(int(class.K), int(class.P), reedsolomon.WithFastOneParityMatrix())
	if err != nil {
		return nil, fmt.Errorf("codec: reedsolomon.New(%d,%d): %w", class.K, class.P, err)
	}
	return &Codec{class: class, enc: enc}, nil
}

// Class returns the EC class this codec was built for.
func (c *Codec) Class() ectypes.EcClass { return c.class }

// FullEncode computes P parity cells from K data cells, each exactly
// class.CellBytes() long. Used by the full-encode and full-recalc branches.
func (c *Codec) FullEncode(dataCells [][]byte) ([][]byte, error) {
	if len(dataCells) != int(c.class.K) {
		return nil, fmt.Errorf("codec: full encode wants %d data cells, got %d", c.class.K, len(dataCells))
	}
	shards := make([][]byte, c.class.K+c.class.P)
	copy(shards, dataCells)
	for i := c.class.K; i < c.class.K+c.class.P; i++ {
		shards[i] = make([]byte, c.class.CellBytes())
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return shards[c.class.K:], nil
}

// XORDiff writes old[i]^newData[i] into dst, byte-wise. dst, old and
// newData must all be class.CellBytes() long.
func XORDiff(dst, old, newData []byte) {
	for i := range dst {
		dst[i] = old[i] ^ newData[i]
	}
}

// ZeroOutsideSpans clears every byte of diff that does not fall within one
// of spans, so that holes within an otherwise-touched cell cannot perturb
// parity for record ranges no replica actually covers.
func ZeroOutsideSpans(diff []byte, spans []ByteSpan) {
	covered := make([]bool, len(diff))
	for _, sp := range spans {
		start, end := sp.Start, sp.End
		if start < 0 {
			start = 0
		}
		if end > len(diff) {
			end = len(diff)
		}
		for i := start; i < end; i++ {
			covered[i] = true
		}
	}
	for i := range diff {
		if !covered[i] {
			diff[i] = 0
		}
	}
}

// ApplyDiff composites a new cell image from an old cell and a
// pre-processed diff: new[i] = old[i] ^ diff[i]. Bytes the diff
// pre-process zeroed come back out unchanged from old, which is what
// keeps the incremental update from touching parity outside the actual
// new-data spans.
func ApplyDiff(old, diff []byte) []byte {
	out := make([]byte, len(old))
	for i := range out {
		out[i] = old[i] ^ diff[i]
	}
	return out
}

// IncrementalUpdate recomputes the parity shards in shards (indices
// [K, K+P)) given that cell cellIdx's content is changing from
// shards[cellIdx]'s current value to newCell. On success shards[cellIdx]
// and the parity shards are updated in place to their new values.
func (c *Codec) IncrementalUpdate(shards [][]byte, cellIdx uint32, newCell []byte) error {
	if cellIdx >= c.class.K {
		return fmt.Errorf("codec: cell index %d out of range for K=%d", cellIdx, c.class.K)
	}
	newData := make([][]byte, c.class.K)
	newData[cellIdx] = newCell
	if err := c.enc.Update(shards, newData); err != nil {
		return fmt.Errorf("codec: incremental update cell %d: %w", cellIdx, err)
	}
	return nil
}

// Recalc full-encodes a stripe assembled from a mix of locally fetched
// full cells and remotely fetched complementary cells (the full-recalc
// branch). cells must already be arranged data[0..K).
func (c *Codec) Recalc(cells [][]byte) ([][]byte, error) {
	return c.FullEncode(cells)
}

// ApplyIncrementalDiff computes P'[pidx] = P[pidx] ⊕ (coef[pidx, cellIdx] ·
// diff) for the partial-update branch, by driving IncrementalUpdate with
// a zeroed data shard set so the library's internal (new - old) delta
// collapses to exactly diff. Only the caller's own parity index is
// meaningful in the result; every parity shard holds a distinct value per
// shard, so peers apply the same diff against their own old parity
// independently rather than receiving an absolute new value.
func (c *Codec) ApplyIncrementalDiff(pidx uint32, oldParity []byte, cellIdx uint32, diff []byte) ([]byte, error) {
	if pidx >= c.class.P {
		return nil, fmt.Errorf("codec: parity index %d out of range for P=%d", pidx, c.class.P)
	}
	shards := make([][]byte, c.class.K+c.class.P)
	for i := uint32(0); i < c.class.K; i++ {
		shards[i] = make([]byte, c.class.CellBytes())
	}
	for p := uint32(0); p < c.class.P; p++ {
		shards[c.class.K+p] = make([]byte, c.class.CellBytes())
	}
	copy(shards[c.class.K+pidx], oldParity)

	if err := c.IncrementalUpdate(shards, cellIdx, diff); err != nil {
		return nil, err
	}

	out := make([]byte, c.class.CellBytes())
	copy(out, shards[c.class.K+pidx])
	return out, nil
}
