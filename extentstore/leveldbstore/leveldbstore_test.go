package leveldbstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ec-shard/ecagg/ectypes"
	"github.com/ec-shard/ecagg/extentstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ecagg-leveldbstore"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpdateFetchRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	class := ectypes.EcClass{K: 2, P: 1, L: 4, RecordSize: 8}
	oid := ectypes.OID{Hi: 1, Lo: 1}
	require.NoError(t, s.SetOclassAttrs(ctx, oid, class))

	dkey, akey := ectypes.Dkey("d"), ectypes.Akey("a")
	recx := ectypes.Recx{Idx: 0, Nr: 4}
	data := []byte("abcdefghabcdefghabcdefghabcdefgh")
	require.NoError(t, s.Update(ctx, oid, 5, dkey, akey, recx, data, nil))

	got, err := s.Fetch(ctx, oid, 5, dkey, akey, recx)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFetchHonorsEpochCeiling(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	class := ectypes.EcClass{K: 2, P: 1, L: 4, RecordSize: 8}
	oid := ectypes.OID{Hi: 1, Lo: 1}
	require.NoError(t, s.SetOclassAttrs(ctx, oid, class))

	dkey, akey := ectypes.Dkey("d"), ectypes.Akey("a")
	recx := ectypes.Recx{Idx: 0, Nr: 4}
	require.NoError(t, s.Update(ctx, oid, 9, dkey, akey, recx, []byte("abcdefghabcdefgh"), nil))

	got, err := s.Fetch(ctx, oid, 5, dkey, akey, recx)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), got)
}

func TestRangeRemoveParity(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	class := ectypes.EcClass{K: 2, P: 1, L: 4, RecordSize: 8}
	oid := ectypes.OID{Hi: 1, Lo: 1}
	require.NoError(t, s.SetOclassAttrs(ctx, oid, class))
	dkey, akey := ectypes.Dkey("d"), ectypes.Akey("a")

	parityRecx := ectypes.ParityRecx(0, class.L)
	require.NoError(t, s.Update(ctx, oid, 5, dkey, akey, parityRecx, make([]byte, class.CellBytes()), nil))

	epoch, err := s.ProbeParity(ctx, oid, dkey, akey, parityRecx)
	require.NoError(t, err)
	assert.Equal(t, ectypes.Epoch(5), epoch)

	require.NoError(t, s.RangeRemove(ctx, oid, extentstore.EpochRange{Lo: 0, Hi: 10}, dkey, akey, parityRecx))

	_, err = s.ProbeParity(ctx, oid, dkey, akey, parityRecx)
	assert.ErrorIs(t, err, extentstore.ErrNotFound)
}

func TestRangeRemoveDataRequiresFullContainment(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	class := ectypes.EcClass{K: 2, P: 1, L: 4, RecordSize: 8}
	oid := ectypes.OID{Hi: 1, Lo: 1}
	require.NoError(t, s.SetOclassAttrs(ctx, oid, class))
	dkey, akey := ectypes.Dkey("d"), ectypes.Akey("a")

	recx := ectypes.Recx{Idx: 0, Nr: 4}
	require.NoError(t, s.Update(ctx, oid, 5, dkey, akey, recx, []byte("abcdefghabcdefghabcdefghabcdefgh"), nil))

	// A removal range that only partially covers the write must not drop it.
	require.NoError(t, s.RangeRemove(ctx, oid, extentstore.EpochRange{Lo: 0, Hi: 10}, dkey, akey, ectypes.Recx{Idx: 0, Nr: 2}))
	got, err := s.Fetch(ctx, oid, 5, dkey, akey, recx)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefghabcdefghabcdefghabcdefgh"), got)

	require.NoError(t, s.RangeRemove(ctx, oid, extentstore.EpochRange{Lo: 0, Hi: 10}, dkey, akey, recx))
	got, err = s.Fetch(ctx, oid, 5, dkey, akey, recx)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), got)
}

func TestOpenAkeyCursorOverlaysInEpochOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	class := ectypes.EcClass{K: 2, P: 1, L: 4, RecordSize: 8}
	oid := ectypes.OID{Hi: 1, Lo: 1}
	require.NoError(t, s.SetOclassAttrs(ctx, oid, class))
	dkey, akey := ectypes.Dkey("d"), ectypes.Akey("a")

	require.NoError(t, s.Update(ctx, oid, 1, dkey, akey, ectypes.Recx{Idx: 0, Nr: 4}, []byte("11111111AAAAAAAA"), nil))
	require.NoError(t, s.Update(ctx, oid, 2, dkey, akey, ectypes.Recx{Idx: 2, Nr: 2}, []byte("BBBBBBBB"), nil))

	cur, err := s.OpenAkeyCursor(ctx, oid, dkey, akey, extentstore.EpochRange{Lo: 0, Hi: 10})
	require.NoError(t, err)
	defer cur.Close()

	var extents []extentstore.Extent
	for {
		e, ok, err := cur.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		extents = append(extents, e)
	}
	require.Len(t, extents, 2)
	assert.Equal(t, ectypes.Epoch(1), extents[0].Epoch)
	assert.Equal(t, ectypes.Epoch(2), extents[1].Epoch)
}

func TestWatermarksAdvanceMonotonicAndPersist(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "ecagg-leveldbstore")
	s, err := Open(dir)
	require.NoError(t, err)

	got, err := s.LastAggregated(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ectypes.Epoch(0), got)

	require.NoError(t, s.AdvanceLastAggregated(ctx, "c1", 10))
	require.NoError(t, s.AdvanceLastAggregated(ctx, "c1", 5)) // must not regress

	got, err = s.LastAggregated(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ectypes.Epoch(10), got)
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()
	got, err = reopened.LastAggregated(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ectypes.Epoch(10), got)
}

func TestListObjectsDkeysAkeys(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	class := ectypes.EcClass{K: 2, P: 1, L: 4, RecordSize: 8}
	oid := ectypes.OID{Hi: 1, Lo: 1}
	require.NoError(t, s.SetOclassAttrs(ctx, oid, class))
	dkey, akey := ectypes.Dkey("d"), ectypes.Akey("a")
	require.NoError(t, s.Update(ctx, oid, 1, dkey, akey, ectypes.Recx{Idx: 0, Nr: 4}, []byte("abcdefghabcdefgh"), nil))

	oids, err := s.ListObjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ectypes.OID{oid}, oids)

	dkeys, err := s.ListDkeys(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, []ectypes.Dkey{dkey}, dkeys)

	akeys, err := s.ListAkeys(ctx, oid, dkey)
	require.NoError(t, err)
	assert.Equal(t, []ectypes.Akey{akey}, akeys)
}
