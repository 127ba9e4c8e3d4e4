package objclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ec-shard/ecagg/ectypes"
	"github.com/ec-shard/ecagg/extentstore/memstore"
)

func TestLocalClientFetch(t *testing.T) {
	class := ectypes.EcClass{K: 2, P: 1, L: 4, RecordSize: 8}
	store := memstore.New()
	oid := ectypes.OID{Hi: 1, Lo: 1}
	store.SetOclassAttrs(oid, class)

	dkey, akey := ectypes.Dkey("d"), ectypes.Akey("a")
	data := make([]byte, class.CellBytes())
	for i := range data {
		data[i] = byte(i)
	}
	recx := ectypes.Recx{Idx: 0, Nr: class.CellRecords()}
	require.NoError(t, store.Update(context.Background(), oid, 5, dkey, akey, recx, data, nil))

	client := NewLocalClient(class)
	client.Shards[ectypes.ShardIndex(0)] = store

	h, err := client.Open(context.Background(), "container", oid)
	require.NoError(t, err)
	defer h.Close()

	got, err := h.Fetch(context.Background(), 5, dkey, akey, recx, ectypes.ShardIndex(0))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLocalClientFetchMissingShard(t *testing.T) {
	class := ectypes.EcClass{K: 2, P: 1, L: 4, RecordSize: 8}
	client := NewLocalClient(class)
	h, err := client.Open(context.Background(), "container", ectypes.OID{Hi: 1})
	require.NoError(t, err)

	_, err = h.Fetch(context.Background(), 1, "d", "a", ectypes.Recx{Idx: 0, Nr: 4}, ectypes.ShardIndex(9))
	assert.Error(t, err)
}

// fetchStoreStub stands in for the extentstore.Store dependency of
// StoreFetchShardService without pulling in a full memstore round trip.
type fetchStoreStub struct {
	data []byte
	err  error
}

func (s *fetchStoreStub) Fetch(ctx context.Context, oid ectypes.OID, epoch ectypes.Epoch, dkey ectypes.Dkey, akey ectypes.Akey, recx ectypes.Recx) ([]byte, error) {
	return s.data, s.err
}

func TestStoreFetchShardServiceFetch(t *testing.T) {
	want := []byte("cell-bytes")
	svc := NewStoreFetchShardService(&fetchStoreStub{data: want})

	reply, err := svc.Fetch(context.Background(), &FetchShardRequest{
		ContainerUUID: "c1",
		OidHi:         1, OidLo: 2,
		Epoch: 10,
		Dkey:  "d", Akey: "a",
		RecxIdx: 0, RecxNr: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, want, reply.Data)
}

func TestStoreFetchShardServiceFetchError(t *testing.T) {
	svc := NewStoreFetchShardService(&fetchStoreStub{err: assertErr{}})
	_, err := svc.Fetch(context.Background(), &FetchShardRequest{})
	assert.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
