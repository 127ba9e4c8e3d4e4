// Package objclient is the cross-shard object-client surface the parity
// codec's full-recalc and hole-fill branches use to pull data-cell content
// from the data shards of an EC-striped object. It is an external
// collaborator; this package gives it a Go interface plus a
// reference implementation that talks directly to other shards'
// extentstore.Store instances in-process (what an integration test, or a
// single-process deployment, needs) plus a gRPC implementation with its
// own dial cache, patterned on ecrpc's, for the cross-process case.
package objclient

import (
	"context"
	"fmt"

	"github.com/ec-shard/ecagg/cluster"
	"github.com/ec-shard/ecagg/ectypes"
	"github.com/ec-shard/ecagg/extentstore"
)

// Handle is an open reference to one object, scoped to the lifetime of one
// aggregation call.
type Handle interface {
	// Layout resolves the (rank, target) locations of every shard of this
	// object's K+P layout, caching the result for the handle's lifetime.
	Layout(ctx context.Context) (map[ectypes.ShardIndex]cluster.TargetID, error)

	// Fetch pulls bytes for recx from a specific data shard at epoch.
	Fetch(ctx context.Context, epoch ectypes.Epoch, dkey ectypes.Dkey, akey ectypes.Akey, recx ectypes.Recx, shard ectypes.ShardIndex) ([]byte, error)

	Close() error
}

// Client opens object handles.
type Client interface {
	Open(ctx context.Context, containerUUID string, oid ectypes.OID) (Handle, error)
}

// LocalClient is a reference Client implementation for single-process
// deployments and tests: every shard's extentstore.Store lives in the same
// process, keyed by ectypes.ShardIndex.
type LocalClient struct {
	Class   ectypes.EcClass
	Shards  map[ectypes.ShardIndex]extentstore.Store
	Layouts map[ectypes.ShardIndex]cluster.TargetID
}

func NewLocalClient(class ectypes.EcClass) *LocalClient {
	return &LocalClient{
		Class:   class,
		Shards:  make(map[ectypes.ShardIndex]extentstore.Store),
		Layouts: make(map[ectypes.ShardIndex]cluster.TargetID),
	}
}

func (c *LocalClient) Open(ctx context.Context, containerUUID string, oid ectypes.OID) (Handle, error) {
	return &localHandle{client: c, oid: oid}, nil
}

type localHandle struct {
	client *LocalClient
	oid    ectypes.OID
}

func (h *localHandle) Layout(ctx context.Context) (map[ectypes.ShardIndex]cluster.TargetID, error) {
	return h.client.Layouts, nil
}

func (h *localHandle) Fetch(ctx context.Context, epoch ectypes.Epoch, dkey ectypes.Dkey, akey ectypes.Akey, recx ectypes.Recx, shard ectypes.ShardIndex) ([]byte, error) {
	store, ok := h.client.Shards[shard]
	if !ok {
		return nil, fmt.Errorf("objclient: no local store registered for shard %d", shard)
	}
	return store.Fetch(ctx, h.oid, epoch, dkey, akey, recx)
}

func (h *localHandle) Close() error { return nil }
