package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/ec-shard/ecagg/aggregate"
	"github.com/ec-shard/ecagg/cluster"
	"github.com/ec-shard/ecagg/config"
	"github.com/ec-shard/ecagg/ecrpc"
	"github.com/ec-shard/ecagg/ectypes"
	"github.com/ec-shard/ecagg/extentstore/leveldbstore"
	"github.com/ec-shard/ecagg/objclient"
)

// runServe exposes this target's ecrpc.Service (the receiving side of
// the peer coordinator) and objclient.FetchShardService (the receiving
// side of cross-shard data pulls) over one gRPC listener, so another
// ecagg process's "aggregate" run can reach this target as a peer
// parity shard or a data shard.
func runServe(args []string) int {
	fs := pflag.NewFlagSet("serve", pflag.ExitOnError)
	storePath := fs.String("store", "", "extent store directory (defaults to config store.path)")
	listen := fs.String("listen", ":4433", "address to listen on")
	shardIndex := fs.Uint32("shard-index", 0, "this target's shard index, used only for log context")
	poolUUID := fs.String("pool", "", "pool UUID")
	fs.Parse(args)

	cfg := config.Load(false)
	if *storePath != "" {
		cfg.StorePath = *storePath
	}

	store, err := leveldbstore.Open(cfg.StorePath)
	if err != nil {
		glog.Errorf("ecagg serve: open store %s: %v", cfg.StorePath, err)
		return 1
	}
	defer store.Close()

	membership := cluster.NewStatic(true)
	noDial := func(ctx context.Context, address string) (aggregate.PeerClient, error) {
		return nil, fmt.Errorf("ecagg serve: this process only receives peer RPCs, it does not dial out")
	}

	agg := aggregate.NewAggregator(store, store, objclient.NewLocalClient(ectypes.EcClass{}), membership,
		noDial, ectypes.ShardIndex(*shardIndex), *poolUUID, cfg)
	defer agg.Close()

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		glog.Errorf("ecagg serve: listen %s: %v", *listen, err)
		return 1
	}

	srv := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    10 * time.Second,
		Timeout: 20 * time.Second,
	}))
	ecrpc.RegisterService(srv, agg)
	objclient.RegisterFetchShardService(srv, objclient.NewStoreFetchShardService(store))

	glog.V(0).Infof("ecagg serve: listening on %s (shard %d)", *listen, *shardIndex)
	if err := srv.Serve(lis); err != nil {
		glog.Errorf("ecagg serve: %v", err)
		return 1
	}
	return 0
}
