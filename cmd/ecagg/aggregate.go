package main

import (
	"context"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/pflag"

	"github.com/ec-shard/ecagg/aggregate"
	"github.com/ec-shard/ecagg/cluster"
	"github.com/ec-shard/ecagg/config"
	"github.com/ec-shard/ecagg/ecrpc"
	"github.com/ec-shard/ecagg/ectypes"
	"github.com/ec-shard/ecagg/extentstore"
	"github.com/ec-shard/ecagg/extentstore/leveldbstore"
	"github.com/ec-shard/ecagg/objclient"
)

func runAggregate(args []string) int {
	fs := pflag.NewFlagSet("aggregate", pflag.ExitOnError)
	storePath := fs.String("store", "", "extent store directory (defaults to config store.path)")
	containerUUID := fs.String("container", "", "container UUID to aggregate (required)")
	poolUUID := fs.String("pool", "", "pool UUID")
	lo := fs.Uint64("lo", 0, "inclusive lower epoch bound")
	hi := fs.Uint64("hi", 0, "inclusive upper epoch bound (required)")
	current := fs.Bool("current", true, "advance the container watermark on full success")
	shardIndex := fs.Uint32("shard-index", 0, "this target's shard index within the object's K+P layout")
	mapVersion := fs.Uint32("map-version", 0, "pool map version")
	leader := fs.Bool("leader", true, "assume this target leads every object it holds")
	peers := fs.StringSlice("peer", nil, "shardIndex=host:port, repeatable; other shards of the object's K+P layout")
	creditsMax := fs.Int("credits-max", 0, "override credits_max from config (0 keeps the configured value)")
	checksums := fs.Bool("checksums", false, "force checksums_enabled on for this run")
	fs.Parse(args)

	if *containerUUID == "" || *hi == 0 {
		fmt.Fprintln(os.Stderr, "ecagg aggregate: --container and --hi are required")
		fs.Usage()
		return 2
	}

	cfg := config.Load(false)
	if *storePath != "" {
		cfg.StorePath = *storePath
	}
	if *creditsMax > 0 {
		cfg.CreditsMax = *creditsMax
	}
	if *checksums {
		cfg.ChecksumsEnabled = true
	}

	store, err := leveldbstore.Open(cfg.StorePath)
	if err != nil {
		glog.Errorf("ecagg aggregate: open store %s: %v", cfg.StorePath, err)
		return 1
	}
	defer store.Close()

	layout, addrs, err := parsePeers(*peers)
	if err != nil {
		glog.Errorf("ecagg aggregate: %v", err)
		return 2
	}

	membership := cluster.NewStatic(*leader)
	membership.TargetAddress = addrs

	objClient := objclient.NewGRPCClient(membership, *poolUUID,
		func(ctx context.Context, containerUUID string, oid ectypes.OID) (map[ectypes.ShardIndex]cluster.TargetID, error) {
			return layout, nil
		})

	dial := func(ctx context.Context, address string) (aggregate.PeerClient, error) {
		return ecrpc.Dial(ctx, address)
	}

	agg := aggregate.NewAggregator(store, store, objClient, membership, dial,
		ectypes.ShardIndex(*shardIndex), *poolUUID, cfg)
	defer agg.Close()

	ctx := context.Background()
	epr := extentstore.EpochRange{Lo: ectypes.Epoch(*lo), Hi: ectypes.Epoch(*hi)}
	stats, err := agg.Aggregate(ctx, *containerUUID, epr, nil, *current, cluster.MapVersion(*mapVersion))
	if err != nil && stats.Failed == 0 {
		glog.Errorf("ecagg aggregate: %v", err)
		return 1
	}

	fmt.Printf("drop=%d full-encode=%d partial-update=%d full-recalc=%d hole-fill=%d no-op=%d failed=%d aborted=%v\n",
		stats.Drop, stats.FullEncode, stats.PartialUpdate, stats.FullRecalc, stats.HoleFill, stats.NoOp, stats.Failed, stats.Aborted)
	if err != nil {
		glog.Errorf("ecagg aggregate: stripe failures: %v", err)
		return 1
	}
	return 0
}
