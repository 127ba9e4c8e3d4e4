package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ec-shard/ecagg/cluster"
	"github.com/ec-shard/ecagg/ectypes"
)

// parsePeers parses repeated "--peer=shardIndex=host:port" flags into a
// shard layout plus the address each resolved TargetID dials to. Each
// peer shard is identified by TargetID{Rank: 0, Target: shardIndex},
// since this CLI's single-process-per-target model has no separate rank
// concept to thread through.
func parsePeers(peers []string) (layout map[ectypes.ShardIndex]cluster.TargetID, addrs map[cluster.TargetID]string, err error) {
	layout = make(map[ectypes.ShardIndex]cluster.TargetID)
	addrs = make(map[cluster.TargetID]string)
	for _, p := range peers {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("ecagg: invalid --peer %q, want shardIndex=host:port", p)
		}
		idx, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return nil, nil, fmt.Errorf("ecagg: invalid shard index in --peer %q: %w", p, err)
		}
		target := cluster.TargetID{Rank: 0, Target: uint32(idx)}
		layout[ectypes.ShardIndex(idx)] = target
		addrs[target] = parts[1]
	}
	return layout, addrs, nil
}
