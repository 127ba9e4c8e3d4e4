// Package cluster gives the aggregation engine the narrow slice of pool and
// container membership it needs: leader election for (object, pool map
// version) and the current failed-target list. Real membership and leader
// election live outside this module; this package is the interface
// boundary plus a static implementation for tests and the CLI.
package cluster

import (
	"context"
)

// MapVersion is a pool map version number.
type MapVersion uint32

// TargetID identifies a storage target by its rank and per-rank index.
type TargetID struct {
	Rank   uint32
	Target uint32
}

// Membership answers the two membership questions the engine needs per
// aggregation run: who leads this object, and which peer targets are
// currently marked failed.
type Membership interface {
	// IsLeader reports whether the local target is the elected leader for
	// oid at the given pool map version.
	IsLeader(ctx context.Context, poolUUID string, oidHi, oidLo uint64, mapVer MapVersion) (bool, error)

	// FailedTargets returns the targets the current pool map marks failed.
	FailedTargets(ctx context.Context, poolUUID string, mapVer MapVersion) (map[TargetID]bool, error)

	// ResolveTarget maps a TargetID to a dialable address, used by the peer
	// coordinator to reach peer parity shards.
	ResolveTarget(ctx context.Context, poolUUID string, target TargetID) (address string, err error)
}

// Static is a Membership implementation with a fixed answer set, used by
// tests and by the CLI's single-process mode where there is exactly one
// leader and no failed targets.
type Static struct {
	Leader        bool
	Failed        map[TargetID]bool
	TargetAddress map[TargetID]string
}

func NewStatic(leader bool) *Static {
	return &Static{Leader: leader, Failed: map[TargetID]bool{}, TargetAddress: map[TargetID]string{}}
}

func (s *Static) IsLeader(ctx context.Context, poolUUID string, oidHi, oidLo uint64, mapVer MapVersion) (bool, error) {
	return s.Leader, nil
}

func (s *Static) FailedTargets(ctx context.Context, poolUUID string, mapVer MapVersion) (map[TargetID]bool, error) {
	return s.Failed, nil
}

func (s *Static) ResolveTarget(ctx context.Context, poolUUID string, target TargetID) (string, error) {
	addr, ok := s.TargetAddress[target]
	if !ok {
		return "", &UnresolvedTargetError{Target: target}
	}
	return addr, nil
}

// UnresolvedTargetError is returned by ResolveTarget when no address is
// registered for a target.
type UnresolvedTargetError struct {
	Target TargetID
}

func (e *UnresolvedTargetError) Error() string {
	return "cluster: no address registered for target"
}
