// Package ecrpc implements the EC_AGGREGATE / EC_REPLICATE RPC surface
// peer parity shards expose to each other. It is a hand-authored gRPC
// service over a gob wire codec rather than
// protoc-generated code, since no protobuf compiler is available in this
// build; the parity cell and replicated data are carried inline as bulk
// byte slices instead of RDMA bulk handles.
package ecrpc

// RecxEpoch pairs a recx with the epoch it should be removed at.
type RecxEpoch struct {
	Idx, Nr uint64
	Epoch   uint64
}

// AggregateRequest is one EC_AGGREGATE call: ship generated parity (when
// WriteParity is set) and/or a removal list to a peer parity shard.
type AggregateRequest struct {
	RequestID     string
	PoolUUID      string
	ContainerUUID string
	OidHi, OidLo  uint64
	Dkey          string
	Akey          string
	EprLo, EprHi  uint64
	StripeNum     uint64
	MapVersion    uint32

	WriteParity    bool
	ParityIndex    uint32
	ParityData     []byte
	ParityChecksum []byte

	// Incremental distinguishes the partial-update branch's shipment from
	// full-encode/full-recalc's: when set, ParityData carries the
	// pre-processed XOR diff for CellIndex rather than an absolute parity
	// image, and the receiver applies its own IncrementalUpdate against
	// its own locally held old parity. Each parity shard holds a
	// different parity value, so only the diff and coding coefficients
	// are common ground between peers.
	Incremental bool
	CellIndex   uint32

	RemoveRecxs []RecxEpoch
}

// AggregateReply is the EC_AGGREGATE response.
type AggregateReply struct {
	Status  int32
	Message string
}

// ReplicateRequest is one EC_REPLICATE call: ask the peer to write the
// given valid (non-hole) ranges as replicas and drop its stale parity.
type ReplicateRequest struct {
	RequestID     string
	PoolUUID      string
	ContainerUUID string
	OidHi, OidLo  uint64
	Dkey          string
	Akey          string
	RecxIdx       uint64
	RecxNr        uint64
	StripeNum     uint64
	Epoch         uint64
	MapVersion    uint32
	Data          []byte
	Checksum      []byte
}

// ReplicateReply is the EC_REPLICATE response.
type ReplicateReply struct {
	Status  int32
	Message string
}

// Status codes. Non-zero means the stripe must be aborted by the caller.
const (
	StatusOK         int32 = 0
	StatusPeerFailed int32 = 1
	StatusStaleEpoch int32 = 2
	StatusCodecError int32 = 3
)
