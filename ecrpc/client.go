package ecrpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

const maxMessageSize = 64 << 20

var (
	connCacheMu sync.Mutex
	connCache   = make(map[string]*grpc.ClientConn)
)

// DialOptions returns the default dial options for peer parity RPC: the
// gob content subtype, bounded message sizes, and a keepalive profile
// matching intra-cluster traffic.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallSendMsgSize(maxMessageSize),
			grpc.MaxCallRecvMsgSize(maxMessageSize),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: false,
		}),
	}
}

func getOrDial(ctx context.Context, address string) (*grpc.ClientConn, error) {
	connCacheMu.Lock()
	defer connCacheMu.Unlock()

	if conn, ok := connCache[address]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(address, DialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("ecrpc: dial %s: %w", address, err)
	}
	connCache[address] = conn
	return conn, nil
}

// dropConnection evicts a cached connection after a transport-level error,
// so the next call redials instead of reusing a broken channel.
func dropConnection(address string, conn *grpc.ClientConn) {
	connCacheMu.Lock()
	defer connCacheMu.Unlock()
	if cur, ok := connCache[address]; ok && cur == conn {
		delete(connCache, address)
		_ = conn.Close()
	}
}

// Client is a cached gRPC client for one peer parity shard address.
type Client struct {
	address string
	conn    *grpc.ClientConn
}

// Dial returns a Client for address, reusing a cached connection when one
// already exists.
func Dial(ctx context.Context, address string) (*Client, error) {
	conn, err := getOrDial(ctx, address)
	if err != nil {
		return nil, err
	}
	return &Client{address: address, conn: conn}, nil
}

func (c *Client) Aggregate(ctx context.Context, req *AggregateRequest) (*AggregateReply, error) {
	out := new(AggregateReply)
	err := c.conn.Invoke(ctx, "/ecagg.ecrpc.PeerParity/Aggregate", req, out)
	if isTransportErr(err) {
		dropConnection(c.address, c.conn)
	}
	return out, err
}

func (c *Client) Replicate(ctx context.Context, req *ReplicateRequest) (*ReplicateReply, error) {
	out := new(ReplicateReply)
	err := c.conn.Invoke(ctx, "/ecagg.ecrpc.PeerParity/Replicate", req, out)
	if isTransportErr(err) {
		dropConnection(c.address, c.conn)
	}
	return out, err
}

func isTransportErr(err error) bool {
	if err == nil {
		return false
	}
	code := status.Code(err)
	return code == codes.Unavailable || code == codes.Canceled
}
