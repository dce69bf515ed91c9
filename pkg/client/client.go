package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pb "github.com/pixperk/sessionward/api/v1"
	"github.com/pixperk/sessionward/pkg/store"
	"github.com/pixperk/sessionward/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type endpoint struct {
	addr string
	conn *grpc.ClientConn
	rpc  pb.CoordinationClient
}

// Client is a store backed by a coordd cluster. Calls go to the last node
// that answered and move on to the next endpoint when a node is unreachable
// or not the raft leader.
type Client struct {
	endpoints []endpoint

	mu      sync.Mutex
	current int
}

var _ store.Store = (*Client)(nil)

func NewClient(addrs []string, opts ...grpc.DialOption) (*Client, error) {
	if len(addrs) == 0 {
		return nil, errors.New("at least one coordd address required")
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)

	c := &Client{}
	for _, addr := range addrs {
		conn, err := grpc.NewClient(addr, opts...)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		c.endpoints = append(c.endpoints, endpoint{addr: addr, conn: conn, rpc: pb.NewCoordinationClient(conn)})
	}
	return c, nil
}

func (c *Client) pick() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// moves past endpoint i unless another call already did
func (c *Client) advance(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == i {
		c.current = (i + 1) % len(c.endpoints)
	}
}

func call[T any](ctx context.Context, c *Client, fn func(pb.CoordinationClient) (T, error)) (T, error) {
	var (
		zero T
		err  error
		i    int
	)
	for attempt := 0; attempt < len(c.endpoints); attempt++ {
		i = c.pick()

		var out T
		out, err = fn(c.endpoints[i].rpc)
		if err == nil {
			return out, nil
		}
		if status.Code(err) != codes.Unavailable || ctx.Err() != nil {
			break
		}
		c.advance(i)
	}
	return zero, fmt.Errorf("%s: %w", c.endpoints[i].addr, fromStatus(err))
}

// maps gRPC status codes back onto the store's error classes
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %w", types.ErrStoreUnavailable, err)
	}

	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", types.ErrStoreUnavailable, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", types.ErrStoreTimeout, st.Message())
	case codes.Canceled:
		return fmt.Errorf("coordd: %w", context.Canceled)
	case codes.InvalidArgument:
		return fmt.Errorf("coordd rejected request: %s", st.Message())
	default:
		return fmt.Errorf("coordd: %s: %s", st.Code(), st.Message())
	}
}

type boolMethod func(pb.CoordinationClient, context.Context, *structpb.Struct, ...grpc.CallOption) (*wrapperspb.BoolValue, error)

func (c *Client) cas(ctx context.Context, method boolMethod, req pb.Request) (bool, error) {
	in, err := req.Proto()
	if err != nil {
		return false, err
	}
	return call(ctx, c, func(rpc pb.CoordinationClient) (bool, error) {
		resp, err := method(rpc, ctx, in)
		if err != nil {
			return false, err
		}
		return resp.GetValue(), nil
	})
}

func (c *Client) TrySet(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.cas(ctx, pb.CoordinationClient.TrySet, pb.Request{Key: key, Value: value, TTL: ttl})
}

func (c *Client) TryExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	return c.cas(ctx, pb.CoordinationClient.TryExtend, pb.Request{Key: key, Expected: expected, TTL: ttl})
}

func (c *Client) TryReplace(ctx context.Context, key, expected, next string, ttl time.Duration) (bool, error) {
	return c.cas(ctx, pb.CoordinationClient.TryReplace, pb.Request{Key: key, Expected: expected, Next: next, TTL: ttl})
}

func (c *Client) TryDelete(ctx context.Context, key, expected string) (bool, error) {
	return c.cas(ctx, pb.CoordinationClient.TryDelete, pb.Request{Key: key, Expected: expected})
}

func (c *Client) TryElect(ctx context.Context, key string, candidate types.LeaderValue, deadThreshold, ttl time.Duration) (types.ElectOutcome, error) {
	in, err := pb.Request{
		Key:           key,
		TTL:           ttl,
		InstanceID:    candidate.InstanceID,
		ConnectionID:  candidate.ConnectionID,
		RenewedAtMs:   candidate.RenewedAtMs,
		DeadThreshold: deadThreshold,
	}.Proto()
	if err != nil {
		return types.ElectRejected, err
	}

	return call(ctx, c, func(rpc pb.CoordinationClient) (types.ElectOutcome, error) {
		resp, err := rpc.TryElect(ctx, in)
		if err != nil {
			return types.ElectRejected, err
		}
		return types.ElectOutcome(resp.GetValue()), nil
	})
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	in, err := pb.Request{Key: key}.Proto()
	if err != nil {
		return "", false, err
	}

	type result struct {
		value string
		found bool
	}
	res, err := call(ctx, c, func(rpc pb.CoordinationClient) (result, error) {
		resp, err := rpc.Get(ctx, in)
		if err != nil {
			return result{}, err
		}
		v, found := pb.ParseGetResponse(resp)
		return result{value: v, found: found}, nil
	})
	return res.value, res.found, err
}

func (c *Client) Scan(ctx context.Context, prefix string) ([]types.Entry, error) {
	in, err := pb.Request{Prefix: prefix}.Proto()
	if err != nil {
		return nil, err
	}

	entries, err := call(ctx, c, func(rpc pb.CoordinationClient) ([]pb.ScanEntry, error) {
		resp, err := rpc.Scan(ctx, in)
		if err != nil {
			return nil, err
		}
		return pb.ParseScanResponse(resp)
	})
	if err != nil {
		return nil, err
	}

	out := make([]types.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, types.Entry{Key: e.Key, Value: e.Value, ExpiresAtMs: e.ExpiresAtMs})
	}
	return out, nil
}

// Status asks the current endpoint about itself; it does not fail over.
func (c *Client) Status(ctx context.Context) (pb.NodeStatus, error) {
	resp, err := c.endpoints[c.pick()].rpc.Status(ctx, &emptypb.Empty{})
	if err != nil {
		return pb.NodeStatus{}, fromStatus(err)
	}
	return pb.ParseNodeStatus(resp), nil
}

func (c *Client) Close() error {
	var errs []error
	for _, e := range c.endpoints {
		if e.conn != nil {
			errs = append(errs, e.conn.Close())
		}
	}
	return errors.Join(errs...)
}
