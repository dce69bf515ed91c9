package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/sessionward/api/v1"
	"github.com/pixperk/sessionward/pkg/fsm"
	"github.com/pixperk/sessionward/pkg/store"
	"github.com/pixperk/sessionward/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Backend is a coordd node: a store plus its raft role.
type Backend interface {
	store.Store
	IsLeader() bool
	GetLeader() string
	NodeID() uuid.UUID
	Stats() fsm.Stats
}

type Server struct {
	pb.UnimplementedCoordinationServer

	node Backend
	log  hclog.Logger
}

var _ pb.CoordinationServer = (*Server)(nil)

// wraps the coordd node into a gRPC server
func NewServer(node Backend, log hclog.Logger) *Server {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Server{
		node: node,
		log:  log.Named("grpc"),
	}
}

// reads and writes are only served by the leader so a client never sees a
// lagging replica
func (s *Server) leaderOnly() error {
	if !s.node.IsLeader() {
		return notLeaderError(s.node.GetLeader())
	}
	return nil
}

func keyed(req *structpb.Struct, needTTL bool) (pb.Request, error) {
	r := pb.ParseRequest(req)
	if r.Key == "" {
		return r, status.Error(codes.InvalidArgument, "key required")
	}
	if needTTL && r.TTL <= 0 {
		return r, status.Error(codes.InvalidArgument, "ttl_ms must be greater than 0")
	}
	return r, nil
}

func (s *Server) TrySet(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	if err := s.leaderOnly(); err != nil {
		return nil, err
	}
	r, err := keyed(req, true)
	if err != nil {
		return nil, err
	}
	if r.Value == "" {
		return nil, status.Error(codes.InvalidArgument, "value required")
	}

	ok, err := s.node.TrySet(ctx, r.Key, r.Value, r.TTL)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return wrapperspb.Bool(ok), nil
}

func (s *Server) TryExtend(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	if err := s.leaderOnly(); err != nil {
		return nil, err
	}
	r, err := keyed(req, true)
	if err != nil {
		return nil, err
	}

	ok, err := s.node.TryExtend(ctx, r.Key, r.Expected, r.TTL)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return wrapperspb.Bool(ok), nil
}

func (s *Server) TryReplace(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	if err := s.leaderOnly(); err != nil {
		return nil, err
	}
	r, err := keyed(req, true)
	if err != nil {
		return nil, err
	}
	if r.Next == "" {
		return nil, status.Error(codes.InvalidArgument, "next required")
	}

	ok, err := s.node.TryReplace(ctx, r.Key, r.Expected, r.Next, r.TTL)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return wrapperspb.Bool(ok), nil
}

func (s *Server) TryDelete(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	if err := s.leaderOnly(); err != nil {
		return nil, err
	}
	r, err := keyed(req, false)
	if err != nil {
		return nil, err
	}

	ok, err := s.node.TryDelete(ctx, r.Key, r.Expected)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return wrapperspb.Bool(ok), nil
}

func (s *Server) TryElect(ctx context.Context, req *structpb.Struct) (*wrapperspb.Int32Value, error) {
	if err := s.leaderOnly(); err != nil {
		return nil, err
	}
	r, err := keyed(req, true)
	if err != nil {
		return nil, err
	}
	if r.InstanceID == "" || r.ConnectionID == "" || r.DeadThreshold <= 0 {
		return nil, status.Error(codes.InvalidArgument, "instance_id, connection_id and dead_threshold_ms are required")
	}

	candidate := types.LeaderValue{
		InstanceID:   r.InstanceID,
		ConnectionID: r.ConnectionID,
		RenewedAtMs:  r.RenewedAtMs,
	}
	if candidate.RenewedAtMs == 0 {
		candidate.RenewedAtMs = time.Now().UnixMilli()
	}

	outcome, err := s.node.TryElect(ctx, r.Key, candidate, r.DeadThreshold, r.TTL)
	if err != nil {
		return nil, toGRPCError(err)
	}
	if outcome == types.ElectTakeover {
		s.log.Info("stale leader record taken over", "key", r.Key, "connection", r.ConnectionID)
	}
	return wrapperspb.Int32(int32(outcome)), nil
}

func (s *Server) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.leaderOnly(); err != nil {
		return nil, err
	}
	r, err := keyed(req, false)
	if err != nil {
		return nil, err
	}

	v, found, err := s.node.Get(ctx, r.Key)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return pb.GetResponse(v, found), nil
}

func (s *Server) Scan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.leaderOnly(); err != nil {
		return nil, err
	}
	r := pb.ParseRequest(req)

	entries, err := s.node.Scan(ctx, r.Prefix)
	if err != nil {
		return nil, toGRPCError(err)
	}

	out := make([]pb.ScanEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, pb.ScanEntry{Key: e.Key, Value: e.Value, ExpiresAtMs: e.ExpiresAtMs})
	}
	return pb.ScanResponse(out), nil
}

func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	stats := s.node.Stats()

	return pb.NodeStatus{
		NodeID:   s.node.NodeID().String(),
		IsLeader: s.node.IsLeader(),
		Leader:   s.node.GetLeader(),
		Entries:  stats.Entries,
		Applied:  stats.Applied,
	}.Proto(), nil
}
