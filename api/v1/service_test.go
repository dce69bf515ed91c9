package v1_test

import (
	"context"
	"net"
	"testing"

	pb "github.com/pixperk/sessionward/api/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// answers TrySet, everything else falls through to the embedded stubs
type setOnly struct {
	pb.UnimplementedCoordinationServer
}

func (setOnly) TrySet(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error) {
	return wrapperspb.Bool(true), nil
}

func serve(t *testing.T, srv pb.CoordinationServer) pb.CoordinationClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	pb.RegisterCoordinationServer(s, srv)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return pb.NewCoordinationClient(conn)
}

func TestUnimplementedMethods(t *testing.T) {
	rpc := serve(t, setOnly{})
	ctx := context.Background()

	ok, err := rpc.TrySet(ctx, &structpb.Struct{})
	require.NoError(t, err)
	assert.True(t, ok.GetValue())

	_, err = rpc.TryElect(ctx, &structpb.Struct{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))

	_, err = rpc.Status(ctx, &emptypb.Empty{})
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestInterceptorSeesFullMethod(t *testing.T) {
	seen := make(chan string, 1)
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(grpc.UnaryInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		seen <- info.FullMethod
		return handler(ctx, req)
	}))
	pb.RegisterCoordinationServer(s, setOnly{})
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = pb.NewCoordinationClient(conn).TrySet(context.Background(), &structpb.Struct{})
	require.NoError(t, err)
	assert.Equal(t, pb.Coordination_TrySet_FullMethodName, <-seen)
}
