package grpcserver

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

func startHealth(t *testing.T) (*HealthServer, healthpb.HealthClient) {
	t.Helper()

	s := NewHealthServer("127.0.0.1:0")
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop(time.Second) })

	conn, err := grpc.NewClient(s.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return s, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) *healthpb.HealthCheckResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp
}

func TestHealthServingStatus(t *testing.T) {
	s, client := startHealth(t)

	notServing := &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}
	serving := &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}

	assert.True(t, proto.Equal(notServing, check(t, client, ServiceName)))

	s.SetServing(true)
	assert.True(t, proto.Equal(serving, check(t, client, ServiceName)))
	assert.True(t, proto.Equal(serving, check(t, client, "")))

	s.SetServing(false)
	assert.True(t, proto.Equal(notServing, check(t, client, ServiceName)))
}

func TestHealthUnknownService(t *testing.T) {
	_, client := startHealth(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "chat"})
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

// TestHealthFollow 跟随网关运行状态切换
func TestHealthFollow(t *testing.T) {
	s, client := startHealth(t)

	var running atomic.Bool
	running.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Follow(ctx, running.Load, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return check(t, client, ServiceName).GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	running.Store(false)
	require.Eventually(t, func() bool {
		return check(t, client, ServiceName).GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}
