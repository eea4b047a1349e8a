package grpcserver

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName 健康检查中网关的服务名
const ServiceName = "gateway"

// HealthServer 通过grpc_health_v1暴露网关状态
type HealthServer struct {
	addr     string
	server   *grpc.Server
	health   *health.Server
	listener net.Listener

	mu        sync.Mutex
	startTime time.Time
}

// NewHealthServer 创建健康检查服务器，初始状态为NOT_SERVING
func NewHealthServer(addr string) *HealthServer {
	s := &HealthServer{
		addr:   addr,
		server: grpc.NewServer(),
		health: health.NewServer(),
	}

	healthpb.RegisterHealthServer(s.server, s.health)

	// 启用反射（可选，用于调试）
	reflection.Register(s.server)

	s.SetServing(false)
	return s
}

// Start 监听地址并在后台提供服务
func (s *HealthServer) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = lis
	s.startTime = time.Now()
	s.mu.Unlock()

	log.Printf("gRPC health server listening on %s", lis.Addr())

	go func() {
		if err := s.server.Serve(lis); err != nil {
			log.Printf("gRPC health server error: %v", err)
		}
	}()
	return nil
}

// Addr 实际监听地址，未启动时返回配置地址
func (s *HealthServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// SetServing 设置网关服务与整体服务的状态
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Follow 按interval同步probe的结果，直到ctx结束
func (s *HealthServer) Follow(ctx context.Context, probe func() bool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := probe()
	s.SetServing(last)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cur := probe(); cur != last {
				log.Printf("Gateway health changed: serving=%t", cur)
				s.SetServing(cur)
				last = cur
			}
		}
	}
}

// Stop 标记为NOT_SERVING并优雅关闭，超时后强制停止
func (s *HealthServer) Stop(timeout time.Duration) {
	s.health.Shutdown()

	// 优雅关闭
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.server.GracefulStop()
	}()

	// 设置超时
	select {
	case <-done:
		log.Printf("gRPC health server stopped")
	case <-time.After(timeout):
		log.Printf("gRPC health server graceful stop timed out, forcing stop")
		s.server.Stop()
	}
}
