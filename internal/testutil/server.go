package testutil

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"GoWsGateway/internal/command"
	"GoWsGateway/internal/gateway"
	"GoWsGateway/internal/journal"
)

// TestGateway 测试网关包装器，监听临时端口
type TestGateway struct {
	*gateway.Server
	HTTP    *httptest.Server
	Journal *RecordingJournal
	t       *testing.T
}

// FastConfig 测试用的短超时配置
func FastConfig() *gateway.ServerConfig {
	cfg := gateway.DefaultServerConfig()
	cfg.WriteTimeout = time.Second
	cfg.SweepInterval = 20 * time.Millisecond
	return cfg
}

// StartGateway 启动网关，测试结束时自动关闭
func StartGateway(t *testing.T, cfg *gateway.ServerConfig, dispatcher *command.Dispatcher) *TestGateway {
	t.Helper()
	if cfg == nil {
		cfg = FastConfig()
	}

	j := NewRecordingJournal()
	server := gateway.New(cfg, dispatcher, gateway.WithJournal(j))
	require.NoError(t, server.Start(), "Failed to start gateway")

	tg := &TestGateway{
		Server:  server,
		HTTP:    httptest.NewServer(server.Handler()),
		Journal: j,
		t:       t,
	}
	t.Cleanup(tg.Stop)

	t.Logf("Test gateway started on %s", tg.HTTP.URL)
	return tg
}

// Stop 停止网关，可重复调用
func (tg *TestGateway) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tg.Server.Shutdown(ctx)
	tg.HTTP.Close()
}

// URL 升级端点的WebSocket URL
func (tg *TestGateway) URL() string {
	return "ws" + strings.TrimPrefix(tg.HTTP.URL, "http") + tg.Server.Path()
}

// WaitForSessions 等待注册表中的会话数量达到n
func (tg *TestGateway) WaitForSessions(n int) {
	tg.t.Helper()
	require.Eventually(tg.t, func() bool {
		return tg.Server.Registry().Len() == n
	}, 3*time.Second, 10*time.Millisecond, "expected %d sessions", n)
}

// RecordingJournal 在内存中记录连接事件
type RecordingJournal struct {
	mu     sync.Mutex
	events []journal.Event
}

func NewRecordingJournal() *RecordingJournal {
	return &RecordingJournal{}
}

func (j *RecordingJournal) Record(_ context.Context, event journal.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
}

func (j *RecordingJournal) Close() {}

// Events 已记录事件的副本
func (j *RecordingJournal) Events() []journal.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Event(nil), j.events...)
}

// Kinds 指定会话的事件类型序列
func (j *RecordingJournal) Kinds(sessionID string) []journal.Kind {
	var kinds []journal.Kind
	for _, e := range j.Events() {
		if e.SessionID == sessionID {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}
