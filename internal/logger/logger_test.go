package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelInfo, ParseLevel("info"))
	assert.Equal(t, LevelWarning, ParseLevel(" warn "))
	assert.Equal(t, LevelWarning, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}

func TestSetLevel(t *testing.T) {
	defer SetLevel("info")

	SetLevel("error")
	assert.False(t, Enabled(LevelWarning))
	assert.True(t, Enabled(LevelError))

	SetLevel("debug")
	assert.True(t, Enabled(LevelDebug))
}

// TestPublishNeverBlocks 没有Run时通道写满也不阻塞
func TestPublishNeverBlocks(t *testing.T) {
	s := NewStream(10)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			s.Publish(LevelInfo, "Test", "message")
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
}

func dialStream(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

// TestStreamBacklogAndBroadcast 新订阅者收到积压日志和后续日志
func TestStreamBacklogAndBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewStream(2)
	go s.Run(ctx)

	s.Publish(LevelInfo, "Gateway", "first")
	s.Publish(LevelWarning, "Gateway", "second")
	s.Publish(LevelError, "Gateway", "third")

	srv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	defer srv.Close()

	// 等待积压日志被Run处理
	time.Sleep(50 * time.Millisecond)

	conn := dialStream(t, srv)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg LogMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "second", msg.Message)
	assert.Equal(t, "WARNING", msg.Level)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "third", msg.Message)

	s.Publish(LevelInfo, "Session", "live")
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "live", msg.Message)
	assert.Equal(t, "Session", msg.Module)
}

func TestStreamStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewStream(1)
	go s.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	defer srv.Close()

	conn := dialStream(t, srv)
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}
