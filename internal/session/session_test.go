package session

import (
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoWsGateway/internal/command"
)

// TestIsExpiredBoundary 差值达到120000ms即过期，119999ms不过期
func TestIsExpiredBoundary(t *testing.T) {
	s := New(4)
	base := time.UnixMilli(1_700_000_000_000)
	s.lastActivity.Store(base.UnixMilli())

	assert.False(t, s.IsExpired(base.Add(119999*time.Millisecond), DefaultExpireAfter))
	assert.True(t, s.IsExpired(base.Add(120000*time.Millisecond), DefaultExpireAfter))
	assert.True(t, s.IsExpired(base.Add(5*time.Minute), DefaultExpireAfter))
	assert.False(t, s.IsExpired(base, DefaultExpireAfter))
}

func TestRefreshThenNotExpired(t *testing.T) {
	s := New(4)
	s.lastActivity.Store(time.Now().Add(-time.Hour).UnixMilli())
	require.True(t, s.IsExpired(time.Now(), DefaultExpireAfter))

	now := time.Now()
	s.refreshAt(now)
	assert.False(t, s.IsExpired(now, DefaultExpireAfter))

	s.Refresh()
	assert.False(t, s.IsExpired(time.Now(), DefaultExpireAfter))
}

// TestRefreshMonotonic 最后活跃时间不会倒退
func TestRefreshMonotonic(t *testing.T) {
	s := New(4)
	later := time.Now().Add(time.Minute)
	s.refreshAt(later)
	s.refreshAt(later.Add(-30 * time.Second))

	assert.Equal(t, later.UnixMilli(), s.LastActivity().UnixMilli())
}

// TestSendOverflowDropsNewest 超出容量时不阻塞，丢弃最新的帧
func TestSendOverflowDropsNewest(t *testing.T) {
	s := New(3)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			assert.NoError(t, s.SendText(string(rune('a'+i))))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full queue")
	}

	assert.Equal(t, uint64(3), s.Enqueued())
	assert.Equal(t, uint64(7), s.Dropped())

	var got []string
	for i := 0; i < 3; i++ {
		f := <-s.Outbound()
		got = append(got, string(f.Data))
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.False(t, s.IsClosed())
}

func TestSendAfterShutdown(t *testing.T) {
	s := New(2)
	require.NoError(t, s.SendText("before"))

	s.Shutdown()
	s.Shutdown()

	assert.ErrorIs(t, s.SendText("after"), ErrSessionClosed)
	assert.ErrorIs(t, s.Close(websocket.CloseNormalClosure, "bye"), ErrSessionClosed)

	// 关闭前入队的帧仍可取出
	f, ok := <-s.Outbound()
	require.True(t, ok)
	assert.Equal(t, "before", string(f.Data))

	_, ok = <-s.Outbound()
	assert.False(t, ok)
}

func TestSendResponse(t *testing.T) {
	s := New(2)
	cmd := &command.Command{Op: "echo", RequestID: "r-1"}

	require.NoError(t, s.SendResponse(command.NewResponse(cmd).WithData("hi")))

	f := <-s.Outbound()
	assert.Equal(t, websocket.TextMessage, f.Type)
	assert.JSONEq(t, `{"requestId":"r-1","op":"echo","status":"ok","data":"hi"}`, string(f.Data))
}

// TestSendResponseMarshalFailure 序列化失败作为发送失败返回
func TestSendResponseMarshalFailure(t *testing.T) {
	s := New(2)
	err := s.SendResponse(command.NewResponse(&command.Command{Op: "x"}).WithData(make(chan int)))

	assert.Error(t, err)
	assert.Equal(t, uint64(0), s.Enqueued())
}

func TestCloseFrame(t *testing.T) {
	s := New(2)
	require.NoError(t, s.Close(websocket.CloseNormalClosure, "expired"))

	f := <-s.Outbound()
	assert.True(t, f.IsControl())
	assert.Equal(t, websocket.CloseMessage, f.Type)
	assert.Equal(t, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "expired"), f.Data)
}

func TestSessionIdentity(t *testing.T) {
	a := New(1, WithRemoteAddr("127.0.0.1:5000"))
	b := New(1)

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.True(t, a.Equal(a))
	assert.False(t, a.Equal(b))
	assert.False(t, a.Equal(nil))
	assert.Equal(t, "127.0.0.1:5000", a.RemoteAddr())
	assert.False(t, a.CreatedAt().IsZero())
}

// TestSessionsIsolated 并发会话之间互不影响
func TestSessionsIsolated(t *testing.T) {
	a := New(8)
	b := New(8)
	old := time.Now().Add(-time.Hour)
	a.lastActivity.Store(old.UnixMilli())
	b.lastActivity.Store(old.UnixMilli())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			a.Refresh()
			_ = a.SendText("a")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = b.IsExpired(time.Now(), DefaultExpireAfter)
		}
	}()
	wg.Wait()

	assert.Equal(t, old.UnixMilli(), b.LastActivity().UnixMilli())
	assert.Equal(t, uint64(0), b.Enqueued())
	assert.Len(t, b.Outbound(), 0)
	assert.Len(t, a.Outbound(), 8)
	assert.Equal(t, uint64(92), a.Dropped())
}
