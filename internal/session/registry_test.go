package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()
	s := New(4)

	r.Add(s)
	got, ok := r.Get(s.ID())
	require.True(t, ok)
	assert.True(t, got.Equal(s))
	assert.Equal(t, 1, r.Len())

	// 同ID覆盖不报错
	r.Add(s)
	assert.Equal(t, 1, r.Len())

	r.Remove(s.ID())
	_, ok = r.Get(s.ID())
	assert.False(t, ok)

	// 幂等
	assert.NotPanics(t, func() {
		r.Remove(s.ID())
		r.Remove("does-not-exist")
	})
	assert.Equal(t, 0, r.Len())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s := New(1)
				r.Add(s)
				r.Sweep(time.Now(), DefaultExpireAfter)
				_ = r.Snapshot()
				r.Remove(s.ID())
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.Len())
}

// TestSweepSendsCloseWithoutRemoving 过期扫描只发关闭帧，不移除会话
func TestSweepSendsCloseWithoutRemoving(t *testing.T) {
	var expiredHook atomic.Int32
	r := NewRegistry(WithExpireHook(func(*Session) { expiredHook.Add(1) }))

	idle := New(4)
	idle.lastActivity.Store(time.Now().Add(-3 * time.Minute).UnixMilli())
	active := New(4)

	r.Add(idle)
	r.Add(active)

	expired := r.Sweep(time.Now(), DefaultExpireAfter)
	assert.Equal(t, []string{idle.ID()}, expired)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, int32(1), expiredHook.Load())

	f := <-idle.Outbound()
	assert.Equal(t, websocket.CloseMessage, f.Type)
	assert.Equal(t, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "expired"), f.Data)
	assert.Len(t, active.Outbound(), 0)

	// 再次扫描不重复发送关闭帧
	r.Sweep(time.Now(), DefaultExpireAfter)
	assert.Len(t, idle.Outbound(), 0)
	assert.Equal(t, int32(1), expiredHook.Load())
}

// TestSweepForceClose 关闭握手超时后强制关闭
func TestSweepForceClose(t *testing.T) {
	var forced []string
	var mu sync.Mutex
	r := NewRegistry(WithForceClose(10*time.Second, func(s *Session) {
		mu.Lock()
		forced = append(forced, s.ID())
		mu.Unlock()
	}))

	s := New(4)
	start := time.Now()
	s.lastActivity.Store(start.Add(-DefaultExpireAfter).UnixMilli())
	r.Add(s)

	r.Sweep(start, DefaultExpireAfter)
	r.Sweep(start.Add(5*time.Second), DefaultExpireAfter)
	mu.Lock()
	assert.Empty(t, forced)
	mu.Unlock()

	r.Sweep(start.Add(10*time.Second), DefaultExpireAfter)
	mu.Lock()
	assert.Equal(t, []string{s.ID()}, forced)
	mu.Unlock()

	// 拆除流程移除后不再强制关闭
	r.Remove(s.ID())
	r.Sweep(start.Add(time.Minute), DefaultExpireAfter)
	mu.Lock()
	assert.Len(t, forced, 1)
	mu.Unlock()
}

func TestSweepResetsAfterRefresh(t *testing.T) {
	var forced atomic.Int32
	r := NewRegistry(WithForceClose(time.Second, func(*Session) { forced.Add(1) }))

	s := New(4)
	now := time.Now()
	s.lastActivity.Store(now.Add(-DefaultExpireAfter).UnixMilli())
	r.Add(s)

	r.Sweep(now, DefaultExpireAfter)
	s.refreshAt(now.Add(time.Second))
	r.Sweep(now.Add(2*time.Second), DefaultExpireAfter)

	assert.Equal(t, int32(0), forced.Load())
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	r := NewRegistry()
	s := New(4)
	s.lastActivity.Store(time.Now().Add(-time.Hour).UnixMilli())
	r.Add(s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunSweeper(ctx, 10*time.Millisecond, DefaultExpireAfter)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(s.Outbound()) == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
