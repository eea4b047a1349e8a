package command

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSender 记录发送内容的测试Sender
type recordingSender struct {
	id        string
	mu        sync.Mutex
	texts     []string
	responses []*Response
}

func (s *recordingSender) ID() string { return s.id }

func (s *recordingSender) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *recordingSender) SendResponse(resp *Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp)
	return nil
}

func (s *recordingSender) Responses() []*Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Response(nil), s.responses...)
}

// TestDispatchFirstMatchWins 两个处理器都匹配时只有先注册的执行
func TestDispatchFirstMatchWins(t *testing.T) {
	var first, second atomic.Int32

	d := NewDispatcher(
		Match(func(cmd *Command) bool { return len(cmd.Op) > 0 }, func(Sender, *Command) { first.Add(1) }),
		Op("echo", func(Sender, *Command) { second.Add(1) }),
	)

	handled := d.Dispatch(&recordingSender{id: "s1"}, &Command{Op: "echo"})

	assert.True(t, handled)
	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(0), second.Load())
}

// TestDispatchNoMatch 没有处理器匹配时不调用任何处理器
func TestDispatchNoMatch(t *testing.T) {
	var calls atomic.Int32
	d := NewDispatcher(Op("echo", func(Sender, *Command) { calls.Add(1) }))
	sender := &recordingSender{id: "s1"}

	assert.NotPanics(t, func() {
		assert.False(t, d.Dispatch(sender, &Command{Op: "missing"}))
	})
	assert.Equal(t, int32(0), calls.Load())
	assert.Empty(t, sender.Responses())

	empty := NewDispatcher()
	assert.Equal(t, 0, empty.Len())
	assert.False(t, empty.Dispatch(sender, &Command{Op: "echo"}))
}

func TestDispatchOrderIsCopied(t *testing.T) {
	var hit string
	handlers := []Handler{Op("a", func(Sender, *Command) { hit = "a" })}
	d := NewDispatcher(handlers...)

	handlers[0] = Op("a", func(Sender, *Command) { hit = "replaced" })
	d.Dispatch(&recordingSender{id: "s"}, &Command{Op: "a"})

	assert.Equal(t, "a", hit)
}

// TestDispatchRecoversPanic 处理器panic时回复错误响应
func TestDispatchRecoversPanic(t *testing.T) {
	d := NewDispatcher(Op("boom", func(Sender, *Command) { panic("boom") }))
	sender := &recordingSender{id: "s1"}

	assert.NotPanics(t, func() {
		d.Dispatch(sender, &Command{Op: "boom", RequestID: "r1"})
	})

	resps := sender.Responses()
	require.Len(t, resps, 1)
	assert.Equal(t, StatusError, resps[0].Status)
	assert.Equal(t, "r1", resps[0].RequestID)
}

// TestDispatchConcurrent 多个会话并发分发
func TestDispatchConcurrent(t *testing.T) {
	var calls atomic.Int64
	d := NewDispatcher(Op("count", func(s Sender, cmd *Command) {
		calls.Add(1)
		_ = s.SendResponse(NewResponse(cmd))
	}))

	const sessions, perSession = 16, 100
	senders := make([]*recordingSender, sessions)
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		senders[i] = &recordingSender{id: fmt.Sprintf("s-%d", i)}
		wg.Add(1)
		go func(s *recordingSender) {
			defer wg.Done()
			for j := 0; j < perSession; j++ {
				d.Dispatch(s, &Command{Op: "count", RequestID: fmt.Sprintf("%s-%d", s.id, j)})
			}
		}(senders[i])
	}
	wg.Wait()

	assert.Equal(t, int64(sessions*perSession), calls.Load())
	for _, s := range senders {
		resps := s.Responses()
		require.Len(t, resps, perSession)
		for j, r := range resps {
			assert.Equal(t, fmt.Sprintf("%s-%d", s.id, j), r.RequestID)
		}
	}
}

// TestBuiltinHandlers 测试内置处理器
func TestBuiltinHandlers(t *testing.T) {
	d := NewDispatcher(DefaultHandlers()...)
	sender := &recordingSender{id: "session-1"}

	require.True(t, d.Dispatch(sender, &Command{Op: "echo", RequestID: "r1", Args: map[string]any{"x": "y"}}))
	require.True(t, d.Dispatch(sender, &Command{Op: "whoami", RequestID: "r2"}))
	require.True(t, d.Dispatch(sender, &Command{Op: "time", RequestID: "r3"}))

	resps := sender.Responses()
	require.Len(t, resps, 3)

	assert.Equal(t, "r1", resps[0].RequestID)
	assert.Equal(t, map[string]any{"x": "y"}, resps[0].Data)

	assert.Equal(t, map[string]string{"sessionId": "session-1"}, resps[1].Data)

	serverTime, ok := resps[2].Data.(map[string]int64)
	require.True(t, ok)
	assert.Positive(t, serverTime["serverTime"])
}
