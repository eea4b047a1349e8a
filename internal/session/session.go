package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"GoWsGateway/internal/command"
)

const (
	// DefaultExpireAfter 会话空闲超时
	DefaultExpireAfter = 120 * time.Second
	// DefaultQueueCapacity 出站队列容量
	DefaultQueueCapacity = 128
)

// ErrSessionClosed 出站队列已关闭，会话不可再用
var ErrSessionClosed = errors.New("session closed")

// Frame 出站帧，Type取websocket.TextMessage/BinaryMessage/PingMessage/PongMessage/CloseMessage
type Frame struct {
	Type int
	Data []byte
}

// IsControl 是否控制帧
func (f Frame) IsControl() bool {
	return f.Type == websocket.PingMessage || f.Type == websocket.PongMessage || f.Type == websocket.CloseMessage
}

// Option 会话选项
type Option func(*Session)

// WithRemoteAddr 记录对端地址
func WithRemoteAddr(addr string) Option {
	return func(s *Session) {
		s.remoteAddr = addr
	}
}

// Session 单个连接的服务端状态：身份、出站队列、最后活跃时间
type Session struct {
	id         string
	remoteAddr string
	createdAt  time.Time

	queue  chan Frame
	mu     sync.RWMutex // 保护closed与向queue发送
	closed bool

	lastActivity atomic.Int64 // unix milli

	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

// New 创建会话，queueCapacity<=0时使用默认容量
func New(queueCapacity int, opts ...Option) *Session {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}

	now := time.Now()
	s := &Session{
		id:        uuid.NewString(),
		createdAt: now,
		queue:     make(chan Frame, queueCapacity),
	}
	s.lastActivity.Store(now.UnixMilli())

	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ID() string             { return s.id }
func (s *Session) RemoteAddr() string     { return s.remoteAddr }
func (s *Session) CreatedAt() time.Time   { return s.createdAt }
func (s *Session) Enqueued() uint64       { return s.enqueued.Load() }
func (s *Session) Dropped() uint64        { return s.dropped.Load() }
func (s *Session) Outbound() <-chan Frame { return s.queue }

// Equal 两个会话当且仅当ID相同时相等
func (s *Session) Equal(other *Session) bool {
	return other != nil && s.id == other.id
}

// LastActivity 最后活跃时间
func (s *Session) LastActivity() time.Time {
	return time.UnixMilli(s.lastActivity.Load())
}

// Refresh 刷新最后活跃时间
func (s *Session) Refresh() {
	s.refreshAt(time.Now())
}

// refreshAt 单调不减地更新最后活跃时间
func (s *Session) refreshAt(t time.Time) {
	ms := t.UnixMilli()
	for {
		cur := s.lastActivity.Load()
		if ms <= cur || s.lastActivity.CompareAndSwap(cur, ms) {
			return
		}
	}
}

// IsExpired now与最后活跃时间之差达到threshold即视为过期
func (s *Session) IsExpired(now time.Time, threshold time.Duration) bool {
	return now.UnixMilli()-s.lastActivity.Load() >= threshold.Milliseconds()
}

// Send 非阻塞入队。队列满时丢弃该帧并返回nil，队列已关闭时返回ErrSessionClosed。
func (s *Session) Send(frame Frame) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrSessionClosed
	}

	select {
	case s.queue <- frame:
		s.enqueued.Add(1)
	default:
		if dropped := s.dropped.Add(1); dropped == 1 || dropped%100 == 0 {
			log.Printf("Session %s outbound queue full, frame dropped (queued=%d, dropped=%d)",
				s.id, len(s.queue), dropped)
		}
	}
	return nil
}

// SendText 发送文本帧
func (s *Session) SendText(text string) error {
	return s.Send(Frame{Type: websocket.TextMessage, Data: []byte(text)})
}

// SendControl 发送控制帧
func (s *Session) SendControl(messageType int, payload []byte) error {
	return s.Send(Frame{Type: messageType, Data: payload})
}

// SendResponse 序列化响应并发送
func (s *Session) SendResponse(resp *command.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response failed: %w", err)
	}
	return s.Send(Frame{Type: websocket.TextMessage, Data: data})
}

// Close 发起关闭握手：入队一个关闭帧，不会立即断开连接
func (s *Session) Close(code int, reason string) error {
	return s.Send(Frame{Type: websocket.CloseMessage, Data: websocket.FormatCloseMessage(code, reason)})
}

// Shutdown 关闭出站队列，已入队的帧仍会被出站循环取走。可重复调用。
func (s *Session) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}

// IsClosed 出站队列是否已关闭
func (s *Session) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
