package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"GoWsGateway/internal/journal"
	"GoWsGateway/internal/logger"
	"GoWsGateway/internal/session"
)

// State 连接状态
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection 一个已升级的WebSocket连接及其会话
type Connection struct {
	conn    *websocket.Conn
	session *session.Session
	limiter *rate.Limiter // nil表示不限速

	state     atomic.Int32
	forced    atomic.Bool
	closeOnce sync.Once

	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	bytesReceived    atomic.Uint64
	bytesSent        atomic.Uint64
}

func newConnection(conn *websocket.Conn, sess *session.Session, limiter *rate.Limiter) *Connection {
	c := &Connection{
		conn:    conn,
		session: sess,
		limiter: limiter,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// newLimiter 每连接的入站命令限速器，perSecond<=0时不限速
func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (c *Connection) ID() string                { return c.session.ID() }
func (c *Connection) Session() *session.Session { return c.session }
func (c *Connection) State() State              { return State(c.state.Load()) }

func (c *Connection) setState(state State) {
	c.state.Store(int32(state))
}

// advance 状态只能向前推进
func (c *Connection) advance(state State) {
	for {
		cur := c.state.Load()
		if cur >= int32(state) || c.state.CompareAndSwap(cur, int32(state)) {
			return
		}
	}
}

// closeTransport 关闭底层连接，阻塞中的读写随之返回
func (c *Connection) closeTransport() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// allow 是否允许处理下一条命令
func (c *Connection) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// SessionInfo 会话信息
type SessionInfo struct {
	ID               string    `json:"id"`
	RemoteAddr       string    `json:"remoteAddr"`
	State            string    `json:"state"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivity     time.Time `json:"lastActivity"`
	MessagesReceived uint64    `json:"messagesReceived"`
	MessagesSent     uint64    `json:"messagesSent"`
	BytesReceived    uint64    `json:"bytesReceived"`
	BytesSent        uint64    `json:"bytesSent"`
	FramesEnqueued   uint64    `json:"framesEnqueued"`
	FramesDropped    uint64    `json:"framesDropped"`
	QueueLength      int       `json:"queueLength"`
}

// Info 当前会话信息
func (c *Connection) Info() SessionInfo {
	return SessionInfo{
		ID:               c.session.ID(),
		RemoteAddr:       c.session.RemoteAddr(),
		State:            c.State().String(),
		CreatedAt:        c.session.CreatedAt(),
		LastActivity:     c.session.LastActivity(),
		MessagesReceived: c.messagesReceived.Load(),
		MessagesSent:     c.messagesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		FramesEnqueued:   c.session.Enqueued(),
		FramesDropped:    c.session.Dropped(),
		QueueLength:      len(c.session.Outbound()),
	}
}

type pipeline int

const (
	inboundPipeline pipeline = iota
	outboundPipeline
)

type pipelineExit struct {
	from   pipeline
	reason string
}

// handleConnection 处理单个连接的生命周期：注册会话，并发运行入站与出站循环，
// 任一方结束后拆除连接。
func (s *Server) handleConnection(c *Connection) {
	defer s.connWg.Done()

	sess := c.session
	s.registry.Add(sess)
	c.setState(StateActive)

	logger.Info(logModule, "New connection: %s from %s", sess.ID(), sess.RemoteAddr())
	s.journal.Record(s.ctx, journal.Event{
		SessionID:  sess.ID(),
		Kind:       journal.KindConnected,
		RemoteAddr: sess.RemoteAddr(),
	})

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	done := make(chan pipelineExit, 2)
	go func() {
		done <- pipelineExit{from: inboundPipeline, reason: s.inboundLoop(c)}
	}()
	go func() {
		done <- pipelineExit{from: outboundPipeline, reason: s.outboundLoop(ctx, c)}
	}()

	first := <-done
	c.advance(StateClosing)

	switch first.from {
	case inboundPipeline:
		// 关闭队列，让出站循环写完已入队的帧（包括关闭帧回显）
		sess.Shutdown()
		drain := time.NewTimer(s.config.WriteTimeout)
		select {
		case <-done:
		case <-drain.C:
			cancel()
			c.closeTransport()
			<-done
		}
		drain.Stop()
		c.closeTransport()

	case outboundPipeline:
		// 写失败，关闭底层连接使入站读取返回
		c.closeTransport()
		<-done
		sess.Shutdown()
	}

	s.connCount.Add(-1)
	s.closedConnections.Add(1)
	s.journal.Record(s.ctx, journal.Event{
		SessionID:  sess.ID(),
		Kind:       journal.KindDisconnected,
		RemoteAddr: sess.RemoteAddr(),
		Reason:     first.reason,
	})

	s.registry.Remove(sess.ID())
	s.conns.Delete(sess.ID())
	c.setState(StateClosed)

	logger.Info(logModule, "Connection closed: %s, reason: %s (received=%d, sent=%d, dropped=%d)",
		sess.ID(), first.reason, c.messagesReceived.Load(), c.messagesSent.Load(), sess.Dropped())
}
