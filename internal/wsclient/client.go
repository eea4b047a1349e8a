package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"GoWsGateway/internal/command"
)

var (
	// ErrNotConnected 当前没有可用连接
	ErrNotConnected = errors.New("client is not connected")
	// ErrConnectionLost 等待响应期间连接断开
	ErrConnectionLost = errors.New("connection lost")
	// ErrClientClosed 客户端已关闭
	ErrClientClosed = errors.New("client closed")
)

// ClientState 客户端连接状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// TextHandler 不属于任何请求的文本帧处理器
type TextHandler func(text string)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState ClientState)

// ClientConfig 客户端配置
type ClientConfig struct {
	URL               string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration // 文本ping间隔，0表示不发送
	WriteTimeout      time.Duration
	ReconnectInterval time.Duration
	MaxReconnectTries int // 0表示不重连
	EnableCompression bool
	UserAgent         string
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url string) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReconnectInterval: 2 * time.Second,
		MaxReconnectTries: 10,
		UserAgent:         "GoWsGateway-client/1.0",
	}
}

type callResult struct {
	resp *command.Response
	err  error
}

// Client 网关客户端，支持请求/响应匹配、文本心跳与自动重连
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer
	conn   *websocket.Conn
	state  atomic.Int32

	// 消息处理
	onText        TextHandler
	onStateChange StateChangeHandler

	// 同步控制
	mu            sync.RWMutex
	writeMu       sync.Mutex // 专用于WebSocket写入同步
	ctx           context.Context
	cancel        context.CancelFunc
	reconnectChan chan struct{}

	// 请求ID到等待者
	pending sync.Map // map[string]chan callResult

	// 文本ping
	pingMu sync.Mutex
	pongCh chan struct{}
	avgRTT atomic.Int64 // nano seconds

	// 重连控制
	reconnectCount atomic.Int32
	reconnects     atomic.Int32 // 重连成功次数
}

// New 创建新的网关客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	dialer.EnableCompression = config.EnableCompression

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		config:        config,
		dialer:        &dialer,
		ctx:           ctx,
		cancel:        cancel,
		reconnectChan: make(chan struct{}, 1),
		pongCh:        make(chan struct{}, 1),
	}

	client.setState(StateDisconnected)
	return client
}

// SetTextHandler 设置文本帧处理器，须在Connect之前调用
func (c *Client) SetTextHandler(handler TextHandler) {
	c.onText = handler
}

// SetStateChangeHandler 设置状态变化处理器，须在Connect之前调用
func (c *Client) SetStateChangeHandler(handler StateChangeHandler) {
	c.onStateChange = handler
}

// Connect 连接到网关
func (c *Client) Connect(ctx context.Context) error {
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("client is not in disconnected state")
	}

	if err := c.doConnect(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateConnected)

	// 启动后台任务
	if c.config.HeartbeatInterval > 0 {
		go c.heartbeatLoop()
	}
	go c.reconnectLoop()

	return nil
}

// doConnect 拨号并启动该连接的读取循环
func (c *Client) doConnect(ctx context.Context) error {
	headers := http.Header{
		"User-Agent": []string{c.config.UserAgent},
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Close 关闭客户端，发送正常关闭帧
func (c *Client) Close() error {
	if !c.compareAndSwapState(StateConnected, StateClosed) &&
		!c.compareAndSwapState(StateReconnecting, StateClosed) &&
		!c.compareAndSwapState(StateDisconnected, StateClosed) {
		return nil // 已经关闭
	}

	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.failPending(ErrClientClosed)

	if conn == nil {
		return nil
	}

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"),
		time.Now().Add(time.Second))
	return conn.Close()
}

// SendText 发送原始文本帧
func (c *Client) SendText(text string) error {
	return c.write(websocket.TextMessage, []byte(text))
}

// SendRaw 发送任意类型的数据帧
func (c *Client) SendRaw(messageType int, data []byte) error {
	return c.write(messageType, data)
}

// Call 发送命令并等待同一requestId的响应
func (c *Client) Call(ctx context.Context, cmd *command.Command) (*command.Response, error) {
	id := cmd.EnsureRequestID()

	data, err := cmd.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode command failed: %w", err)
	}

	ch := make(chan callResult, 1)
	if _, loaded := c.pending.LoadOrStore(id, ch); loaded {
		return nil, fmt.Errorf("request %s already in flight", id)
	}
	defer c.pending.Delete(id)

	if err := c.write(websocket.TextMessage, data); err != nil {
		return nil, err
	}

	select {
	case result := <-ch:
		return result.resp, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClientClosed
	}
}

// Ping 发送文本ping并等待pong，返回往返时间
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()

	// 丢弃之前未被等待的pong
	select {
	case <-c.pongCh:
	default:
	}

	start := time.Now()
	if err := c.write(websocket.TextMessage, []byte("ping")); err != nil {
		return 0, err
	}

	select {
	case <-c.pongCh:
		rtt := time.Since(start)
		c.recordRTT(rtt)
		return rtt, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.ctx.Done():
		return 0, ErrClientClosed
	}
}

func (c *Client) recordRTT(rtt time.Duration) {
	// 简单移动平均
	oldAvg := time.Duration(c.avgRTT.Load())
	if oldAvg == 0 {
		c.avgRTT.Store(int64(rtt))
		return
	}
	c.avgRTT.Store(int64((oldAvg + rtt) / 2))
}

// write 写入一帧
func (c *Client) write(messageType int, data []byte) error {
	if c.getState() == StateClosed {
		return ErrClientClosed
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || c.getState() != StateConnected {
		return ErrNotConnected
	}

	// 使用专用的写入锁防止并发写入
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteMessage(messageType, data); err != nil {
		c.triggerReconnect(conn)
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// readLoop 读取一个连接直到出错
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if c.getState() != StateClosed {
				log.Printf("Read message failed: %v", err)
			}
			c.failPending(ErrConnectionLost)
			c.triggerReconnect(conn)
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}
		c.handleText(string(data))
	}
}

// handleText 分发文本帧：pong交给Ping，带requestId的响应交给Call，其余交给onText
func (c *Client) handleText(text string) {
	if strings.EqualFold(strings.TrimSpace(text), "pong") {
		select {
		case c.pongCh <- struct{}{}:
		default:
		}
		return
	}

	var resp command.Response
	if err := json.Unmarshal([]byte(text), &resp); err == nil && resp.RequestID != "" {
		if v, ok := c.pending.LoadAndDelete(resp.RequestID); ok {
			v.(chan callResult) <- callResult{resp: &resp}
			return
		}
	}

	if c.onText != nil {
		c.onText(text)
	}
}

// failPending 让所有等待中的Call返回err
func (c *Client) failPending(err error) {
	c.pending.Range(func(key, value any) bool {
		if _, ok := c.pending.LoadAndDelete(key); ok {
			value.(chan callResult) <- callResult{err: err}
		}
		return true
	})
}

// heartbeatLoop 心跳循环，保持网关会话活跃
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.getState() != StateConnected {
				continue
			}
			ctx, cancel := context.WithTimeout(c.ctx, c.config.HeartbeatInterval)
			if _, err := c.Ping(ctx); err != nil && c.ctx.Err() == nil {
				log.Printf("Heartbeat failed: %v", err)
			}
			cancel()
		}
	}
}

// reconnectLoop 重连循环
func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.reconnectChan:
			c.doReconnect()
		}
	}
}

// triggerReconnect 仅当conn仍是当前连接时触发重连
func (c *Client) triggerReconnect(conn *websocket.Conn) {
	c.mu.RLock()
	current := c.conn == conn
	c.mu.RUnlock()

	if !current || !c.compareAndSwapState(StateConnected, StateReconnecting) {
		return
	}

	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

// doReconnect 执行重连
func (c *Client) doReconnect() {
	// 关闭旧连接
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	if c.config.MaxReconnectTries <= 0 {
		log.Printf("Reconnect disabled, staying disconnected")
		c.compareAndSwapState(StateReconnecting, StateDisconnected)
		return
	}

	// 指数退避
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = c.config.ReconnectInterval
	backOff.MaxElapsedTime = 0

	attempts := backoff.WithMaxRetries(backOff, uint64(c.config.MaxReconnectTries-1))
	err := backoff.Retry(func() error {
		count := c.reconnectCount.Add(1)
		log.Printf("Reconnecting... (attempt %d/%d)", count, c.config.MaxReconnectTries)
		return c.doConnect(c.ctx)
	}, backoff.WithContext(attempts, c.ctx))
	c.reconnectCount.Store(0)

	if err != nil {
		log.Printf("Reconnect failed: %v", err)
		c.compareAndSwapState(StateReconnecting, StateDisconnected)
		return
	}

	if !c.compareAndSwapState(StateReconnecting, StateConnected) {
		// 重连期间被Close
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		return
	}

	log.Printf("Reconnected successfully")
	c.reconnects.Add(1)
}

// State 当前状态
func (c *Client) State() ClientState {
	return c.getState()
}

// getState 获取当前状态
func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// setState 设置状态
func (c *Client) setState(newState ClientState) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	if oldState != newState && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
}

// compareAndSwapState 原子性状态切换
func (c *Client) compareAndSwapState(oldState, newState ClientState) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
	return swapped
}

// Reconnects 获取重连成功次数
func (c *Client) Reconnects() int {
	return int(c.reconnects.Load())
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"state":      c.getState().String(),
		"reconnects": c.reconnects.Load(),
		"avg_rtt_ms": time.Duration(c.avgRTT.Load()).Milliseconds(),
	}
}
