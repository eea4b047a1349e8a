package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"GoWsGateway/internal/command"
	"GoWsGateway/internal/config"
	"GoWsGateway/internal/journal"
	"GoWsGateway/internal/logger"
	"GoWsGateway/internal/session"
)

var (
	// ErrServerRunning 重复启动
	ErrServerRunning = errors.New("gateway is already running")
	// ErrServerClosed 已关闭的网关不能再次启动
	ErrServerClosed = errors.New("gateway is closed")
)

const logModule = "Gateway"

// ServerConfig 网关配置
type ServerConfig struct {
	Path              string
	ReadBufferSize    int
	WriteBufferSize   int
	EnableCompression bool
	MaxConnections    int   // 0表示不限制
	MaxMessageSize    int64 // 单条入站消息上限
	WriteTimeout      time.Duration

	QueueCapacity   int
	ExpireAfter     time.Duration
	SweepInterval   time.Duration
	ForceCloseAfter time.Duration // 0表示不强制关闭

	ReplyUnknownOp bool
	RateLimit      float64 // 每秒命令数，0表示不限速
	RateBurst      int
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Path:            "/connect",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		MaxMessageSize:  512 * 1024,
		WriteTimeout:    5 * time.Second,
		QueueCapacity:   session.DefaultQueueCapacity,
		ExpireAfter:     session.DefaultExpireAfter,
		SweepInterval:   session.DefaultSweepInterval,
		ForceCloseAfter: 10 * time.Second,
		RateBurst:       20,
	}
}

// FromConfig 从网关配置文件生成ServerConfig
func FromConfig(cfg *config.GatewayConfig) *ServerConfig {
	return &ServerConfig{
		Path:              cfg.Server.Path,
		ReadBufferSize:    cfg.Server.ReadBufferSize,
		WriteBufferSize:   cfg.Server.WriteBufferSize,
		EnableCompression: cfg.Server.EnableCompression,
		MaxConnections:    cfg.Server.MaxConnections,
		MaxMessageSize:    cfg.Server.MaxMessageSize,
		WriteTimeout:      cfg.Server.WriteTimeout,
		QueueCapacity:     cfg.Session.QueueCapacity,
		ExpireAfter:       cfg.Session.ExpireAfter,
		SweepInterval:     cfg.Session.SweepInterval,
		ForceCloseAfter:   cfg.Session.ForceCloseAfter,
		ReplyUnknownOp:    cfg.Dispatch.ReplyUnknownOp,
		RateLimit:         cfg.RateLimit.MessagesPerSecond,
		RateBurst:         cfg.RateLimit.Burst,
	}
}

// Option 网关选项
type Option func(*Server)

// WithJournal 记录连接事件
func WithJournal(j journal.Journal) Option {
	return func(s *Server) {
		if j != nil {
			s.journal = j
		}
	}
}

// Server WebSocket网关
type Server struct {
	config     *ServerConfig
	upgrader   websocket.Upgrader
	dispatcher *command.Dispatcher
	registry   *session.Registry
	journal    journal.Journal

	// 连接管理
	conns     sync.Map // map[string]*Connection
	connCount atomic.Int32
	connWg    sync.WaitGroup // 等待所有连接goroutine退出

	// 后台任务管理
	bgWg   sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex // 保护isRunning切换与connWg.Add
	isRunning atomic.Bool

	// 统计信息
	totalConnections    atomic.Uint64
	rejectedConnections atomic.Uint64
	closedConnections   atomic.Uint64
	totalMessages       atomic.Uint64
	expiredSessions     atomic.Uint64
	forceClosed         atomic.Uint64
	startTime           time.Time
}

// New 创建网关。dispatcher为nil时使用内置命令。
func New(cfg *ServerConfig, dispatcher *command.Dispatcher, opts ...Option) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if dispatcher == nil {
		dispatcher = command.NewDispatcher(command.DefaultHandlers()...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		dispatcher: dispatcher,
		journal:    journal.NopJournal{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:    cfg.ReadBufferSize,
			WriteBufferSize:   cfg.WriteBufferSize,
			EnableCompression: cfg.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}

	s.registry = session.NewRegistry(
		session.WithExpireHook(s.onSessionExpired),
		session.WithForceClose(cfg.ForceCloseAfter, s.onForceClose),
	)

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Registry 会话注册表
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Path 升级端点路径
func (s *Server) Path() string {
	return s.config.Path
}

// IsRunning 是否正在接受连接
func (s *Server) IsRunning() bool {
	return s.isRunning.Load()
}

// Handler 只包含升级端点的http.Handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.Path, s)
	return mux
}

// Start 启动过期扫描，开始接受连接
func (s *Server) Start() error {
	if s.ctx.Err() != nil {
		return ErrServerClosed
	}
	if !s.isRunning.CompareAndSwap(false, true) {
		return ErrServerRunning
	}

	s.bgWg.Add(1)
	go func() {
		defer s.bgWg.Done()
		s.registry.RunSweeper(s.ctx, s.config.SweepInterval, s.config.ExpireAfter)
	}()

	logger.Info(logModule, "Gateway started (path=%s, expire_after=%v, queue_capacity=%d)",
		s.config.Path, s.config.ExpireAfter, s.config.QueueCapacity)
	return nil
}

// Shutdown 停止接受连接，对所有会话发起关闭握手并等待连接退出。
// ctx到期后强制关闭剩余连接。
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning.CompareAndSwap(true, false) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	logger.Info(logModule, "Shutting down gateway, active connections: %d", s.connCount.Load())

	s.conns.Range(func(_, value any) bool {
		c := value.(*Connection)
		if err := c.session.Close(websocket.CloseGoingAway, "server shutdown"); err != nil {
			log.Printf("Send shutdown close to %s failed: %v", c.ID(), err)
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn(logModule, "Shutdown deadline reached, force closing %d connections", s.connCount.Load())
		s.conns.Range(func(_, value any) bool {
			value.(*Connection).closeTransport()
			return true
		})
		<-done
		err = ctx.Err()
	}

	s.cancel()
	s.bgWg.Wait()

	logger.Info(logModule, "Gateway stopped (total_connections=%d, total_messages=%d)",
		s.totalConnections.Load(), s.totalMessages.Load())
	return err
}

// ServeHTTP 升级端点
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.isRunning.Load() {
		http.Error(w, "Gateway is not running", http.StatusServiceUnavailable)
		return
	}

	n := s.connCount.Add(1)
	if s.config.MaxConnections > 0 && int(n) > s.config.MaxConnections {
		s.connCount.Add(-1)
		s.rejectedConnections.Add(1)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.connCount.Add(-1)
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	sess := session.New(s.config.QueueCapacity, session.WithRemoteAddr(r.RemoteAddr))
	c := newConnection(wsConn, sess, newLimiter(s.config.RateLimit, s.config.RateBurst))

	s.mu.RLock()
	if !s.isRunning.Load() {
		s.mu.RUnlock()
		s.connCount.Add(-1)
		wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		wsConn.Close()
		return
	}
	s.connWg.Add(1)
	s.conns.Store(c.ID(), c)
	s.mu.RUnlock()

	s.totalConnections.Add(1)

	s.handleConnection(c)
}

// CloseSession 对指定会话发起关闭握手
func (s *Server) CloseSession(id, reason string) bool {
	value, ok := s.conns.Load(id)
	if !ok {
		return false
	}

	c := value.(*Connection)
	if err := c.session.Close(websocket.CloseNormalClosure, reason); err != nil {
		return false
	}
	logger.Info(logModule, "Session %s close requested: %s", id, reason)
	return true
}

// Stats 网关统计信息
type Stats struct {
	Running             bool    `json:"running"`
	UptimeSeconds       float64 `json:"uptimeSeconds"`
	ActiveConnections   int32   `json:"activeConnections"`
	RegisteredSessions  int     `json:"registeredSessions"`
	Connecting          int     `json:"connecting"`
	Active              int     `json:"active"`
	Closing             int     `json:"closing"`
	TotalConnections    uint64  `json:"totalConnections"`
	RejectedConnections uint64  `json:"rejectedConnections"`
	ClosedConnections   uint64  `json:"closedConnections"`
	TotalMessages       uint64  `json:"totalMessages"`
	ExpiredSessions     uint64  `json:"expiredSessions"`
	ForceClosed         uint64  `json:"forceClosed"`
	FramesEnqueued      uint64  `json:"framesEnqueued"`
	FramesDropped       uint64  `json:"framesDropped"`
	Handlers            int     `json:"handlers"`
}

// Stats 获取网关统计信息
func (s *Server) Stats() Stats {
	stats := Stats{
		Running:             s.isRunning.Load(),
		UptimeSeconds:       time.Since(s.startTime).Seconds(),
		ActiveConnections:   s.connCount.Load(),
		RegisteredSessions:  s.registry.Len(),
		TotalConnections:    s.totalConnections.Load(),
		RejectedConnections: s.rejectedConnections.Load(),
		ClosedConnections:   s.closedConnections.Load(),
		TotalMessages:       s.totalMessages.Load(),
		ExpiredSessions:     s.expiredSessions.Load(),
		ForceClosed:         s.forceClosed.Load(),
		Handlers:            s.dispatcher.Len(),
	}

	s.conns.Range(func(_, value any) bool {
		c := value.(*Connection)
		switch c.State() {
		case StateConnecting:
			stats.Connecting++
		case StateActive:
			stats.Active++
		case StateClosing:
			stats.Closing++
		}
		stats.FramesEnqueued += c.session.Enqueued()
		stats.FramesDropped += c.session.Dropped()
		return true
	})

	return stats
}

// Sessions 当前所有连接的会话信息
func (s *Server) Sessions() []SessionInfo {
	var infos []SessionInfo
	s.conns.Range(func(_, value any) bool {
		infos = append(infos, value.(*Connection).Info())
		return true
	})
	return infos
}

// Session 按ID查找会话信息
func (s *Server) Session(id string) (SessionInfo, bool) {
	value, ok := s.conns.Load(id)
	if !ok {
		return SessionInfo{}, false
	}
	return value.(*Connection).Info(), true
}

// onSessionExpired 过期扫描首次发现会话过期
func (s *Server) onSessionExpired(sess *session.Session) {
	s.expiredSessions.Add(1)
	logger.Info(logModule, "Session %s expired (last activity %s)", sess.ID(), sess.LastActivity().Format(time.RFC3339))
	s.journal.Record(s.ctx, journal.Event{
		SessionID:  sess.ID(),
		Kind:       journal.KindExpired,
		RemoteAddr: sess.RemoteAddr(),
		Reason:     "expired",
	})
}

// onForceClose 关闭握手超时，直接关闭底层连接，由拆除流程完成移除
func (s *Server) onForceClose(sess *session.Session) {
	value, ok := s.conns.Load(sess.ID())
	if !ok {
		return
	}

	c := value.(*Connection)
	if !c.forced.CompareAndSwap(false, true) {
		return
	}

	s.forceClosed.Add(1)
	s.journal.Record(s.ctx, journal.Event{
		SessionID:  sess.ID(),
		Kind:       journal.KindForceClosed,
		RemoteAddr: sess.RemoteAddr(),
		Reason:     "close handshake timeout",
	})
	c.closeTransport()
}
