package httpserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"GoWsGateway/internal/gateway"
	"GoWsGateway/internal/logger"
)

// APIServer 网关管理接口，同时挂载WebSocket升级端点
type APIServer struct {
	router  *mux.Router
	server  *http.Server
	gateway *gateway.Server

	stream         *logger.Stream
	configSummary  func() (map[string]interface{}, error)
	allowedOrigins []string

	// 统计信息
	requestCount int64
	responseTime []time.Duration
	errorCount   int64
	startTime    time.Time
	mu           sync.RWMutex
}

// API响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Option 管理接口选项
type Option func(*APIServer)

// WithLogStream 在/logs挂载实时日志流
func WithLogStream(stream *logger.Stream) Option {
	return func(s *APIServer) {
		s.stream = stream
	}
}

// WithAllowedOrigins 设置CORS允许的源
func WithAllowedOrigins(origins []string) Option {
	return func(s *APIServer) {
		s.allowedOrigins = origins
	}
}

// WithConfigSummary 在/api/v1/config返回配置摘要
func WithConfigSummary(fn func() (map[string]interface{}, error)) Option {
	return func(s *APIServer) {
		s.configSummary = fn
	}
}

// NewAPIServer 创建管理接口服务器
func NewAPIServer(addr string, gw *gateway.Server, opts ...Option) *APIServer {
	server := &APIServer{
		router:         mux.NewRouter(),
		gateway:        gw,
		allowedOrigins: []string{"*"},
		startTime:      time.Now(),
	}

	for _, opt := range opts {
		opt(server)
	}

	server.setupRoutes()

	// 设置CORS
	c := cors.New(cors.Options{
		AllowedOrigins: server.allowedOrigins,
		AllowedMethods: []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	server.server = &http.Server{
		Addr:        addr,
		Handler:     c.Handler(server.router),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return server
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes() {
	// 添加中间件
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	// WebSocket升级端点
	s.router.Handle(s.gateway.Path(), s.gateway)

	if s.stream != nil {
		s.router.HandleFunc("/logs", s.stream.HandleWebSocket)
	}

	// API路由
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.healthCheckHandler).Methods("GET")
	api.HandleFunc("/stats", s.statsHandler).Methods("GET")
	api.HandleFunc("/config", s.configHandler).Methods("GET")

	// 会话管理
	api.HandleFunc("/sessions", s.getSessionsHandler).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.getSessionHandler).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.deleteSessionHandler).Methods("DELETE")
}

// 中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)
		logger.Debug("HTTP", "%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, duration)
	})
}

func (s *APIServer) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		s.mu.Lock()
		s.requestCount++
		s.responseTime = append(s.responseTime, duration)
		// 保持最近1000个请求的响应时间
		if len(s.responseTime) > 1000 {
			s.responseTime = s.responseTime[1:]
		}
		s.mu.Unlock()
	})
}

func (s *APIServer) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":  "ok",
		"running": s.gateway.IsRunning(),
		"uptime":  time.Since(s.startTime).String(),
	}

	if !s.gateway.IsRunning() {
		health["status"] = "unavailable"
		s.writeJSONResponse(w, http.StatusServiceUnavailable, APIResponse{
			Success:   false,
			Data:      health,
			Code:      "gateway_not_running",
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}

	s.writeSuccessResponse(w, health)
}

func (s *APIServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeSuccessResponse(w, map[string]interface{}{
		"gateway": s.gateway.Stats(),
		"http":    s.GetStats(),
	})
}

func (s *APIServer) configHandler(w http.ResponseWriter, r *http.Request) {
	if s.configSummary == nil {
		s.writeErrorResponse(w, http.StatusNotFound, "not_available", "Config summary not available")
		return
	}

	summary, err := s.configSummary()
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "config_error", err.Error())
		return
	}
	s.writeSuccessResponse(w, summary)
}

func (s *APIServer) getSessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions := s.gateway.Sessions()
	if sessions == nil {
		sessions = []gateway.SessionInfo{}
	}
	s.writeSuccessResponse(w, sessions)
}

func (s *APIServer) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	info, ok := s.gateway.Session(id)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, "session_not_found", "Session not found: "+id)
		return
	}
	s.writeSuccessResponse(w, info)
}

// deleteSessionHandler 发起关闭握手，会话在握手完成后移除
func (s *APIServer) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !s.gateway.CloseSession(id, "admin") {
		s.writeErrorResponse(w, http.StatusNotFound, "session_not_found", "Session not found: "+id)
		return
	}
	s.writeSuccessResponse(w, map[string]string{"message": "Session close requested", "id": id})
}

// 辅助方法
func (s *APIServer) writeSuccessResponse(w http.ResponseWriter, data interface{}) {
	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, http.StatusOK, response)
}

func (s *APIServer) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	response := APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	}
	s.writeJSONResponse(w, statusCode, response)
}

func (s *APIServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Write JSON response failed: %v", err)
	}
}

// Handler 完整的http.Handler（含CORS）
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// Addr 监听地址
func (s *APIServer) Addr() string {
	return s.server.Addr
}

// Start 启动服务器，阻塞直到服务器关闭
func (s *APIServer) Start() error {
	logger.Info("HTTP", "Starting HTTP server on %s (gateway path %s)", s.server.Addr, s.gateway.Path())
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止服务器。已升级的WebSocket连接由网关自己的Shutdown负责。
func (s *APIServer) Stop(ctx context.Context) error {
	logger.Info("HTTP", "Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// GetStats 获取服务器统计信息
func (s *APIServer) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var avgResponseTime float64
	if len(s.responseTime) > 0 {
		var total time.Duration
		for _, rt := range s.responseTime {
			total += rt
		}
		avgResponseTime = float64(total.Nanoseconds()) / float64(len(s.responseTime)) / 1e6
	}

	return map[string]interface{}{
		"uptime_seconds":       time.Since(s.startTime).Seconds(),
		"total_requests":       s.requestCount,
		"error_count":          s.errorCount,
		"avg_response_time_ms": avgResponseTime,
	}
}
