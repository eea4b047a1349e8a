package logger

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/eapache/queue"
	"github.com/gorilla/websocket"
)

// DefaultBacklog 新订阅者可收到的最近日志条数
const DefaultBacklog = 100

const streamWriteWait = time.Second

// LogMessage 日志消息结构
type LogMessage struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Module    string    `json:"module"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream 把网关日志推送给WebSocket订阅者
//
// 所有写入都在Run所在的goroutine中完成。
type Stream struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}

	backlog    *queue.Queue
	backlogMax int

	upgrader websocket.Upgrader
}

// NewStream 创建日志流，backlog<=0时使用默认值
func NewStream(backlog int) *Stream {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	return &Stream{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		backlog:    queue.New(),
		backlogMax: backlog,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Run 启动日志流，直到ctx结束
func (s *Stream) Run(ctx context.Context) {
	defer func() {
		for client := range s.clients {
			client.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "log stream stopped"),
				time.Now().Add(streamWriteWait))
			client.Close()
		}
		s.clients = map[*websocket.Conn]bool{}
		close(s.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-s.register:
			s.clients[client] = true
			s.replay(client)
			log.Printf("Log stream subscriber connected, subscribers: %d", len(s.clients))

		case client := <-s.unregister:
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.Close()
				log.Printf("Log stream subscriber disconnected, subscribers: %d", len(s.clients))
			}

		case message := <-s.broadcast:
			s.backlog.Add(message)
			for s.backlog.Length() > s.backlogMax {
				s.backlog.Remove()
			}

			for client := range s.clients {
				if err := s.write(client, message); err != nil {
					delete(s.clients, client)
					client.Close()
				}
			}
		}
	}
}

// replay 向新订阅者补发积压日志
func (s *Stream) replay(client *websocket.Conn) {
	for i := 0; i < s.backlog.Length(); i++ {
		if err := s.write(client, s.backlog.Get(i).(LogMessage)); err != nil {
			delete(s.clients, client)
			client.Close()
			return
		}
	}
}

func (s *Stream) write(client *websocket.Conn, message LogMessage) error {
	client.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return client.WriteJSON(message)
}

// Publish 发布一条日志，通道满时丢弃，不会阻塞调用方
func (s *Stream) Publish(level Level, module, message string) {
	msg := LogMessage{
		Level:     level.String(),
		Message:   message,
		Module:    module,
		Timestamp: time.Now(),
	}

	select {
	case s.broadcast <- msg:
	default:
	}
}

// HandleWebSocket 处理日志订阅连接
func (s *Stream) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Log stream upgrade failed: %v", err)
		return
	}

	select {
	case s.register <- conn:
	case <-s.done:
		conn.Close()
		return
	}

	defer func() {
		select {
		case s.unregister <- conn:
		case <-s.done:
		}
	}()

	// 订阅者只读，读循环用于感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Log stream connection error: %v", err)
			}
			return
		}
	}
}

// GlobalStream 全局日志流实例，nil时只输出到控制台
var GlobalStream *Stream

// InitGlobalStream 初始化全局日志流
func InitGlobalStream(ctx context.Context, backlog int) *Stream {
	GlobalStream = NewStream(backlog)
	go GlobalStream.Run(ctx)
	return GlobalStream
}
