package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"GoWsGateway/internal/command"
	"GoWsGateway/internal/logger"
	"GoWsGateway/internal/session"
)

const (
	// UnsupportedBinaryNotice 收到二进制帧时的文本回复
	UnsupportedBinaryNotice = "Binary data type is not supported"

	textPing = "ping"
	textPong = "pong"
)

// installControlHandlers 控制帧在ReadMessage内部处理，回复统一走出站队列
func (s *Server) installControlHandlers(c *Connection) {
	sess := c.session

	c.conn.SetPingHandler(func(data string) error {
		sess.Refresh()
		s.enqueue(sess, session.Frame{Type: websocket.PongMessage, Data: []byte(data)})
		return nil
	})

	// 对端的pong同样视为活跃，并回一个ping保持探测
	c.conn.SetPongHandler(func(data string) error {
		sess.Refresh()
		s.enqueue(sess, session.Frame{Type: websocket.PingMessage, Data: []byte(data)})
		return nil
	})

	c.conn.SetCloseHandler(func(code int, text string) error {
		s.enqueue(sess, session.Frame{Type: websocket.CloseMessage, Data: websocket.FormatCloseMessage(code, text)})
		s.registry.Remove(sess.ID())
		return nil
	})
}

func (s *Server) enqueue(sess *session.Session, frame session.Frame) {
	if err := sess.Send(frame); err != nil {
		logger.Debug(logModule, "Enqueue frame to %s failed: %v", sess.ID(), err)
	}
}

// inboundLoop 入站循环，返回结束原因
func (s *Server) inboundLoop(c *Connection) string {
	s.installControlHandlers(c)
	if s.config.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.config.MaxMessageSize)
	}

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Sprintf("peer closed (%d %s)", closeErr.Code, closeErr.Text)
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				logger.Warn(logModule, "Connection %s read error: %v", c.ID(), err)
			}
			return "read error: " + err.Error()
		}

		c.messagesReceived.Add(1)
		c.bytesReceived.Add(uint64(len(data)))
		s.totalMessages.Add(1)

		switch messageType {
		case websocket.TextMessage:
			s.handleText(c, data)
		case websocket.BinaryMessage:
			s.enqueue(c.session, session.Frame{Type: websocket.TextMessage, Data: []byte(UnsupportedBinaryNotice)})
		}
	}
}

// handleText 处理文本帧：文本ping直接回复，其余按命令解析并分发
func (s *Server) handleText(c *Connection, data []byte) {
	sess := c.session
	sess.Refresh()

	if strings.EqualFold(strings.TrimSpace(string(data)), textPing) {
		s.enqueue(sess, session.Frame{Type: websocket.TextMessage, Data: []byte(textPong)})
		return
	}

	cmd, err := command.Parse(data)
	if err != nil {
		logger.Debug(logModule, "Bad command from %s: %v", sess.ID(), err)
		if err := sess.SendResponse(command.BadCommand()); err != nil {
			logger.Debug(logModule, "Send bad command response to %s failed: %v", sess.ID(), err)
		}
		return
	}
	cmd.EnsureRequestID()

	if !c.allow() {
		if err := sess.SendResponse(command.RateLimited(cmd)); err != nil {
			logger.Debug(logModule, "Send rate limited response to %s failed: %v", sess.ID(), err)
		}
		return
	}

	if s.dispatcher.Dispatch(sess, cmd) {
		return
	}

	logger.Debug(logModule, "No handler for op %q from %s", cmd.Op, sess.ID())
	if s.config.ReplyUnknownOp {
		if err := sess.SendResponse(command.UnknownOp(cmd)); err != nil {
			logger.Debug(logModule, "Send unknown op response to %s failed: %v", sess.ID(), err)
		}
	}
}

// outboundLoop 出站循环，唯一的写入方。返回结束原因。
func (s *Server) outboundLoop(ctx context.Context, c *Connection) string {
	closeSent := false

	for {
		select {
		case <-ctx.Done():
			return "cancelled"

		case frame, ok := <-c.session.Outbound():
			if !ok {
				return "outbound queue closed"
			}

			// 关闭帧发出后不能再写其他帧
			if closeSent {
				continue
			}

			if err := s.writeFrame(c, frame); err != nil {
				if !errors.Is(err, net.ErrClosed) && !errors.Is(err, websocket.ErrCloseSent) {
					logger.Warn(logModule, "Connection %s write error: %v", c.ID(), err)
				}
				return "write error: " + err.Error()
			}

			c.messagesSent.Add(1)
			c.bytesSent.Add(uint64(len(frame.Data)))

			if frame.Type == websocket.CloseMessage {
				closeSent = true
				c.advance(StateClosing)
				// 等待对端回应关闭帧，超时后读取返回错误
				c.conn.SetReadDeadline(time.Now().Add(s.config.WriteTimeout))
			}
		}
	}
}

func (s *Server) writeFrame(c *Connection, frame session.Frame) error {
	deadline := time.Now().Add(s.config.WriteTimeout)

	if frame.IsControl() {
		return c.conn.WriteControl(frame.Type, frame.Data, deadline)
	}

	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(frame.Type, frame.Data)
}
