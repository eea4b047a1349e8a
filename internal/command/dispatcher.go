package command

import (
	"log"
	"runtime/debug"
)

// Sender 处理器向所属会话回写消息的能力
type Sender interface {
	ID() string
	SendText(text string) error
	SendResponse(resp *Response) error
}

// Handler 命令处理器。处理器会被多个会话并发调用，自身状态需要自行同步。
type Handler interface {
	// Matches 判断是否认领该命令
	Matches(cmd *Command) bool
	// Process 处理命令
	Process(sender Sender, cmd *Command)
}

type funcHandler struct {
	match   func(cmd *Command) bool
	process func(sender Sender, cmd *Command)
}

func (h *funcHandler) Matches(cmd *Command) bool           { return h.match(cmd) }
func (h *funcHandler) Process(sender Sender, cmd *Command) { h.process(sender, cmd) }

// Match 用匹配函数和处理函数构造处理器
func Match(match func(cmd *Command) bool, process func(sender Sender, cmd *Command)) Handler {
	return &funcHandler{match: match, process: process}
}

// Op 构造按操作名精确匹配的处理器
func Op(op string, process func(sender Sender, cmd *Command)) Handler {
	return Match(func(cmd *Command) bool { return cmd.Op == op }, process)
}

// Dispatcher 有序的处理器表，启动后只读
type Dispatcher struct {
	handlers []Handler
}

// NewDispatcher 创建分发器，处理器顺序即匹配优先级
func NewDispatcher(handlers ...Handler) *Dispatcher {
	hs := make([]Handler, len(handlers))
	copy(hs, handlers)
	return &Dispatcher{handlers: hs}
}

// Len 已注册处理器数量
func (d *Dispatcher) Len() int {
	return len(d.handlers)
}

// Dispatch 把命令交给第一个认领它的处理器，返回是否有处理器认领
func (d *Dispatcher) Dispatch(sender Sender, cmd *Command) bool {
	for _, h := range d.handlers {
		if h.Matches(cmd) {
			d.invoke(h, sender, cmd)
			return true
		}
	}
	return false
}

// invoke 调用处理器，处理器panic只影响本次命令
func (d *Dispatcher) invoke(h Handler, sender Sender, cmd *Command) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Handler panic: op=%s, requestId=%s, session=%s: %v\n%s",
				cmd.Op, cmd.RequestID, sender.ID(), r, debug.Stack())
			if err := sender.SendResponse(Failed(cmd, "internal error")); err != nil {
				log.Printf("Send failure response failed: %v", err)
			}
		}
	}()

	h.Process(sender, cmd)
}
