package journal

import (
	"context"
	"time"
)

// Kind 连接事件类型
type Kind string

const (
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindExpired      Kind = "expired"
	KindForceClosed  Kind = "force_closed"
)

// Event 一条连接事件
type Event struct {
	SessionID  string
	Kind       Kind
	RemoteAddr string
	Reason     string
	At         time.Time
}

// Journal 连接事件记录器。Record不能阻塞连接处理流程。
type Journal interface {
	Record(ctx context.Context, event Event)
	Close()
}

// NopJournal 不记录任何事件
type NopJournal struct{}

func (NopJournal) Record(context.Context, Event) {}
func (NopJournal) Close()                        {}
