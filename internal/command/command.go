package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrBadCommand = errors.New("bad command")
	ErrMissingOp  = fmt.Errorf("%w: missing op", ErrBadCommand)
)

// Command 客户端通过文本帧发送的应用层命令
//
// 线上格式: {"op": string, "channel": string|null, "args": any|null, "requestId": string|null}
// 未知字段会被忽略。
type Command struct {
	Op        string `json:"op"`
	Channel   string `json:"channel,omitempty"`
	Args      any    `json:"args,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Parse 解析文本帧为命令，JSON格式错误或缺少op时返回ErrBadCommand
func Parse(data []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}

	if strings.TrimSpace(cmd.Op) == "" {
		return nil, ErrMissingOp
	}

	return &cmd, nil
}

// EnsureRequestID 如果请求ID缺失则生成一个，保证每个命令都可追踪
func (c *Command) EnsureRequestID() string {
	if c.RequestID == "" {
		c.RequestID = uuid.NewString()
	}
	return c.RequestID
}

// Encode 序列化命令
func (c *Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}
