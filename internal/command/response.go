package command

// Status 响应状态
type Status string

const (
	StatusOK          Status = "ok"
	StatusBadCommand  Status = "bad_command"
	StatusUnknownOp   Status = "unknown_op"
	StatusRateLimited Status = "rate_limited"
	StatusError       Status = "error"
)

// Response 返回给客户端的响应信封
type Response struct {
	RequestID string `json:"requestId,omitempty"`
	Op        string `json:"op,omitempty"`
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// NewResponse 根据命令创建成功响应，回显请求ID
func NewResponse(cmd *Command) *Response {
	return &Response{
		RequestID: cmd.RequestID,
		Op:        cmd.Op,
		Status:    StatusOK,
	}
}

// BadCommand 无法解析的命令，不带请求ID和数据
func BadCommand() *Response {
	return &Response{
		Status:  StatusBadCommand,
		Message: "bad command",
	}
}

// UnknownOp 没有处理器认领的命令
func UnknownOp(cmd *Command) *Response {
	return &Response{
		RequestID: cmd.RequestID,
		Op:        cmd.Op,
		Status:    StatusUnknownOp,
		Message:   "unknown operation: " + cmd.Op,
	}
}

// RateLimited 超过速率限制的命令
func RateLimited(cmd *Command) *Response {
	return &Response{
		RequestID: cmd.RequestID,
		Op:        cmd.Op,
		Status:    StatusRateLimited,
		Message:   "too many commands",
	}
}

// Failed 处理失败的命令
func Failed(cmd *Command, message string) *Response {
	return &Response{
		RequestID: cmd.RequestID,
		Op:        cmd.Op,
		Status:    StatusError,
		Message:   message,
	}
}

// WithData 设置响应数据
func (r *Response) WithData(data any) *Response {
	r.Data = data
	return r
}
