package command

import (
	"log"
	"time"
)

// DefaultHandlers 网关内置处理器，按注册顺序匹配
func DefaultHandlers() []Handler {
	return []Handler{
		EchoHandler(),
		TimeHandler(),
		WhoAmIHandler(),
	}
}

// EchoHandler 把args原样作为data返回
func EchoHandler() Handler {
	return Op("echo", func(sender Sender, cmd *Command) {
		reply(sender, NewResponse(cmd).WithData(cmd.Args))
	})
}

// TimeHandler 返回服务器时间（毫秒）
func TimeHandler() Handler {
	return Op("time", func(sender Sender, cmd *Command) {
		reply(sender, NewResponse(cmd).WithData(map[string]int64{
			"serverTime": time.Now().UnixMilli(),
		}))
	})
}

// WhoAmIHandler 返回当前会话ID
func WhoAmIHandler() Handler {
	return Op("whoami", func(sender Sender, cmd *Command) {
		reply(sender, NewResponse(cmd).WithData(map[string]string{
			"sessionId": sender.ID(),
		}))
	})
}

func reply(sender Sender, resp *Response) {
	if err := sender.SendResponse(resp); err != nil {
		log.Printf("Send response failed: session=%s, requestId=%s: %v", sender.ID(), resp.RequestID, err)
	}
}
