package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"GoWsGateway/internal/command"
)

// DefaultReadTimeout 测试读取超时
const DefaultReadTimeout = 2 * time.Second

// TestClient 直接使用gorilla连接的测试客户端
type TestClient struct {
	*websocket.Conn
	t *testing.T
}

// Dial 连接网关，测试结束时自动关闭
func Dial(t *testing.T, url string) *TestClient {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "Failed to dial gateway")
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	tc := &TestClient{Conn: conn, t: t}
	t.Cleanup(func() { conn.Close() })
	return tc
}

// SendText 发送文本帧
func (tc *TestClient) SendText(text string) {
	tc.t.Helper()
	require.NoError(tc.t, tc.WriteMessage(websocket.TextMessage, []byte(text)))
}

// SendCommand 发送命令
func (tc *TestClient) SendCommand(cmd *command.Command) {
	tc.t.Helper()
	data, err := cmd.Encode()
	require.NoError(tc.t, err)
	require.NoError(tc.t, tc.WriteMessage(websocket.TextMessage, data))
}

// ReadText 读取下一帧，必须是文本帧
func (tc *TestClient) ReadText() string {
	tc.t.Helper()
	tc.SetReadDeadline(time.Now().Add(DefaultReadTimeout))

	messageType, data, err := tc.ReadMessage()
	require.NoError(tc.t, err)
	require.Equal(tc.t, websocket.TextMessage, messageType, "expected text frame, got %q", data)
	return string(data)
}

// ReadResponse 读取下一帧并解析为响应
func (tc *TestClient) ReadResponse() map[string]any {
	tc.t.Helper()
	var resp map[string]any
	require.NoError(tc.t, json.Unmarshal([]byte(tc.ReadText()), &resp))
	return resp
}

// ReadClose 读取直到收到关闭帧，返回关闭错误
func (tc *TestClient) ReadClose(timeout time.Duration) *websocket.CloseError {
	tc.t.Helper()
	tc.SetReadDeadline(time.Now().Add(timeout))

	for {
		_, _, err := tc.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.True(tc.t, ok, "expected close frame, got %v", err)
		return closeErr
	}
}

// ExpectSilence 在d内没有收到任何帧。读取超时后该连接不能再读。
func (tc *TestClient) ExpectSilence(d time.Duration) {
	tc.t.Helper()
	tc.SetReadDeadline(time.Now().Add(d))

	_, data, err := tc.ReadMessage()
	require.Error(tc.t, err, "unexpected frame %q", data)
	if netErr, ok := err.(interface{ Timeout() bool }); ok {
		require.True(tc.t, netErr.Timeout(), "expected timeout, got %v", err)
	}
}
