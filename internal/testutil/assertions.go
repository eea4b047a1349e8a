package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GoWsGateway/internal/command"
	"GoWsGateway/internal/gateway"
)

// TestAssertions 网关测试断言助手
type TestAssertions struct {
	t *testing.T
}

// NewTestAssertions 创建测试断言助手
func NewTestAssertions(t *testing.T) *TestAssertions {
	return &TestAssertions{t: t}
}

// AssertResponse 断言响应状态与请求ID，requestID为空时要求响应不带requestId
func (ta *TestAssertions) AssertResponse(resp map[string]any, status command.Status, requestID string) {
	ta.t.Helper()

	assert.Equal(ta.t, string(status), resp["status"], "unexpected status in %v", resp)
	if requestID == "" {
		assert.NotContains(ta.t, resp, "requestId")
		return
	}
	assert.Equal(ta.t, requestID, resp["requestId"])
}

// AssertSessionRemoved 断言会话最终从注册表和连接表中移除
func (ta *TestAssertions) AssertSessionRemoved(server *gateway.Server, id string) {
	ta.t.Helper()

	require.Eventually(ta.t, func() bool {
		_, registered := server.Registry().Get(id)
		_, tracked := server.Session(id)
		return !registered && !tracked
	}, 3*time.Second, 10*time.Millisecond, "session %s was not removed", id)
}

// AssertCloseCode 断言收到指定关闭码与原因
func (ta *TestAssertions) AssertCloseCode(client *TestClient, code int, reason string, timeout time.Duration) {
	ta.t.Helper()

	closeErr := client.ReadClose(timeout)
	assert.Equal(ta.t, code, closeErr.Code)
	assert.Equal(ta.t, reason, closeErr.Text)
}

// AssertErrorRate 断言错误率不超过maxErrorRate
func (ta *TestAssertions) AssertErrorRate(errorCount, totalCount int, maxErrorRate float64) {
	ta.t.Helper()

	if totalCount == 0 {
		ta.t.Logf("No operations for error rate validation")
		return
	}

	errorRate := float64(errorCount) / float64(totalCount)
	assert.LessOrEqual(ta.t, errorRate, maxErrorRate,
		"Error rate too high: %.2f%% > %.2f%%", errorRate*100, maxErrorRate*100)
}
