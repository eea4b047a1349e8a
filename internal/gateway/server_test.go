package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"GoWsGateway/internal/config"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, newLimiter(0, 10))
	assert.Nil(t, newLimiter(-1, 10))

	l := newLimiter(1, 0)
	if assert.NotNil(t, l) {
		assert.Equal(t, 1, l.Burst())
		assert.True(t, l.Allow())
		assert.False(t, l.Allow())
	}
}

// TestConnectionStateOnlyAdvances 状态不会回退
func TestConnectionStateOnlyAdvances(t *testing.T) {
	c := &Connection{}
	c.setState(StateActive)

	c.advance(StateClosing)
	assert.Equal(t, StateClosing, c.State())

	c.advance(StateActive)
	assert.Equal(t, StateClosing, c.State())
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Path = "/ws"
	cfg.Session.ExpireAfter = time.Minute
	cfg.Dispatch.ReplyUnknownOp = true
	cfg.RateLimit.MessagesPerSecond = 5

	sc := FromConfig(cfg)
	assert.Equal(t, "/ws", sc.Path)
	assert.Equal(t, time.Minute, sc.ExpireAfter)
	assert.Equal(t, 128, sc.QueueCapacity)
	assert.Equal(t, 10*time.Second, sc.ForceCloseAfter)
	assert.True(t, sc.ReplyUnknownOp)
	assert.Equal(t, 5.0, sc.RateLimit)
	assert.Equal(t, 20, sc.RateBurst)
}

func TestDefaultServerConfigMatchesFileDefaults(t *testing.T) {
	assert.Equal(t, *FromConfig(config.Default()), *DefaultServerConfig())
}

func TestNewDefaults(t *testing.T) {
	s := New(nil, nil)
	assert.False(t, s.IsRunning())
	assert.Equal(t, "/connect", s.Path())
	assert.Equal(t, 3, s.Stats().Handlers)
}
