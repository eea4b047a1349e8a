package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultSweepInterval 过期扫描间隔
const DefaultSweepInterval = time.Second

// RegistryOption 注册表选项
type RegistryOption func(*Registry)

// WithForceClose 过期会话发出关闭帧后超过after仍未被移除时调用fn强制关闭，after<=0表示不启用
func WithForceClose(after time.Duration, fn func(s *Session)) RegistryOption {
	return func(r *Registry) {
		r.forceAfter = after
		r.onForceClose = fn
	}
}

// WithExpireHook 会话首次被判定过期时调用
func WithExpireHook(fn func(s *Session)) RegistryOption {
	return func(r *Registry) {
		r.onExpire = fn
	}
}

// Registry 会话ID到会话的并发映射
//
// 过期扫描只负责发出关闭帧，会话的移除始终由连接自身的拆除流程完成。
type Registry struct {
	sessions sync.Map // map[string]*Session
	nudged   sync.Map // map[string]time.Time 首次发出过期关闭帧的时间

	forceAfter   time.Duration
	onForceClose func(s *Session)
	onExpire     func(s *Session)
}

// NewRegistry 创建会话注册表
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add 按ID插入，存在同ID时覆盖
func (r *Registry) Add(s *Session) {
	r.sessions.Store(s.ID(), s)
}

// Remove 幂等移除
func (r *Registry) Remove(id string) {
	r.sessions.Delete(id)
	r.nudged.Delete(id)
}

// Get 按ID查找
func (r *Registry) Get(id string) (*Session, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Len 当前会话数量
func (r *Registry) Len() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Range 遍历会话，fn返回false时停止
func (r *Registry) Range(fn func(s *Session) bool) {
	r.sessions.Range(func(_, value any) bool {
		return fn(value.(*Session))
	})
}

// Snapshot 当前会话的快照
func (r *Registry) Snapshot() []*Session {
	var sessions []*Session
	r.Range(func(s *Session) bool {
		sessions = append(sessions, s)
		return true
	})
	return sessions
}

// Sweep 扫描一次，对过期会话发起关闭握手，返回过期会话ID
func (r *Registry) Sweep(now time.Time, threshold time.Duration) []string {
	var expired []string

	r.sessions.Range(func(key, value any) bool {
		id := key.(string)
		s := value.(*Session)

		if !s.IsExpired(now, threshold) {
			r.nudged.Delete(id)
			return true
		}
		expired = append(expired, id)

		first, loaded := r.nudged.LoadOrStore(id, now)
		if _, ok := r.sessions.Load(id); !ok {
			// 扫描期间已被移除
			r.nudged.Delete(id)
			return true
		}

		if !loaded {
			if r.onExpire != nil {
				r.onExpire(s)
			}
			if err := s.Close(websocket.CloseNormalClosure, "expired"); err != nil {
				log.Printf("Send expire close to session %s failed: %v", id, err)
			}
			return true
		}

		if r.forceAfter > 0 && r.onForceClose != nil && now.Sub(first.(time.Time)) >= r.forceAfter {
			log.Printf("Session %s did not finish close handshake within %v, forcing close", id, r.forceAfter)
			r.onForceClose(s)
		}
		return true
	})

	return expired
}

// RunSweeper 按interval循环扫描，直到ctx结束
func (r *Registry) RunSweeper(ctx context.Context, interval, threshold time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if threshold <= 0 {
		threshold = DefaultExpireAfter
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now, threshold)
		}
	}
}
