package journal

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBuffer 待写入事件的缓冲大小
	DefaultBuffer = 1024

	createTableSQL = `CREATE TABLE IF NOT EXISTS gateway_connection_events (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	remote_addr TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	at          TIMESTAMPTZ NOT NULL
)`

	insertEventSQL = `INSERT INTO gateway_connection_events (session_id, kind, remote_addr, reason, at)
VALUES ($1, $2, $3, $4, $5)`
)

// Config PostgreSQL记录器配置
type Config struct {
	DSN      string
	MaxConns int32
	Buffer   int
}

// PgxJournal 把连接事件异步写入PostgreSQL
type PgxJournal struct {
	pool   *pgxpool.Pool
	events chan Event

	dropped atomic.Uint64
	written atomic.Uint64

	mu     sync.RWMutex // 保护closed与向events发送
	closed bool
	wg     sync.WaitGroup
}

// NewPgxJournal 连接数据库、建表并启动写入goroutine
func NewPgxJournal(ctx context.Context, config Config) (*PgxJournal, error) {
	// 配置连接池
	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse journal dsn: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create journal pool: %w", err)
	}

	// 测试连接
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping journal database: %w", err)
	}

	if _, err := pool.Exec(pingCtx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create journal table: %w", err)
	}

	buffer := config.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	j := &PgxJournal{
		pool:   pool,
		events: make(chan Event, buffer),
	}

	j.wg.Add(1)
	go j.writeLoop()

	log.Printf("Connection journal connected (max_conns=%d, buffer=%d)", poolConfig.MaxConns, buffer)
	return j, nil
}

// Record 缓冲区满时丢弃事件
func (j *PgxJournal) Record(_ context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		j.dropped.Add(1)
		return
	}

	select {
	case j.events <- event:
	default:
		if j.dropped.Add(1)%100 == 1 {
			log.Printf("Connection journal buffer full, events dropped: %d", j.dropped.Load())
		}
	}
}

func (j *PgxJournal) writeLoop() {
	defer j.wg.Done()

	for event := range j.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := j.pool.Exec(ctx, insertEventSQL,
			event.SessionID, string(event.Kind), event.RemoteAddr, event.Reason, event.At)
		cancel()

		if err != nil {
			log.Printf("Write journal event %s for session %s failed: %v", event.Kind, event.SessionID, err)
			continue
		}
		j.written.Add(1)
	}
}

// Stats 写入统计
func (j *PgxJournal) Stats() map[string]interface{} {
	stat := j.pool.Stat()
	return map[string]interface{}{
		"written":        j.written.Load(),
		"dropped":        j.dropped.Load(),
		"pending":        len(j.events),
		"total_conns":    stat.TotalConns(),
		"acquired_conns": stat.AcquiredConns(),
	}
}

// Close 写完缓冲中的事件后关闭连接池
func (j *PgxJournal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.events)
	j.mu.Unlock()

	j.wg.Wait()
	j.pool.Close()
	log.Printf("Connection journal closed (written=%d, dropped=%d)", j.written.Load(), j.dropped.Load())
}
