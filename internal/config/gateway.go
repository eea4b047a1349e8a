package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig 配置校验失败
var ErrInvalidConfig = errors.New("invalid config")

// EnvPrefix 环境变量前缀，例如 GATEWAY_SERVER_ADDR
const EnvPrefix = "GATEWAY"

// GatewayConfig 网关配置
type GatewayConfig struct {
	Server    ServerConfig    `mapstructure:"server"`
	Session   SessionConfig   `mapstructure:"session"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Admin     AdminConfig     `mapstructure:"admin"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	Path              string        `mapstructure:"path"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size"`
	EnableCompression bool          `mapstructure:"enable_compression"`
	MaxConnections    int           `mapstructure:"max_connections"` // 0表示不限制
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type SessionConfig struct {
	QueueCapacity   int           `mapstructure:"queue_capacity"`
	ExpireAfter     time.Duration `mapstructure:"expire_after"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	ForceCloseAfter time.Duration `mapstructure:"force_close_after"` // 0表示不强制关闭
}

type DispatchConfig struct {
	ReplyUnknownOp bool `mapstructure:"reply_unknown_op"`
}

type RateLimitConfig struct {
	MessagesPerSecond float64 `mapstructure:"messages_per_second"` // 0表示不限速
	Burst             int     `mapstructure:"burst"`
}

type AdminConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"` // 为空表示不启动
}

type JournalConfig struct {
	DSN      string `mapstructure:"dsn"` // 为空表示不记录
	MaxConns int32  `mapstructure:"max_conns"`
	Buffer   int    `mapstructure:"buffer"`
}

type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	StreamBacklog int    `mapstructure:"stream_backlog"`
}

// Load 加载配置。path为空时在默认目录中查找gateway.yaml，找不到则只使用默认值和环境变量。
func Load(path string) (*GatewayConfig, *viper.Viper, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gateway")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultValues(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Default 只包含默认值的配置
func Default() *GatewayConfig {
	v := viper.New()
	setDefaultValues(v)
	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

func decode(v *viper.Viper) (*GatewayConfig, error) {
	var cfg GatewayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaultValues 设置默认配置值
func setDefaultValues(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.path", "/connect")
	v.SetDefault("server.read_buffer_size", 4096)
	v.SetDefault("server.write_buffer_size", 4096)
	v.SetDefault("server.enable_compression", false)
	v.SetDefault("server.max_connections", 0)
	v.SetDefault("server.max_message_size", 512*1024)
	v.SetDefault("server.write_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("session.queue_capacity", 128)
	v.SetDefault("session.expire_after", "120s")
	v.SetDefault("session.sweep_interval", "1s")
	v.SetDefault("session.force_close_after", "10s")

	v.SetDefault("dispatch.reply_unknown_op", false)

	v.SetDefault("rate_limit.messages_per_second", 0)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.allowed_origins", []string{"*"})

	v.SetDefault("grpc.addr", "")

	v.SetDefault("journal.dsn", "")
	v.SetDefault("journal.max_conns", 4)
	v.SetDefault("journal.buffer", 1024)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.stream_backlog", 100)
}

// validateConfig 验证配置有效性
func validateConfig(cfg *GatewayConfig) error {
	if cfg.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalidConfig)
	}

	if !strings.HasPrefix(cfg.Server.Path, "/") {
		return fmt.Errorf("%w: server.path must start with '/': %q", ErrInvalidConfig, cfg.Server.Path)
	}

	if cfg.Server.MaxConnections < 0 {
		return fmt.Errorf("%w: server.max_connections must not be negative: %d", ErrInvalidConfig, cfg.Server.MaxConnections)
	}

	if cfg.Server.WriteTimeout <= 0 {
		return fmt.Errorf("%w: invalid server.write_timeout: %v", ErrInvalidConfig, cfg.Server.WriteTimeout)
	}

	if cfg.Session.QueueCapacity < 1 {
		return fmt.Errorf("%w: invalid session.queue_capacity: %d", ErrInvalidConfig, cfg.Session.QueueCapacity)
	}

	if cfg.Session.ExpireAfter <= 0 {
		return fmt.Errorf("%w: invalid session.expire_after: %v", ErrInvalidConfig, cfg.Session.ExpireAfter)
	}

	if cfg.Session.SweepInterval <= 0 {
		return fmt.Errorf("%w: invalid session.sweep_interval: %v", ErrInvalidConfig, cfg.Session.SweepInterval)
	}

	if cfg.Session.ForceCloseAfter < 0 {
		return fmt.Errorf("%w: invalid session.force_close_after: %v", ErrInvalidConfig, cfg.Session.ForceCloseAfter)
	}

	if cfg.RateLimit.MessagesPerSecond < 0 {
		return fmt.Errorf("%w: invalid rate_limit.messages_per_second: %v", ErrInvalidConfig, cfg.RateLimit.MessagesPerSecond)
	}

	if cfg.RateLimit.MessagesPerSecond > 0 && cfg.RateLimit.Burst < 1 {
		return fmt.Errorf("%w: rate_limit.burst must be positive when rate limiting is enabled", ErrInvalidConfig)
	}

	return nil
}
