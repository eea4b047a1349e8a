package config

import (
	"fmt"
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ConfigManager 网关配置管理器
type ConfigManager struct {
	mu         sync.RWMutex
	config     *GatewayConfig
	viper      *viper.Viper
	configPath string

	watchEnabled bool
	onChange     []func(*GatewayConfig)
}

// ConfigManagerOption 配置管理器选项
type ConfigManagerOption func(*ConfigManager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.configPath = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.watchEnabled = enabled
	}
}

// WithOnChange 配置文件变化并重新加载成功后回调
func WithOnChange(fn func(*GatewayConfig)) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.onChange = append(cm.onChange, fn)
	}
}

// NewConfigManager 创建配置管理器
func NewConfigManager(opts ...ConfigManagerOption) *ConfigManager {
	cm := &ConfigManager{}

	for _, opt := range opts {
		opt(cm)
	}

	return cm
}

// Load 加载配置
func (cm *ConfigManager) Load() (*GatewayConfig, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.config != nil {
		return cm.config, nil
	}

	cfg, v, err := Load(cm.configPath)
	if err != nil {
		return nil, fmt.Errorf("加载网关配置失败: %w", err)
	}

	cm.config = cfg
	cm.viper = v

	// 启用监控
	if cm.watchEnabled && v.ConfigFileUsed() != "" {
		cm.watch()
	}

	return cfg, nil
}

// Get 获取配置（如果未加载则自动加载）
func (cm *ConfigManager) Get() (*GatewayConfig, error) {
	cm.mu.RLock()
	if cm.config != nil {
		defer cm.mu.RUnlock()
		return cm.config, nil
	}
	cm.mu.RUnlock()

	return cm.Load()
}

// ConfigFileUsed 实际使用的配置文件，没有时为空
func (cm *ConfigManager) ConfigFileUsed() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.viper == nil {
		return ""
	}
	return cm.viper.ConfigFileUsed()
}

// Reload 重新加载配置，失败时保留旧配置
func (cm *ConfigManager) Reload() error {
	cm.mu.Lock()
	cfg, err := decode(cm.viper)
	if err != nil {
		cm.mu.Unlock()
		return fmt.Errorf("重新加载网关配置失败: %w", err)
	}
	cm.config = cfg
	callbacks := cm.onChange
	cm.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
	return nil
}

// watch 监控配置文件变化
func (cm *ConfigManager) watch() {
	cm.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := cm.Reload(); err != nil {
			log.Printf("Config reload after %s failed: %v", e.Name, err)
			return
		}
		log.Printf("Config reloaded from %s", e.Name)
	})
	cm.viper.WatchConfig()
}

// Summary 配置摘要信息
func (cm *ConfigManager) Summary() (map[string]interface{}, error) {
	cfg, err := cm.Get()
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"config_file":     cm.ConfigFileUsed(),
		"addr":            cfg.Server.Addr,
		"path":            cfg.Server.Path,
		"queue_capacity":  cfg.Session.QueueCapacity,
		"expire_after":    cfg.Session.ExpireAfter.String(),
		"sweep_interval":  cfg.Session.SweepInterval.String(),
		"max_connections": cfg.Server.MaxConnections,
		"log_level":       cfg.Logging.Level,
		"journal_enabled": cfg.Journal.DSN != "",
	}, nil
}
