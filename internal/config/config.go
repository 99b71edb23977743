package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/iBreaker/grok-gateway/pkg/types"
	yaml "gopkg.in/yaml.v2"
)

// ConfigManager 配置管理器
type ConfigManager struct {
	configPath string
	config     *types.Config
	mutex      sync.RWMutex
}

// NewConfigManager 创建新的配置管理器
func NewConfigManager(configPath string) *ConfigManager {
	return &ConfigManager{
		configPath: configPath,
	}
}

// Load 加载配置文件
func (m *ConfigManager) Load() (*types.Config, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.loadUnsafe()
}

// loadUnsafe 不加锁的加载方法（内部使用）
func (m *ConfigManager) loadUnsafe() (*types.Config, error) {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		// 如果配置文件不存在，创建默认配置
		if os.IsNotExist(err) {
			config := m.createDefaultConfig()
			if err := m.saveUnsafe(config); err != nil {
				return nil, fmt.Errorf("创建默认配置文件失败: %w", err)
			}
			m.applyEnvironmentConfig(config)
			m.config = config
			return config, nil
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config types.Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 应用环境变量配置
	m.applyEnvironmentConfig(&config)

	m.config = &config
	return &config, nil
}

// Save 保存配置到文件
func (m *ConfigManager) Save(config *types.Config) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.saveUnsafe(config)
}

// saveUnsafe 不加锁的保存方法（内部使用）
func (m *ConfigManager) saveUnsafe(config *types.Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	// 确保目录存在
	if dir := filepath.Dir(m.configPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
	}

	if err := os.WriteFile(m.configPath, data, 0600); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}

	m.config = config
	return nil
}

// Get 获取当前配置
func (m *ConfigManager) Get() *types.Config {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.config
}

// Snapshot 获取配置副本，一次请求处理期间使用同一份快照
func (m *ConfigManager) Snapshot() types.Config {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.config == nil {
		return types.Config{}
	}
	return *m.config
}

// UpdateGrok 更新上游调用配置并落盘
func (m *ConfigManager) UpdateGrok(updater func(*types.GrokConfig) error) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.config == nil {
		return fmt.Errorf("配置未加载")
	}

	if err := updater(&m.config.Grok); err != nil {
		return err
	}
	return m.saveUnsafe(m.config)
}

// UpdateRefresh 更新额度刷新配置并落盘
func (m *ConfigManager) UpdateRefresh(updater func(*types.RefreshConfig) error) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.config == nil {
		return fmt.Errorf("配置未加载")
	}

	if err := updater(&m.config.Refresh); err != nil {
		return err
	}
	return m.saveUnsafe(m.config)
}

// Validate 验证配置有效性
func (m *ConfigManager) Validate() error {
	if m.config == nil {
		return fmt.Errorf("配置未加载")
	}

	// 验证服务器配置
	if m.config.Server.Port <= 0 || m.config.Server.Port > 65535 {
		return fmt.Errorf("无效的端口号: %d", m.config.Server.Port)
	}

	if m.config.Server.Host == "" {
		return fmt.Errorf("服务器地址不能为空")
	}

	// 验证客户端API Key配置
	for i, key := range m.config.Auth.APIKeys {
		if key.Key == "" {
			return fmt.Errorf("API Key[%d] 密钥不能为空", i)
		}
	}

	// 验证静态指纹配置
	if !m.config.Grok.DynamicStatsigEnabled() && m.config.Grok.XStatsigID == "" {
		return fmt.Errorf("关闭动态指纹时必须配置x_statsig_id")
	}

	return nil
}

// createDefaultConfig 创建默认配置
func (m *ConfigManager) createDefaultConfig() *types.Config {
	return &types.Config{
		Server: types.ServerConfig{
			Host: "0.0.0.0",
			Port: 8787,
		},
		Database: types.DatabaseConfig{
			URL: "",
		},
		Auth: types.AuthConfig{
			APIKeys:  []types.APIKey{},
			AdminKey: "",
		},
		Grok: types.GrokConfig{
			FilteredTags: "xaiartifact,xai:tool_usage_card,grok:render,details,summary",
		},
		Refresh: types.RefreshConfig{
			AutoRefresh:   false,
			IntervalHours: 6,
		},
		Logging: types.LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Reload 重新加载配置
func (m *ConfigManager) Reload() (*types.Config, error) {
	return m.Load()
}

// GetConfigPath 获取配置文件路径
func (m *ConfigManager) GetConfigPath() string {
	return m.configPath
}

// applyEnvironmentConfig 应用环境变量覆盖（环境变量优先于配置文件）
func (m *ConfigManager) applyEnvironmentConfig(config *types.Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Database.URL = v
	}

	if v := os.Getenv("ADMIN_KEY"); v != "" {
		config.Auth.AdminKey = v
	}

	if v := os.Getenv("API_KEYS"); v != "" {
		// 逗号分隔的简易密钥列表
		var keys []types.APIKey
		for i, k := range strings.Split(v, ",") {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			keys = append(keys, types.APIKey{Name: fmt.Sprintf("env-%d", i), Key: k})
		}
		if len(keys) > 0 {
			config.Auth.APIKeys = keys
		}
	}

	if v := os.Getenv("CF_CLEARANCE"); v != "" {
		config.Grok.CFClearance = v
	}

	if v := os.Getenv("BASE_URL"); v != "" {
		config.Global.BaseURL = v
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			config.Server.Port = port
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}
