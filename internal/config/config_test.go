package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/iBreaker/grok-gateway/pkg/types"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	mgr := NewConfigManager(path)
	cfg, err := mgr.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8787 {
		t.Errorf("默认端口 = %d, 期望 8787", cfg.Server.Port)
	}
	if cfg.Grok.FilteredTags == "" {
		t.Error("默认过滤标签不应为空")
	}

	// 默认配置应已落盘
	if _, err := os.Stat(path); err != nil {
		t.Errorf("默认配置文件未创建: %v", err)
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	mgr := NewConfigManager(path)
	cfg, err := mgr.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	cfg.Auth.AdminKey = "test-admin"
	cfg.Grok.MaxRetry = 5
	if err := mgr.Save(cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	mgr2 := NewConfigManager(path)
	cfg2, err := mgr2.Load()
	if err != nil {
		t.Fatalf("重新加载失败: %v", err)
	}
	if cfg2.Auth.AdminKey != "test-admin" {
		t.Errorf("AdminKey = %q, 期望 test-admin", cfg2.Auth.AdminKey)
	}
	if cfg2.Grok.MaxRetryCount() != 5 {
		t.Errorf("MaxRetryCount() = %d, 期望 5", cfg2.Grok.MaxRetryCount())
	}
}

func TestEnvironmentOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	t.Setenv("ADMIN_KEY", "env-admin")
	t.Setenv("API_KEYS", "sk-a, sk-b")
	t.Setenv("PORT", "9000")

	mgr := NewConfigManager(path)
	cfg, err := mgr.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.AdminKey != "env-admin" {
		t.Errorf("AdminKey = %q, 期望 env-admin", cfg.Auth.AdminKey)
	}
	if len(cfg.Auth.APIKeys) != 2 || cfg.Auth.APIKeys[1].Key != "sk-b" {
		t.Errorf("APIKeys = %v, 期望两个密钥", cfg.Auth.APIKeys)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, 期望 9000", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	falseVal := false
	tests := []struct {
		name    string
		modify  func(*types.Config)
		wantErr bool
	}{
		{
			name:    "默认配置有效",
			modify:  func(c *types.Config) {},
			wantErr: false,
		},
		{
			name:    "端口非法",
			modify:  func(c *types.Config) { c.Server.Port = 0 },
			wantErr: true,
		},
		{
			name:    "空密钥非法",
			modify:  func(c *types.Config) { c.Auth.APIKeys = []types.APIKey{{Name: "a", Key: ""}} },
			wantErr: true,
		},
		{
			name: "关闭动态指纹但无静态指纹",
			modify: func(c *types.Config) {
				c.Grok.DynamicStatsig = &falseVal
				c.Grok.XStatsigID = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			mgr := NewConfigManager(filepath.Join(dir, "config.yaml"))
			cfg, err := mgr.Load()
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.modify(cfg)
			err = mgr.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}
