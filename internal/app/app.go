package app

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/iBreaker/grok-gateway/internal/config"
	"github.com/iBreaker/grok-gateway/internal/pool"
	"github.com/iBreaker/grok-gateway/internal/quota"
	"github.com/iBreaker/grok-gateway/internal/server"
	"github.com/iBreaker/grok-gateway/internal/store"
	"github.com/iBreaker/grok-gateway/internal/upstream"
	"github.com/iBreaker/grok-gateway/pkg/types"
)

// Application 应用程序上下文
type Application struct {
	Config    *config.ConfigManager
	Store     store.Store
	Engine    *pool.Engine
	Refresher *quota.Refresher
	Client    *upstream.Client
	Server    *server.HTTPServer
	Logger    *logrus.Logger
}

// NewApplication 装配应用：配置 -> 日志 -> 存储 -> 各组件
func NewApplication(configPath string) (*Application, error) {
	configMgr := config.NewConfigManager(configPath)
	cfg, err := configMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	logger := newLogger(&cfg.Logging)

	// database.url非空时用postgres（多实例部署），否则用进程内存储
	var st store.Store
	if cfg.Database.URL != "" {
		st, err = store.NewPostgresStore(context.Background(), cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		logger.Info("使用PostgreSQL存储")
	} else {
		st = store.NewMemoryStore()
		logger.Info("使用进程内存储（单实例模式）")
	}

	client := upstream.NewClient(logger)
	engine := pool.NewEngine(st, logger)
	refresher := quota.NewRefresher(st, client, configMgr, logger)
	httpServer := server.NewServer(configMgr, st, engine, refresher, client, logger)

	return &Application{
		Config:    configMgr,
		Store:     st,
		Engine:    engine,
		Refresher: refresher,
		Client:    client,
		Server:    httpServer,
		Logger:    logger,
	}, nil
}

// Close 释放持有的资源
func (a *Application) Close() {
	if a.Store != nil {
		_ = a.Store.Close()
	}
}

func newLogger(cfg *types.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
