package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/iBreaker/grok-gateway/internal/config"
	"github.com/iBreaker/grok-gateway/internal/pool"
	"github.com/iBreaker/grok-gateway/internal/quota"
	"github.com/iBreaker/grok-gateway/internal/store"
	"github.com/iBreaker/grok-gateway/internal/upstream"
	"github.com/iBreaker/grok-gateway/pkg/types"
)

// UpstreamClient 编排器依赖的上游调用面
type UpstreamClient interface {
	UploadImage(ctx context.Context, token string, grok *types.GrokConfig, dataURL string) (string, string, error)
	CreateMediaPost(ctx context.Context, token string, grok *types.GrokConfig, prompt string) (string, error)
	StartConversation(ctx context.Context, token string, grok *types.GrokConfig, payload *upstream.ConversationPayload) (*http.Response, error)
	FetchAsset(ctx context.Context, token string, grok *types.GrokConfig, rawURL string) (*http.Response, error)
}

// HTTPServer 对外HTTP服务：OpenAI兼容接口、媒体代理和管理接口
type HTTPServer struct {
	config    *config.ConfigManager
	store     store.Store
	engine    *pool.Engine
	refresher *quota.Refresher
	client    UpstreamClient
	logger    *logrus.Logger
	server    *http.Server
}

// NewServer 创建HTTP服务器
func NewServer(
	cfg *config.ConfigManager,
	s store.Store,
	engine *pool.Engine,
	refresher *quota.Refresher,
	client UpstreamClient,
	logger *logrus.Logger,
) *HTTPServer {
	return &HTTPServer{
		config:    cfg,
		store:     s,
		engine:    engine,
		refresher: refresher,
		client:    client,
		logger:    logger,
	}
}

// Router 组装gin路由
func (s *HTTPServer) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())
	r.Use(s.loggingMiddleware())

	r.GET("/health", s.handleHealth)

	v1 := r.Group("/v1", s.authMiddleware())
	{
		v1.POST("/chat/completions", s.handleChatCompletions)
		v1.GET("/models", s.handleModels)
		v1.POST("/images/generations", s.handleImageGenerations)
	}

	// 媒体代理路径本身就是不可猜的编码串，不做客户端鉴权
	r.GET("/images/*path", s.handleMediaProxy)

	admin := r.Group("/api/admin", s.adminMiddleware())
	{
		admin.GET("/tokens", s.handleListTokens)
		admin.POST("/tokens", s.handleAddTokens)
		admin.DELETE("/tokens", s.handleDeleteTokens)
		admin.POST("/tokens/tags", s.handleSetTags)
		admin.POST("/tokens/note", s.handleSetNote)
		admin.POST("/refresh", s.handleRefreshToken)
		admin.POST("/refresh-all", s.handleRefreshAll)
		admin.GET("/refresh/progress", s.handleRefreshProgress)
		admin.GET("/logs", s.handleRequestLogs)
		admin.GET("/settings", s.handleGetSettings)
		admin.PUT("/settings", s.handleUpdateSettings)
	}

	return r
}

// Start 启动服务器（阻塞）
func (s *HTTPServer) Start() error {
	cfg := s.config.Get()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.WithField("addr", addr).Info("启动 Grok Gateway 服务器")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP服务器启动失败: %w", err)
	}
	return nil
}

// Stop 优雅停止
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleHealth 健康检查
func (s *HTTPServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "grok-gateway",
	})
}

// requestOrigin 本次请求的对外地址，媒体代理链接的兜底前缀
func requestOrigin(c *gin.Context) string {
	scheme := "http"
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	} else if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}
