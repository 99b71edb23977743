package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/iBreaker/grok-gateway/pkg/types"
)

const keyNameContext = "api_key_name"

// authMiddleware 客户端API Key鉴权（Bearer）
func (s *HTTPServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewOpenAIError("Authorization header is required", "missing_authorization"))
			return
		}
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewOpenAIError("Authorization header must be 'Bearer <key>'", "invalid_authorization_format"))
			return
		}
		key := strings.TrimPrefix(auth, "Bearer ")

		cfg := s.config.Snapshot()
		for _, k := range cfg.Auth.APIKeys {
			if k.Key != "" && k.Key == key {
				c.Set(keyNameContext, k.Name)
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized,
			types.NewOpenAIError("Invalid API key", "invalid_api_key"))
	}
}

// adminMiddleware 管理接口鉴权（X-Admin-Key头）
func (s *HTTPServer) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := s.config.Snapshot()
		if cfg.Auth.AdminKey == "" || c.GetHeader("X-Admin-Key") != cfg.Auth.AdminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的管理密钥"})
			return
		}
		c.Next()
	}
}

// corsMiddleware CORS
func (s *HTTPServer) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// loggingMiddleware 访问日志
func (s *HTTPServer) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"ip":       c.ClientIP(),
		}).Debug("HTTP请求")
	}
}

// keyName 当前请求通过鉴权的API Key名称
func keyName(c *gin.Context) string {
	if v, ok := c.Get(keyNameContext); ok {
		if name, ok := v.(string); ok {
			return name
		}
	}
	return ""
}
