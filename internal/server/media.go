package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/iBreaker/grok-gateway/internal/translator"
	"github.com/iBreaker/grok-gateway/pkg/types"
)

// handleMediaProxy GET /images/*path
//
// 解开资源编码后用池里任意一个可用账号的凭证去上游取资源，流式回传。
func (s *HTTPServer) handleMediaProxy(c *gin.Context) {
	encoded := strings.TrimPrefix(c.Param("path"), "/")
	raw, err := translator.DecodeAssetPath(encoded)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "非法的媒体路径"})
		return
	}

	token, err := s.pickProxyToken(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "没有可用账号"})
		return
	}

	cfg := s.config.Snapshot()
	resp, err := s.client.FetchAsset(c.Request.Context(), token, &cfg.Grok, raw)
	if err != nil {
		s.logger.WithError(err).Warn("拉取媒体资源失败")
		c.JSON(http.StatusBadGateway, gin.H{"error": "拉取媒体资源失败"})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.DataFromReader(http.StatusOK, resp.ContentLength, contentType, resp.Body, nil)
}

// pickProxyToken 选一个账号凭证给媒体代理用，优先active
func (s *HTTPServer) pickProxyToken(ctx context.Context) (string, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return "", err
	}
	for _, a := range accounts {
		if a.Status == types.AccountStatusActive {
			return a.Token, nil
		}
	}
	if len(accounts) > 0 {
		return accounts[0].Token, nil
	}
	return "", fmt.Errorf("账号池为空")
}
