package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/iBreaker/grok-gateway/internal/quota"
	"github.com/iBreaker/grok-gateway/internal/store"
	"github.com/iBreaker/grok-gateway/pkg/types"
)

// 管理接口：账号池维护、额度刷新和请求日志

// tokenView 管理接口的账号视图
type tokenView struct {
	Token                 string               `json:"token"`
	Class                 types.AccountClass   `json:"account_class"`
	Status                types.DisplayStatus  `json:"status"`
	RemainingQueries      int                  `json:"remaining_queries"`
	HeavyRemainingQueries int                  `json:"heavy_remaining_queries"`
	Tags                  []string             `json:"tags"`
	Note                  string               `json:"note"`
	FailedCount           int                  `json:"failed_count"`
	LastFailureReason     string               `json:"last_failure_reason,omitempty"`
	CooldownUntil         *time.Time           `json:"cooldown_until,omitempty"`
	CreatedAt             time.Time            `json:"created_at"`
	Buckets               []*types.QuotaBucket `json:"buckets"`
}

// handleListTokens GET /api/admin/tokens
func (s *HTTPServer) handleListTokens(c *gin.Context) {
	ctx := c.Request.Context()
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	now := time.Now()
	views := make([]*tokenView, 0, len(accounts))
	for _, a := range accounts {
		buckets, err := s.store.GetBuckets(ctx, a.Token, now)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		views = append(views, &tokenView{
			Token:                 a.Token,
			Class:                 a.Class,
			Status:                store.ComputeDisplayStatus(a, buckets, now),
			RemainingQueries:      a.RemainingQueries,
			HeavyRemainingQueries: a.HeavyRemainingQueries,
			Tags:                  a.Tags,
			Note:                  a.Note,
			FailedCount:           a.FailedCount,
			LastFailureReason:     a.LastFailureReason,
			CooldownUntil:         a.CooldownUntil,
			CreatedAt:             a.CreatedAt,
			Buckets:               buckets,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tokens": views, "total": len(views)})
}

type addTokensRequest struct {
	Tokens []string           `json:"tokens"`
	Class  types.AccountClass `json:"account_class"`
	Tags   []string           `json:"tags"`
	Note   string             `json:"note"`
}

// handleAddTokens POST /api/admin/tokens
func (s *HTTPServer) handleAddTokens(c *gin.Context) {
	var req addTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体解析失败"})
		return
	}
	if req.Class == "" {
		req.Class = types.AccountClassBasic
	}
	if !req.Class.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "非法的账号等级"})
		return
	}

	ctx := c.Request.Context()
	now := time.Now()
	added, skipped := 0, 0
	for _, token := range req.Tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			skipped++
			continue
		}
		err := s.store.CreateAccount(ctx, &types.Account{
			Token:                 token,
			Class:                 req.Class,
			CreatedAt:             now,
			RemainingQueries:      -1,
			HeavyRemainingQueries: -1,
			Status:                types.AccountStatusActive,
			Tags:                  req.Tags,
			Note:                  req.Note,
		})
		switch {
		case err == nil:
			added++
		case errors.Is(err, store.ErrAccountExists):
			skipped++
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"added": added, "skipped": skipped})
}

type deleteTokensRequest struct {
	Tokens []string `json:"tokens"`
}

// handleDeleteTokens DELETE /api/admin/tokens
func (s *HTTPServer) handleDeleteTokens(c *gin.Context) {
	var req deleteTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体解析失败"})
		return
	}

	ctx := c.Request.Context()
	deleted, missing := 0, 0
	for _, token := range req.Tokens {
		err := s.store.DeleteAccount(ctx, strings.TrimSpace(token))
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, store.ErrAccountNotFound):
			missing++
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted, "missing": missing})
}

// handleSetTags POST /api/admin/tokens/tags
func (s *HTTPServer) handleSetTags(c *gin.Context) {
	var req struct {
		Token string   `json:"token"`
		Tags  []string `json:"tags"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体解析失败"})
		return
	}
	if err := s.store.SetTags(c.Request.Context(), req.Token, req.Tags); err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleSetNote POST /api/admin/tokens/note
func (s *HTTPServer) handleSetNote(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
		Note  string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体解析失败"})
		return
	}
	if err := s.store.SetNote(c.Request.Context(), req.Token, req.Note); err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleRefreshToken POST /api/admin/refresh
func (s *HTTPServer) handleRefreshToken(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体解析失败"})
		return
	}

	ctx := c.Request.Context()
	if err := s.refresher.RefreshAccount(ctx, req.Token, types.SourceManualRefresh); err != nil {
		s.writeStoreError(c, err)
		return
	}
	buckets, err := s.store.GetBuckets(ctx, req.Token, time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "buckets": buckets})
}

// handleRefreshAll POST /api/admin/refresh-all
func (s *HTTPServer) handleRefreshAll(c *gin.Context) {
	progress, err := s.store.GetRefreshProgress(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if quota.SweepInProgress(progress, time.Now()) {
		c.JSON(http.StatusConflict, gin.H{"started": false, "error": "刷新已在进行中"})
		return
	}

	go func() {
		err := s.refresher.RefreshAllNow(context.Background(), types.SourceManualRefresh)
		if err != nil && !errors.Is(err, quota.ErrSweepRunning) {
			s.logger.WithError(err).Warn("全量刷新失败")
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"started": true})
}

// handleRefreshProgress GET /api/admin/refresh/progress
func (s *HTTPServer) handleRefreshProgress(c *gin.Context) {
	progress, err := s.store.GetRefreshProgress(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, progress)
}

// handleRequestLogs GET /api/admin/logs?limit=100
func (s *HTTPServer) handleRequestLogs(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	logs, err := s.store.ListRequestLogs(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "total": len(logs)})
}

// handleGetSettings GET /api/admin/settings
func (s *HTTPServer) handleGetSettings(c *gin.Context) {
	cfg := s.config.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"grok":    cfg.Grok,
		"refresh": cfg.Refresh,
		"global":  cfg.Global,
	})
}

type updateSettingsRequest struct {
	Grok    *types.GrokConfig    `json:"grok"`
	Refresh *types.RefreshConfig `json:"refresh"`
}

// handleUpdateSettings PUT /api/admin/settings
func (s *HTTPServer) handleUpdateSettings(c *gin.Context) {
	var req updateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体解析失败"})
		return
	}

	if req.Grok != nil {
		if err := s.config.UpdateGrok(func(g *types.GrokConfig) error {
			*g = *req.Grok
			return nil
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Refresh != nil {
		if err := s.config.UpdateRefresh(func(r *types.RefreshConfig) error {
			*r = *req.Refresh
			return nil
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *HTTPServer) writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "账号不存在"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
