package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/iBreaker/grok-gateway/internal/models"
	"github.com/iBreaker/grok-gateway/internal/pool"
	"github.com/iBreaker/grok-gateway/internal/translator"
	"github.com/iBreaker/grok-gateway/internal/upstream"
	"github.com/iBreaker/grok-gateway/pkg/types"
)

// 请求编排：预约账号 -> 上游会话 -> 流转换，失败换账号重试

// handleChatCompletions POST /v1/chat/completions
func (s *HTTPServer) handleChatCompletions(c *gin.Context) {
	var req types.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewOpenAIError("请求体解析失败: "+err.Error(), "invalid_request"))
		return
	}

	model := models.Get(req.Model)
	if model == nil {
		c.JSON(http.StatusBadRequest, types.NewOpenAIError(fmt.Sprintf("不支持的模型: %s", req.Model), "model_not_found"))
		return
	}

	content, images := upstream.ExtractContent(req.Messages)
	if strings.TrimSpace(content) == "" {
		c.JSON(http.StatusBadRequest, types.NewOpenAIError("消息内容为空", "invalid_request"))
		return
	}

	cfg := s.config.Snapshot()
	res, upstreamResp, ok := s.acquireAndStart(c, model, &req, content, images, &cfg.Grok)
	if !ok {
		return
	}

	tr := translator.New(&cfg.Grok, &cfg.Global, requestOrigin(c), s.logger)

	if req.Stream {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Writer.WriteHeader(http.StatusOK)

		tr.Stream(upstreamResp.Body, newSSEWriter(c.Writer), func(info translator.FinishInfo) {
			// 客户端连接可能已断开，释放和日志用独立context
			ctx := context.Background()
			_ = s.engine.Release(ctx, res, time.Now())
			s.appendRequestLog(c.ClientIP(), model.ID, keyName(c), res.Token, info.Status, info.Duration, "")
		})
		return
	}

	start := time.Now()
	completion, err := tr.Collect(upstreamResp.Body, model.ID)
	_ = s.engine.Release(context.Background(), res, time.Now())
	if err != nil {
		s.appendRequestLog(c.ClientIP(), model.ID, keyName(c), res.Token, http.StatusBadGateway, time.Since(start), err.Error())
		c.JSON(http.StatusBadGateway, types.NewOpenAIError(err.Error(), "upstream_error"))
		return
	}
	s.appendRequestLog(c.ClientIP(), model.ID, keyName(c), res.Token, http.StatusOK, time.Since(start), "")
	c.JSON(http.StatusOK, completion)
}

// handleModels GET /v1/models
func (s *HTTPServer) handleModels(c *gin.Context) {
	created := time.Now().Unix()
	list := types.ModelList{Object: "list", Data: []types.ModelObject{}}
	for _, m := range models.List() {
		list.Data = append(list.Data, types.ModelObject{
			ID:      m.ID,
			Object:  "model",
			Created: created,
			OwnedBy: "grok",
		})
	}
	c.JSON(http.StatusOK, list)
}

// handleImageGenerations POST /v1/images/generations
func (s *HTTPServer) handleImageGenerations(c *gin.Context) {
	var req types.ImageGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewOpenAIError("请求体解析失败: "+err.Error(), "invalid_request"))
		return
	}
	if req.Model == "" {
		req.Model = "grok-imagine-1.0"
	}
	model := models.Get(req.Model)
	if model == nil || !model.IsImageModel {
		c.JSON(http.StatusBadRequest, types.NewOpenAIError(fmt.Sprintf("不是图片生成模型: %s", req.Model), "model_not_found"))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, types.NewOpenAIError("prompt为空", "invalid_request"))
		return
	}

	cfg := s.config.Snapshot()
	chatReq := &types.ChatCompletionRequest{Model: model.ID}
	res, upstreamResp, ok := s.acquireAndStart(c, model, chatReq, req.Prompt, nil, &cfg.Grok)
	if !ok {
		return
	}

	start := time.Now()
	tr := translator.New(&cfg.Grok, &cfg.Global, requestOrigin(c), s.logger)
	urls, err := tr.CollectImages(upstreamResp.Body)
	_ = s.engine.Release(context.Background(), res, time.Now())
	if err != nil {
		s.appendRequestLog(c.ClientIP(), model.ID, keyName(c), res.Token, http.StatusBadGateway, time.Since(start), err.Error())
		c.JSON(http.StatusBadGateway, types.NewOpenAIError(err.Error(), "upstream_error"))
		return
	}
	s.appendRequestLog(c.ClientIP(), model.ID, keyName(c), res.Token, http.StatusOK, time.Since(start), "")

	out := types.ImageGenerationResponse{Created: time.Now().Unix()}
	for _, u := range urls {
		out.Data = append(out.Data, types.ImageData{URL: u})
	}
	c.JSON(http.StatusOK, out)
}

// acquireAndStart 带重试地预约账号并发起上游会话
//
// 每次尝试都重新预约：quota路径优先，无容量时探测未知额度账号再试，
// 最后回退旧版标量路径。上游失败先释放预约、记失败、上冷却，状态码
// 可重试时换账号继续。失败时错误响应已写出，返回ok=false。
func (s *HTTPServer) acquireAndStart(c *gin.Context, model *models.ModelInfo, req *types.ChatCompletionRequest, content string, images []string, grok *types.GrokConfig) (*types.Reservation, *http.Response, bool) {
	ctx := c.Request.Context()
	var lastErr error

	for attempt := 0; attempt < grok.MaxRetryCount(); attempt++ {
		res, err := s.reserve(ctx, model)
		if err != nil {
			if errors.Is(err, pool.ErrNoCapacity) {
				c.JSON(http.StatusServiceUnavailable, types.NewOpenAIError("没有可用账号", "NO_AVAILABLE_TOKEN"))
			} else {
				c.JSON(http.StatusInternalServerError, types.NewOpenAIError(err.Error(), "internal_error"))
			}
			return nil, nil, false
		}

		upstreamResp, failStatus, err := s.startUpstream(ctx, res.Token, model, req, content, images, grok)
		if err != nil {
			now := time.Now()
			_ = s.engine.Release(ctx, res, now)
			_ = s.engine.RecordFailure(ctx, res.Token, err.Error(), failStatus, now)
			_ = s.engine.ApplyCooldown(ctx, res.Token, failStatus, now)
			lastErr = err

			if failStatus > 0 && !statusIn(failStatus, grok.RetryCodes()) {
				c.JSON(http.StatusBadGateway, types.NewOpenAIError(err.Error(), "upstream_error"))
				return nil, nil, false
			}
			continue
		}

		// 上游接受了请求：挂延迟刷新；曾标记失效的账号意外成功则复活
		s.refresher.ScheduleDelayedRefresh(res.Token, model)
		if acct, err := s.store.GetAccount(ctx, res.Token); err == nil &&
			(acct.Status != types.AccountStatusActive || acct.FailedCount > 0) {
			_ = s.engine.Reactivate(ctx, res.Token)
		}
		return res, upstreamResp, true
	}

	msg := "上游重试次数耗尽"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	c.JSON(http.StatusBadGateway, types.NewOpenAIError(msg, "upstream_error"))
	return nil, nil, false
}

// reserve 一次预约：quota -> 探测后重试 -> legacy回退
func (s *HTTPServer) reserve(ctx context.Context, model *models.ModelInfo) (*types.Reservation, error) {
	res, err := s.engine.Reserve(ctx, model, time.Now())
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, pool.ErrNoCapacity) {
		return nil, err
	}

	if s.refresher.ProbeUnknown(ctx, model) {
		if res, err := s.engine.Reserve(ctx, model, time.Now()); err == nil {
			return res, nil
		}
	}
	return s.engine.ReserveLegacy(ctx, model, time.Now())
}

// startUpstream 上传图片附件、视频先建media post，再发起上游会话
//
// 返回的failStatus是上游状态码，网络错误时为0。
func (s *HTTPServer) startUpstream(ctx context.Context, token string, model *models.ModelInfo, req *types.ChatCompletionRequest, content string, images []string, grok *types.GrokConfig) (*http.Response, int, error) {
	var imgIDs []string
	for _, img := range images {
		id, _, err := s.client.UploadImage(ctx, token, grok, img)
		if err != nil {
			return nil, statusOf(err), fmt.Errorf("上传图片失败: %w", err)
		}
		if id != "" {
			imgIDs = append(imgIDs, id)
		}
	}

	postID := ""
	if model.IsVideoModel {
		var err error
		postID, err = s.client.CreateMediaPost(ctx, token, grok, content)
		if err != nil {
			return nil, statusOf(err), fmt.Errorf("创建media post失败: %w", err)
		}
	}

	payload, err := upstream.BuildConversationPayload(model, content, imgIDs, postID, req.VideoConfig, grok)
	if err != nil {
		return nil, 0, err
	}

	resp, err := s.client.StartConversation(ctx, token, grok, payload)
	if err != nil {
		return nil, statusOf(err), err
	}
	return resp, 0, nil
}

func (s *HTTPServer) appendRequestLog(ip, model, key, token string, status int, duration time.Duration, errMsg string) {
	if err := s.store.AppendRequestLog(context.Background(), &types.RequestLog{
		IP:          ip,
		Model:       model,
		Duration:    duration.Seconds(),
		Status:      status,
		KeyName:     key,
		TokenSuffix: types.TokenSuffix(token),
		Error:       errMsg,
		At:          time.Now(),
	}); err != nil {
		s.logger.WithError(err).Warn("写入请求日志失败")
	}
}

func statusOf(err error) int {
	var se *upstream.StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

func statusIn(status int, codes []int) bool {
	for _, c := range codes {
		if c == status {
			return true
		}
	}
	return false
}
