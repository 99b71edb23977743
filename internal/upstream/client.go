package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iBreaker/grok-gateway/internal/models"
	"github.com/iBreaker/grok-gateway/pkg/types"
)

const (
	conversationAPI = "https://grok.com/rest/app-chat/conversations/new"
	rateLimitAPI    = "https://grok.com/rest/rate-limits"
	mediaPostAPI    = "https://grok.com/rest/media/post/create"
	uploadFileAPI   = "https://grok.com/rest/app-chat/upload-file"
	assetsHost      = "https://assets.grok.com"
)

// StatusError 上游返回的非2xx响应
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("上游返回 %d: %s", e.Status, body)
}

// Client 上游HTTP客户端
//
// 会话请求是长流式响应，客户端不设全局超时，生命周期由调用方的
// context和流转换器的三个时钟控制。
type Client struct {
	http   *http.Client
	logger *logrus.Logger
}

// NewClient 创建上游客户端
func NewClient(logger *logrus.Logger) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// newRequest 构建带动态请求头和Cookie的上游请求
func (c *Client) newRequest(ctx context.Context, method, rawURL, token string, grok *types.GrokConfig, body io.Reader) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("解析上游URL失败: %w", err)
	}
	headers, err := DynamicHeaders(grok, u.Path)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("构建上游请求失败: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Cookie", Cookie(token, grok))
	return req, nil
}

// FetchRateLimits 查询账号对指定模型的额度载荷
func (c *Client) FetchRateLimits(ctx context.Context, token string, grok *types.GrokConfig, requestModel string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{
		"requestKind": "DEFAULT",
		"modelName":   models.RateClass(requestModel),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化额度请求失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodPost, rateLimitAPI, token, grok, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("额度查询失败: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("读取额度响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: resp.StatusCode, Body: string(payload)}
	}
	return payload, nil
}

// StartConversation 发起上游会话，返回NDJSON流式响应
//
// 非2xx时读取响应体并返回StatusError，调用方据此决定是否换账号重试。
func (c *Client) StartConversation(ctx context.Context, token string, grok *types.GrokConfig, payload *ConversationPayload) (*http.Response, error) {
	body, err := json.Marshal(payload.Body)
	if err != nil {
		return nil, fmt.Errorf("序列化会话请求失败: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, conversationAPI, token, grok, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if payload.Referer != "" {
		req.Header.Set("Referer", payload.Referer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("上游会话请求失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Status: resp.StatusCode, Body: string(text)}
	}
	return resp, nil
}

// CreateMediaPost 创建media post（视频生成的占位帖子），返回postId
func (c *Client) CreateMediaPost(ctx context.Context, token string, grok *types.GrokConfig, prompt string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"mediaType": "MEDIA_POST_TYPE_VIDEO",
		"prompt":    prompt,
	})
	if err != nil {
		return "", fmt.Errorf("序列化media post请求失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodPost, mediaPostAPI, token, grok, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Referer", "https://grok.com/imagine")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("创建media post失败: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Status: resp.StatusCode, Body: string(payload)}
	}

	var result struct {
		Post struct {
			ID string `json:"id"`
		} `json:"post"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", fmt.Errorf("解析media post响应失败: %w", err)
	}
	if result.Post.ID == "" {
		return "", fmt.Errorf("media post响应缺少id")
	}
	return result.Post.ID, nil
}

// UploadImage 上传一张图片（data URL或裸base64），返回文件ID和URI
func (c *Client) UploadImage(ctx context.Context, token string, grok *types.GrokConfig, dataURL string) (string, string, error) {
	mime := "image/jpeg"
	content := dataURL
	if strings.HasPrefix(dataURL, "data:") {
		rest := strings.TrimPrefix(dataURL, "data:")
		if idx := strings.Index(rest, ";base64,"); idx >= 0 {
			mime = rest[:idx]
			content = rest[idx+len(";base64,"):]
		}
	}
	ext := "jpg"
	switch mime {
	case "image/png":
		ext = "png"
	case "image/webp":
		ext = "webp"
	case "image/gif":
		ext = "gif"
	}

	body, err := json.Marshal(map[string]string{
		"fileName":     fmt.Sprintf("image-%d.%s", time.Now().UnixNano(), ext),
		"fileMimeType": mime,
		"content":      content,
	})
	if err != nil {
		return "", "", fmt.Errorf("序列化上传请求失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodPost, uploadFileAPI, token, grok, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("上传图片失败: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", "", &StatusError{Status: resp.StatusCode, Body: string(payload)}
	}

	var result struct {
		FileMetadataID string `json:"fileMetadataId"`
		FileURI        string `json:"fileUri"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", "", fmt.Errorf("解析上传响应失败: %w", err)
	}
	return result.FileMetadataID, result.FileURI, nil
}

// FetchAsset 拉取上游媒体资源（媒体代理使用）
//
// rawURL可以是完整URL或assets路径；调用方负责关闭响应体。
func (c *Client) FetchAsset(ctx context.Context, token string, grok *types.GrokConfig, rawURL string) (*http.Response, error) {
	target := rawURL
	if u, err := url.Parse(rawURL); err != nil || u.Scheme == "" {
		path := rawURL
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		target = assetsHost + path
	}

	req, err := c.newRequest(ctx, http.MethodGet, target, token, grok, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Del("Content-Type")
	req.Header.Set("Accept", "image/avif,image/webp,image/*,*/*;q=0.8")
	req.Header.Set("Sec-Fetch-Dest", "image")
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	req.Header.Set("Sec-Fetch-Site", "same-site")
	req.Header.Set("Referer", "https://grok.com/")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("拉取媒体资源失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Status: resp.StatusCode, Body: string(text)}
	}
	return resp, nil
}
