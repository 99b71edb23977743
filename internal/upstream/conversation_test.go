package upstream

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/iBreaker/grok-gateway/internal/models"
	"github.com/iBreaker/grok-gateway/pkg/types"
)

func TestExtractContent(t *testing.T) {
	tests := []struct {
		name       string
		messages   []types.ChatMessage
		want       string
		wantImages int
	}{
		{
			name: "单条用户消息原样输出",
			messages: []types.ChatMessage{
				{Role: "user", Content: "你好"},
			},
			want: "你好",
		},
		{
			name: "上下文加角色前缀",
			messages: []types.ChatMessage{
				{Role: "system", Content: "你是助手"},
				{Role: "user", Content: "第一问"},
				{Role: "assistant", Content: "第一答"},
				{Role: "user", Content: "第二问"},
			},
			want: "system: 你是助手\n\nuser: 第一问\n\nassistant: 第一答\n\n第二问",
		},
		{
			name: "多段消息提取文本和图片",
			messages: []types.ChatMessage{
				{Role: "user", Content: []interface{}{
					map[string]interface{}{"type": "text", "text": "看这张图"},
					map[string]interface{}{"type": "image_url", "image_url": map[string]interface{}{"url": "data:image/png;base64,xxx"}},
				}},
			},
			want:       "看这张图",
			wantImages: 1,
		},
		{
			name: "空白消息被跳过",
			messages: []types.ChatMessage{
				{Role: "user", Content: "  "},
				{Role: "user", Content: "实际内容"},
			},
			want: "实际内容",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, images := ExtractContent(tt.messages)
			if content != tt.want {
				t.Errorf("content = %q, 期望 %q", content, tt.want)
			}
			if len(images) != tt.wantImages {
				t.Errorf("图片数 = %d, 期望 %d", len(images), tt.wantImages)
			}
		})
	}
}

func TestBuildConversationPayloadChat(t *testing.T) {
	grok := &types.GrokConfig{}
	model := models.Get("grok-4-fast")

	p, err := BuildConversationPayload(model, "你好", nil, "", nil, grok)
	if err != nil {
		t.Fatalf("BuildConversationPayload error = %v", err)
	}
	if p.IsVideo {
		t.Error("chat模型不应标记视频")
	}
	if p.Body["modelName"] != "grok-4" || p.Body["modelMode"] != "MODEL_MODE_FAST" {
		t.Errorf("modelName/modelMode = %v/%v", p.Body["modelName"], p.Body["modelMode"])
	}
	if p.Body["message"] != "你好" {
		t.Errorf("message = %v", p.Body["message"])
	}
	if p.Body["imageGenerationCount"] != 2 {
		t.Errorf("imageGenerationCount = %v, 期望 2", p.Body["imageGenerationCount"])
	}
	if p.Body["temporary"] != true {
		t.Error("默认应使用临时会话")
	}
}

func TestBuildConversationPayloadVideo(t *testing.T) {
	grok := &types.GrokConfig{}
	model := models.Get("grok-imagine-1.0-video")

	// 缺postId报错
	if _, err := BuildConversationPayload(model, "一只猫", nil, "", nil, grok); err == nil {
		t.Fatal("缺少postId应报错")
	}

	video := &types.VideoConfig{AspectRatio: "16:9", VideoLength: 10, Resolution: "HD", Preset: "spicy"}
	p, err := BuildConversationPayload(model, "一只猫", nil, "post-1", video, grok)
	if err != nil {
		t.Fatalf("BuildConversationPayload error = %v", err)
	}
	if !p.IsVideo || p.Referer != "https://grok.com/imagine" {
		t.Errorf("IsVideo/Referer = %v/%s", p.IsVideo, p.Referer)
	}
	if msg, _ := p.Body["message"].(string); !strings.HasSuffix(msg, "--mode=extremely-spicy-or-crazy") {
		t.Errorf("message = %v, 期望带spicy模式标记", p.Body["message"])
	}

	meta := p.Body["responseMetadata"].(map[string]interface{})
	cfg := meta["modelConfigOverride"].(map[string]interface{})["modelMap"].(map[string]interface{})["videoGenModelConfig"].(map[string]interface{})
	if cfg["parentPostId"] != "post-1" || cfg["aspectRatio"] != "16:9" ||
		cfg["videoLength"] != 10 || cfg["videoResolution"] != "HD" {
		t.Errorf("videoGenModelConfig = %+v", cfg)
	}
}

func TestBuildConversationPayloadVideoDefaults(t *testing.T) {
	grok := &types.GrokConfig{}
	model := models.Get("grok-imagine-1.0-video")

	p, err := BuildConversationPayload(model, "风景", nil, "post-2", nil, grok)
	if err != nil {
		t.Fatalf("BuildConversationPayload error = %v", err)
	}
	meta := p.Body["responseMetadata"].(map[string]interface{})
	cfg := meta["modelConfigOverride"].(map[string]interface{})["modelMap"].(map[string]interface{})["videoGenModelConfig"].(map[string]interface{})
	if cfg["aspectRatio"] != "3:2" || cfg["videoLength"] != 6 || cfg["videoResolution"] != "SD" {
		t.Errorf("默认视频参数 = %+v", cfg)
	}
	if msg, _ := p.Body["message"].(string); !strings.HasSuffix(msg, "--mode=normal") {
		t.Errorf("默认预设 = %v, 期望normal", p.Body["message"])
	}
}

func TestDynamicHeaders(t *testing.T) {
	grok := &types.GrokConfig{}

	headers, err := DynamicHeaders(grok, "/rest/app-chat/conversations/new")
	if err != nil {
		t.Fatalf("DynamicHeaders error = %v", err)
	}
	if headers["Content-Type"] != "application/json" {
		t.Errorf("Content-Type = %s", headers["Content-Type"])
	}
	if headers["x-xai-request-id"] == "" {
		t.Error("缺少x-xai-request-id")
	}

	// 动态指纹是合法base64且形如浏览器错误消息
	raw, err := base64.StdEncoding.DecodeString(headers["x-statsig-id"])
	if err != nil {
		t.Fatalf("指纹不是合法base64: %v", err)
	}
	if !strings.HasPrefix(string(raw), "e:TypeError: Cannot read properties of ") {
		t.Errorf("指纹内容 = %s", raw)
	}

	// 上传路径的Content-Type不同
	headers, _ = DynamicHeaders(grok, "/rest/app-chat/upload-file")
	if headers["Content-Type"] != "text/plain;charset=UTF-8" {
		t.Errorf("上传Content-Type = %s", headers["Content-Type"])
	}
}

func TestDynamicHeadersStatic(t *testing.T) {
	disabled := false
	grok := &types.GrokConfig{DynamicStatsig: &disabled}

	// 关闭动态且无静态指纹报错
	if _, err := DynamicHeaders(grok, "/"); err == nil {
		t.Error("缺少静态指纹应报错")
	}

	grok.XStatsigID = "fixed-id"
	headers, err := DynamicHeaders(grok, "/")
	if err != nil {
		t.Fatalf("DynamicHeaders error = %v", err)
	}
	if headers["x-statsig-id"] != "fixed-id" {
		t.Errorf("静态指纹 = %s", headers["x-statsig-id"])
	}
}

func TestCookie(t *testing.T) {
	grok := &types.GrokConfig{}
	if got := Cookie("tok123", grok); got != "sso-rw=tok123;sso=tok123" {
		t.Errorf("Cookie = %s", got)
	}

	grok.CFClearance = "cf_clearance=abc"
	if got := Cookie("tok123", grok); got != "sso-rw=tok123;sso=tok123;cf_clearance=abc" {
		t.Errorf("带clearance的Cookie = %s", got)
	}
}
