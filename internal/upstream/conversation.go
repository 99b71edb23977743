package upstream

import (
	"fmt"
	"strings"

	"github.com/iBreaker/grok-gateway/internal/models"
	"github.com/iBreaker/grok-gateway/pkg/types"
)

// OpenAI消息到上游会话请求的转换

// ExtractContent 把OpenAI消息列表压成单段文本
//
// 最后一条用户消息原样输出作为当前输入，其余消息加角色前缀作为上下文；
// 多段消息里的image_url单独收集，由调用方上传后挂到fileAttachments。
func ExtractContent(messages []types.ChatMessage) (string, []string) {
	type extracted struct {
		role string
		text string
	}

	var images []string
	var msgs []extracted
	for _, msg := range messages {
		role := msg.Role
		if role == "" {
			role = "user"
		}

		var parts []string
		switch content := msg.Content.(type) {
		case string:
			if strings.TrimSpace(content) != "" {
				parts = append(parts, content)
			}
		case []interface{}:
			for _, raw := range content {
				item, ok := raw.(map[string]interface{})
				if !ok {
					continue
				}
				switch item["type"] {
				case "text":
					if t, ok := item["text"].(string); ok && strings.TrimSpace(t) != "" {
						parts = append(parts, t)
					}
				case "image_url":
					if iu, ok := item["image_url"].(map[string]interface{}); ok {
						if url, ok := iu["url"].(string); ok && url != "" {
							images = append(images, url)
						}
					}
				}
			}
		}

		if len(parts) > 0 {
			msgs = append(msgs, extracted{role: role, text: strings.Join(parts, "\n")})
		}
	}

	lastUser := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].role == "user" {
			lastUser = i
			break
		}
	}

	var out []string
	for i, m := range msgs {
		if i == lastUser {
			out = append(out, m.text)
		} else {
			out = append(out, fmt.Sprintf("%s: %s", m.role, m.text))
		}
	}
	return strings.Join(out, "\n\n"), images
}

// ConversationPayload 一次上游会话请求
type ConversationPayload struct {
	Body    map[string]interface{}
	Referer string
	IsVideo bool
}

// BuildConversationPayload 构建上游会话请求体
//
// 视频模型走独立的结构：需要提前创建的media post ID，生成参数挂在
// responseMetadata下；普通模型带完整的会话开关集合。
func BuildConversationPayload(model *models.ModelInfo, content string, imgIDs []string, postID string, video *types.VideoConfig, grok *types.GrokConfig) (*ConversationPayload, error) {
	if model.IsVideoModel {
		if postID == "" {
			return nil, fmt.Errorf("视频模型缺少media post ID")
		}

		aspectRatio := "3:2"
		videoLength := 6
		resolution := "SD"
		preset := "normal"
		if video != nil {
			if v := strings.TrimSpace(video.AspectRatio); v != "" {
				aspectRatio = v
			}
			if video.VideoLength >= 1 {
				videoLength = video.VideoLength
			}
			if video.Resolution == "HD" {
				resolution = "HD"
			}
			if v := strings.TrimSpace(video.Preset); v != "" {
				preset = v
			}
		}

		// 预设到上游模式标记的映射
		modeFlag := "--mode=custom"
		switch preset {
		case "normal":
			modeFlag = "--mode=normal"
		case "fun":
			modeFlag = "--mode=extremely-crazy"
		case "spicy":
			modeFlag = "--mode=extremely-spicy-or-crazy"
		}
		prompt := strings.TrimSpace(strings.TrimSpace(content) + " " + modeFlag)

		return &ConversationPayload{
			IsVideo: true,
			Referer: "https://grok.com/imagine",
			Body: map[string]interface{}{
				"temporary":        true,
				"modelName":        "grok-3",
				"message":          prompt,
				"toolOverrides":    map[string]interface{}{"videoGen": true},
				"enableSideBySide": true,
				"responseMetadata": map[string]interface{}{
					"experiments": []interface{}{},
					"modelConfigOverride": map[string]interface{}{
						"modelMap": map[string]interface{}{
							"videoGenModelConfig": map[string]interface{}{
								"parentPostId":    postID,
								"aspectRatio":     aspectRatio,
								"videoLength":     videoLength,
								"videoResolution": resolution,
							},
						},
					},
				},
			},
		}, nil
	}

	if imgIDs == nil {
		imgIDs = []string{}
	}
	return &ConversationPayload{
		IsVideo: false,
		Body: map[string]interface{}{
			"temporary":                  grok.TemporaryEnabled(),
			"modelName":                  model.UpstreamName,
			"message":                    content,
			"fileAttachments":            imgIDs,
			"imageAttachments":           []interface{}{},
			"disableSearch":              false,
			"enableImageGeneration":      true,
			"returnImageBytes":           false,
			"returnRawGrokInXaiRequest":  false,
			"enableImageStreaming":       true,
			"imageGenerationCount":       2,
			"forceConcise":               false,
			"toolOverrides":              map[string]interface{}{},
			"enableSideBySide":           true,
			"sendFinalMetadata":          true,
			"isReasoning":                false,
			"webpageUrls":                []interface{}{},
			"disableTextFollowUps":       true,
			"responseMetadata":           map[string]interface{}{"requestModelDetails": map[string]interface{}{"modelId": model.UpstreamName}},
			"disableMemory":              false,
			"forceSideBySide":            false,
			"modelMode":                  model.Mode,
			"isAsyncChat":                false,
		},
	}, nil
}
