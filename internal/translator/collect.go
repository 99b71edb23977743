package translator

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iBreaker/grok-gateway/pkg/types"
)

// Collect 读完整个NDJSON流，聚合成非流式的chat.completion响应
//
// 普通对话取第一个modelResponse的message；图片生成要等到带
// generatedImageUrls的最终帧，中间的占位空数组继续扫；视频取结果帧的
// videoUrl。上游错误帧直接报错。
func (t *Translator) Collect(body io.ReadCloser, requestedModel string) (*types.ChatCompletion, error) {
	defer func() { _ = body.Close() }()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("读取上游响应失败: %w", err)
	}

	content := ""
	model := requestedModel

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var frame ndjsonFrame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			continue
		}

		if frame.Error != nil && strings.TrimSpace(frame.Error.Message) != "" {
			return nil, fmt.Errorf("%s", frame.Error.Message)
		}
		if frame.Result == nil || frame.Result.Response == nil {
			continue
		}
		resp := frame.Result.Response

		if v := resp.Video; v != nil && v.VideoURL != "" {
			poster := ""
			if v.ThumbnailImageURL != "" {
				poster = ProxyURL(t.global.BaseURL, t.origin, EncodeAssetPath(v.ThumbnailImageURL))
			}
			src := ProxyURL(t.global.BaseURL, t.origin, EncodeAssetPath(v.VideoURL))
			content = buildVideoHTML(src, poster, t.grok.VideoPosterPreview)
			break
		}

		mr := resp.ModelResponse
		if mr == nil {
			continue
		}
		if mr.Error != "" {
			return nil, fmt.Errorf("%s", mr.Error)
		}

		if mr.Model != "" {
			model = mr.Model
		}
		if mr.Message != "" {
			content = mr.Message
		}

		urls := normalizeAssetURLs(mr.GeneratedImageUrls)
		if len(urls) > 0 {
			for _, u := range urls {
				proxied := ProxyURL(t.global.BaseURL, t.origin, EncodeAssetPath(u))
				content += "\n![Generated Image](" + proxied + ")"
			}
			break
		}

		// 中间帧可能带占位的空generatedImageUrls，继续扫后面的帧
		if isJSONArray(mr.GeneratedImageUrls) {
			continue
		}
		break
	}

	return &types.ChatCompletion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []types.CompletionChoice{{
			Index:        0,
			Message:      types.CompletionMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: nil,
	}, nil
}

// CollectImages 读完NDJSON流，返回生成图片的媒体代理链接
func (t *Translator) CollectImages(body io.ReadCloser) ([]string, error) {
	defer func() { _ = body.Close() }()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("读取上游响应失败: %w", err)
	}

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var frame ndjsonFrame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			continue
		}
		if frame.Error != nil && strings.TrimSpace(frame.Error.Message) != "" {
			return nil, fmt.Errorf("%s", frame.Error.Message)
		}
		if frame.Result == nil || frame.Result.Response == nil || frame.Result.Response.ModelResponse == nil {
			continue
		}
		mr := frame.Result.Response.ModelResponse
		if mr.Error != "" {
			return nil, fmt.Errorf("%s", mr.Error)
		}

		urls := normalizeAssetURLs(mr.GeneratedImageUrls)
		if len(urls) == 0 {
			continue
		}
		out := make([]string, 0, len(urls))
		for _, u := range urls {
			out = append(out, ProxyURL(t.global.BaseURL, t.origin, EncodeAssetPath(u)))
		}
		return out, nil
	}
	return nil, fmt.Errorf("上游响应中没有生成图片")
}

