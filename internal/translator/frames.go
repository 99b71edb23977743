package translator

import (
	"encoding/json"
	"net/url"
	"strings"
)

// 上游NDJSON帧的结构
//
// 上游的帧格式不稳定：token可能是字符串或数组，toolUsageCardId和
// imageAttachmentInfo类型不定。这些字段保留RawMessage，按需判别，
// 解析失败的行直接跳过。

type ndjsonFrame struct {
	Error  *upstreamError  `json:"error"`
	Result *upstreamResult `json:"result"`
}

type upstreamError struct {
	Message string `json:"message"`
}

type upstreamResult struct {
	Response *responseFrame `json:"response"`
}

type responseFrame struct {
	UserResponse        *userResponse     `json:"userResponse"`
	Video               *videoFrame       `json:"streamingVideoGenerationResponse"`
	ImageAttachmentInfo json.RawMessage   `json:"imageAttachmentInfo"`
	Token               json.RawMessage   `json:"token"`
	ModelResponse       *modelResponse    `json:"modelResponse"`
	IsThinking          bool              `json:"isThinking"`
	MessageTag          string            `json:"messageTag"`
	ToolUsageCardID     json.RawMessage   `json:"toolUsageCardId"`
	WebSearchResults    *webSearchResults `json:"webSearchResults"`
}

type userResponse struct {
	Model string `json:"model"`
}

type videoFrame struct {
	Progress          *float64 `json:"progress"`
	VideoURL          string   `json:"videoUrl"`
	ThumbnailImageURL string   `json:"thumbnailImageUrl"`
}

type modelResponse struct {
	GeneratedImageUrls json.RawMessage `json:"generatedImageUrls"`
	Error              string          `json:"error"`
	Model              string          `json:"model"`
	Message            string          `json:"message"`
}

type webSearchResults struct {
	Results []searchResult `json:"results"`
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Preview string `json:"preview"`
}

// rawTruthy 判断一个原始JSON值是否"有内容"：null、false、0、空串视为无
func rawTruthy(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	switch s {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}

// tokenValue 判别token字段：返回字符串值、是否字符串、是否数组
func tokenValue(raw json.RawMessage) (string, bool, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "", false, false
	}
	if strings.HasPrefix(s, "[") {
		return "", false, true
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return "", false, false
	}
	return str, true, false
}

// normalizeAssetURLs 清洗generatedImageUrls：丢弃非字符串、空串、
// 单独的"/"和只有根路径的URL（上游的占位帧）
func normalizeAssetURLs(raw json.RawMessage) []string {
	var items []interface{}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}

	var out []string
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" || s == "/" {
			continue
		}
		if u, err := url.Parse(s); err == nil && u.Scheme != "" && u.Host != "" {
			if u.Path == "/" && u.RawQuery == "" && u.Fragment == "" {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

// isJSONArray 判断原始值是否为数组（包括空数组）
func isJSONArray(raw json.RawMessage) bool {
	return strings.HasPrefix(strings.TrimSpace(string(raw)), "[")
}
