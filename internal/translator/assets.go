package translator

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// 媒体资源路径编解码
//
// 生成的图片/视频URL不直接暴露给客户端，而是编码进本服务的/images/路径
// 由媒体代理转取。完整URL用u_前缀整体编码（真实路径可能藏在query参数里，
// 只留path会丢信息），相对路径用p_前缀。

// EncodeAssetPath 编码一个上游资源引用
func EncodeAssetPath(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
		return "u_" + base64.RawURLEncoding.EncodeToString([]byte(u.String()))
	}
	p := raw
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return "p_" + base64.RawURLEncoding.EncodeToString([]byte(p))
}

// DecodeAssetPath 解码/images/路径段，返回完整URL或assets相对路径
func DecodeAssetPath(encoded string) (string, error) {
	var payload string
	switch {
	case strings.HasPrefix(encoded, "u_"):
		payload = encoded[2:]
	case strings.HasPrefix(encoded, "p_"):
		payload = encoded[2:]
	default:
		return "", fmt.Errorf("非法的资源路径前缀: %q", encoded)
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("解码资源路径失败: %w", err)
	}
	return string(raw), nil
}

// ProxyURL 拼出客户端可访问的媒体代理链接；baseURL为空时回退到请求origin
func ProxyURL(baseURL, origin, encoded string) string {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		base = origin
	}
	return strings.TrimRight(base, "/") + "/images/" + encoded
}
