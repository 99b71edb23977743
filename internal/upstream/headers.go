package upstream

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"

	"github.com/iBreaker/grok-gateway/pkg/types"
)

// 动态请求头生成
//
// x-statsig-id是上游的反爬指纹：动态模式下生成随机的浏览器JS错误消息
// 做base64编码，静态模式用配置里的固定指纹。

// baseHeaders 模拟Chrome浏览器的基础请求头
var baseHeaders = map[string]string{
	"Accept":             "*/*",
	"Accept-Language":    "zh-CN,zh;q=0.9",
	"Origin":             "https://grok.com",
	"Referer":            "https://grok.com/",
	"User-Agent":         "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Sec-Ch-Ua":          `"Not(A:Brand";v="99", "Google Chrome";v="133", "Chromium";v="133"`,
	"Sec-Ch-Ua-Mobile":   "?0",
	"Sec-Ch-Ua-Platform": `"macOS"`,
	"Sec-Fetch-Dest":     "empty",
	"Sec-Fetch-Mode":     "cors",
	"Sec-Fetch-Site":     "same-origin",
	"Baggage":            "sentry-environment=production,sentry-public_key=b311e0f2690c81f25e2c4cf6d4f7ce1c",
}

// randomString 生成随机字符串；lettersOnly为false时包含数字
func randomString(length int, lettersOnly bool) string {
	chars := "abcdefghijklmnopqrstuvwxyz"
	if !lettersOnly {
		chars += "0123456789"
	}
	var b strings.Builder
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			b.WriteByte('a')
			continue
		}
		b.WriteByte(chars[n.Int64()])
	}
	return b.String()
}

// generateStatsigID 生成随机指纹：模拟浏览器JS错误消息的base64编码，
// 两种形态：读null.children或undefined属性的TypeError
func generateStatsigID() string {
	var msg string
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	if err == nil && n.Int64() == 0 {
		msg = fmt.Sprintf("e:TypeError: Cannot read properties of null (reading 'children['%s']')", randomString(5, false))
	} else {
		msg = fmt.Sprintf("e:TypeError: Cannot read properties of undefined (reading '%s')", randomString(10, true))
	}
	return base64.StdEncoding.EncodeToString([]byte(msg))
}

// DynamicHeaders 构建一次上游请求的完整请求头
func DynamicHeaders(grok *types.GrokConfig, pathname string) (map[string]string, error) {
	statsigID := strings.TrimSpace(grok.XStatsigID)
	if grok.DynamicStatsigEnabled() {
		statsigID = generateStatsigID()
	} else if statsigID == "" {
		return nil, fmt.Errorf("未启用动态指纹且缺少x_statsig_id配置")
	}

	headers := make(map[string]string, len(baseHeaders)+3)
	for k, v := range baseHeaders {
		headers[k] = v
	}
	headers["x-statsig-id"] = statsigID
	headers["x-xai-request-id"] = uuid.NewString()
	if strings.Contains(pathname, "upload-file") {
		headers["Content-Type"] = "text/plain;charset=UTF-8"
	} else {
		headers["Content-Type"] = "application/json"
	}
	return headers, nil
}

// Cookie 构建上游会话Cookie：sso双字段加可选的cf_clearance
func Cookie(token string, grok *types.GrokConfig) string {
	cookie := fmt.Sprintf("sso-rw=%s;sso=%s", token, token)
	if cf := strings.TrimSpace(grok.CFClearance); cf != "" {
		cookie += ";" + cf
	}
	return cookie
}
