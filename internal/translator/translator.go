package translator

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iBreaker/grok-gateway/pkg/types"
)

// NDJSON到OpenAI SSE的流式转换

const defaultModel = "grok-4-mini-thinking-tahoe"

// StreamWriter 流式输出端；由HTTP层实现
type StreamWriter interface {
	WriteChunk(chunk *types.ChatCompletionChunk) error
	WriteDone() error
}

// FinishInfo 流结束信息，用于请求日志
type FinishInfo struct {
	Status   int
	Duration time.Duration
}

// Translator 上游响应转换器
type Translator struct {
	grok   *types.GrokConfig
	global *types.GlobalConfig
	origin string
	logger *logrus.Logger
}

// New 创建转换器；origin是本次请求的对外地址，base_url为空时兜底
func New(grok *types.GrokConfig, global *types.GlobalConfig, origin string, logger *logrus.Logger) *Translator {
	return &Translator{grok: grok, global: global, origin: origin, logger: logger}
}

type readResult struct {
	data []byte
	err  error
}

// Stream 把上游NDJSON流转成SSE chunk序列写入w
//
// 三重时钟：首帧超时、帧间空闲超时、整体超时，任一触发都以stop收尾。
// 无论哪条路径退出，都保证先写终止chunk和[DONE]，onFinish恰好触发一次。
func (t *Translator) Stream(body io.ReadCloser, w StreamWriter, onFinish func(FinishInfo)) {
	defer func() { _ = body.Close() }()

	s := &streamState{
		w:                 w,
		id:                "chatcmpl-" + uuid.NewString(),
		created:           time.Now().Unix(),
		model:             defaultModel,
		filtered:          splitFilteredTags(t.grok.FilteredTags),
		showThinking:      t.grok.ShowThinkingEnabled(),
		posterPreview:     t.grok.VideoPosterPreview,
		baseURL:           t.global.BaseURL,
		origin:            t.origin,
		lastVideoProgress: -1,
		finalStatus:       200,
	}

	firstTimeout := time.Duration(t.grok.FirstTimeoutSeconds()) * time.Second
	chunkTimeout := time.Duration(t.grok.ChunkTimeoutSeconds()) * time.Second
	totalTimeout := time.Duration(t.grok.TotalTimeoutSeconds()) * time.Second

	start := time.Now()
	finished := false
	finish := func() {
		if finished {
			return
		}
		finished = true
		if onFinish != nil {
			onFinish(FinishInfo{Status: s.finalStatus, Duration: time.Since(start)})
		}
	}
	defer finish()

	// 读取放在独立goroutine里，主循环用select对读取和超时做竞态；
	// 退出时close(done)加body.Close()解除读取阻塞
	readCh := make(chan readResult)
	done := make(chan struct{})
	defer close(done)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := body.Read(buf)
			var data []byte
			if n > 0 {
				data = append([]byte(nil), buf[:n]...)
			}
			select {
			case readCh <- readResult{data: data, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	firstReceived := false
	lastChunk := start
	buffer := ""

	flushStop := func() {
		s.emit("", "stop")
		s.done()
	}

	for {
		elapsed := time.Since(start)
		if !firstReceived && elapsed > firstTimeout {
			flushStop()
			return
		}
		if totalTimeout > 0 && elapsed > totalTimeout {
			flushStop()
			return
		}
		if firstReceived && time.Since(lastChunk) > chunkTimeout {
			flushStop()
			return
		}

		perRead := firstTimeout
		if firstReceived {
			perRead = chunkTimeout
		}
		if totalTimeout > 0 {
			if rem := totalTimeout - elapsed; rem < perRead {
				perRead = rem
			}
		}
		if perRead < 0 {
			perRead = 0
		}

		timer := time.NewTimer(perRead)
		var res readResult
		select {
		case res = <-readCh:
			timer.Stop()
		case <-timer.C:
			flushStop()
			return
		}

		buffer += string(res.data)
		for {
			idx := strings.IndexByte(buffer, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimSpace(buffer[:idx])
			buffer = buffer[idx+1:]
			if line == "" {
				continue
			}

			parsed, terminal := s.handleLine(line)
			if terminal {
				finish()
				return
			}
			if parsed {
				firstReceived = true
				lastChunk = time.Now()
			}
		}

		if res.err != nil {
			if res.err != io.EOF {
				s.finalStatus = 500
				s.emit(fmt.Sprintf("处理错误: %v", res.err), "error")
				s.done()
				return
			}
			break
		}
	}

	flushStop()
}

// streamState 一次流式转换的全部状态
type streamState struct {
	w             StreamWriter
	id            string
	created       int64
	model         string
	filtered      []string
	showThinking  bool
	posterPreview bool
	baseURL       string
	origin        string

	isImage              bool
	isThinking           bool
	thinkingFinished     bool
	videoProgressStarted bool
	lastVideoProgress    float64
	finalStatus          int
}

func (s *streamState) emit(content, finishReason string) {
	_ = s.w.WriteChunk(types.NewChunk(s.id, s.created, s.model, content, finishReason))
}

func (s *streamState) done() {
	_ = s.w.WriteDone()
}

func (s *streamState) proxyURL(raw string) string {
	return ProxyURL(s.baseURL, s.origin, EncodeAssetPath(raw))
}

// handleLine 处理一行NDJSON；返回(是否解析成功, 是否已终止流)
//
// 终止时终止chunk和[DONE]已经写出，调用方只需触发onFinish后返回。
func (s *streamState) handleLine(line string) (bool, bool) {
	var frame ndjsonFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return false, false
	}

	if frame.Error != nil && strings.TrimSpace(frame.Error.Message) != "" {
		s.finalStatus = 500
		s.emit("Error: "+frame.Error.Message, "stop")
		s.done()
		return true, true
	}

	if frame.Result == nil || frame.Result.Response == nil {
		return true, false
	}
	resp := frame.Result.Response

	if resp.UserResponse != nil {
		if m := strings.TrimSpace(resp.UserResponse.Model); m != "" {
			s.model = m
		}
	}

	// 视频生成流：进度包在思考块里，只在进度前进时输出；结果帧输出video标签
	if v := resp.Video; v != nil {
		progress := 0.0
		if v.Progress != nil {
			progress = *v.Progress
		}
		if progress > s.lastVideoProgress {
			s.lastVideoProgress = progress
			if s.showThinking {
				var msg string
				switch {
				case !s.videoProgressStarted:
					msg = "<think>视频已生成" + formatProgress(progress) + "%\n"
					s.videoProgressStarted = true
				case progress < 100:
					msg = "视频已生成" + formatProgress(progress) + "%\n"
				default:
					msg = "视频已生成" + formatProgress(progress) + "%</think>\n"
				}
				s.emit(msg, "")
			}
		}
		if v.VideoURL != "" {
			poster := ""
			if v.ThumbnailImageURL != "" {
				poster = s.proxyURL(v.ThumbnailImageURL)
			}
			s.emit(buildVideoHTML(s.proxyURL(v.VideoURL), poster, s.posterPreview), "")
		}
		return true, false
	}

	if rawTruthy(resp.ImageAttachmentInfo) {
		s.isImage = true
	}

	// 图片生成流：缓冲到最终的generatedImageUrls帧，转成Markdown图片后收尾
	if s.isImage {
		if mr := resp.ModelResponse; mr != nil {
			urls := normalizeAssetURLs(mr.GeneratedImageUrls)
			if len(urls) > 0 {
				lines := make([]string, 0, len(urls))
				for _, u := range urls {
					lines = append(lines, "![Generated Image]("+s.proxyURL(u)+")")
				}
				s.emit(strings.Join(lines, "\n"), "stop")
				s.done()
				return true, true
			}
		} else if tok, isStr, _ := tokenValue(resp.Token); isStr && tok != "" {
			s.emit(tok, "")
		}
		return true, false
	}

	// 文本流
	tok, isStr, isArr := tokenValue(resp.Token)
	if isArr || !isStr || tok == "" {
		return true, false
	}
	for _, tag := range s.filtered {
		if strings.Contains(tok, tag) {
			return true, false
		}
	}

	currentIsThinking := resp.IsThinking
	if s.thinkingFinished && currentIsThinking {
		return true, false
	}

	// 网络搜索结果：只在思考块内且透出思考时，格式化为Markdown链接追加
	if rawTruthy(resp.ToolUsageCardID) && resp.WebSearchResults != nil && resp.WebSearchResults.Results != nil {
		if !currentIsThinking || !s.showThinking {
			return true, false
		}
		var appended strings.Builder
		for _, r := range resp.WebSearchResults.Results {
			preview := strings.ReplaceAll(r.Preview, "\n", "")
			appended.WriteString("\n- [" + r.Title + "](" + r.URL + " \"" + preview + "\")")
		}
		tok += appended.String() + "\n"
	}

	content := tok
	if resp.MessageTag == "header" {
		content = "\n\n" + tok + "\n\n"
	}

	// 思考状态机：进入加<think>，退出加</think>并锁定；
	// 不透出思考时整块跳过，退出帧本身是正文照常输出
	skip := false
	switch {
	case !s.isThinking && currentIsThinking:
		if s.showThinking {
			content = "<think>\n" + content
		} else {
			skip = true
		}
	case s.isThinking && !currentIsThinking:
		if s.showThinking {
			content = "\n</think>\n" + content
		}
		s.thinkingFinished = true
	case currentIsThinking && !s.showThinking:
		skip = true
	}

	if !skip {
		s.emit(content, "")
	}
	s.isThinking = currentIsThinking
	return true, false
}

// splitFilteredTags 解析逗号分隔的过滤标签配置
func splitFilteredTags(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// formatProgress 进度数字转字符串，整数不带小数点
func formatProgress(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

func buildVideoTag(src string) string {
	return `<video src="` + src + `" controls="controls" width="500" height="300"></video>` + "\n"
}

// buildVideoPosterPreview 封面预览模式：渲染成可点击的封面图链接
func buildVideoPosterPreview(videoURL, posterURL string) string {
	href := strings.ReplaceAll(videoURL, `"`, "&quot;")
	poster := strings.ReplaceAll(posterURL, `"`, "&quot;")
	if href == "" {
		return ""
	}
	if poster == "" {
		return `<a href="` + href + `" target="_blank" rel="noopener noreferrer">` + href + "</a>\n"
	}
	return `<a href="` + href + `" target="_blank" rel="noopener noreferrer" style="display:inline-block;position:relative;max-width:100%;text-decoration:none;">
  <img src="` + poster + `" alt="video" style="max-width:100%;height:auto;border-radius:12px;display:block;" />
  <span style="position:absolute;inset:0;display:flex;align-items:center;justify-content:center;">
    <span style="width:64px;height:64px;border-radius:9999px;background:rgba(0,0,0,.55);display:flex;align-items:center;justify-content:center;">
      <span style="width:0;height:0;border-top:12px solid transparent;border-bottom:12px solid transparent;border-left:18px solid #fff;margin-left:4px;"></span>
    </span>
  </span>
</a>
`
}

func buildVideoHTML(src, poster string, posterPreview bool) string {
	if posterPreview {
		return buildVideoPosterPreview(src, poster)
	}
	return buildVideoTag(src)
}
