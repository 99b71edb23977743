package types

// OpenAI兼容的请求/响应结构，只保留与额度成本和流式内容相关的字段

// ChatMessage OpenAI格式的消息；Content为字符串或多段数组
type ChatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// ChatContentPart 多段消息的一段
type ChatContentPart struct {
	Type     string              `json:"type"`
	Text     string              `json:"text,omitempty"`
	ImageURL *ChatContentPartURL `json:"image_url,omitempty"`
}

// ChatContentPartURL 图片段的URL载体
type ChatContentPartURL struct {
	URL string `json:"url"`
}

// VideoConfig 视频模型的生成参数
type VideoConfig struct {
	AspectRatio string `json:"aspect_ratio,omitempty"`
	VideoLength int    `json:"video_length,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
	Preset      string `json:"preset,omitempty"`
}

// ChatCompletionRequest /v1/chat/completions 请求体
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	VideoConfig *VideoConfig  `json:"video_config,omitempty"`
}

// ChatCompletionChunk 流式响应的一个chunk
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice chunk内的一个choice
type ChunkChoice struct {
	Index        int         `json:"index"`
	Delta        ChunkDelta  `json:"delta"`
	FinishReason interface{} `json:"finish_reason"`
}

// ChunkDelta 增量内容
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// NewChunk 构建一个流式chunk；finishReason为空串时输出null
func NewChunk(id string, created int64, model, content, finishReason string) *ChatCompletionChunk {
	delta := ChunkDelta{}
	if content != "" {
		delta.Role = "assistant"
		delta.Content = content
	}
	var finish interface{}
	if finishReason != "" {
		finish = finishReason
	}
	return &ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

// ChatCompletion 非流式响应
type ChatCompletion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   interface{}        `json:"usage"`
}

// CompletionChoice 非流式响应的一个choice
type CompletionChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// CompletionMessage 非流式响应消息体
type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIError OpenAI风格的错误响应
type OpenAIError struct {
	Error OpenAIErrorBody `json:"error"`
}

// OpenAIErrorBody 错误详情
type OpenAIErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NewOpenAIError 构建错误响应
func NewOpenAIError(message, code string) *OpenAIError {
	return &OpenAIError{Error: OpenAIErrorBody{
		Message: message,
		Type:    "invalid_request_error",
		Code:    code,
	}}
}

// ModelObject /v1/models 列表中的一项
type ModelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList /v1/models 响应
type ModelList struct {
	Object string        `json:"object"`
	Data   []ModelObject `json:"data"`
}

// ImageGenerationRequest /v1/images/generations 请求体
type ImageGenerationRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n,omitempty"`
}

// ImageGenerationResponse /v1/images/generations 响应
type ImageGenerationResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
}

// ImageData 一张生成图片的引用
type ImageData struct {
	URL string `json:"url"`
}
