package types

// Config - 全局配置
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Auth     AuthConfig     `yaml:"auth" json:"auth"`
	Grok     GrokConfig     `yaml:"grok" json:"grok"`
	Refresh  RefreshConfig  `yaml:"refresh" json:"refresh"`
	Global   GlobalConfig   `yaml:"global" json:"global"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// ServerConfig - 服务器配置
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// DatabaseConfig - 存储配置；URL为空时使用进程内存储（单实例模式）
type DatabaseConfig struct {
	URL string `yaml:"url" json:"url"`
}

// AuthConfig - 接口鉴权配置
type AuthConfig struct {
	// APIKeys 客户端API Key列表（Bearer）
	APIKeys []APIKey `yaml:"api_keys" json:"api_keys"`
	// AdminKey 管理接口密钥（X-Admin-Key头）
	AdminKey string `yaml:"admin_key" json:"admin_key"`
}

// APIKey - 一个客户端密钥
type APIKey struct {
	Name string `yaml:"name" json:"name"`
	Key  string `yaml:"key" json:"key"`
}

// GrokConfig - 上游调用与流式转换配置
type GrokConfig struct {
	// CFClearance Cloudflare clearance cookie，可为空
	CFClearance string `yaml:"cf_clearance" json:"cf_clearance"`
	// DynamicStatsig 是否动态生成x-statsig-id指纹
	DynamicStatsig *bool `yaml:"dynamic_statsig" json:"dynamic_statsig"`
	// XStatsigID 静态指纹（DynamicStatsig关闭时必填）
	XStatsigID string `yaml:"x_statsig_id" json:"x_statsig_id"`
	// Temporary 上游会话是否临时（不留存历史）
	Temporary *bool `yaml:"temporary" json:"temporary"`
	// FilteredTags 过滤标签，逗号分隔；含有这些子串的帧被丢弃
	FilteredTags string `yaml:"filtered_tags" json:"filtered_tags"`
	// ShowThinking 是否向客户端透出思考过程
	ShowThinking *bool `yaml:"show_thinking" json:"show_thinking"`
	// VideoPosterPreview 视频结果用封面预览链接代替video标签
	VideoPosterPreview bool `yaml:"video_poster_preview" json:"video_poster_preview"`
	// StreamFirstTimeout 首帧超时（秒）
	StreamFirstTimeout int `yaml:"stream_first_response_timeout" json:"stream_first_response_timeout"`
	// StreamChunkTimeout 帧间空闲超时（秒）
	StreamChunkTimeout int `yaml:"stream_chunk_timeout" json:"stream_chunk_timeout"`
	// StreamTotalTimeout 整体超时（秒）
	StreamTotalTimeout int `yaml:"stream_total_timeout" json:"stream_total_timeout"`
	// MaxRetry 换账号重试上限
	MaxRetry int `yaml:"max_retry" json:"max_retry"`
	// RetryStatusCodes 可重试的上游状态码
	RetryStatusCodes []int `yaml:"retry_status_codes" json:"retry_status_codes"`
}

// RefreshConfig - 额度刷新配置
type RefreshConfig struct {
	// AutoRefresh 是否启用周期性全量刷新
	AutoRefresh bool `yaml:"auto_refresh" json:"auto_refresh"`
	// IntervalHours 全量刷新间隔（小时）
	IntervalHours int `yaml:"refresh_interval_hours" json:"refresh_interval_hours"`
}

// GlobalConfig - 全局站点配置
type GlobalConfig struct {
	// BaseURL 对外基础URL，生成媒体代理链接时使用；为空则用请求origin
	BaseURL string `yaml:"base_url" json:"base_url"`
}

// LoggingConfig - 日志配置
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// ShowThinkingEnabled 默认透出思考过程
func (c *GrokConfig) ShowThinkingEnabled() bool {
	return c.ShowThinking == nil || *c.ShowThinking
}

// DynamicStatsigEnabled 默认动态生成指纹
func (c *GrokConfig) DynamicStatsigEnabled() bool {
	return c.DynamicStatsig == nil || *c.DynamicStatsig
}

// TemporaryEnabled 默认使用临时会话
func (c *GrokConfig) TemporaryEnabled() bool {
	return c.Temporary == nil || *c.Temporary
}

// FirstTimeoutSeconds 首帧超时默认30秒
func (c *GrokConfig) FirstTimeoutSeconds() int {
	if c.StreamFirstTimeout > 0 {
		return c.StreamFirstTimeout
	}
	return 30
}

// ChunkTimeoutSeconds 帧间超时默认120秒
func (c *GrokConfig) ChunkTimeoutSeconds() int {
	if c.StreamChunkTimeout > 0 {
		return c.StreamChunkTimeout
	}
	return 120
}

// TotalTimeoutSeconds 整体超时默认600秒
func (c *GrokConfig) TotalTimeoutSeconds() int {
	if c.StreamTotalTimeout > 0 {
		return c.StreamTotalTimeout
	}
	return 600
}

// MaxRetryCount 重试上限默认3次
func (c *GrokConfig) MaxRetryCount() int {
	if c.MaxRetry > 0 {
		return c.MaxRetry
	}
	return 3
}

// RetryCodes 可重试状态码默认[401, 429]
func (c *GrokConfig) RetryCodes() []int {
	if len(c.RetryStatusCodes) > 0 {
		return c.RetryStatusCodes
	}
	return []int{401, 429}
}
