package types

import "time"

// QuotaMetricKind 上游额度口径：按查询数、按token预算、两者皆有或未知
type QuotaMetricKind string

const (
	MetricQueries QuotaMetricKind = "queries"
	MetricTokens  QuotaMetricKind = "tokens"
	MetricMixed   QuotaMetricKind = "mixed"
	MetricUnknown QuotaMetricKind = "unknown"
)

// QuotaSource 额度快照来源
type QuotaSource string

const (
	SourceDelayed       QuotaSource = "delayed_refresh"
	SourceAutoRefresh   QuotaSource = "auto_refresh"
	SourceManualRefresh QuotaSource = "manual_refresh"
	SourceProbe         QuotaSource = "probe"
	SourceUnknown       QuotaSource = "unknown"
)

// EffortTier 调用强度档位，决定按token预算折算查询数时使用的单次成本
type EffortTier string

const (
	EffortLow  EffortTier = "low"
	EffortHigh EffortTier = "high"
)

// QuotaSnapshot 上游rate-limit接口返回经归一化后的额度快照
//
// 指针为nil表示该指标未知。计数口径与token预算口径可以同时存在。
type QuotaSnapshot struct {
	RemainingQueries  *int            `json:"remaining_queries"`
	TotalQueries      *int            `json:"total_queries"`
	RemainingTokens   *int            `json:"remaining_tokens"`
	TotalTokens       *int            `json:"total_tokens"`
	LowEffortCost     *int            `json:"low_effort_cost"`
	HighEffortCost    *int            `json:"high_effort_cost"`
	WindowSizeSeconds *int            `json:"window_size_seconds"`
	MetricKind        QuotaMetricKind `json:"metric_kind"`
}

// Usable 快照是否带有可用于准入判断的指标
func (s *QuotaSnapshot) Usable() bool {
	return s.RemainingQueries != nil || s.RemainingTokens != nil
}

// QuotaState 持久化的额度桶写入记录（状态表与审计表共用）
type QuotaState struct {
	Token      string        `json:"token"`
	RateClass  string        `json:"rate_class"`
	Snapshot   QuotaSnapshot `json:"snapshot"`
	Source     QuotaSource   `json:"source"`
	RefreshedAt time.Time    `json:"refreshed_at"`
	Success    bool          `json:"success"`
	LastError  string        `json:"last_error"`
	RawPayload []byte        `json:"-"`
}

// QuotaBucket 额度桶读取视图（管理接口与状态计算使用）
type QuotaBucket struct {
	RateClass         string      `json:"rate_class"`
	RemainingQueries  *int        `json:"remaining_queries"`
	TotalQueries      *int        `json:"total_queries"`
	RemainingTokens   *int        `json:"remaining_tokens"`
	TotalTokens       *int        `json:"total_tokens"`
	LowEffortCost     *int        `json:"low_effort_cost"`
	HighEffortCost    *int        `json:"high_effort_cost"`
	WindowSizeSeconds *int        `json:"window_size_seconds"`
	RefreshedAt       *time.Time  `json:"refreshed_at"`
	Stale             bool        `json:"stale"`
	Source            QuotaSource `json:"source"`
	Error             string      `json:"error,omitempty"`
}

// Known 桶是否带有成功获取过的可用指标
func (b *QuotaBucket) Known() bool {
	return (b.RemainingQueries != nil || b.RemainingTokens != nil) && b.Error == ""
}

// EstimateRemainingQueries 估算剩余查询数：优先用计数口径，否则按低档成本折算
func (b *QuotaBucket) EstimateRemainingQueries() *int {
	if b.RemainingQueries != nil {
		return b.RemainingQueries
	}
	if b.RemainingTokens == nil {
		return nil
	}
	cost := 1
	if b.LowEffortCost != nil && *b.LowEffortCost > 0 {
		cost = *b.LowEffortCost
	}
	n := *b.RemainingTokens / cost
	return &n
}

// RefreshProgress 全量额度刷新的进度单例
type RefreshProgress struct {
	Running   bool      `json:"running"`
	Total     int       `json:"total"`
	Current   int       `json:"current"`
	Success   int       `json:"success"`
	Failed    int       `json:"failed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RequestLog 一条请求日志（onFinish回调写入）
type RequestLog struct {
	IP          string    `json:"ip"`
	Model       string    `json:"model"`
	Duration    float64   `json:"duration"`
	Status      int       `json:"status"`
	KeyName     string    `json:"key_name"`
	TokenSuffix string    `json:"token_suffix"`
	Error       string    `json:"error"`
	At          time.Time `json:"at"`
}
