package quota

import (
	"encoding/json"
	"fmt"

	"github.com/iBreaker/grok-gateway/pkg/types"
)

// 上游rate-limit载荷解析
//
// 上游的额度口径不统一：有的模型按查询数（remainingQueries），有的按token
// 预算（remainingTokens + 单次cost），有的两者都给。解析时原样保留两种
// 口径，查询数估算留给读取方按强度档位折算。

// effortLimits 单档位的限额信息
type effortLimits struct {
	Cost             *int `json:"cost"`
	RemainingQueries *int `json:"remainingQueries"`
	TotalQueries     *int `json:"totalQueries"`
}

// rateLimitPayload 上游/rest/rate-limits响应体
type rateLimitPayload struct {
	RemainingQueries     *int          `json:"remainingQueries"`
	TotalQueries         *int          `json:"totalQueries"`
	RemainingTokens      *int          `json:"remainingTokens"`
	TotalTokens          *int          `json:"totalTokens"`
	WindowSizeSeconds    *int          `json:"windowSizeSeconds"`
	LowEffortRateLimits  *effortLimits `json:"lowEffortRateLimits"`
	HighEffortRateLimits *effortLimits `json:"highEffortRateLimits"`
}

// ParseSnapshot 解析rate-limit载荷为归一化额度快照
func ParseSnapshot(raw []byte) (*types.QuotaSnapshot, error) {
	var payload rateLimitPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("解析额度载荷失败: %w", err)
	}

	snap := &types.QuotaSnapshot{
		RemainingQueries:  payload.RemainingQueries,
		TotalQueries:      payload.TotalQueries,
		RemainingTokens:   payload.RemainingTokens,
		TotalTokens:       payload.TotalTokens,
		WindowSizeSeconds: payload.WindowSizeSeconds,
	}

	// 顶层没有查询数时回退到低档限额里的查询数
	if snap.RemainingQueries == nil && payload.LowEffortRateLimits != nil {
		snap.RemainingQueries = payload.LowEffortRateLimits.RemainingQueries
		if snap.TotalQueries == nil {
			snap.TotalQueries = payload.LowEffortRateLimits.TotalQueries
		}
	}
	if payload.LowEffortRateLimits != nil {
		snap.LowEffortCost = payload.LowEffortRateLimits.Cost
	}
	if payload.HighEffortRateLimits != nil {
		snap.HighEffortCost = payload.HighEffortRateLimits.Cost
	}

	snap.MetricKind = classifyMetric(snap)
	return snap, nil
}

// classifyMetric 判定额度口径
func classifyMetric(s *types.QuotaSnapshot) types.QuotaMetricKind {
	hasQueries := s.RemainingQueries != nil
	hasTokens := s.RemainingTokens != nil
	switch {
	case hasQueries && hasTokens:
		return types.MetricMixed
	case hasQueries:
		return types.MetricQueries
	case hasTokens:
		return types.MetricTokens
	default:
		return types.MetricUnknown
	}
}

// EstimateQueries 按强度档位把快照折算成剩余查询数；无可用指标返回nil
func EstimateQueries(s *types.QuotaSnapshot, tier types.EffortTier) *int {
	if s.RemainingQueries != nil {
		return s.RemainingQueries
	}
	if s.RemainingTokens == nil {
		return nil
	}
	cost := 1
	var c *int
	if tier == types.EffortHigh {
		c = s.HighEffortCost
	} else {
		c = s.LowEffortCost
	}
	if c != nil && *c > 0 {
		cost = *c
	}
	n := *s.RemainingTokens / cost
	return &n
}
