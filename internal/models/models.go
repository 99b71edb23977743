package models

import (
	"github.com/iBreaker/grok-gateway/pkg/types"
)

// 模型配置模块
//
// 模型映射关系：
// - 请求模型名（如 grok-4-fast）-> 上游内部模型名 + 运行模式
// - rate_class 把共享同一个上游额度池的模型归为一组
// - 不同模式影响响应速度和质量：
//   - AUTO: 自动选择
//   - FAST: 快速响应
//   - HEAVY: 深度思考（需要elevated账号）
//   - EXPERT: 专家模式

// ModelInfo 一个对外模型的完整配置
type ModelInfo struct {
	ID           string
	UpstreamName string
	Mode         string
	RateClass    string
	DisplayName  string
	Description  string
	IsImageModel bool
	IsVideoModel bool
}

// EffortTier 返回模型的调用强度档位
func (m *ModelInfo) EffortTier() types.EffortTier {
	if m.Mode == "MODEL_MODE_HEAVY" || m.Mode == "MODEL_MODE_EXPERT" {
		return types.EffortHigh
	}
	return types.EffortLow
}

// NeedsElevated heavy模型只能用elevated账号
func (m *ModelInfo) NeedsElevated() bool {
	return m.ID == "grok-4-heavy"
}

// ClassOrder 账号等级尝试顺序：heavy请求只能用elevated，普通请求优先basic
func (m *ModelInfo) ClassOrder() []types.AccountClass {
	if m.NeedsElevated() {
		return []types.AccountClass{types.AccountClassElevated}
	}
	return []types.AccountClass{types.AccountClassBasic, types.AccountClassElevated}
}

// Cost 该模型一次调用的旧版成本向量
func (m *ModelInfo) Cost() types.ReservationCost {
	cost := types.ReservationCost{Chat: 1}
	if m.NeedsElevated() {
		cost.Heavy = 1
	}
	return cost
}

var modelOrder = []string{
	"grok-3",
	"grok-3-fast",
	"grok-4",
	"grok-4-mini",
	"grok-4-fast",
	"grok-4-heavy",
	"grok-4.1",
	"grok-4.1-fast",
	"grok-4.1-expert",
	"grok-4.1-thinking",
	"grok-imagine-1.0",
	"grok-imagine-1.0-edit",
	"grok-imagine-1.0-video",
}

var modelConfig = map[string]*ModelInfo{
	"grok-3": {
		ID: "grok-3", UpstreamName: "grok-3", Mode: "MODEL_MODE_AUTO",
		RateClass: "grok-3", DisplayName: "Grok 3", Description: "Grok 3 chat model",
	},
	"grok-3-fast": {
		ID: "grok-3-fast", UpstreamName: "grok-3", Mode: "MODEL_MODE_FAST",
		RateClass: "grok-3", DisplayName: "Grok 3 Fast", Description: "Fast Grok 3 chat model",
	},
	"grok-4": {
		ID: "grok-4", UpstreamName: "grok-4", Mode: "MODEL_MODE_AUTO",
		RateClass: "grok-4", DisplayName: "Grok 4", Description: "Grok 4 chat model",
	},
	"grok-4-mini": {
		ID: "grok-4-mini", UpstreamName: "grok-4-mini-thinking-tahoe", Mode: "MODEL_MODE_GROK_4_MINI_THINKING",
		RateClass: "grok-4-mini-thinking-tahoe", DisplayName: "Grok 4 Mini", Description: "Grok 4 mini thinking model",
	},
	"grok-4-fast": {
		ID: "grok-4-fast", UpstreamName: "grok-4", Mode: "MODEL_MODE_FAST",
		RateClass: "grok-4", DisplayName: "Grok 4 Fast", Description: "Fast Grok 4 chat model",
	},
	"grok-4-heavy": {
		ID: "grok-4-heavy", UpstreamName: "grok-4", Mode: "MODEL_MODE_HEAVY",
		RateClass: "grok-4-heavy", DisplayName: "Grok 4 Heavy", Description: "Most powerful Grok model (elevated accounts required)",
	},
	"grok-4.1": {
		ID: "grok-4.1", UpstreamName: "grok-4-1-thinking-1129", Mode: "MODEL_MODE_AUTO",
		RateClass: "grok-4-1-thinking-1129", DisplayName: "Grok 4.1", Description: "Grok 4.1 chat model",
	},
	"grok-4.1-fast": {
		ID: "grok-4.1-fast", UpstreamName: "grok-4-1-thinking-1129", Mode: "MODEL_MODE_FAST",
		RateClass: "grok-4-1-thinking-1129", DisplayName: "Grok 4.1 Fast", Description: "Fast Grok 4.1 chat model",
	},
	"grok-4.1-expert": {
		ID: "grok-4.1-expert", UpstreamName: "grok-4-1-thinking-1129", Mode: "MODEL_MODE_EXPERT",
		RateClass: "grok-4-1-thinking-1129", DisplayName: "Grok 4.1 Expert", Description: "Expert Grok 4.1 chat model",
	},
	"grok-4.1-thinking": {
		ID: "grok-4.1-thinking", UpstreamName: "grok-4-1-thinking-1129", Mode: "MODEL_MODE_GROK_4_1_THINKING",
		RateClass: "grok-4-1-thinking-1129", DisplayName: "Grok 4.1 Thinking", Description: "Grok 4.1 with thinking mode",
	},
	"grok-imagine-1.0": {
		ID: "grok-imagine-1.0", UpstreamName: "grok-3", Mode: "MODEL_MODE_FAST",
		RateClass: "grok-3", DisplayName: "Grok Imagine 1.0", Description: "Image generation model",
		IsImageModel: true,
	},
	"grok-imagine-1.0-edit": {
		ID: "grok-imagine-1.0-edit", UpstreamName: "imagine-image-edit", Mode: "MODEL_MODE_FAST",
		RateClass: "grok-3", DisplayName: "Grok Imagine 1.0 Edit", Description: "Image edit model",
		IsImageModel: true,
	},
	"grok-imagine-1.0-video": {
		ID: "grok-imagine-1.0-video", UpstreamName: "grok-3", Mode: "MODEL_MODE_FAST",
		RateClass: "grok-3", DisplayName: "Grok Imagine 1.0 Video", Description: "Video generation model",
		IsVideoModel: true,
	},
}

// Get 获取模型配置；未知模型返回nil
func Get(model string) *ModelInfo {
	return modelConfig[model]
}

// RateClass 请求模型对应的额度rate-class；未知模型原样返回
func RateClass(model string) string {
	if cfg, ok := modelConfig[model]; ok {
		return cfg.RateClass
	}
	return model
}

// List 按固定顺序返回所有模型配置
func List() []*ModelInfo {
	out := make([]*ModelInfo, 0, len(modelOrder))
	for _, id := range modelOrder {
		out = append(out, modelConfig[id])
	}
	return out
}

// QuotaTargets 周期性全量刷新覆盖的rate-class代表模型集合
//
// 每个rate-class取一个代表模型即可，共享额度池的模型刷新结果相同。
func QuotaTargets() []*ModelInfo {
	seen := make(map[string]bool)
	out := make([]*ModelInfo, 0, 4)
	for _, id := range modelOrder {
		cfg := modelConfig[id]
		if cfg.IsImageModel || cfg.IsVideoModel {
			continue
		}
		if seen[cfg.RateClass] {
			continue
		}
		seen[cfg.RateClass] = true
		out = append(out, cfg)
	}
	return out
}
