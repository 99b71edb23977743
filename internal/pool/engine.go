package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iBreaker/grok-gateway/internal/models"
	"github.com/iBreaker/grok-gateway/internal/store"
	"github.com/iBreaker/grok-gateway/pkg/types"
)

// 账号池预约引擎
//
// 选择策略：候选按生效容量取前min(4,n)个做容量加权随机，命中的排第一，
// 其余候选按原顺序跟在后面依次尝试。加权随机把负载摊开到多个账号上，
// 避免所有实例都打同一个容量最大的账号。

const (
	// MaxFailures 连续失败次数阈值，与存储层的准入过滤共用
	MaxFailures = store.MaxFailures
	// TopK 加权随机的候选窗口
	TopK = 4
	// MaxRounds 候选全部预约失败后的整体重试轮数
	MaxRounds = 2

	// CooldownRateLimited 429且额度未确认耗尽的冷却时长
	CooldownRateLimited = time.Hour
	// CooldownExhausted 429且已确认耗尽的冷却时长
	CooldownExhausted = 10 * time.Hour
	// CooldownFailure 其他失败的冷却时长
	CooldownFailure = 30 * time.Second
)

// ErrNoCapacity 没有可预约的账号
var ErrNoCapacity = errors.New("没有可用账号")

// Engine 账号池预约引擎
type Engine struct {
	store  store.Store
	logger *logrus.Logger
}

// NewEngine 创建预约引擎
func NewEngine(s store.Store, logger *logrus.Logger) *Engine {
	return &Engine{store: s, logger: logger}
}

// Reserve 额度桶路径预约
//
// 按账号等级顺序查候选，每轮每等级做一次加权尝试序列；条件预约失败说明
// 并发竞争把容量抢光了，换下一个候选。两轮都失败返回ErrNoCapacity。
func (e *Engine) Reserve(ctx context.Context, model *models.ModelInfo, now time.Time) (*types.Reservation, error) {
	tier := model.EffortTier()
	for round := 0; round < MaxRounds; round++ {
		for _, class := range model.ClassOrder() {
			candidates, err := e.store.QuotaCandidates(ctx, class, model.RateClass, tier, now, store.CandidateLimit)
			if err != nil {
				return nil, fmt.Errorf("查询预约候选失败: %w", err)
			}
			for _, c := range attemptOrder(candidates) {
				ok, err := e.store.TryReserveQuota(ctx, c.Token, model.RateClass, 1, tier, now)
				if err != nil {
					return nil, fmt.Errorf("额度预约失败: %w", err)
				}
				if ok {
					return &types.Reservation{
						Token:     c.Token,
						Class:     c.Class,
						Kind:      types.ReservationQuota,
						RateClass: model.RateClass,
						Units:     1,
					}, nil
				}
			}
		}
	}
	return nil, ErrNoCapacity
}

// ReserveLegacy 旧版标量路径预约（额度桶全部未知或不可用时的兜底）
func (e *Engine) ReserveLegacy(ctx context.Context, model *models.ModelInfo, now time.Time) (*types.Reservation, error) {
	cost := model.Cost()
	for round := 0; round < MaxRounds; round++ {
		for _, class := range model.ClassOrder() {
			candidates, err := e.store.LegacyCandidates(ctx, class, cost, now, store.CandidateLimit)
			if err != nil {
				return nil, fmt.Errorf("查询旧版候选失败: %w", err)
			}
			for _, c := range attemptOrder(candidates) {
				ok, err := e.store.TryReserveLegacy(ctx, c.Token, cost, now)
				if err != nil {
					return nil, fmt.Errorf("旧版预约失败: %w", err)
				}
				if ok {
					return &types.Reservation{
						Token: c.Token,
						Class: c.Class,
						Kind:  types.ReservationLegacy,
						Cost:  cost,
					}, nil
				}
			}
		}
	}
	return nil, ErrNoCapacity
}

// Release 释放预约，按预约类型分发
//
// 释放带TTL保护：过期预约的计数已经蒸发，重复释放不会把计数减成负数。
func (e *Engine) Release(ctx context.Context, r *types.Reservation, now time.Time) error {
	if r == nil {
		return nil
	}
	switch r.Kind {
	case types.ReservationQuota:
		return e.store.ReleaseQuota(ctx, r.Token, r.RateClass, r.Units, now)
	case types.ReservationLegacy:
		return e.store.ReleaseLegacy(ctx, r.Token, r.Cost, now)
	default:
		return fmt.Errorf("未知的预约类型: %s", r.Kind)
	}
}

// RecordFailure 记录账号失败
//
// status是上游状态码（网络错误为0）。失败计数无条件累加，但只有4xx失败
// 达到阈值才标记expired：5xx和网络错误说明问题在上游或链路，不在凭证。
func (e *Engine) RecordFailure(ctx context.Context, token, reason string, status int, now time.Time) error {
	count, expired, err := e.store.RecordFailure(ctx, token, reason, status, now, MaxFailures)
	if err != nil {
		return err
	}
	fields := logrus.Fields{
		"token_suffix": types.TokenSuffix(token),
		"failed_count": count,
		"status":       status,
		"reason":       reason,
	}
	if expired {
		e.logger.WithFields(fields).Warn("账号连续失败，已标记为失效")
	} else {
		e.logger.WithFields(fields).Info("记录账号失败")
	}
	return nil
}

// ApplyCooldown 根据上游状态码设置冷却
//
// 429区分两种情况：旧版标量确认额度为0时按长冷却处理，其余（含未知-1）
// 按短冷却。判断只看旧版标量，是历史遗留的近似。
func (e *Engine) ApplyCooldown(ctx context.Context, token string, status int, now time.Time) error {
	duration := CooldownFailure
	if status == 429 {
		duration = CooldownRateLimited
		if a, err := e.store.GetAccount(ctx, token); err == nil && a.RemainingQueries == 0 {
			duration = CooldownExhausted
		}
	}
	until := now.Add(duration)
	if err := e.store.ApplyCooldown(ctx, token, until); err != nil {
		return err
	}
	e.logger.WithFields(logrus.Fields{
		"token_suffix":   types.TokenSuffix(token),
		"status":         status,
		"cooldown_until": until.Format(time.RFC3339),
	}).Info("账号进入冷却")
	return nil
}

// Reactivate 复活账号（对失效账号的调用意外成功时使用）
func (e *Engine) Reactivate(ctx context.Context, token string) error {
	if err := e.store.Reactivate(ctx, token); err != nil {
		return err
	}
	e.logger.WithField("token_suffix", types.TokenSuffix(token)).Info("账号已复活")
	return nil
}

// attemptOrder 生成尝试顺序：前min(TopK,n)个做容量加权随机选出首个，
// 其余候选按原顺序跟在后面
func attemptOrder(candidates []*types.ReservationCandidate) []*types.ReservationCandidate {
	if len(candidates) <= 1 {
		return candidates
	}
	k := TopK
	if len(candidates) < k {
		k = len(candidates)
	}
	picked := pickWeightedIndex(candidates[:k])

	out := make([]*types.ReservationCandidate, 0, len(candidates))
	out = append(out, candidates[picked])
	for i, c := range candidates {
		if i != picked {
			out = append(out, c)
		}
	}
	return out
}

// pickWeightedIndex 按生效容量加权随机；未知容量（负数）按权重1参与
func pickWeightedIndex(candidates []*types.ReservationCandidate) int {
	total := 0
	for _, c := range candidates {
		total += candidateWeight(c)
	}
	n := rand.Intn(total)
	for i, c := range candidates {
		n -= candidateWeight(c)
		if n < 0 {
			return i
		}
	}
	return len(candidates) - 1
}

func candidateWeight(c *types.ReservationCandidate) int {
	if c.Effective < 1 {
		return 1
	}
	return c.Effective
}
