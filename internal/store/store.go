package store

import (
	"context"
	"errors"
	"time"

	"github.com/iBreaker/grok-gateway/pkg/types"
)

// 存储层
//
// 额度预约不做读-改-写，全部通过条件更新表达：一次预约要么在容量充足的
// 前提下原子地占用inflight计数，要么直接失败。inflight计数带TTL，更新时间
// 超过TTL的计数视为0，泄漏的预约会自动蒸发，换来的是窗口内的短暂高估。

const (
	// InflightTTL inflight计数的有效期，超过后计数视为0
	InflightTTL = 120 * time.Second
	// ProbeWindow 未知额度探测的去重窗口
	ProbeWindow = 3 * time.Second
	// RefreshWindow 延迟刷新入队的去重窗口
	RefreshWindow = 10 * time.Second
	// AuditRetention 额度审计记录保留时长
	AuditRetention = 7 * 24 * time.Hour
	// WindowRetention 探测/刷新窗口锁行保留时长
	WindowRetention = 24 * time.Hour
	// StaleThreshold 额度快照过期阈值，超过后展示为stale
	StaleThreshold = 10 * time.Minute
	// CandidateLimit 单次候选查询上限
	CandidateLimit = 12
	// MaxFailures 连续失败次数阈值：达到后不再参与预约，
	// 且连续4xx失败达到阈值的账号标记expired
	MaxFailures = 3
)

var (
	// ErrAccountNotFound 账号不存在
	ErrAccountNotFound = errors.New("账号不存在")
	// ErrAccountExists 账号已存在
	ErrAccountExists = errors.New("账号已存在")
)

// Store 账号与额度的持久化接口
//
// memory后端用于单实例部署与测试，postgres后端（pgx）用于多实例部署，
// 两者语义一致。
type Store interface {
	// ===== 账号 CRUD =====

	CreateAccount(ctx context.Context, account *types.Account) error
	GetAccount(ctx context.Context, token string) (*types.Account, error)
	ListAccounts(ctx context.Context) ([]*types.Account, error)
	DeleteAccount(ctx context.Context, token string) error
	SetTags(ctx context.Context, token string, tags []string) error
	SetNote(ctx context.Context, token string, note string) error

	// ===== 账号健康 =====

	// RecordFailure 累计失败次数；status是上游状态码（网络错误为0）。
	// 只有4xx失败累计到maxFailures才标记expired，5xx和网络错误只累计。
	// 返回累计后的次数和是否已标记expired
	RecordFailure(ctx context.Context, token, reason string, status int, now time.Time, maxFailures int) (int, bool, error)
	// ApplyCooldown 设置冷却截止时间，只延长不缩短
	ApplyCooldown(ctx context.Context, token string, until time.Time) error
	// Reactivate 复活账号：恢复active、清零失败计数和冷却
	Reactivate(ctx context.Context, token string) error
	// MirrorLegacyQuota 把刷新结果镜像进旧版标量字段
	MirrorLegacyQuota(ctx context.Context, token string, remaining int, heavy bool) error

	// ===== 额度桶预约 =====

	// QuotaCandidates 返回指定等级下该rate-class生效容量最大的候选账号
	QuotaCandidates(ctx context.Context, class types.AccountClass, rateClass string, tier types.EffortTier, now time.Time, limit int) ([]*types.ReservationCandidate, error)
	// TryReserveQuota 条件预约：生效容量足够时原子占用units，否则返回false
	TryReserveQuota(ctx context.Context, token, rateClass string, units int, tier types.EffortTier, now time.Time) (bool, error)
	// ReleaseQuota 释放预约（多次释放不会把计数减成负数）
	ReleaseQuota(ctx context.Context, token, rateClass string, units int, now time.Time) error
	// ClearQuotaInflight 清零某桶的inflight计数
	ClearQuotaInflight(ctx context.Context, token, rateClass string) error

	// ===== 旧版标量预约 =====

	LegacyCandidates(ctx context.Context, class types.AccountClass, cost types.ReservationCost, now time.Time, limit int) ([]*types.ReservationCandidate, error)
	TryReserveLegacy(ctx context.Context, token string, cost types.ReservationCost, now time.Time) (bool, error)
	ReleaseLegacy(ctx context.Context, token string, cost types.ReservationCost, now time.Time) error
	ClearLegacyInflight(ctx context.Context, token string) error

	// ===== 额度状态 =====

	// SaveQuotaState 写入额度状态并追加审计记录；成功快照同时清零桶inflight
	SaveQuotaState(ctx context.Context, state *types.QuotaState) error
	// GetBuckets 返回账号的全部额度桶视图
	GetBuckets(ctx context.Context, token string, now time.Time) ([]*types.QuotaBucket, error)
	// UnknownBucketAccounts 该rate-class额度未知的账号，按创建时间升序
	UnknownBucketAccounts(ctx context.Context, class types.AccountClass, rateClass string, now time.Time, limit int) ([]*types.Account, error)

	// ===== 窗口锁 =====

	// TryAcquireProbeWindow 条件占用探测窗口，窗口内重复请求返回false
	TryAcquireProbeWindow(ctx context.Context, token, rateClass string, now time.Time) (bool, error)
	// TryAcquireRefreshWindow 条件占用延迟刷新窗口
	TryAcquireRefreshWindow(ctx context.Context, token, rateClass string, now time.Time) (bool, error)

	// ===== 刷新进度 =====

	GetRefreshProgress(ctx context.Context) (*types.RefreshProgress, error)
	SetRefreshProgress(ctx context.Context, progress *types.RefreshProgress) error

	// ===== 请求日志 =====

	AppendRequestLog(ctx context.Context, log *types.RequestLog) error
	ListRequestLogs(ctx context.Context, limit int) ([]*types.RequestLog, error)

	// ===== 维护 =====

	// CleanupArtifacts 清理过期审计记录和窗口锁行
	CleanupArtifacts(ctx context.Context, now time.Time) error
	Close() error
}

// effortCost 给定强度档位的单次查询成本
func effortCost(s *types.QuotaSnapshot, tier types.EffortTier) int {
	var c *int
	if tier == types.EffortHigh {
		c = s.HighEffortCost
	} else {
		c = s.LowEffortCost
	}
	if c != nil && *c > 0 {
		return *c
	}
	return 1
}

// bucketCapacity 快照的已知容量（查询数口径）；无可用指标时返回false
func bucketCapacity(s *types.QuotaSnapshot, tier types.EffortTier) (int, bool) {
	if s.RemainingQueries != nil {
		return *s.RemainingQueries, true
	}
	if s.RemainingTokens != nil {
		return *s.RemainingTokens / effortCost(s, tier), true
	}
	return 0, false
}

// activeInflight 未过TTL的inflight计数
func activeInflight(units int, updatedAt time.Time, now time.Time) int {
	if units <= 0 {
		return 0
	}
	if now.Sub(updatedAt) > InflightTTL {
		return 0
	}
	return units
}

// accountEligible 账号是否可参与预约：active、失败计数未达阈值且不在冷却期
func accountEligible(a *types.Account, class types.AccountClass, now time.Time) bool {
	if a.Status != types.AccountStatusActive {
		return false
	}
	if a.Class != class {
		return false
	}
	if a.FailedCount >= MaxFailures {
		return false
	}
	if a.CooldownUntil != nil && a.CooldownUntil.After(now) {
		return false
	}
	return true
}

// ComputeDisplayStatus 管理界面展示状态
//
// 规则：过期账号invalid；冷却期内cooling；所有已知额度都为0则exhausted；
// 有已知正额度则active；其余unknown。
func ComputeDisplayStatus(a *types.Account, buckets []*types.QuotaBucket, now time.Time) types.DisplayStatus {
	if a.Status == types.AccountStatusExpired {
		return types.DisplayInvalid
	}
	if a.CooldownUntil != nil && a.CooldownUntil.After(now) {
		return types.DisplayCooling
	}

	known := 0
	positive := 0
	for _, b := range buckets {
		if !b.Known() {
			continue
		}
		known++
		if est := b.EstimateRemainingQueries(); est != nil && *est > 0 {
			positive++
		}
	}
	// 旧版标量也参与判断
	if a.RemainingQueries >= 0 {
		known++
		if a.RemainingQueries > 0 {
			positive++
		}
	}

	if positive > 0 {
		return types.DisplayActive
	}
	if known > 0 {
		return types.DisplayExhausted
	}
	return types.DisplayUnknown
}
