package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iBreaker/grok-gateway/pkg/types"
)

// bucketKey 额度桶主键
type bucketKey struct {
	token     string
	rateClass string
}

// quotaRow 额度状态行：快照 + 瞬态inflight计数
type quotaRow struct {
	state             types.QuotaState
	inflightUnits     int
	inflightUpdatedAt time.Time
}

// auditRow 审计记录
type auditRow struct {
	state      types.QuotaState
	recordedAt time.Time
}

// MemoryStore 进程内存储，单实例部署与测试使用
type MemoryStore struct {
	mu             sync.Mutex
	accounts       map[string]*types.Account
	quota          map[bucketKey]*quotaRow
	audit          []auditRow
	probeWindows   map[bucketKey]time.Time
	refreshWindows map[bucketKey]time.Time
	progress       types.RefreshProgress
	logs           []*types.RequestLog
}

// 内存中最多保留的请求日志条数
const memoryLogCap = 1000

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:       make(map[string]*types.Account),
		quota:          make(map[bucketKey]*quotaRow),
		probeWindows:   make(map[bucketKey]time.Time),
		refreshWindows: make(map[bucketKey]time.Time),
	}
}

// ===== 账号 CRUD =====

func (s *MemoryStore) CreateAccount(ctx context.Context, account *types.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[account.Token]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, types.TokenSuffix(account.Token))
	}
	copied := *account
	s.accounts[account.Token] = &copied
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, token string) (*types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, types.TokenSuffix(token))
	}
	copied := *a
	return &copied, nil
}

func (s *MemoryStore) ListAccounts(ctx context.Context) ([]*types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		copied := *a
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Token < out[j].Token
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteAccount(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[token]; !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, types.TokenSuffix(token))
	}
	delete(s.accounts, token)
	for key := range s.quota {
		if key.token == token {
			delete(s.quota, key)
		}
	}
	return nil
}

func (s *MemoryStore) SetTags(ctx context.Context, token string, tags []string) error {
	return s.updateAccount(token, func(a *types.Account) {
		a.Tags = append([]string(nil), tags...)
	})
}

func (s *MemoryStore) SetNote(ctx context.Context, token string, note string) error {
	return s.updateAccount(token, func(a *types.Account) {
		a.Note = note
	})
}

// updateAccount 锁内更新账号（内部使用）
func (s *MemoryStore) updateAccount(token string, fn func(*types.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, types.TokenSuffix(token))
	}
	fn(a)
	return nil
}

// ===== 账号健康 =====

func (s *MemoryStore) RecordFailure(ctx context.Context, token, reason string, status int, now time.Time, maxFailures int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[token]
	if !ok {
		return 0, false, fmt.Errorf("%w: %s", ErrAccountNotFound, types.TokenSuffix(token))
	}
	a.FailedCount++
	t := now
	a.LastFailureTime = &t
	a.LastFailureReason = reason
	// 只有4xx说明凭证本身有问题，5xx和网络错误不触发expired
	expired := false
	if status >= 400 && status < 500 &&
		a.FailedCount >= maxFailures && a.Status == types.AccountStatusActive {
		a.Status = types.AccountStatusExpired
		expired = true
	}
	return a.FailedCount, expired, nil
}

func (s *MemoryStore) ApplyCooldown(ctx context.Context, token string, until time.Time) error {
	return s.updateAccount(token, func(a *types.Account) {
		// 只延长不缩短
		if a.CooldownUntil == nil || until.After(*a.CooldownUntil) {
			t := until
			a.CooldownUntil = &t
		}
	})
}

func (s *MemoryStore) Reactivate(ctx context.Context, token string) error {
	return s.updateAccount(token, func(a *types.Account) {
		a.Status = types.AccountStatusActive
		a.FailedCount = 0
		a.CooldownUntil = nil
		a.LastFailureTime = nil
		a.LastFailureReason = ""
	})
}

func (s *MemoryStore) MirrorLegacyQuota(ctx context.Context, token string, remaining int, heavy bool) error {
	return s.updateAccount(token, func(a *types.Account) {
		if heavy {
			a.HeavyRemainingQueries = remaining
		} else {
			a.RemainingQueries = remaining
		}
	})
}

// ===== 额度桶预约 =====

func (s *MemoryStore) QuotaCandidates(ctx context.Context, class types.AccountClass, rateClass string, tier types.EffortTier, now time.Time, limit int) ([]*types.ReservationCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.ReservationCandidate
	for token, a := range s.accounts {
		if !accountEligible(a, class, now) {
			continue
		}
		row, ok := s.quota[bucketKey{token, rateClass}]
		if !ok || !row.state.Success {
			continue
		}
		capacity, known := bucketCapacity(&row.state.Snapshot, tier)
		if !known {
			continue
		}
		active := activeInflight(row.inflightUnits, row.inflightUpdatedAt, now)
		effective := capacity - active
		if effective <= 0 {
			continue
		}
		out = append(out, &types.ReservationCandidate{
			Token:          token,
			Class:          a.Class,
			CreatedAt:      a.CreatedAt,
			Capacity:       capacity,
			ActiveInflight: active,
			Effective:      effective,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Effective != out[j].Effective {
			return out[i].Effective > out[j].Effective
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) TryReserveQuota(ctx context.Context, token, rateClass string, units int, tier types.EffortTier, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[token]
	if !ok || a.Status != types.AccountStatusActive {
		return false, nil
	}
	if a.CooldownUntil != nil && a.CooldownUntil.After(now) {
		return false, nil
	}
	row, ok := s.quota[bucketKey{token, rateClass}]
	if !ok || !row.state.Success {
		return false, nil
	}
	capacity, known := bucketCapacity(&row.state.Snapshot, tier)
	if !known {
		return false, nil
	}
	active := activeInflight(row.inflightUnits, row.inflightUpdatedAt, now)
	if capacity-active < units {
		return false, nil
	}
	row.inflightUnits = active + units
	row.inflightUpdatedAt = now
	return true, nil
}

func (s *MemoryStore) ReleaseQuota(ctx context.Context, token, rateClass string, units int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.quota[bucketKey{token, rateClass}]
	if !ok {
		return nil
	}
	active := activeInflight(row.inflightUnits, row.inflightUpdatedAt, now)
	remaining := active - units
	if remaining < 0 {
		remaining = 0
	}
	row.inflightUnits = remaining
	row.inflightUpdatedAt = now
	return nil
}

func (s *MemoryStore) ClearQuotaInflight(ctx context.Context, token, rateClass string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.quota[bucketKey{token, rateClass}]; ok {
		row.inflightUnits = 0
	}
	return nil
}

// ===== 旧版标量预约 =====

func (s *MemoryStore) LegacyCandidates(ctx context.Context, class types.AccountClass, cost types.ReservationCost, now time.Time, limit int) ([]*types.ReservationCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cost = cost.Normalize()
	var out []*types.ReservationCandidate
	for token, a := range s.accounts {
		if !accountEligible(a, class, now) {
			continue
		}
		if !legacyEligible(a, cost, now) {
			continue
		}
		capacity := a.RemainingQueries
		active := activeInflight(a.InflightChat, a.InflightUpdatedAt, now)
		effective := -1
		if capacity >= 0 {
			effective = capacity - active
		}
		out = append(out, &types.ReservationCandidate{
			Token:          token,
			Class:          a.Class,
			CreatedAt:      a.CreatedAt,
			Capacity:       capacity,
			ActiveInflight: active,
			Effective:      effective,
		})
	}

	// 未知容量（-1）排在已知容量之后，同档按创建时间
	sort.Slice(out, func(i, j int) bool {
		if (out[i].Effective < 0) != (out[j].Effective < 0) {
			return out[j].Effective < 0
		}
		if out[i].Effective != out[j].Effective {
			return out[i].Effective > out[j].Effective
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// legacyEligible 旧版标量维度的准入检查（锁内使用）
func legacyEligible(a *types.Account, cost types.ReservationCost, now time.Time) bool {
	if cost.Chat > 0 {
		if a.RemainingQueries == 0 {
			return false
		}
		if a.RemainingQueries > 0 {
			active := activeInflight(a.InflightChat, a.InflightUpdatedAt, now)
			if a.RemainingQueries-active < cost.Chat {
				return false
			}
		}
	}
	if cost.Heavy > 0 {
		if a.HeavyRemainingQueries == 0 {
			return false
		}
		if a.HeavyRemainingQueries > 0 {
			active := activeInflight(a.InflightHeavy, a.InflightUpdatedAt, now)
			if a.HeavyRemainingQueries-active < cost.Heavy {
				return false
			}
		}
	}
	return true
}

func (s *MemoryStore) TryReserveLegacy(ctx context.Context, token string, cost types.ReservationCost, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[token]
	if !ok || a.Status != types.AccountStatusActive {
		return false, nil
	}
	if a.CooldownUntil != nil && a.CooldownUntil.After(now) {
		return false, nil
	}
	cost = cost.Normalize()
	if cost.IsZero() {
		return false, nil
	}
	if !legacyEligible(a, cost, now) {
		return false, nil
	}

	a.InflightChat = activeInflight(a.InflightChat, a.InflightUpdatedAt, now) + cost.Chat
	a.InflightHeavy = activeInflight(a.InflightHeavy, a.InflightUpdatedAt, now) + cost.Heavy
	a.InflightUpdatedAt = now
	return true, nil
}

func (s *MemoryStore) ReleaseLegacy(ctx context.Context, token string, cost types.ReservationCost, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[token]
	if !ok {
		return nil
	}
	cost = cost.Normalize()
	a.InflightChat = maxInt(0, activeInflight(a.InflightChat, a.InflightUpdatedAt, now)-cost.Chat)
	a.InflightHeavy = maxInt(0, activeInflight(a.InflightHeavy, a.InflightUpdatedAt, now)-cost.Heavy)
	a.InflightUpdatedAt = now
	return nil
}

func (s *MemoryStore) ClearLegacyInflight(ctx context.Context, token string) error {
	return s.updateAccount(token, func(a *types.Account) {
		a.InflightChat = 0
		a.InflightHeavy = 0
	})
}

// ===== 额度状态 =====

func (s *MemoryStore) SaveQuotaState(ctx context.Context, state *types.QuotaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey{state.Token, state.RateClass}
	row, ok := s.quota[key]
	if !ok {
		row = &quotaRow{}
		s.quota[key] = row
	}
	row.state = *state
	// 成功快照是权威数据，清零瞬态计数
	if state.Success {
		row.inflightUnits = 0
	}
	s.audit = append(s.audit, auditRow{state: *state, recordedAt: state.RefreshedAt})
	return nil
}

func (s *MemoryStore) GetBuckets(ctx context.Context, token string, now time.Time) ([]*types.QuotaBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.QuotaBucket
	for key, row := range s.quota {
		if key.token != token {
			continue
		}
		out = append(out, bucketView(&row.state, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RateClass < out[j].RateClass })
	return out, nil
}

// bucketView 状态行转读取视图
func bucketView(state *types.QuotaState, now time.Time) *types.QuotaBucket {
	refreshedAt := state.RefreshedAt
	b := &types.QuotaBucket{
		RateClass:         state.RateClass,
		WindowSizeSeconds: state.Snapshot.WindowSizeSeconds,
		RefreshedAt:       &refreshedAt,
		Stale:             now.Sub(state.RefreshedAt) > StaleThreshold,
		Source:            state.Source,
	}
	if state.Success {
		b.RemainingQueries = state.Snapshot.RemainingQueries
		b.TotalQueries = state.Snapshot.TotalQueries
		b.RemainingTokens = state.Snapshot.RemainingTokens
		b.TotalTokens = state.Snapshot.TotalTokens
		b.LowEffortCost = state.Snapshot.LowEffortCost
		b.HighEffortCost = state.Snapshot.HighEffortCost
	} else {
		b.Error = state.LastError
		if b.Error == "" {
			b.Error = "刷新失败"
		}
	}
	return b
}

func (s *MemoryStore) UnknownBucketAccounts(ctx context.Context, class types.AccountClass, rateClass string, now time.Time, limit int) ([]*types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Account
	for token, a := range s.accounts {
		if !accountEligible(a, class, now) {
			continue
		}
		row, ok := s.quota[bucketKey{token, rateClass}]
		if ok && row.state.Success && row.state.Snapshot.Usable() {
			continue
		}
		copied := *a
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Token < out[j].Token
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ===== 窗口锁 =====

func (s *MemoryStore) TryAcquireProbeWindow(ctx context.Context, token, rateClass string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tryAcquireWindow(s.probeWindows, bucketKey{token, rateClass}, now, ProbeWindow), nil
}

func (s *MemoryStore) TryAcquireRefreshWindow(ctx context.Context, token, rateClass string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tryAcquireWindow(s.refreshWindows, bucketKey{token, rateClass}, now, RefreshWindow), nil
}

// tryAcquireWindow 条件占用窗口（锁内使用）
func tryAcquireWindow(windows map[bucketKey]time.Time, key bucketKey, now time.Time, window time.Duration) bool {
	if last, ok := windows[key]; ok && now.Sub(last) <= window {
		return false
	}
	windows[key] = now
	return true
}

// ===== 刷新进度 =====

func (s *MemoryStore) GetRefreshProgress(ctx context.Context) (*types.RefreshProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := s.progress
	return &copied, nil
}

func (s *MemoryStore) SetRefreshProgress(ctx context.Context, progress *types.RefreshProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = *progress
	return nil
}

// ===== 请求日志 =====

func (s *MemoryStore) AppendRequestLog(ctx context.Context, log *types.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *log
	s.logs = append(s.logs, &copied)
	if len(s.logs) > memoryLogCap {
		s.logs = s.logs[len(s.logs)-memoryLogCap:]
	}
	return nil
}

func (s *MemoryStore) ListRequestLogs(ctx context.Context, limit int) ([]*types.RequestLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.logs)
	if limit <= 0 || limit > n {
		limit = n
	}
	// 最新的在前
	out := make([]*types.RequestLog, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		copied := *s.logs[i]
		out = append(out, &copied)
	}
	return out, nil
}

// ===== 维护 =====

func (s *MemoryStore) CleanupArtifacts(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.audit[:0]
	for _, row := range s.audit {
		if now.Sub(row.recordedAt) <= AuditRetention {
			kept = append(kept, row)
		}
	}
	s.audit = kept

	for key, last := range s.probeWindows {
		if now.Sub(last) > WindowRetention {
			delete(s.probeWindows, key)
		}
	}
	for key, last := range s.refreshWindows {
		if now.Sub(last) > WindowRetention {
			delete(s.refreshWindows, key)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
