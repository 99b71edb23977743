package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/iBreaker/grok-gateway/pkg/types"
)

func intPtr(n int) *int { return &n }

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore()
}

func addAccount(t *testing.T, s *MemoryStore, token string, class types.AccountClass) {
	t.Helper()
	err := s.CreateAccount(context.Background(), &types.Account{
		Token:                 token,
		Class:                 class,
		CreatedAt:             time.Now(),
		RemainingQueries:      -1,
		HeavyRemainingQueries: -1,
		Status:                types.AccountStatusActive,
	})
	if err != nil {
		t.Fatalf("创建账号失败: %v", err)
	}
}

func saveBucket(t *testing.T, s *MemoryStore, token, rateClass string, remaining int, now time.Time) {
	t.Helper()
	err := s.SaveQuotaState(context.Background(), &types.QuotaState{
		Token:     token,
		RateClass: rateClass,
		Snapshot: types.QuotaSnapshot{
			RemainingQueries: intPtr(remaining),
			MetricKind:       types.MetricQueries,
		},
		Source:      types.SourceManualRefresh,
		RefreshedAt: now,
		Success:     true,
	})
	if err != nil {
		t.Fatalf("写入额度状态失败: %v", err)
	}
}

func TestTryReserveQuotaNoOversubscription(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	addAccount(t, s, "token-a", types.AccountClassBasic)
	saveBucket(t, s, "token-a", "grok-4", 3, now)

	// 并发10次预约容量为3的桶，成功数必须恰好是3
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryReserveQuota(ctx, "token-a", "grok-4", 1, types.EffortLow, now)
			if err != nil {
				t.Errorf("TryReserveQuota error = %v", err)
				return
			}
			if ok {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 {
		t.Errorf("成功预约数 = %d, 期望 3", succeeded)
	}
}

func TestReserveScenarioThreeRequests(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	addAccount(t, s, "token-a", types.AccountClassBasic)
	saveBucket(t, s, "token-a", "grok-4", 2, now)

	for i, want := range []bool{true, true, false} {
		ok, err := s.TryReserveQuota(ctx, "token-a", "grok-4", 1, types.EffortLow, now)
		if err != nil {
			t.Fatalf("第%d次预约 error = %v", i+1, err)
		}
		if ok != want {
			t.Errorf("第%d次预约 = %v, 期望 %v", i+1, ok, want)
		}
	}

	// 释放一个后应恢复一个容量
	if err := s.ReleaseQuota(ctx, "token-a", "grok-4", 1, now); err != nil {
		t.Fatalf("ReleaseQuota error = %v", err)
	}
	ok, err := s.TryReserveQuota(ctx, "token-a", "grok-4", 1, types.EffortLow, now)
	if err != nil || !ok {
		t.Errorf("释放后预约 = %v, %v, 期望成功", ok, err)
	}
}

func TestInflightTTLDecay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	addAccount(t, s, "token-a", types.AccountClassBasic)
	saveBucket(t, s, "token-a", "grok-4", 1, now)

	ok, _ := s.TryReserveQuota(ctx, "token-a", "grok-4", 1, types.EffortLow, now)
	if !ok {
		t.Fatal("首次预约应成功")
	}

	// TTL内容量耗尽
	ok, _ = s.TryReserveQuota(ctx, "token-a", "grok-4", 1, types.EffortLow, now.Add(InflightTTL))
	if ok {
		t.Error("TTL内不应再有容量")
	}

	// 超过TTL后泄漏的预约蒸发
	ok, _ = s.TryReserveQuota(ctx, "token-a", "grok-4", 1, types.EffortLow, now.Add(InflightTTL+time.Second))
	if !ok {
		t.Error("超过TTL后应恢复容量")
	}
}

func TestReleaseNeverNegative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	addAccount(t, s, "token-a", types.AccountClassBasic)
	saveBucket(t, s, "token-a", "grok-4", 2, now)

	// 未预约就释放，再重复释放
	for i := 0; i < 3; i++ {
		if err := s.ReleaseQuota(ctx, "token-a", "grok-4", 1, now); err != nil {
			t.Fatalf("ReleaseQuota error = %v", err)
		}
	}

	// 容量仍然是2，不会因为负计数膨胀
	candidates, err := s.QuotaCandidates(ctx, types.AccountClassBasic, "grok-4", types.EffortLow, now, 10)
	if err != nil {
		t.Fatalf("QuotaCandidates error = %v", err)
	}
	if len(candidates) != 1 || candidates[0].Effective != 2 {
		t.Errorf("候选 = %+v, 期望生效容量 2", candidates)
	}
}

func TestTokenBudgetCapacity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	addAccount(t, s, "token-a", types.AccountClassBasic)
	err := s.SaveQuotaState(ctx, &types.QuotaState{
		Token:     "token-a",
		RateClass: "grok-4",
		Snapshot: types.QuotaSnapshot{
			RemainingTokens: intPtr(250),
			LowEffortCost:   intPtr(100),
			HighEffortCost:  intPtr(250),
			MetricKind:      types.MetricTokens,
		},
		Source:      types.SourceManualRefresh,
		RefreshedAt: now,
		Success:     true,
	})
	if err != nil {
		t.Fatalf("SaveQuotaState error = %v", err)
	}

	// 低档: floor(250/100) = 2
	low, err := s.QuotaCandidates(ctx, types.AccountClassBasic, "grok-4", types.EffortLow, now, 10)
	if err != nil || len(low) != 1 || low[0].Capacity != 2 {
		t.Errorf("低档容量 = %+v, %v, 期望 2", low, err)
	}

	// 高档: floor(250/250) = 1
	high, err := s.QuotaCandidates(ctx, types.AccountClassBasic, "grok-4", types.EffortHigh, now, 10)
	if err != nil || len(high) != 1 || high[0].Capacity != 1 {
		t.Errorf("高档容量 = %+v, %v, 期望 1", high, err)
	}
}

func TestFailedSnapshotMakesBucketUnusable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	addAccount(t, s, "token-a", types.AccountClassBasic)
	saveBucket(t, s, "token-a", "grok-4", 5, now)

	// 失败快照覆盖后桶不可用
	err := s.SaveQuotaState(ctx, &types.QuotaState{
		Token:       "token-a",
		RateClass:   "grok-4",
		Snapshot:    types.QuotaSnapshot{MetricKind: types.MetricUnknown},
		Source:      types.SourceAutoRefresh,
		RefreshedAt: now.Add(time.Second),
		Success:     false,
		LastError:   "上游超时",
	})
	if err != nil {
		t.Fatalf("SaveQuotaState error = %v", err)
	}

	candidates, _ := s.QuotaCandidates(ctx, types.AccountClassBasic, "grok-4", types.EffortLow, now.Add(2*time.Second), 10)
	if len(candidates) != 0 {
		t.Errorf("失败快照后候选 = %d, 期望 0", len(candidates))
	}

	buckets, _ := s.GetBuckets(ctx, "token-a", now.Add(2*time.Second))
	if len(buckets) != 1 || buckets[0].Error == "" {
		t.Errorf("失败快照的桶应带错误信息: %+v", buckets)
	}
}

func TestSuccessSnapshotClearsInflight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	addAccount(t, s, "token-a", types.AccountClassBasic)
	saveBucket(t, s, "token-a", "grok-4", 2, now)

	ok, _ := s.TryReserveQuota(ctx, "token-a", "grok-4", 2, types.EffortLow, now)
	if !ok {
		t.Fatal("预约应成功")
	}

	// 成功刷新是权威数据，覆盖瞬态计数
	saveBucket(t, s, "token-a", "grok-4", 2, now.Add(time.Second))

	candidates, _ := s.QuotaCandidates(ctx, types.AccountClassBasic, "grok-4", types.EffortLow, now.Add(2*time.Second), 10)
	if len(candidates) != 1 || candidates[0].Effective != 2 {
		t.Errorf("刷新后候选 = %+v, 期望生效容量 2", candidates)
	}
}

func TestCooldownExcludesAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	addAccount(t, s, "token-a", types.AccountClassBasic)
	saveBucket(t, s, "token-a", "grok-4", 5, now)

	until := now.Add(time.Hour)
	if err := s.ApplyCooldown(ctx, "token-a", until); err != nil {
		t.Fatalf("ApplyCooldown error = %v", err)
	}

	// 冷却只延长不缩短
	if err := s.ApplyCooldown(ctx, "token-a", now.Add(time.Minute)); err != nil {
		t.Fatalf("ApplyCooldown error = %v", err)
	}
	a, _ := s.GetAccount(ctx, "token-a")
	if a.CooldownUntil == nil || !a.CooldownUntil.Equal(until) {
		t.Errorf("CooldownUntil = %v, 期望保持 %v", a.CooldownUntil, until)
	}

	candidates, _ := s.QuotaCandidates(ctx, types.AccountClassBasic, "grok-4", types.EffortLow, now, 10)
	if len(candidates) != 0 {
		t.Error("冷却期内不应出现在候选中")
	}

	ok, _ := s.TryReserveQuota(ctx, "token-a", "grok-4", 1, types.EffortLow, now)
	if ok {
		t.Error("冷却期内预约应失败")
	}

	// 冷却结束后恢复
	candidates, _ = s.QuotaCandidates(ctx, types.AccountClassBasic, "grok-4", types.EffortLow, until.Add(time.Second), 10)
	if len(candidates) != 1 {
		t.Error("冷却结束后应恢复候选")
	}
}

func TestRecordFailureExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	addAccount(t, s, "token-a", types.AccountClassBasic)

	for i := 1; i <= 3; i++ {
		count, expired, err := s.RecordFailure(ctx, "token-a", "上游401", 401, now, 3)
		if err != nil {
			t.Fatalf("RecordFailure error = %v", err)
		}
		if count != i {
			t.Errorf("失败计数 = %d, 期望 %d", count, i)
		}
		wantExpired := i == 3
		if expired != wantExpired {
			t.Errorf("第%d次失败 expired = %v, 期望 %v", i, expired, wantExpired)
		}
	}

	a, _ := s.GetAccount(ctx, "token-a")
	if a.Status != types.AccountStatusExpired {
		t.Errorf("状态 = %s, 期望 expired", a.Status)
	}

	// 复活
	if err := s.Reactivate(ctx, "token-a"); err != nil {
		t.Fatalf("Reactivate error = %v", err)
	}
	a, _ = s.GetAccount(ctx, "token-a")
	if a.Status != types.AccountStatusActive || a.FailedCount != 0 {
		t.Errorf("复活后状态 = %s/%d, 期望 active/0", a.Status, a.FailedCount)
	}
}

func TestRecordFailureNonClientErrorNoExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	addAccount(t, s, "token-a", types.AccountClassBasic)

	for i := 0; i < 5; i++ {
		_, expired, err := s.RecordFailure(ctx, "token-a", "上游503", 503, now, 3)
		if err != nil {
			t.Fatalf("RecordFailure error = %v", err)
		}
		if expired {
			t.Fatalf("第%d次5xx失败不应标记expired", i+1)
		}
	}

	a, _ := s.GetAccount(ctx, "token-a")
	if a.Status != types.AccountStatusActive || a.FailedCount != 5 {
		t.Errorf("状态/计数 = %s/%d, 期望 active/5", a.Status, a.FailedCount)
	}
}

func TestFailureThresholdExcludesCandidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	addAccount(t, s, "token-a", types.AccountClassBasic)
	saveBucket(t, s, "token-a", "grok-4", 5, now)
	addAccount(t, s, "token-unknown", types.AccountClassBasic)

	// 非4xx失败累计到阈值：账号仍是active，但退出所有选择路径
	for _, token := range []string{"token-a", "token-unknown"} {
		for i := 0; i < MaxFailures; i++ {
			if _, _, err := s.RecordFailure(ctx, token, "上游503", 503, now, MaxFailures); err != nil {
				t.Fatalf("RecordFailure error = %v", err)
			}
		}
	}
	a, _ := s.GetAccount(ctx, "token-a")
	if a.Status != types.AccountStatusActive {
		t.Fatalf("状态 = %s, 期望 active", a.Status)
	}

	quota, _ := s.QuotaCandidates(ctx, types.AccountClassBasic, "grok-4", types.EffortLow, now, 10)
	if len(quota) != 0 {
		t.Errorf("额度候选 = %d, 期望 0", len(quota))
	}
	legacy, _ := s.LegacyCandidates(ctx, types.AccountClassBasic, types.ReservationCost{Chat: 1}, now, 10)
	if len(legacy) != 0 {
		t.Errorf("旧版候选 = %d, 期望 0", len(legacy))
	}
	unknown, _ := s.UnknownBucketAccounts(ctx, types.AccountClassBasic, "grok-4", now, 10)
	if len(unknown) != 0 {
		t.Errorf("未知额度候选 = %d, 期望 0", len(unknown))
	}

	// 复活清零计数后恢复参与
	if err := s.Reactivate(ctx, "token-a"); err != nil {
		t.Fatal(err)
	}
	quota, _ = s.QuotaCandidates(ctx, types.AccountClassBasic, "grok-4", types.EffortLow, now, 10)
	if len(quota) != 1 {
		t.Errorf("复活后额度候选 = %d, 期望 1", len(quota))
	}
}

func TestLegacyReserve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	addAccount(t, s, "token-a", types.AccountClassBasic)

	// 未知额度（-1）可预约
	ok, err := s.TryReserveLegacy(ctx, "token-a", types.ReservationCost{Chat: 1}, now)
	if err != nil || !ok {
		t.Fatalf("未知额度预约 = %v, %v, 期望成功", ok, err)
	}

	// 已确认耗尽（0）不可预约
	if err := s.MirrorLegacyQuota(ctx, "token-a", 0, false); err != nil {
		t.Fatalf("MirrorLegacyQuota error = %v", err)
	}
	ok, _ = s.TryReserveLegacy(ctx, "token-a", types.ReservationCost{Chat: 1}, now)
	if ok {
		t.Error("耗尽账号预约应失败")
	}

	// 已知额度按生效容量预约
	if err := s.MirrorLegacyQuota(ctx, "token-a", 2, false); err != nil {
		t.Fatalf("MirrorLegacyQuota error = %v", err)
	}
	if err := s.ClearLegacyInflight(ctx, "token-a"); err != nil {
		t.Fatalf("ClearLegacyInflight error = %v", err)
	}
	for i, want := range []bool{true, true, false} {
		ok, _ := s.TryReserveLegacy(ctx, "token-a", types.ReservationCost{Chat: 1}, now)
		if ok != want {
			t.Errorf("第%d次旧版预约 = %v, 期望 %v", i+1, ok, want)
		}
	}
}

func TestLegacyHeavyDimension(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	addAccount(t, s, "token-a", types.AccountClassElevated)
	if err := s.MirrorLegacyQuota(ctx, "token-a", 5, false); err != nil {
		t.Fatal(err)
	}
	if err := s.MirrorLegacyQuota(ctx, "token-a", 1, true); err != nil {
		t.Fatal(err)
	}

	cost := types.ReservationCost{Chat: 1, Heavy: 1}
	ok, _ := s.TryReserveLegacy(ctx, "token-a", cost, now)
	if !ok {
		t.Fatal("heavy预约应成功")
	}
	ok, _ = s.TryReserveLegacy(ctx, "token-a", cost, now)
	if ok {
		t.Error("heavy容量耗尽后预约应失败")
	}

	if err := s.ReleaseLegacy(ctx, "token-a", cost, now); err != nil {
		t.Fatalf("ReleaseLegacy error = %v", err)
	}
	ok, _ = s.TryReserveLegacy(ctx, "token-a", cost, now)
	if !ok {
		t.Error("释放后heavy预约应恢复")
	}
}

func TestWindowLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	ok, err := s.TryAcquireProbeWindow(ctx, "token-a", "grok-4", now)
	if err != nil || !ok {
		t.Fatalf("首次占用探测窗口 = %v, %v", ok, err)
	}
	ok, _ = s.TryAcquireProbeWindow(ctx, "token-a", "grok-4", now.Add(time.Second))
	if ok {
		t.Error("窗口内重复占用应失败")
	}
	ok, _ = s.TryAcquireProbeWindow(ctx, "token-a", "grok-4", now.Add(ProbeWindow+time.Second))
	if !ok {
		t.Error("窗口过期后应可重新占用")
	}

	// 不同桶互不影响
	ok, _ = s.TryAcquireRefreshWindow(ctx, "token-a", "grok-4", now)
	if !ok {
		t.Error("刷新窗口与探测窗口独立")
	}
	ok, _ = s.TryAcquireRefreshWindow(ctx, "token-a", "grok-3", now)
	if !ok {
		t.Error("不同rate-class窗口独立")
	}
}

func TestComputeDisplayStatus(t *testing.T) {
	now := time.Now()
	cooldown := now.Add(time.Hour)

	tests := []struct {
		name    string
		account types.Account
		buckets []*types.QuotaBucket
		want    types.DisplayStatus
	}{
		{
			name:    "过期账号invalid",
			account: types.Account{Status: types.AccountStatusExpired, RemainingQueries: 5},
			want:    types.DisplayInvalid,
		},
		{
			name:    "冷却期cooling",
			account: types.Account{Status: types.AccountStatusActive, CooldownUntil: &cooldown, RemainingQueries: 5},
			want:    types.DisplayCooling,
		},
		{
			name:    "已知正额度active",
			account: types.Account{Status: types.AccountStatusActive, RemainingQueries: -1},
			buckets: []*types.QuotaBucket{{RateClass: "grok-4", RemainingQueries: intPtr(3)}},
			want:    types.DisplayActive,
		},
		{
			name:    "全部已知为0则exhausted",
			account: types.Account{Status: types.AccountStatusActive, RemainingQueries: 0},
			buckets: []*types.QuotaBucket{{RateClass: "grok-4", RemainingQueries: intPtr(0)}},
			want:    types.DisplayExhausted,
		},
		{
			name:    "全部未知unknown",
			account: types.Account{Status: types.AccountStatusActive, RemainingQueries: -1},
			want:    types.DisplayUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeDisplayStatus(&tt.account, tt.buckets, now)
			if got != tt.want {
				t.Errorf("ComputeDisplayStatus() = %s, 期望 %s", got, tt.want)
			}
		})
	}
}

func TestCleanupArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	addAccount(t, s, "token-a", types.AccountClassBasic)
	saveBucket(t, s, "token-a", "grok-4", 5, now.Add(-8*24*time.Hour))
	saveBucket(t, s, "token-a", "grok-4", 5, now)
	if _, err := s.TryAcquireProbeWindow(ctx, "token-a", "grok-4", now.Add(-25*time.Hour)); err != nil {
		t.Fatal(err)
	}

	if err := s.CleanupArtifacts(ctx, now); err != nil {
		t.Fatalf("CleanupArtifacts error = %v", err)
	}

	if len(s.audit) != 1 {
		t.Errorf("审计记录数 = %d, 期望 1", len(s.audit))
	}
	if len(s.probeWindows) != 0 {
		t.Errorf("过期窗口行数 = %d, 期望 0", len(s.probeWindows))
	}
}
