package quota

import (
	"testing"

	"github.com/iBreaker/grok-gateway/pkg/types"
)

func TestParseSnapshot(t *testing.T) {
	tests := []struct {
		name          string
		raw           string
		wantKind      types.QuotaMetricKind
		wantQueries   *int
		wantTokens    *int
		wantLowCost   *int
		wantUsable    bool
	}{
		{
			name:        "纯查询数口径",
			raw:         `{"remainingQueries": 18, "totalQueries": 20, "windowSizeSeconds": 7200}`,
			wantKind:    types.MetricQueries,
			wantQueries: intPtr(18),
			wantUsable:  true,
		},
		{
			name:        "纯token预算口径",
			raw:         `{"remainingTokens": 120000, "totalTokens": 128000, "lowEffortRateLimits": {"cost": 4000}, "highEffortRateLimits": {"cost": 16000}}`,
			wantKind:    types.MetricTokens,
			wantTokens:  intPtr(120000),
			wantLowCost: intPtr(4000),
			wantUsable:  true,
		},
		{
			name:        "混合口径",
			raw:         `{"remainingQueries": 5, "remainingTokens": 50000, "lowEffortRateLimits": {"cost": 1000}}`,
			wantKind:    types.MetricMixed,
			wantQueries: intPtr(5),
			wantTokens:  intPtr(50000),
			wantLowCost: intPtr(1000),
			wantUsable:  true,
		},
		{
			name:        "低档限额里的查询数兜底",
			raw:         `{"lowEffortRateLimits": {"cost": 1, "remainingQueries": 7, "totalQueries": 10}}`,
			wantKind:    types.MetricQueries,
			wantQueries: intPtr(7),
			wantLowCost: intPtr(1),
			wantUsable:  true,
		},
		{
			name:       "无可用指标",
			raw:        `{"windowSizeSeconds": 3600}`,
			wantKind:   types.MetricUnknown,
			wantUsable: false,
		},
		{
			name:        "耗尽也是已知",
			raw:         `{"remainingQueries": 0, "totalQueries": 20}`,
			wantKind:    types.MetricQueries,
			wantQueries: intPtr(0),
			wantUsable:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := ParseSnapshot([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseSnapshot() error = %v", err)
			}
			if snap.MetricKind != tt.wantKind {
				t.Errorf("MetricKind = %s, 期望 %s", snap.MetricKind, tt.wantKind)
			}
			if !eqIntPtr(snap.RemainingQueries, tt.wantQueries) {
				t.Errorf("RemainingQueries = %v, 期望 %v", snap.RemainingQueries, tt.wantQueries)
			}
			if !eqIntPtr(snap.RemainingTokens, tt.wantTokens) {
				t.Errorf("RemainingTokens = %v, 期望 %v", snap.RemainingTokens, tt.wantTokens)
			}
			if !eqIntPtr(snap.LowEffortCost, tt.wantLowCost) {
				t.Errorf("LowEffortCost = %v, 期望 %v", snap.LowEffortCost, tt.wantLowCost)
			}
			if snap.Usable() != tt.wantUsable {
				t.Errorf("Usable() = %v, 期望 %v", snap.Usable(), tt.wantUsable)
			}
		})
	}
}

func TestParseSnapshotInvalidJSON(t *testing.T) {
	if _, err := ParseSnapshot([]byte("not json")); err == nil {
		t.Error("非法JSON应报错")
	}
}

func TestEstimateQueries(t *testing.T) {
	tests := []struct {
		name string
		snap types.QuotaSnapshot
		tier types.EffortTier
		want *int
	}{
		{
			name: "查询数口径直接返回",
			snap: types.QuotaSnapshot{RemainingQueries: intPtr(9), RemainingTokens: intPtr(100)},
			tier: types.EffortLow,
			want: intPtr(9),
		},
		{
			name: "token预算低档折算",
			snap: types.QuotaSnapshot{RemainingTokens: intPtr(10500), LowEffortCost: intPtr(1000)},
			tier: types.EffortLow,
			want: intPtr(10),
		},
		{
			name: "token预算高档折算",
			snap: types.QuotaSnapshot{RemainingTokens: intPtr(10500), LowEffortCost: intPtr(1000), HighEffortCost: intPtr(4000)},
			tier: types.EffortHigh,
			want: intPtr(2),
		},
		{
			name: "缺成本时按1折算",
			snap: types.QuotaSnapshot{RemainingTokens: intPtr(3)},
			tier: types.EffortLow,
			want: intPtr(3),
		},
		{
			name: "成本为0视为1",
			snap: types.QuotaSnapshot{RemainingTokens: intPtr(3), LowEffortCost: intPtr(0)},
			tier: types.EffortLow,
			want: intPtr(3),
		},
		{
			name: "无指标返回nil",
			snap: types.QuotaSnapshot{},
			tier: types.EffortLow,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateQueries(&tt.snap, tt.tier)
			if !eqIntPtr(got, tt.want) {
				t.Errorf("EstimateQueries() = %v, 期望 %v", got, tt.want)
			}
		})
	}
}

func intPtr(n int) *int { return &n }

func eqIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
