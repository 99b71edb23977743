package quota

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iBreaker/grok-gateway/internal/config"
	"github.com/iBreaker/grok-gateway/internal/models"
	"github.com/iBreaker/grok-gateway/internal/store"
	"github.com/iBreaker/grok-gateway/pkg/types"
)

// mockFetcher 可编程的上游额度查询mock
type mockFetcher struct {
	mu       sync.Mutex
	payload  []byte
	err      error
	calls    int
	lastArgs struct {
		token string
		model string
	}
}

func (m *mockFetcher) FetchRateLimits(ctx context.Context, token string, grok *types.GrokConfig, requestModel string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastArgs.token = token
	m.lastArgs.model = requestModel
	return m.payload, m.err
}

func (m *mockFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestRefresher(t *testing.T, fetcher *mockFetcher) (*Refresher, *store.MemoryStore) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s := store.NewMemoryStore()
	mgr := config.NewConfigManager(filepath.Join(t.TempDir(), "config.yaml"))
	if _, err := mgr.Load(); err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	return NewRefresher(s, fetcher, mgr, logger), s
}

func addAccount(t *testing.T, s *store.MemoryStore, token string, class types.AccountClass) {
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

func TestRefreshSuccessPersistsAndMirrors(t *testing.T) {
	fetcher := &mockFetcher{payload: []byte(`{"remainingQueries": 12, "totalQueries": 20}`)}
	r, s := newTestRefresher(t, fetcher)
	ctx := context.Background()
	model := models.Get("grok-4")

	addAccount(t, s, "token-a", types.AccountClassBasic)

	state, err := r.Refresh(ctx, "token-a", model, types.SourceManualRefresh)
	if err != nil {
		t.Fatalf("Refresh error = %v", err)
	}
	if !state.Success {
		t.Fatalf("state.Success = false, LastError = %s", state.LastError)
	}

	buckets, _ := s.GetBuckets(ctx, "token-a", time.Now())
	if len(buckets) != 1 || !buckets[0].Known() {
		t.Errorf("桶 = %+v, 期望一个可用桶", buckets)
	}

	// 旧版标量镜像
	a, _ := s.GetAccount(ctx, "token-a")
	if a.RemainingQueries != 12 {
		t.Errorf("旧版镜像 = %d, 期望 12", a.RemainingQueries)
	}
}

func TestRefreshFailurePersistsUnusableBucket(t *testing.T) {
	fetcher := &mockFetcher{err: errors.New("上游503")}
	r, s := newTestRefresher(t, fetcher)
	ctx := context.Background()
	model := models.Get("grok-4")

	addAccount(t, s, "token-a", types.AccountClassBasic)

	state, err := r.Refresh(ctx, "token-a", model, types.SourceAutoRefresh)
	if err != nil {
		t.Fatalf("Refresh error = %v", err)
	}
	if state.Success {
		t.Fatal("失败刷新不应标记成功")
	}

	// 失败同样落库，桶读出来带错误
	buckets, _ := s.GetBuckets(ctx, "token-a", time.Now())
	if len(buckets) != 1 || buckets[0].Known() || buckets[0].Error == "" {
		t.Errorf("桶 = %+v, 期望不可用且带错误", buckets)
	}

	// 失败刷新覆盖之前的成功快照后，预约候选消失
	candidates, _ := s.QuotaCandidates(ctx, types.AccountClassBasic, model.RateClass, types.EffortLow, time.Now(), 10)
	if len(candidates) != 0 {
		t.Errorf("候选 = %d, 期望 0", len(candidates))
	}
}

func TestRefreshPayloadWithoutMetrics(t *testing.T) {
	fetcher := &mockFetcher{payload: []byte(`{"windowSizeSeconds": 3600}`)}
	r, s := newTestRefresher(t, fetcher)
	ctx := context.Background()

	addAccount(t, s, "token-a", types.AccountClassBasic)

	state, err := r.Refresh(ctx, "token-a", models.Get("grok-4"), types.SourceProbe)
	if err != nil {
		t.Fatalf("Refresh error = %v", err)
	}
	if state.Success {
		t.Error("缺少可用指标的载荷不应标记成功")
	}
	if state.LastError == "" {
		t.Error("应记录失败原因")
	}
	_ = s
}

func TestHeavyMirrorOnlyForElevated(t *testing.T) {
	fetcher := &mockFetcher{payload: []byte(`{"remainingQueries": 3}`)}
	r, s := newTestRefresher(t, fetcher)
	ctx := context.Background()
	model := models.Get("grok-4-heavy")

	addAccount(t, s, "token-basic", types.AccountClassBasic)
	addAccount(t, s, "token-super", types.AccountClassElevated)

	if _, err := r.Refresh(ctx, "token-basic", model, types.SourceManualRefresh); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Refresh(ctx, "token-super", model, types.SourceManualRefresh); err != nil {
		t.Fatal(err)
	}

	basic, _ := s.GetAccount(ctx, "token-basic")
	if basic.HeavyRemainingQueries != -1 {
		t.Errorf("basic账号heavy镜像 = %d, 期望保持 -1", basic.HeavyRemainingQueries)
	}
	super, _ := s.GetAccount(ctx, "token-super")
	if super.HeavyRemainingQueries != 3 {
		t.Errorf("elevated账号heavy镜像 = %d, 期望 3", super.HeavyRemainingQueries)
	}
}

func TestProbeUnknownDedup(t *testing.T) {
	fetcher := &mockFetcher{payload: []byte(`{"remainingQueries": 5}`)}
	r, s := newTestRefresher(t, fetcher)
	ctx := context.Background()
	model := models.Get("grok-4")

	addAccount(t, s, "token-a", types.AccountClassBasic)

	if !r.ProbeUnknown(ctx, model) {
		t.Fatal("首次探测应探出可用额度")
	}
	calls := fetcher.callCount()
	if calls != 1 {
		t.Fatalf("探测调用数 = %d, 期望 1", calls)
	}

	// 探测后桶已知，没有未知账号可探；即使还有未知账号，
	// 窗口锁也会挡住紧跟着的第二次探测
	if r.ProbeUnknown(ctx, model) {
		t.Error("没有未知账号时探测应返回false")
	}
	if fetcher.callCount() != calls {
		t.Errorf("第二次探测不应再调上游")
	}
}

func TestProbeWindowBlocksConcurrentProbe(t *testing.T) {
	fetcher := &mockFetcher{err: errors.New("上游超时")}
	r, s := newTestRefresher(t, fetcher)
	ctx := context.Background()
	model := models.Get("grok-4")

	addAccount(t, s, "token-a", types.AccountClassBasic)

	// 失败探测后账号仍是未知，但窗口锁挡住立刻重探
	if r.ProbeUnknown(ctx, model) {
		t.Fatal("失败探测应返回false")
	}
	if r.ProbeUnknown(ctx, model) {
		t.Fatal("窗口内重探应返回false")
	}
	if fetcher.callCount() != 1 {
		t.Errorf("上游调用数 = %d, 期望 1", fetcher.callCount())
	}
	_ = s
}

func TestRefreshAccountCoversAllTargets(t *testing.T) {
	fetcher := &mockFetcher{payload: []byte(`{"remainingQueries": 5}`)}
	r, s := newTestRefresher(t, fetcher)
	ctx := context.Background()

	addAccount(t, s, "token-a", types.AccountClassBasic)

	if err := r.RefreshAccount(ctx, "token-a", types.SourceManualRefresh); err != nil {
		t.Fatalf("RefreshAccount error = %v", err)
	}

	targets := models.QuotaTargets()
	if fetcher.callCount() != len(targets) {
		t.Errorf("上游调用数 = %d, 期望 %d", fetcher.callCount(), len(targets))
	}
	buckets, _ := s.GetBuckets(ctx, "token-a", time.Now())
	if len(buckets) != len(targets) {
		t.Errorf("桶数 = %d, 期望 %d", len(buckets), len(targets))
	}
}

func TestRunSweepProgress(t *testing.T) {
	fetcher := &mockFetcher{payload: []byte(`{"remainingQueries": 5}`)}
	r, s := newTestRefresher(t, fetcher)
	ctx := context.Background()

	addAccount(t, s, "token-a", types.AccountClassBasic)
	addAccount(t, s, "token-b", types.AccountClassBasic)

	// 失效账号不参与
	addAccount(t, s, "token-dead", types.AccountClassBasic)
	if _, _, err := s.RecordFailure(ctx, "token-dead", "401", 401, time.Now(), 1); err != nil {
		t.Fatal(err)
	}

	if err := r.RunSweep(ctx, types.SourceAutoRefresh); err != nil {
		t.Fatalf("RunSweep error = %v", err)
	}

	want := 2 * len(models.QuotaTargets())
	p, _ := s.GetRefreshProgress(ctx)
	if p.Running {
		t.Error("扫描结束后Running应为false")
	}
	if p.Total != want || p.Current != want || p.Success != want || p.Failed != 0 {
		t.Errorf("进度 = %+v, 期望 total/current/success = %d", p, want)
	}
}

func TestSweepOverlapSuppressed(t *testing.T) {
	fetcher := &mockFetcher{payload: []byte(`{"remainingQueries": 5}`)}
	r, s := newTestRefresher(t, fetcher)
	ctx := context.Background()

	addAccount(t, s, "token-a", types.AccountClassBasic)

	// 进度单例显示已有刷新在推进，两个入口都直接放弃
	running := &types.RefreshProgress{Running: true, Total: 10, Current: 3, UpdatedAt: time.Now()}
	if err := s.SetRefreshProgress(ctx, running); err != nil {
		t.Fatal(err)
	}
	if err := r.RunSweep(ctx, types.SourceAutoRefresh); !errors.Is(err, ErrSweepRunning) {
		t.Errorf("RunSweep error = %v, 期望 ErrSweepRunning", err)
	}
	if err := r.RefreshAllNow(ctx, types.SourceManualRefresh); !errors.Is(err, ErrSweepRunning) {
		t.Errorf("RefreshAllNow error = %v, 期望 ErrSweepRunning", err)
	}
	if fetcher.callCount() != 0 {
		t.Errorf("被抑制的刷新不应调上游, calls = %d", fetcher.callCount())
	}
	p, _ := s.GetRefreshProgress(ctx)
	if p.Current != 3 {
		t.Errorf("进度被覆盖: %+v", p)
	}

	// 陈旧的Running（持有者已死）可以抢占
	running.UpdatedAt = time.Now().Add(-SweepStaleAfter - time.Minute)
	if err := s.SetRefreshProgress(ctx, running); err != nil {
		t.Fatal(err)
	}
	if err := r.RunSweep(ctx, types.SourceAutoRefresh); err != nil {
		t.Fatalf("陈旧进度应可抢占, error = %v", err)
	}
	p, _ = s.GetRefreshProgress(ctx)
	if p.Running || fetcher.callCount() == 0 {
		t.Errorf("抢占后的刷新未执行: %+v, calls = %d", p, fetcher.callCount())
	}
}

func TestRefreshAllNowProgress(t *testing.T) {
	fetcher := &mockFetcher{err: errors.New("上游503")}
	r, s := newTestRefresher(t, fetcher)
	ctx := context.Background()

	addAccount(t, s, "token-a", types.AccountClassBasic)

	if err := r.RefreshAllNow(ctx, types.SourceManualRefresh); err != nil {
		t.Fatalf("RefreshAllNow error = %v", err)
	}

	want := len(models.QuotaTargets())
	p, _ := s.GetRefreshProgress(ctx)
	if p.Running || p.Total != want || p.Failed != want {
		t.Errorf("进度 = %+v, 期望全部失败 %d", p, want)
	}
}
