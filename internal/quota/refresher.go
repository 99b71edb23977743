package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iBreaker/grok-gateway/internal/config"
	"github.com/iBreaker/grok-gateway/internal/models"
	"github.com/iBreaker/grok-gateway/internal/store"
	"github.com/iBreaker/grok-gateway/pkg/types"
)

const (
	// RefreshDelay 请求成功后延迟刷新的等待时长，等上游额度计数落账
	RefreshDelay = 10 * time.Second
	// RetryDelay 刷新失败后重试一次的间隔
	RetryDelay = 20 * time.Second
	// SweepPacing 全量刷新的单账号间隔，避免打爆上游
	SweepPacing = 25 * time.Millisecond
	// sweepParallel 手动全量刷新的并发上限
	sweepParallel = 4
	// SweepStaleAfter 进度单例多久没更新后视为陈旧（持有者已死，可以抢占）
	SweepStaleAfter = 10 * time.Minute
)

// ErrSweepRunning 已有全量刷新在进行中
var ErrSweepRunning = errors.New("全量刷新已在进行中")

// SweepInProgress 进度单例是否代表一次仍在推进的全量刷新
func SweepInProgress(p *types.RefreshProgress, now time.Time) bool {
	return p != nil && p.Running && now.Sub(p.UpdatedAt) < SweepStaleAfter
}

// RateLimitFetcher 上游额度查询接口
type RateLimitFetcher interface {
	FetchRateLimits(ctx context.Context, token string, grok *types.GrokConfig, requestModel string) ([]byte, error)
}

// Refresher 额度刷新器
//
// 所有刷新入口（延迟刷新、探测、全量刷新、手动刷新）最终都走Refresh：
// 拉取上游rate-limit、解析、持久化状态和审计。失败的刷新同样落库，
// 把桶标记为不可用，避免一直用过期的成功快照做准入。
type Refresher struct {
	store   store.Store
	fetcher RateLimitFetcher
	config  *config.ConfigManager
	logger  *logrus.Logger
}

// NewRefresher 创建额度刷新器
func NewRefresher(s store.Store, fetcher RateLimitFetcher, cfg *config.ConfigManager, logger *logrus.Logger) *Refresher {
	return &Refresher{store: s, fetcher: fetcher, config: cfg, logger: logger}
}

// Refresh 刷新一个账号在一个rate-class上的额度
//
// 返回的state.Success表示这次拿到了可用指标；持久化失败才返回error。
func (r *Refresher) Refresh(ctx context.Context, token string, model *models.ModelInfo, source types.QuotaSource) (*types.QuotaState, error) {
	grok := r.config.Snapshot().Grok
	now := time.Now()

	state := &types.QuotaState{
		Token:       token,
		RateClass:   model.RateClass,
		Source:      source,
		RefreshedAt: now,
	}

	raw, err := r.fetcher.FetchRateLimits(ctx, token, &grok, model.ID)
	if err == nil {
		var snap *types.QuotaSnapshot
		snap, err = ParseSnapshot(raw)
		if err == nil {
			state.Snapshot = *snap
			state.RawPayload = raw
			state.Success = snap.Usable()
			if !state.Success {
				state.LastError = "载荷缺少可用指标"
			}
		}
	}
	if err != nil {
		state.Success = false
		state.LastError = err.Error()
		state.Snapshot.MetricKind = types.MetricUnknown
	}

	if serr := r.store.SaveQuotaState(ctx, state); serr != nil {
		return nil, serr
	}

	fields := logrus.Fields{
		"token_suffix": types.TokenSuffix(token),
		"rate_class":   model.RateClass,
		"source":       source,
		"success":      state.Success,
	}
	if state.Success {
		if est := EstimateQueries(&state.Snapshot, model.EffortTier()); est != nil {
			fields["remaining"] = *est
		}
		r.logger.WithFields(fields).Debug("额度刷新完成")
		r.mirrorLegacy(ctx, token, model, state)
	} else {
		fields["error"] = state.LastError
		r.logger.WithFields(fields).Warn("额度刷新失败")
	}
	return state, nil
}

// mirrorLegacy 成功刷新后把结果镜像进旧版标量字段并清理旧版inflight
func (r *Refresher) mirrorLegacy(ctx context.Context, token string, model *models.ModelInfo, state *types.QuotaState) {
	if err := r.store.ClearLegacyInflight(ctx, token); err != nil {
		r.logger.WithField("token_suffix", types.TokenSuffix(token)).
			WithError(err).Warn("清理旧版inflight失败")
		return
	}

	est := EstimateQueries(&state.Snapshot, model.EffortTier())
	if est == nil {
		return
	}

	// heavy镜像只在elevated账号 + heavy rate-class时写入
	heavy := false
	if model.NeedsElevated() {
		a, err := r.store.GetAccount(ctx, token)
		if err != nil || a.Class != types.AccountClassElevated {
			return
		}
		heavy = true
	}
	if err := r.store.MirrorLegacyQuota(ctx, token, *est, heavy); err != nil {
		r.logger.WithField("token_suffix", types.TokenSuffix(token)).
			WithError(err).Warn("镜像旧版额度失败")
	}
}

// RefreshAccount 刷新一个账号的全部chat额度目标（管理接口手动刷新）
func (r *Refresher) RefreshAccount(ctx context.Context, token string, source types.QuotaSource) error {
	for _, target := range models.QuotaTargets() {
		if _, err := r.Refresh(ctx, token, target, source); err != nil {
			return err
		}
	}
	return nil
}

// ProbeUnknown 额度路径预约失败时探测未知账号
//
// 按等级顺序找该rate-class额度未知的最老账号，抢到探测窗口的才真正发起
// 刷新，窗口内的并发请求直接跳过。返回是否探出了可用额度。
func (r *Refresher) ProbeUnknown(ctx context.Context, model *models.ModelInfo) bool {
	now := time.Now()
	for _, class := range model.ClassOrder() {
		accounts, err := r.store.UnknownBucketAccounts(ctx, class, model.RateClass, now, store.CandidateLimit)
		if err != nil {
			r.logger.WithError(err).Warn("查询未知额度账号失败")
			continue
		}
		for _, a := range accounts {
			ok, err := r.store.TryAcquireProbeWindow(ctx, a.Token, model.RateClass, now)
			if err != nil || !ok {
				continue
			}
			state, err := r.Refresh(ctx, a.Token, model, types.SourceProbe)
			if err != nil {
				r.logger.WithError(err).Warn("探测刷新失败")
				return false
			}
			if state.Success {
				if est := EstimateQueries(&state.Snapshot, model.EffortTier()); est != nil && *est > 0 {
					return true
				}
			}
			// 一次只探测一个账号
			return false
		}
	}
	return false
}

// ScheduleDelayedRefresh 请求成功后调度一次延迟刷新
//
// 刷新窗口锁做跨请求去重：同一账号同一rate-class在窗口内的多次成功
// 只触发一次刷新。失败后按RetryDelay重试一次。
func (r *Refresher) ScheduleDelayedRefresh(token string, model *models.ModelInfo) {
	go func() {
		ctx := context.Background()
		ok, err := r.store.TryAcquireRefreshWindow(ctx, token, model.RateClass, time.Now())
		if err != nil {
			r.logger.WithError(err).Warn("占用刷新窗口失败")
			return
		}
		if !ok {
			return
		}

		time.Sleep(RefreshDelay)
		state, err := r.Refresh(ctx, token, model, types.SourceDelayed)
		if err == nil && state.Success {
			return
		}

		time.Sleep(RetryDelay)
		if _, err := r.Refresh(ctx, token, model, types.SourceDelayed); err != nil {
			r.logger.WithError(err).Warn("延迟刷新重试失败")
		}
	}()
}

// refreshJob 一次全量刷新里的单个任务
type refreshJob struct {
	token string
	model *models.ModelInfo
}

// buildJobs 全量刷新任务列表：所有非失效账号 × chat额度目标
func (r *Refresher) buildJobs(ctx context.Context) ([]refreshJob, error) {
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	targets := models.QuotaTargets()
	var jobs []refreshJob
	for _, a := range accounts {
		if a.Status != types.AccountStatusActive {
			continue
		}
		for _, m := range targets {
			jobs = append(jobs, refreshJob{token: a.Token, model: m})
		}
	}
	return jobs, nil
}

// checkNotRunning 进度单例显示已有刷新在推进时返回ErrSweepRunning
func (r *Refresher) checkNotRunning(ctx context.Context) error {
	p, err := r.store.GetRefreshProgress(ctx)
	if err != nil {
		return err
	}
	if SweepInProgress(p, time.Now()) {
		return ErrSweepRunning
	}
	return nil
}

// RunSweep 顺序全量刷新，带25ms间隔和进度单例（周期性刷新入口）
//
// 进度单例同时做互斥：已有刷新在推进时直接放弃，避免两次扫描互相
// 覆盖对方的计数。陈旧的Running（持有者崩溃）超过SweepStaleAfter后可抢占。
func (r *Refresher) RunSweep(ctx context.Context, source types.QuotaSource) error {
	if err := r.checkNotRunning(ctx); err != nil {
		return err
	}
	jobs, err := r.buildJobs(ctx)
	if err != nil {
		return err
	}

	progress := &types.RefreshProgress{Running: true, Total: len(jobs), UpdatedAt: time.Now()}
	_ = r.store.SetRefreshProgress(ctx, progress)

	for _, job := range jobs {
		select {
		case <-ctx.Done():
			progress.Running = false
			progress.UpdatedAt = time.Now()
			_ = r.store.SetRefreshProgress(ctx, progress)
			return ctx.Err()
		default:
		}

		state, err := r.Refresh(ctx, job.token, job.model, source)
		progress.Current++
		if err == nil && state.Success {
			progress.Success++
		} else {
			progress.Failed++
		}
		progress.UpdatedAt = time.Now()
		_ = r.store.SetRefreshProgress(ctx, progress)

		time.Sleep(SweepPacing)
	}

	progress.Running = false
	progress.UpdatedAt = time.Now()
	_ = r.store.SetRefreshProgress(ctx, progress)

	r.logger.WithFields(logrus.Fields{
		"total":   progress.Total,
		"success": progress.Success,
		"failed":  progress.Failed,
	}).Info("全量额度刷新完成")
	return nil
}

// RefreshAllNow 有界并发的全量刷新（管理接口触发）；与RunSweep互斥
func (r *Refresher) RefreshAllNow(ctx context.Context, source types.QuotaSource) error {
	if err := r.checkNotRunning(ctx); err != nil {
		return err
	}
	jobs, err := r.buildJobs(ctx)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	progress := &types.RefreshProgress{Running: true, Total: len(jobs), UpdatedAt: time.Now()}
	_ = r.store.SetRefreshProgress(ctx, progress)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallel)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			state, err := r.Refresh(gctx, job.token, job.model, source)

			mu.Lock()
			progress.Current++
			if err == nil && state.Success {
				progress.Success++
			} else {
				progress.Failed++
			}
			progress.UpdatedAt = time.Now()
			snapshot := *progress
			mu.Unlock()

			_ = r.store.SetRefreshProgress(gctx, &snapshot)
			return nil
		})
	}
	_ = g.Wait()

	mu.Lock()
	progress.Running = false
	progress.UpdatedAt = time.Now()
	final := *progress
	mu.Unlock()
	_ = r.store.SetRefreshProgress(ctx, &final)

	r.logger.WithFields(logrus.Fields{
		"total":   final.Total,
		"success": final.Success,
		"failed":  final.Failed,
	}).Info("手动全量刷新完成")
	return nil
}

// StartAutoRefresh 启动周期性全量刷新和存储清理
func (r *Refresher) StartAutoRefresh(ctx context.Context) {
	go func() {
		for {
			cfg := r.config.Snapshot().Refresh
			hours := cfg.IntervalHours
			if hours <= 0 {
				hours = 6
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(hours) * time.Hour):
			}

			// 间隔醒来后重读配置，开关可以热生效
			if !r.config.Snapshot().Refresh.AutoRefresh {
				continue
			}
			if err := r.RunSweep(ctx, types.SourceAutoRefresh); err != nil {
				if errors.Is(err, ErrSweepRunning) {
					r.logger.Info("已有全量刷新在进行，本轮跳过")
				} else {
					r.logger.WithError(err).Warn("周期性额度刷新中断")
				}
			}
			if err := r.store.CleanupArtifacts(ctx, time.Now()); err != nil {
				r.logger.WithError(err).Warn("存储清理失败")
			}
		}
	}()
}
