package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iBreaker/grok-gateway/pkg/types"
)

// PostgresStore Postgres存储，多实例部署使用
//
// 所有预约操作通过条件UPDATE一步完成，不依赖事务内的读-改-写，
// 多实例并发预约同一账号时由行级更新保证不超卖。
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 连接Postgres并初始化表结构
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// ensureSchema 初始化表结构
func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS grok_accounts (
		token TEXT PRIMARY KEY,
		account_class TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		remaining_queries INT NOT NULL DEFAULT -1,
		heavy_remaining_queries INT NOT NULL DEFAULT -1,
		status TEXT NOT NULL DEFAULT 'active',
		tags TEXT[] NOT NULL DEFAULT '{}',
		note TEXT NOT NULL DEFAULT '',
		cooldown_until TIMESTAMPTZ,
		last_failure_time TIMESTAMPTZ,
		last_failure_reason TEXT NOT NULL DEFAULT '',
		failed_count INT NOT NULL DEFAULT 0,
		inflight_chat INT NOT NULL DEFAULT 0,
		inflight_heavy INT NOT NULL DEFAULT 0,
		inflight_updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS grok_quota_state (
		token TEXT NOT NULL,
		rate_class TEXT NOT NULL,
		remaining_queries INT,
		total_queries INT,
		remaining_tokens BIGINT,
		total_tokens BIGINT,
		low_effort_cost INT,
		high_effort_cost INT,
		window_size_seconds INT,
		metric_kind TEXT NOT NULL DEFAULT 'unknown',
		source TEXT NOT NULL DEFAULT 'unknown',
		refreshed_at TIMESTAMPTZ NOT NULL,
		success BOOLEAN NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		raw_payload JSONB,
		inflight_units INT NOT NULL DEFAULT 0,
		inflight_updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (token, rate_class)
	);
	CREATE TABLE IF NOT EXISTS grok_quota_audit (
		id BIGSERIAL PRIMARY KEY,
		token TEXT NOT NULL,
		rate_class TEXT NOT NULL,
		remaining_queries INT,
		total_queries INT,
		remaining_tokens BIGINT,
		total_tokens BIGINT,
		low_effort_cost INT,
		high_effort_cost INT,
		window_size_seconds INT,
		metric_kind TEXT NOT NULL,
		source TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		recorded_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_quota_audit_recorded_at ON grok_quota_audit (recorded_at);
	CREATE TABLE IF NOT EXISTS grok_probe_window (
		token TEXT NOT NULL,
		rate_class TEXT NOT NULL,
		last_probed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (token, rate_class)
	);
	CREATE TABLE IF NOT EXISTS grok_refresh_window (
		token TEXT NOT NULL,
		rate_class TEXT NOT NULL,
		last_enqueued_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (token, rate_class)
	);
	CREATE TABLE IF NOT EXISTS grok_refresh_progress (
		id INT PRIMARY KEY CHECK (id = 1),
		running BOOLEAN NOT NULL,
		total INT NOT NULL,
		current INT NOT NULL,
		success INT NOT NULL,
		failed INT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS grok_request_logs (
		id BIGSERIAL PRIMARY KEY,
		ip TEXT NOT NULL,
		model TEXT NOT NULL,
		duration DOUBLE PRECISION NOT NULL,
		status INT NOT NULL,
		key_name TEXT NOT NULL DEFAULT '',
		token_suffix TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_request_logs_at ON grok_request_logs (at);
	`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("初始化表结构失败: %w", err)
	}
	return nil
}

// ===== 账号 CRUD =====

const accountColumns = `token, account_class, created_at, remaining_queries, heavy_remaining_queries,
	status, tags, note, cooldown_until, last_failure_time, last_failure_reason, failed_count,
	inflight_chat, inflight_heavy, inflight_updated_at`

// scanAccount 扫描一行账号数据
func scanAccount(row pgx.Row) (*types.Account, error) {
	var a types.Account
	var class, status string
	err := row.Scan(&a.Token, &class, &a.CreatedAt, &a.RemainingQueries, &a.HeavyRemainingQueries,
		&status, &a.Tags, &a.Note, &a.CooldownUntil, &a.LastFailureTime, &a.LastFailureReason,
		&a.FailedCount, &a.InflightChat, &a.InflightHeavy, &a.InflightUpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Class = types.AccountClass(class)
	a.Status = types.AccountStatus(status)
	return &a, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, account *types.Account) error {
	tags := account.Tags
	if tags == nil {
		tags = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO grok_accounts (`+accountColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (token) DO NOTHING`,
		account.Token, string(account.Class), account.CreatedAt,
		account.RemainingQueries, account.HeavyRemainingQueries, string(account.Status),
		tags, account.Note, account.CooldownUntil, account.LastFailureTime,
		account.LastFailureReason, account.FailedCount,
		account.InflightChat, account.InflightHeavy, account.InflightUpdatedAt)
	if err != nil {
		return fmt.Errorf("创建账号失败: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAccountExists, types.TokenSuffix(account.Token))
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, token string) (*types.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM grok_accounts WHERE token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, types.TokenSuffix(token))
	}
	if err != nil {
		return nil, fmt.Errorf("查询账号失败: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]*types.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM grok_accounts ORDER BY created_at, token`)
	if err != nil {
		return nil, fmt.Errorf("查询账号列表失败: %w", err)
	}
	defer rows.Close()

	var out []*types.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描账号失败: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteAccount(ctx context.Context, token string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM grok_accounts WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("删除账号失败: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, types.TokenSuffix(token))
	}
	_, _ = s.pool.Exec(ctx, `DELETE FROM grok_quota_state WHERE token = $1`, token)
	return nil
}

func (s *PostgresStore) SetTags(ctx context.Context, token string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	return s.execAccount(ctx, `UPDATE grok_accounts SET tags = $2 WHERE token = $1`, token, tags)
}

func (s *PostgresStore) SetNote(ctx context.Context, token string, note string) error {
	return s.execAccount(ctx, `UPDATE grok_accounts SET note = $2 WHERE token = $1`, token, note)
}

// execAccount 执行单账号更新，账号不存在时返回ErrAccountNotFound
func (s *PostgresStore) execAccount(ctx context.Context, sql string, token string, args ...interface{}) error {
	tag, err := s.pool.Exec(ctx, sql, append([]interface{}{token}, args...)...)
	if err != nil {
		return fmt.Errorf("更新账号失败: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, types.TokenSuffix(token))
	}
	return nil
}

// ===== 账号健康 =====

func (s *PostgresStore) RecordFailure(ctx context.Context, token, reason string, status int, now time.Time, maxFailures int) (int, bool, error) {
	var count int
	var accountStatus string
	// 只有4xx失败达到阈值才标记expired
	err := s.pool.QueryRow(ctx, `
		UPDATE grok_accounts
		SET failed_count = failed_count + 1,
		    last_failure_time = $2,
		    last_failure_reason = $3,
		    status = CASE WHEN $5 >= 400 AND $5 < 500 AND failed_count + 1 >= $4 AND status = 'active'
		             THEN 'expired' ELSE status END
		WHERE token = $1
		RETURNING failed_count, status`,
		token, now, reason, maxFailures, status).Scan(&count, &accountStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("%w: %s", ErrAccountNotFound, types.TokenSuffix(token))
	}
	if err != nil {
		return 0, false, fmt.Errorf("记录失败次数失败: %w", err)
	}
	return count, accountStatus == string(types.AccountStatusExpired), nil
}

func (s *PostgresStore) ApplyCooldown(ctx context.Context, token string, until time.Time) error {
	// GREATEST保证冷却只延长不缩短
	return s.execAccount(ctx, `
		UPDATE grok_accounts
		SET cooldown_until = GREATEST(COALESCE(cooldown_until, $2), $2)
		WHERE token = $1`, token, until)
}

func (s *PostgresStore) Reactivate(ctx context.Context, token string) error {
	return s.execAccount(ctx, `
		UPDATE grok_accounts
		SET status = 'active', failed_count = 0, cooldown_until = NULL,
		    last_failure_time = NULL, last_failure_reason = ''
		WHERE token = $1`, token)
}

func (s *PostgresStore) MirrorLegacyQuota(ctx context.Context, token string, remaining int, heavy bool) error {
	column := "remaining_queries"
	if heavy {
		column = "heavy_remaining_queries"
	}
	return s.execAccount(ctx,
		`UPDATE grok_accounts SET `+column+` = $2 WHERE token = $1`, token, remaining)
}

// ===== 额度桶预约 =====

func (s *PostgresStore) QuotaCandidates(ctx context.Context, class types.AccountClass, rateClass string, tier types.EffortTier, now time.Time, limit int) ([]*types.ReservationCandidate, error) {
	cutoff := now.Add(-InflightTTL)
	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT a.token, a.account_class, a.created_at,
			       COALESCE(q.remaining_queries,
			           (q.remaining_tokens / GREATEST(COALESCE(
			               CASE WHEN $3 = 'high' THEN q.high_effort_cost ELSE q.low_effort_cost END, 1), 1))::INT) AS capacity,
			       CASE WHEN q.inflight_updated_at > $4 THEN q.inflight_units ELSE 0 END AS active_inflight
			FROM grok_accounts a
			JOIN grok_quota_state q ON q.token = a.token AND q.rate_class = $2
			WHERE a.status = 'active'
			  AND a.account_class = $1
			  AND a.failed_count < $7
			  AND (a.cooldown_until IS NULL OR a.cooldown_until <= $5)
			  AND q.success
			  AND (q.remaining_queries IS NOT NULL OR q.remaining_tokens IS NOT NULL)
		)
		SELECT token, account_class, created_at, capacity, active_inflight
		FROM candidates
		WHERE capacity - active_inflight > 0
		ORDER BY capacity - active_inflight DESC, created_at
		LIMIT $6`,
		string(class), rateClass, string(tier), cutoff, now, limit, MaxFailures)
	if err != nil {
		return nil, fmt.Errorf("查询预约候选失败: %w", err)
	}
	defer rows.Close()

	var out []*types.ReservationCandidate
	for rows.Next() {
		var c types.ReservationCandidate
		var cls string
		if err := rows.Scan(&c.Token, &cls, &c.CreatedAt, &c.Capacity, &c.ActiveInflight); err != nil {
			return nil, fmt.Errorf("扫描预约候选失败: %w", err)
		}
		c.Class = types.AccountClass(cls)
		c.Effective = c.Capacity - c.ActiveInflight
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TryReserveQuota(ctx context.Context, token, rateClass string, units int, tier types.EffortTier, now time.Time) (bool, error) {
	cutoff := now.Add(-InflightTTL)
	tag, err := s.pool.Exec(ctx, `
		UPDATE grok_quota_state q
		SET inflight_units = (CASE WHEN q.inflight_updated_at > $5 THEN q.inflight_units ELSE 0 END) + $3,
		    inflight_updated_at = $6
		FROM grok_accounts a
		WHERE q.token = $1 AND q.rate_class = $2 AND a.token = q.token
		  AND a.status = 'active'
		  AND (a.cooldown_until IS NULL OR a.cooldown_until <= $6)
		  AND q.success
		  AND (q.remaining_queries IS NOT NULL OR q.remaining_tokens IS NOT NULL)
		  AND COALESCE(q.remaining_queries,
		          (q.remaining_tokens / GREATEST(COALESCE(
		              CASE WHEN $4 = 'high' THEN q.high_effort_cost ELSE q.low_effort_cost END, 1), 1))::INT)
		      - (CASE WHEN q.inflight_updated_at > $5 THEN q.inflight_units ELSE 0 END) >= $3`,
		token, rateClass, units, string(tier), cutoff, now)
	if err != nil {
		return false, fmt.Errorf("额度预约失败: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseQuota(ctx context.Context, token, rateClass string, units int, now time.Time) error {
	cutoff := now.Add(-InflightTTL)
	_, err := s.pool.Exec(ctx, `
		UPDATE grok_quota_state
		SET inflight_units = GREATEST(0, (CASE WHEN inflight_updated_at > $4 THEN inflight_units ELSE 0 END) - $3),
		    inflight_updated_at = $5
		WHERE token = $1 AND rate_class = $2`,
		token, rateClass, units, cutoff, now)
	if err != nil {
		return fmt.Errorf("释放预约失败: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearQuotaInflight(ctx context.Context, token, rateClass string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE grok_quota_state SET inflight_units = 0
		WHERE token = $1 AND rate_class = $2`, token, rateClass)
	if err != nil {
		return fmt.Errorf("清零inflight失败: %w", err)
	}
	return nil
}

// ===== 旧版标量预约 =====

func (s *PostgresStore) LegacyCandidates(ctx context.Context, class types.AccountClass, cost types.ReservationCost, now time.Time, limit int) ([]*types.ReservationCandidate, error) {
	cost = cost.Normalize()
	cutoff := now.Add(-InflightTTL)
	rows, err := s.pool.Query(ctx, `
		SELECT token, account_class, created_at, remaining_queries,
		       CASE WHEN inflight_updated_at > $4 THEN inflight_chat ELSE 0 END AS active_chat
		FROM grok_accounts
		WHERE status = 'active'
		  AND account_class = $1
		  AND failed_count < $7
		  AND (cooldown_until IS NULL OR cooldown_until <= $5)
		  AND ($2 = 0 OR remaining_queries <> 0)
		  AND ($2 = 0 OR remaining_queries < 0 OR
		       remaining_queries - (CASE WHEN inflight_updated_at > $4 THEN inflight_chat ELSE 0 END) >= $2)
		  AND ($3 = 0 OR heavy_remaining_queries <> 0)
		  AND ($3 = 0 OR heavy_remaining_queries < 0 OR
		       heavy_remaining_queries - (CASE WHEN inflight_updated_at > $4 THEN inflight_heavy ELSE 0 END) >= $3)
		ORDER BY CASE WHEN remaining_queries < 0 THEN 1 ELSE 0 END,
		         remaining_queries - (CASE WHEN inflight_updated_at > $4 THEN inflight_chat ELSE 0 END) DESC,
		         created_at
		LIMIT $6`,
		string(class), cost.Chat, cost.Heavy, cutoff, now, limit, MaxFailures)
	if err != nil {
		return nil, fmt.Errorf("查询旧版候选失败: %w", err)
	}
	defer rows.Close()

	var out []*types.ReservationCandidate
	for rows.Next() {
		var c types.ReservationCandidate
		var cls string
		if err := rows.Scan(&c.Token, &cls, &c.CreatedAt, &c.Capacity, &c.ActiveInflight); err != nil {
			return nil, fmt.Errorf("扫描旧版候选失败: %w", err)
		}
		c.Class = types.AccountClass(cls)
		if c.Capacity >= 0 {
			c.Effective = c.Capacity - c.ActiveInflight
		} else {
			c.Effective = -1
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TryReserveLegacy(ctx context.Context, token string, cost types.ReservationCost, now time.Time) (bool, error) {
	cost = cost.Normalize()
	if cost.IsZero() {
		return false, nil
	}
	cutoff := now.Add(-InflightTTL)
	tag, err := s.pool.Exec(ctx, `
		UPDATE grok_accounts
		SET inflight_chat = (CASE WHEN inflight_updated_at > $4 THEN inflight_chat ELSE 0 END) + $2,
		    inflight_heavy = (CASE WHEN inflight_updated_at > $4 THEN inflight_heavy ELSE 0 END) + $3,
		    inflight_updated_at = $5
		WHERE token = $1 AND status = 'active'
		  AND (cooldown_until IS NULL OR cooldown_until <= $5)
		  AND ($2 = 0 OR remaining_queries <> 0)
		  AND ($2 = 0 OR remaining_queries < 0 OR
		       remaining_queries - (CASE WHEN inflight_updated_at > $4 THEN inflight_chat ELSE 0 END) >= $2)
		  AND ($3 = 0 OR heavy_remaining_queries <> 0)
		  AND ($3 = 0 OR heavy_remaining_queries < 0 OR
		       heavy_remaining_queries - (CASE WHEN inflight_updated_at > $4 THEN inflight_heavy ELSE 0 END) >= $3)`,
		token, cost.Chat, cost.Heavy, cutoff, now)
	if err != nil {
		return false, fmt.Errorf("旧版预约失败: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseLegacy(ctx context.Context, token string, cost types.ReservationCost, now time.Time) error {
	cost = cost.Normalize()
	cutoff := now.Add(-InflightTTL)
	_, err := s.pool.Exec(ctx, `
		UPDATE grok_accounts
		SET inflight_chat = GREATEST(0, (CASE WHEN inflight_updated_at > $4 THEN inflight_chat ELSE 0 END) - $2),
		    inflight_heavy = GREATEST(0, (CASE WHEN inflight_updated_at > $4 THEN inflight_heavy ELSE 0 END) - $3),
		    inflight_updated_at = $5
		WHERE token = $1`,
		token, cost.Chat, cost.Heavy, cutoff, now)
	if err != nil {
		return fmt.Errorf("释放旧版预约失败: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearLegacyInflight(ctx context.Context, token string) error {
	return s.execAccount(ctx,
		`UPDATE grok_accounts SET inflight_chat = 0, inflight_heavy = 0 WHERE token = $1`, token)
}

// ===== 额度状态 =====

func (s *PostgresStore) SaveQuotaState(ctx context.Context, state *types.QuotaState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	snap := &state.Snapshot
	_, err = tx.Exec(ctx, `
		INSERT INTO grok_quota_state (token, rate_class, remaining_queries, total_queries,
			remaining_tokens, total_tokens, low_effort_cost, high_effort_cost,
			window_size_seconds, metric_kind, source, refreshed_at, success, last_error,
			raw_payload, inflight_units, inflight_updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,0,$12)
		ON CONFLICT (token, rate_class) DO UPDATE SET
			remaining_queries = EXCLUDED.remaining_queries,
			total_queries = EXCLUDED.total_queries,
			remaining_tokens = EXCLUDED.remaining_tokens,
			total_tokens = EXCLUDED.total_tokens,
			low_effort_cost = EXCLUDED.low_effort_cost,
			high_effort_cost = EXCLUDED.high_effort_cost,
			window_size_seconds = EXCLUDED.window_size_seconds,
			metric_kind = EXCLUDED.metric_kind,
			source = EXCLUDED.source,
			refreshed_at = EXCLUDED.refreshed_at,
			success = EXCLUDED.success,
			last_error = EXCLUDED.last_error,
			raw_payload = EXCLUDED.raw_payload,
			inflight_units = CASE WHEN EXCLUDED.success THEN 0 ELSE grok_quota_state.inflight_units END`,
		state.Token, state.RateClass, snap.RemainingQueries, snap.TotalQueries,
		snap.RemainingTokens, snap.TotalTokens, snap.LowEffortCost, snap.HighEffortCost,
		snap.WindowSizeSeconds, string(snap.MetricKind), string(state.Source),
		state.RefreshedAt, state.Success, state.LastError, state.RawPayload)
	if err != nil {
		return fmt.Errorf("写入额度状态失败: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO grok_quota_audit (token, rate_class, remaining_queries, total_queries,
			remaining_tokens, total_tokens, low_effort_cost, high_effort_cost,
			window_size_seconds, metric_kind, source, success, last_error, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		state.Token, state.RateClass, snap.RemainingQueries, snap.TotalQueries,
		snap.RemainingTokens, snap.TotalTokens, snap.LowEffortCost, snap.HighEffortCost,
		snap.WindowSizeSeconds, string(snap.MetricKind), string(state.Source),
		state.Success, state.LastError, state.RefreshedAt)
	if err != nil {
		return fmt.Errorf("写入审计记录失败: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("提交额度状态失败: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBuckets(ctx context.Context, token string, now time.Time) ([]*types.QuotaBucket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rate_class, remaining_queries, total_queries, remaining_tokens, total_tokens,
		       low_effort_cost, high_effort_cost, window_size_seconds, metric_kind, source,
		       refreshed_at, success, last_error
		FROM grok_quota_state WHERE token = $1 ORDER BY rate_class`, token)
	if err != nil {
		return nil, fmt.Errorf("查询额度桶失败: %w", err)
	}
	defer rows.Close()

	var out []*types.QuotaBucket
	for rows.Next() {
		var state types.QuotaState
		var metricKind, source string
		err := rows.Scan(&state.RateClass, &state.Snapshot.RemainingQueries,
			&state.Snapshot.TotalQueries, &state.Snapshot.RemainingTokens,
			&state.Snapshot.TotalTokens, &state.Snapshot.LowEffortCost,
			&state.Snapshot.HighEffortCost, &state.Snapshot.WindowSizeSeconds,
			&metricKind, &source, &state.RefreshedAt, &state.Success, &state.LastError)
		if err != nil {
			return nil, fmt.Errorf("扫描额度桶失败: %w", err)
		}
		state.Snapshot.MetricKind = types.QuotaMetricKind(metricKind)
		state.Source = types.QuotaSource(source)
		out = append(out, bucketView(&state, now))
	}
	return out, rows.Err()
}

func (s *PostgresStore) UnknownBucketAccounts(ctx context.Context, class types.AccountClass, rateClass string, now time.Time, limit int) ([]*types.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.token, a.account_class, a.created_at, a.remaining_queries, a.heavy_remaining_queries,
		       a.status, a.tags, a.note, a.cooldown_until, a.last_failure_time, a.last_failure_reason,
		       a.failed_count, a.inflight_chat, a.inflight_heavy, a.inflight_updated_at
		FROM grok_accounts a
		LEFT JOIN grok_quota_state q ON q.token = a.token AND q.rate_class = $2
		WHERE a.status = 'active'
		  AND a.account_class = $1
		  AND a.failed_count < $5
		  AND (a.cooldown_until IS NULL OR a.cooldown_until <= $3)
		  AND (q.token IS NULL OR NOT q.success
		       OR (q.remaining_queries IS NULL AND q.remaining_tokens IS NULL))
		ORDER BY a.created_at, a.token
		LIMIT $4`,
		string(class), rateClass, now, limit, MaxFailures)
	if err != nil {
		return nil, fmt.Errorf("查询未知额度账号失败: %w", err)
	}
	defer rows.Close()

	var out []*types.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描账号失败: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ===== 窗口锁 =====

func (s *PostgresStore) TryAcquireProbeWindow(ctx context.Context, token, rateClass string, now time.Time) (bool, error) {
	return s.tryAcquireWindow(ctx, "grok_probe_window", "last_probed_at", token, rateClass, now, ProbeWindow)
}

func (s *PostgresStore) TryAcquireRefreshWindow(ctx context.Context, token, rateClass string, now time.Time) (bool, error) {
	return s.tryAcquireWindow(ctx, "grok_refresh_window", "last_enqueued_at", token, rateClass, now, RefreshWindow)
}

// tryAcquireWindow 条件占用窗口锁：行不存在则插入，存在则仅在窗口过期后更新
func (s *PostgresStore) tryAcquireWindow(ctx context.Context, table, column, token, rateClass string, now time.Time, window time.Duration) (bool, error) {
	cutoff := now.Add(-window)
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (token, rate_class, %s) VALUES ($1, $2, $3)
		ON CONFLICT (token, rate_class) DO UPDATE SET %s = $3
		WHERE %s.%s <= $4`, table, column, column, table, column),
		token, rateClass, now, cutoff)
	if err != nil {
		return false, fmt.Errorf("占用窗口失败: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ===== 刷新进度 =====

func (s *PostgresStore) GetRefreshProgress(ctx context.Context) (*types.RefreshProgress, error) {
	var p types.RefreshProgress
	err := s.pool.QueryRow(ctx, `
		SELECT running, total, current, success, failed, updated_at
		FROM grok_refresh_progress WHERE id = 1`).
		Scan(&p.Running, &p.Total, &p.Current, &p.Success, &p.Failed, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &types.RefreshProgress{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询刷新进度失败: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) SetRefreshProgress(ctx context.Context, progress *types.RefreshProgress) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO grok_refresh_progress (id, running, total, current, success, failed, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			running = EXCLUDED.running, total = EXCLUDED.total, current = EXCLUDED.current,
			success = EXCLUDED.success, failed = EXCLUDED.failed, updated_at = EXCLUDED.updated_at`,
		progress.Running, progress.Total, progress.Current,
		progress.Success, progress.Failed, progress.UpdatedAt)
	if err != nil {
		return fmt.Errorf("写入刷新进度失败: %w", err)
	}
	return nil
}

// ===== 请求日志 =====

func (s *PostgresStore) AppendRequestLog(ctx context.Context, log *types.RequestLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO grok_request_logs (ip, model, duration, status, key_name, token_suffix, error, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		log.IP, log.Model, log.Duration, log.Status, log.KeyName, log.TokenSuffix, log.Error, log.At)
	if err != nil {
		return fmt.Errorf("写入请求日志失败: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRequestLogs(ctx context.Context, limit int) ([]*types.RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ip, model, duration, status, key_name, token_suffix, error, at
		FROM grok_request_logs ORDER BY at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询请求日志失败: %w", err)
	}
	defer rows.Close()

	var out []*types.RequestLog
	for rows.Next() {
		var l types.RequestLog
		if err := rows.Scan(&l.IP, &l.Model, &l.Duration, &l.Status, &l.KeyName,
			&l.TokenSuffix, &l.Error, &l.At); err != nil {
			return nil, fmt.Errorf("扫描请求日志失败: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// ===== 维护 =====

func (s *PostgresStore) CleanupArtifacts(ctx context.Context, now time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM grok_quota_audit WHERE recorded_at < $1`, now.Add(-AuditRetention)); err != nil {
		return fmt.Errorf("清理审计记录失败: %w", err)
	}
	windowCutoff := now.Add(-WindowRetention)
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM grok_probe_window WHERE last_probed_at < $1`, windowCutoff); err != nil {
		return fmt.Errorf("清理探测窗口失败: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM grok_refresh_window WHERE last_enqueued_at < $1`, windowCutoff); err != nil {
		return fmt.Errorf("清理刷新窗口失败: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)
