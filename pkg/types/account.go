package types

import "time"

// AccountClass 账号等级：basic对应普通SSO账号，elevated对应Super账号
type AccountClass string

const (
	AccountClassBasic    AccountClass = "basic"
	AccountClassElevated AccountClass = "elevated"
)

// IsValid 检查账号等级是否合法
func (c AccountClass) IsValid() bool {
	return c == AccountClassBasic || c == AccountClassElevated
}

// AccountStatus 账号生命周期状态
type AccountStatus string

const (
	AccountStatusActive  AccountStatus = "active"
	AccountStatusExpired AccountStatus = "expired"
)

// DisplayStatus 管理界面展示用的账号状态
type DisplayStatus string

const (
	DisplayActive    DisplayStatus = "active"
	DisplayCooling   DisplayStatus = "cooling"
	DisplayExhausted DisplayStatus = "exhausted"
	DisplayInvalid   DisplayStatus = "invalid"
	DisplayUnknown   DisplayStatus = "unknown"
)

// Account 一个上游凭证（池化账号）
//
// 旧版标量额度字段保留做兼容：-1表示未知，0表示已确认耗尽。
// 新的分rate-class额度在QuotaState中维护。
type Account struct {
	Token                 string        `json:"token"`
	Class                 AccountClass  `json:"account_class"`
	CreatedAt             time.Time     `json:"created_at"`
	RemainingQueries      int           `json:"remaining_queries"`
	HeavyRemainingQueries int           `json:"heavy_remaining_queries"`
	Status                AccountStatus `json:"status"`
	Tags                  []string      `json:"tags"`
	Note                  string        `json:"note"`
	CooldownUntil         *time.Time    `json:"cooldown_until,omitempty"`
	LastFailureTime       *time.Time    `json:"last_failure_time,omitempty"`
	LastFailureReason     string        `json:"last_failure_reason"`
	FailedCount           int           `json:"failed_count"`
	InflightChat          int           `json:"-"`
	InflightHeavy         int           `json:"-"`
	InflightUpdatedAt     time.Time     `json:"-"`
}

// TokenSuffix 返回凭证尾部片段，用于日志脱敏
func (a *Account) TokenSuffix() string {
	return TokenSuffix(a.Token)
}

// TokenSuffix 凭证尾部6位，日志中不输出完整凭证
func TokenSuffix(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[len(token)-6:]
}

// ReservationCost 旧版预约成本向量：普通/heavy各占一个配额计数
type ReservationCost struct {
	Chat  int `json:"chat"`
	Heavy int `json:"heavy"`
}

// Normalize 规范化成本向量（负数归零）
func (c ReservationCost) Normalize() ReservationCost {
	out := c
	if out.Chat < 0 {
		out.Chat = 0
	}
	if out.Heavy < 0 {
		out.Heavy = 0
	}
	return out
}

// IsZero 成本向量是否为空
func (c ReservationCost) IsZero() bool {
	return c.Chat == 0 && c.Heavy == 0
}

// ReservationKind 预约类型：quota走分rate-class额度桶，legacy走账号行标量
type ReservationKind string

const (
	ReservationQuota  ReservationKind = "quota"
	ReservationLegacy ReservationKind = "legacy"
)

// Reservation 一次预约的句柄（非持久化，仅存活于一次上游调用期间）
//
// 预约的全部效果体现在对应额度桶（或旧版账号行）的瞬态inflight计数上，
// 必须且只能释放一次：要么调用方显式Release，要么被下一次成功刷新覆盖。
type Reservation struct {
	Token     string          `json:"token"`
	Class     AccountClass    `json:"account_class"`
	Kind      ReservationKind `json:"kind"`
	RateClass string          `json:"rate_class,omitempty"`
	Units     int             `json:"units,omitempty"`
	Cost      ReservationCost `json:"cost,omitempty"`
}

// ReservationCandidate 预约候选账号（带生效容量快照）
type ReservationCandidate struct {
	Token     string
	Class     AccountClass
	CreatedAt time.Time
	// Capacity 已知容量（查询数或按成本折算的估计查询数）
	Capacity int
	// ActiveInflight 未过TTL的inflight计数
	ActiveInflight int
	// Effective = Capacity - ActiveInflight
	Effective int
}
