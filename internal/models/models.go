package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Persisted entities. All rows carry UserID; the store refuses to read or
// write without one.

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex" json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type Role struct {
	ID   uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name string `gorm:"uniqueIndex" json:"name"`
}

type UserRole struct {
	ID     uint `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID uint `gorm:"index" json:"user_id"`
	RoleID uint `gorm:"index" json:"role_id"`
}

// Account holds exchange credentials for one sub-account. AccountID is the
// short lowercase handle used everywhere else ("default", "main1").
type Account struct {
	ID                 uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID             uint            `gorm:"index:idx_user_account,unique" json:"user_id"`
	AccountID          string          `gorm:"index:idx_user_account,unique" json:"account_id"`
	APIKeyEncrypted    string          `json:"-"`
	APISecretEncrypted string          `json:"-"`
	ExchangePlatform   string          `json:"exchange_platform"`
	Testnet            bool            `json:"testnet"`
	IsDefault          bool            `json:"is_default"`
	IsActive           bool            `gorm:"default:true" json:"is_active"`
	PaperTrading       bool            `json:"paper_trading"`
	PaperBalance       decimal.Decimal `gorm:"type:decimal(20,8)" json:"paper_balance"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Strategy is the persisted configuration of one signal generator bound to
// a symbol and an account. Leverage is required; the engine never defaults
// it so the exchange's own default can never apply silently.
type Strategy struct {
	ID           uint            `gorm:"primaryKey;autoIncrement" json:"-"`
	StrategyID   string          `gorm:"uniqueIndex" json:"strategy_id"`
	UserID       uint            `gorm:"index" json:"user_id"`
	AccountID    string          `gorm:"index" json:"account_id"`
	Name         string          `json:"name"`
	Symbol       string          `gorm:"index" json:"symbol"`
	StrategyType string          `json:"strategy_type"`
	Leverage     int             `json:"leverage"`
	RiskPerTrade decimal.Decimal `gorm:"type:decimal(10,6)" json:"risk_per_trade"`
	FixedAmount  decimal.Decimal `gorm:"type:decimal(20,8)" json:"fixed_amount"`
	Params       string          `gorm:"type:text" json:"params"`
	MaxPositions int             `gorm:"default:1" json:"max_positions"`
	IntervalSec  int             `gorm:"default:60" json:"interval_sec"`
	Status       string          `gorm:"index" json:"status"`
	Meta         string          `gorm:"type:text" json:"meta"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Trade is one raw fill reported by the exchange. Append-only.
type Trade struct {
	ID              uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          uint            `gorm:"index" json:"user_id"`
	StrategyID      string          `gorm:"index" json:"strategy_id"`
	OrderID         int64           `gorm:"index" json:"order_id"`
	Symbol          string          `gorm:"index" json:"symbol"`
	Side            string          `json:"side"`
	OrderType       string          `json:"order_type"`
	ExecutedQty     decimal.Decimal `gorm:"type:decimal(20,8)" json:"executed_qty"`
	Price           decimal.Decimal `gorm:"type:decimal(20,8)" json:"price"`
	AvgPrice        decimal.Decimal `gorm:"type:decimal(20,8)" json:"avg_price"`
	Status          string          `json:"status"`
	Commission      decimal.Decimal `gorm:"type:decimal(20,8)" json:"commission"`
	CommissionAsset string          `json:"commission_asset"`
	Leverage        int             `json:"leverage"`
	PositionSide    string          `json:"position_side"`
	ExitReason      string          `json:"exit_reason,omitempty"`
	Timestamp       time.Time       `gorm:"index" json:"timestamp"`
	CreatedAt       time.Time       `json:"created_at"`
}

// CompletedTrade is one entry-exit pairing produced by the FIFO matcher.
// Canonical for PnL, win rate and risk reporting; NetPnL is the only PnL
// field anything downstream reads.
type CompletedTrade struct {
	ID           uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       uint            `gorm:"index" json:"user_id"`
	StrategyID   string          `gorm:"index" json:"strategy_id"`
	AccountID    string          `gorm:"index" json:"account_id"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Quantity     decimal.Decimal `gorm:"type:decimal(20,8)" json:"quantity"`
	EntryPrice   decimal.Decimal `gorm:"type:decimal(20,8)" json:"entry_price"`
	ExitPrice    decimal.Decimal `gorm:"type:decimal(20,8)" json:"exit_price"`
	EntryTime    time.Time       `json:"entry_time"`
	ExitTime     time.Time       `gorm:"index" json:"exit_time"`
	EntryOrderID int64           `json:"entry_order_id"`
	ExitOrderID  int64           `json:"exit_order_id"`
	GrossPnL     decimal.Decimal `gorm:"type:decimal(20,8)" json:"gross_pnl"`
	FeePaid      decimal.Decimal `gorm:"type:decimal(20,8)" json:"fee_paid"`
	NetPnL       decimal.Decimal `gorm:"type:decimal(20,8)" json:"net_pnl"`
	ExitReason   string          `json:"exit_reason"`
	CreatedAt    time.Time       `json:"created_at"`
}

// CompletedTradeOrder links a completed trade to the raw order ids that
// produced it, so history survives without re-running the matcher.
type CompletedTradeOrder struct {
	ID               uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	CompletedTradeID uint   `gorm:"index" json:"completed_trade_id"`
	OrderID          int64  `json:"order_id"`
	Role             string `json:"role"` // "entry" or "exit"
}

// RiskConfig holds risk limits, account-scoped when StrategyID is empty,
// strategy-scoped otherwise. Nil pointer means "option not set". Scopes
// merge most-restrictive-wins.
type RiskConfig struct {
	ID         uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     uint   `gorm:"index" json:"user_id"`
	AccountID  string `gorm:"index" json:"account_id"`
	StrategyID string `gorm:"index" json:"strategy_id,omitempty"`

	MaxPortfolioExposureUSDT *decimal.Decimal `gorm:"type:decimal(20,8)" json:"max_portfolio_exposure_usdt,omitempty"`
	MaxPortfolioExposurePct  *decimal.Decimal `gorm:"type:decimal(10,6)" json:"max_portfolio_exposure_pct,omitempty"`
	MaxDailyLossUSDT         *decimal.Decimal `gorm:"type:decimal(20,8)" json:"max_daily_loss_usdt,omitempty"`
	MaxDailyLossPct          *decimal.Decimal `gorm:"type:decimal(10,6)" json:"max_daily_loss_pct,omitempty"`
	MaxWeeklyLossUSDT        *decimal.Decimal `gorm:"type:decimal(20,8)" json:"max_weekly_loss_usdt,omitempty"`
	MaxWeeklyLossPct         *decimal.Decimal `gorm:"type:decimal(10,6)" json:"max_weekly_loss_pct,omitempty"`
	MaxDrawdownPct           *decimal.Decimal `gorm:"type:decimal(10,6)" json:"max_drawdown_pct,omitempty"`
	RapidLossThresholdPct    *decimal.Decimal `gorm:"type:decimal(10,6)" json:"rapid_loss_threshold_pct,omitempty"`

	CircuitBreakerEnabled bool `gorm:"default:true" json:"circuit_breaker_enabled"`
	MaxConsecutiveLosses  int  `json:"max_consecutive_losses"`
	AutoReduceOrderSize   bool `json:"auto_reduce_order_size"`

	Timezone           string `json:"timezone"`
	DailyLossResetHour int    `json:"daily_loss_reset_hour"`
	WeeklyLossResetDay int    `json:"weekly_loss_reset_day"` // 1=Monday .. 7=Sunday

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CircuitBreakerEvent is the audit record of a breaker trip or resolution.
type CircuitBreakerEvent struct {
	ID             uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         uint            `gorm:"index" json:"user_id"`
	AccountID      string          `gorm:"index" json:"account_id"`
	StrategyID     string          `gorm:"index" json:"strategy_id,omitempty"`
	BreakerType    string          `json:"breaker_type"`
	Scope          string          `json:"scope"`
	TriggerValue   decimal.Decimal `gorm:"type:decimal(20,8)" json:"trigger_value"`
	ThresholdValue decimal.Decimal `gorm:"type:decimal(20,8)" json:"threshold_value"`
	Status         string          `gorm:"index" json:"status"`
	TriggeredAt    time.Time       `json:"triggered_at"`
	CooldownUntil  *time.Time      `json:"cooldown_until,omitempty"`
	Details        string          `gorm:"type:text" json:"details,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ParameterHistory records one parameter change on a strategy.
type ParameterHistory struct {
	ID                uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID            uint            `gorm:"index" json:"user_id"`
	StrategyID        string          `gorm:"index" json:"strategy_id"`
	OldParams         string          `gorm:"type:text" json:"old_params"`
	NewParams         string          `gorm:"type:text" json:"new_params"`
	ChangedParams     string          `gorm:"type:text" json:"changed_params"`
	Reason            string          `json:"reason"` // "auto_tuning" or "manual"
	Status            string          `json:"status"` // "applied", "rolled_back", "aborted", "failed"
	PerformanceBefore decimal.Decimal `gorm:"type:decimal(20,8)" json:"performance_before"`
	PerformanceAfter  decimal.Decimal `gorm:"type:decimal(20,8)" json:"performance_after"`
	CreatedAt         time.Time       `json:"created_at"`
}

// SystemEvent is the generic audit log (restarts, breaker trips, manual
// stops, degraded-mode transitions).
type SystemEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uint      `gorm:"index" json:"user_id"`
	EventType string    `gorm:"index" json:"event_type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Details   string    `gorm:"type:text" json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AccountMetric is a small named-value table; the risk gate persists the
// per-account peak balance here so drawdown survives restarts.
type AccountMetric struct {
	ID        uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uint            `gorm:"index:idx_metric,unique" json:"user_id"`
	AccountID string          `gorm:"index:idx_metric,unique" json:"account_id"`
	Name      string          `gorm:"index:idx_metric,unique" json:"name"`
	Value     decimal.Decimal `gorm:"type:decimal(20,8)" json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}
