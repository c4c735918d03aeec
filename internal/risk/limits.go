package risk

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/web3guy0/futures-engine/internal/models"
	"github.com/web3guy0/futures-engine/internal/store"
)

// Limits is the resolved working set of risk caps for one check. Zero
// decimals mean "no cap configured".
type Limits struct {
	MaxPortfolioExposureUSDT decimal.Decimal
	MaxPortfolioExposurePct  decimal.Decimal
	MaxDailyLossUSDT         decimal.Decimal
	MaxDailyLossPct          decimal.Decimal
	MaxWeeklyLossUSDT        decimal.Decimal
	MaxWeeklyLossPct         decimal.Decimal
	MaxDrawdownPct           decimal.Decimal
	RapidLossThresholdPct    decimal.Decimal

	CircuitBreakerEnabled bool
	MaxConsecutiveLosses  int
	AutoReduceOrderSize   bool

	Location           *time.Location
	DailyLossResetHour int
	WeeklyLossResetDay int // 1=Monday .. 7=Sunday
}

// DefaultLimits returns the engine-wide baseline: breaker armed at five
// consecutive losses, no monetary caps until configured.
func DefaultLimits(loc *time.Location, dailyResetHour, weeklyResetDay int) Limits {
	if loc == nil {
		loc = time.UTC
	}
	return Limits{
		CircuitBreakerEnabled: true,
		MaxConsecutiveLosses:  5,
		Location:              loc,
		DailyLossResetHour:    dailyResetHour,
		WeeklyLossResetDay:    weeklyResetDay,
	}
}

// apply overlays a stored config row onto l. Set options replace; unset
// (nil) options keep the current value.
func (l Limits) apply(rc *models.RiskConfig) Limits {
	if rc == nil {
		return l
	}
	setDec := func(dst *decimal.Decimal, src *decimal.Decimal) {
		if src != nil {
			*dst = *src
		}
	}
	setDec(&l.MaxPortfolioExposureUSDT, rc.MaxPortfolioExposureUSDT)
	setDec(&l.MaxPortfolioExposurePct, rc.MaxPortfolioExposurePct)
	setDec(&l.MaxDailyLossUSDT, rc.MaxDailyLossUSDT)
	setDec(&l.MaxDailyLossPct, rc.MaxDailyLossPct)
	setDec(&l.MaxWeeklyLossUSDT, rc.MaxWeeklyLossUSDT)
	setDec(&l.MaxWeeklyLossPct, rc.MaxWeeklyLossPct)
	setDec(&l.MaxDrawdownPct, rc.MaxDrawdownPct)
	setDec(&l.RapidLossThresholdPct, rc.RapidLossThresholdPct)

	l.CircuitBreakerEnabled = rc.CircuitBreakerEnabled
	if rc.MaxConsecutiveLosses > 0 {
		l.MaxConsecutiveLosses = rc.MaxConsecutiveLosses
	}
	l.AutoReduceOrderSize = rc.AutoReduceOrderSize

	if rc.Timezone != "" {
		if loc, err := time.LoadLocation(rc.Timezone); err == nil {
			l.Location = loc
		}
	}
	if rc.DailyLossResetHour >= 0 && rc.DailyLossResetHour <= 23 {
		l.DailyLossResetHour = rc.DailyLossResetHour
	}
	if rc.WeeklyLossResetDay >= 1 && rc.WeeklyLossResetDay <= 7 {
		l.WeeklyLossResetDay = rc.WeeklyLossResetDay
	}
	return l
}

// merge tightens l with a strategy-scoped override: for every cap that is
// set on both scopes the more restrictive (smaller) one wins, and breaker
// arming can only get stricter.
func (l Limits) merge(rc *models.RiskConfig) Limits {
	if rc == nil {
		return l
	}
	tighten := func(dst *decimal.Decimal, src *decimal.Decimal) {
		if src == nil {
			return
		}
		if dst.IsZero() || src.LessThan(*dst) {
			*dst = *src
		}
	}
	tighten(&l.MaxPortfolioExposureUSDT, rc.MaxPortfolioExposureUSDT)
	tighten(&l.MaxPortfolioExposurePct, rc.MaxPortfolioExposurePct)
	tighten(&l.MaxDailyLossUSDT, rc.MaxDailyLossUSDT)
	tighten(&l.MaxDailyLossPct, rc.MaxDailyLossPct)
	tighten(&l.MaxWeeklyLossUSDT, rc.MaxWeeklyLossUSDT)
	tighten(&l.MaxWeeklyLossPct, rc.MaxWeeklyLossPct)
	tighten(&l.MaxDrawdownPct, rc.MaxDrawdownPct)
	tighten(&l.RapidLossThresholdPct, rc.RapidLossThresholdPct)

	l.CircuitBreakerEnabled = l.CircuitBreakerEnabled || rc.CircuitBreakerEnabled
	if rc.MaxConsecutiveLosses > 0 && (l.MaxConsecutiveLosses == 0 || rc.MaxConsecutiveLosses < l.MaxConsecutiveLosses) {
		l.MaxConsecutiveLosses = rc.MaxConsecutiveLosses
	}
	l.AutoReduceOrderSize = l.AutoReduceOrderSize || rc.AutoReduceOrderSize
	return l
}

// ResolveLimits loads account- and strategy-scoped config rows and folds
// them over the defaults. Missing rows are fine; other store failures fall
// back to defaults so risk checks stay decidable.
func ResolveLimits(st *store.Store, defaults Limits, userID uint, accountID, strategyID string) Limits {
	l := defaults

	acct, err := st.GetRiskConfig(userID, accountID)
	if err == nil {
		l = l.apply(acct)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) && !errors.Is(err, store.ErrUnavailable) {
		return defaults
	}

	if strategyID != "" {
		strat, err := st.GetStrategyRiskConfig(userID, strategyID)
		if err == nil {
			l = l.merge(strat)
		}
	}
	return l
}

// DayStart returns the start of the current loss day in l's timezone,
// honoring the configured reset hour.
func (l Limits) DayStart(now time.Time) time.Time {
	local := now.In(l.Location)
	start := time.Date(local.Year(), local.Month(), local.Day(), l.DailyLossResetHour, 0, 0, 0, l.Location)
	if local.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

// WeekStart returns the start of the current loss week: the most recent
// reset day at the daily reset hour.
func (l Limits) WeekStart(now time.Time) time.Time {
	dayStart := l.DayStart(now)

	// time.Weekday is 0=Sunday; the config speaks 1=Monday .. 7=Sunday.
	isoWeekday := int(dayStart.Weekday())
	if isoWeekday == 0 {
		isoWeekday = 7
	}
	delta := isoWeekday - l.WeeklyLossResetDay
	if delta < 0 {
		delta += 7
	}
	return dayStart.AddDate(0, 0, -delta)
}
