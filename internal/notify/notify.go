// Package notify pushes engine events to the operator. The engine talks
// to the Notifier interface only; wiring decides between Telegram and the
// no-op fallback.
package notify

import (
	"github.com/shopspring/decimal"

	"github.com/web3guy0/futures-engine/internal/models"
)

// Notifier receives engine lifecycle and trading events. Implementations
// must not block the caller for long; ticks wait on them.
type Notifier interface {
	StrategyStarted(sum *models.StrategySummary)
	StrategyStopped(sum *models.StrategySummary, finalPnL decimal.Decimal)
	StrategyError(sum *models.StrategySummary, err error)
	TradeExecuted(sum *models.StrategySummary, side string, qty, price decimal.Decimal, reduceOnly bool)
	PnLThreshold(sum *models.StrategySummary, pnl decimal.Decimal)
	CircuitBreaker(ev models.CircuitBreakerEvent)
	StoreDown(err error)
	StoreRestored()
	EngineRestarted(restored int, failures []string)
}

// Noop satisfies Notifier and does nothing. Used when no Telegram
// credentials are configured and in tests.
type Noop struct{}

func (Noop) StrategyStarted(*models.StrategySummary)                                            {}
func (Noop) StrategyStopped(*models.StrategySummary, decimal.Decimal)                           {}
func (Noop) StrategyError(*models.StrategySummary, error)                                       {}
func (Noop) TradeExecuted(*models.StrategySummary, string, decimal.Decimal, decimal.Decimal, bool) {}
func (Noop) PnLThreshold(*models.StrategySummary, decimal.Decimal)                              {}
func (Noop) CircuitBreaker(models.CircuitBreakerEvent)                                          {}
func (Noop) StoreDown(error)                                                                    {}
func (Noop) StoreRestored()                                                                     {}
func (Noop) EngineRestarted(int, []string)                                                      {}
