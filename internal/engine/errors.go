package engine

import (
	"errors"

	"github.com/web3guy0/futures-engine/internal/scheduler"
)

// Operation errors surfaced to API callers. The server maps these onto
// HTTP statuses.
var (
	ErrStrategyNotFound     = errors.New("strategy not found")
	ErrAccountNotFound      = errors.New("account not found")
	ErrUnknownStrategyType  = errors.New("unknown strategy type")
	ErrInvalidLeverage      = errors.New("leverage must be between 1 and 50")
	ErrInvalidRiskPerTrade  = errors.New("risk_per_trade must be in (0, 1]")
	ErrInvalidSymbol        = errors.New("symbol is required")
	ErrSymbolConflict       = errors.New("another strategy already trades this symbol on the account")
	ErrStrategyRunning      = errors.New("strategy is running, stop it first")
	ErrRiskStopActive       = errors.New("strategy was stopped by the circuit breaker, reset required")
	ErrCircuitBreakerActive = errors.New("circuit breaker cooldown active")
	ErrNotRiskStopped       = errors.New("strategy is not risk-stopped")

	// Lifecycle errors come from the scheduler unchanged.
	ErrStrategyAlreadyRunning  = scheduler.ErrAlreadyRunning
	ErrStrategyNotRunning      = scheduler.ErrNotRunning
	ErrMaxConcurrentStrategies = scheduler.ErrMaxConcurrent
)
