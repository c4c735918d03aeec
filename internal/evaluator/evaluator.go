package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/futures-engine/internal/exchange"
	"github.com/web3guy0/futures-engine/internal/models"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EVALUATOR REGISTRY - Pluggable strategy logic
// ═══════════════════════════════════════════════════════════════════════════════
//
// An Evaluator owns the trading logic of one strategy instance. The
// scheduler drives it: sync position state, evaluate, act on the signal.
// New strategy types register a constructor under their type name.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrUnknownType means no evaluator is registered for the strategy type.
var ErrUnknownType = errors.New("unknown strategy type")

// Evaluator produces signals for one strategy instance.
type Evaluator interface {
	// Evaluate fetches market data and emits the signal for this tick.
	Evaluate(ctx context.Context) (models.Signal, error)

	// SyncPositionState aligns internal state with the reconciled
	// position before evaluation. Empty side means flat.
	SyncPositionState(side string, entry decimal.Decimal)

	// Teardown releases evaluator resources when the strategy stops.
	Teardown()
}

// Constructor builds an evaluator for a strategy row. The row's Params
// JSON carries type-specific tuning.
type Constructor func(cli exchange.Client, row *models.Strategy) (Evaluator, error)

// Registry maps strategy types to constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Default returns a registry with the built-in strategy types.
func Default() *Registry {
	r := NewRegistry()
	r.Register(TypeEMAScalping, NewEMAScalper)
	r.Register(TypeRangeMeanReversion, NewRangeReverter)
	return r
}

// Register adds a constructor under the given type name. Re-registering
// replaces, which tests use to inject fakes.
func (r *Registry) Register(strategyType string, fn Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[strategyType] = fn
}

// Known reports whether the type has a registered constructor.
func (r *Registry) Known(strategyType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[strategyType]
	return ok
}

// Types lists the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Create builds an evaluator for the strategy row.
func (r *Registry) Create(cli exchange.Client, row *models.Strategy) (Evaluator, error) {
	r.mu.RLock()
	fn, ok := r.constructors[row.StrategyType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, row.StrategyType)
	}
	return fn(cli, row)
}
