package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/futures-engine/internal/models"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION SIZING - Margin based sizing
// ═══════════════════════════════════════════════════════════════════════════════
//
// Formula: qty = margin / price
//
// margin = fixed_amount when configured, else risk_per_trade * equity.
// Leverage multiplies exposure, not quantity: the exchange applies it.
//
// ═══════════════════════════════════════════════════════════════════════════════

// qtyPrecision bounds order quantities. Per-symbol step filters are not
// modeled; quantities are truncated, never rounded up.
const qtyPrecision int32 = 6

// ErrPositionTooSmall means the computed quantity truncated to nothing.
var ErrPositionTooSmall = errors.New("position size too small")

type Sizer struct {
	minMargin decimal.Decimal
}

func NewSizer() *Sizer {
	return &Sizer{minMargin: decimal.NewFromInt(1)}
}

// Calculate computes the order quantity for a strategy at the given price.
func (s *Sizer) Calculate(sum *models.StrategySummary, price, equity decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: price %s", ErrPositionTooSmall, price.String())
	}

	margin := sum.FixedAmount
	if !margin.IsPositive() {
		margin = equity.Mul(sum.RiskPerTrade)
	}
	if margin.LessThan(s.minMargin) {
		return decimal.Zero, fmt.Errorf("%w: margin %s below minimum %s",
			ErrPositionTooSmall, margin.StringFixed(2), s.minMargin.StringFixed(2))
	}

	qty := margin.Div(price).Truncate(qtyPrecision)
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s %s at price %s",
			ErrPositionTooSmall, margin.StringFixed(2), sum.Symbol, price.String())
	}
	return qty, nil
}

// Margin returns the quote-asset margin a filled quantity consumed.
func (s *Sizer) Margin(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price)
}
