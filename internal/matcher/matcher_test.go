package matcher

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/futures-engine/internal/models"
)

var feeRate = decimal.NewFromFloat(0.0004)

func fill(orderID int64, side string, qty, price string, ts time.Time, exitReason string) models.Trade {
	return models.Trade{
		UserID:      1,
		StrategyID:  "strat-1",
		OrderID:     orderID,
		Symbol:      "BTCUSDT",
		Side:        side,
		OrderType:   models.OrderTypeMarket,
		ExecutedQty: decimal.RequireFromString(qty),
		AvgPrice:    decimal.RequireFromString(price),
		Status:      "FILLED",
		Timestamp:   ts,
		ExitReason:  exitReason,
	}
}

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(decimal.RequireFromString(want)), "want %s, got %s", want, got.String())
}

func TestMatchLongRoundTrip(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(5 * time.Minute)

	completed := Match([]models.Trade{
		fill(1, models.SideBuy, "1", "100", t0, ""),
		fill(2, models.SideSell, "1", "110", t1, ""),
	}, feeRate)

	require.Len(t, completed, 1)
	ct := completed[0]
	assert.Equal(t, models.PositionLong, ct.Side)
	assert.Equal(t, int64(1), ct.EntryOrderID)
	assert.Equal(t, int64(2), ct.ExitOrderID)
	assert.Equal(t, t0, ct.EntryTime)
	assert.Equal(t, t1, ct.ExitTime)
	assertDec(t, "1", ct.Quantity)
	assertDec(t, "100", ct.EntryPrice)
	assertDec(t, "110", ct.ExitPrice)
	assertDec(t, "10", ct.GrossPnL)
	// (100 + 110) × 1 × 0.0004 × 1
	assertDec(t, "0.084", ct.FeePaid)
	assertDec(t, "9.916", ct.NetPnL)
	assert.Equal(t, models.ExitReasonManual, ct.ExitReason)
}

func TestMatchShortRoundTrip(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	completed := Match([]models.Trade{
		fill(10, models.SideSell, "2", "100", t0, ""),
		fill(11, models.SideBuy, "2", "95", t0.Add(time.Minute), ""),
	}, feeRate)

	require.Len(t, completed, 1)
	ct := completed[0]
	assert.Equal(t, models.PositionShort, ct.Side)
	assertDec(t, "10", ct.GrossPnL)
	// (100 + 95) × 2 × 0.0004
	assertDec(t, "0.156", ct.FeePaid)
	assertDec(t, "9.844", ct.NetPnL)
}

func TestMatchPartialExits(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	completed := Match([]models.Trade{
		fill(1, models.SideBuy, "2", "100", t0, ""),
		fill(2, models.SideSell, "1", "110", t0.Add(time.Minute), models.ExitReasonTP),
		fill(3, models.SideSell, "1", "90", t0.Add(2*time.Minute), ""),
	}, feeRate)

	require.Len(t, completed, 2)

	first := completed[0]
	assertDec(t, "1", first.Quantity)
	assertDec(t, "10", first.GrossPnL)
	// fee is scaled by closed/original = 1/2: (100+110) × 1 × 0.0004 × 0.5
	assertDec(t, "0.042", first.FeePaid)
	assertDec(t, "9.958", first.NetPnL)
	assert.Equal(t, models.ExitReasonTP, first.ExitReason)

	second := completed[1]
	assertDec(t, "-10", second.GrossPnL)
	assertDec(t, "0.038", second.FeePaid)
	assertDec(t, "-10.038", second.NetPnL)
	assert.Equal(t, models.ExitReasonManual, second.ExitReason)
	assert.Equal(t, first.EntryOrderID, second.EntryOrderID, "both portions close the same lot")
}

func TestMatchFlipOpensOppositeLot(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	completed := Match([]models.Trade{
		fill(1, models.SideBuy, "1", "100", t0, ""),
		fill(2, models.SideSell, "3", "110", t0.Add(time.Minute), ""),
		fill(3, models.SideBuy, "2", "105", t0.Add(2*time.Minute), ""),
	}, feeRate)

	require.Len(t, completed, 2)

	long := completed[0]
	assert.Equal(t, models.PositionLong, long.Side)
	assertDec(t, "1", long.Quantity)
	assertDec(t, "10", long.GrossPnL)

	short := completed[1]
	assert.Equal(t, models.PositionShort, short.Side)
	assertDec(t, "2", short.Quantity)
	assertDec(t, "110", short.EntryPrice)
	assertDec(t, "105", short.ExitPrice)
	assertDec(t, "10", short.GrossPnL)
	// (110+105) × 2 × 0.0004 on the full flipped lot
	assertDec(t, "0.172", short.FeePaid)
	assert.Equal(t, int64(2), short.EntryOrderID, "residual of the flip is the short entry")
}

func TestMatchSortsByOrderID(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	// Exit first in the slice; order ids decide pairing, not input order.
	completed := Match([]models.Trade{
		fill(2, models.SideSell, "1", "110", t0.Add(time.Minute), ""),
		fill(1, models.SideBuy, "1", "100", t0, ""),
	}, feeRate)

	require.Len(t, completed, 1)
	assert.Equal(t, models.PositionLong, completed[0].Side)
	assertDec(t, "100", completed[0].EntryPrice)
}

func TestMatchIgnoresZeroQtyFills(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	completed := Match([]models.Trade{
		fill(1, models.SideBuy, "0", "100", t0, ""),
		fill(2, models.SideBuy, "1", "100", t0, ""),
		fill(3, models.SideSell, "1", "110", t0.Add(time.Minute), ""),
	}, feeRate)

	require.Len(t, completed, 1)
	assert.Equal(t, int64(2), completed[0].EntryOrderID)
}

func TestMatchOpenLotStaysOpen(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	completed := Match([]models.Trade{
		fill(1, models.SideBuy, "1", "100", t0, ""),
	}, feeRate)

	assert.Empty(t, completed)
}

func TestMatchFallsBackToPriceWhenAvgMissing(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	entry := fill(1, models.SideBuy, "1", "0", t0, "")
	entry.AvgPrice = decimal.Zero
	entry.Price = decimal.RequireFromString("100")
	exit := fill(2, models.SideSell, "1", "110", t0.Add(time.Minute), "")

	completed := Match([]models.Trade{entry, exit}, feeRate)

	require.Len(t, completed, 1)
	assertDec(t, "100", completed[0].EntryPrice)
}

func TestMatchExitReasonPrecedence(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		entryTag  string
		exitTag   string
		want      string
	}{
		{"closing fill tag wins", models.ExitReasonSL, models.ExitReasonTP, models.ExitReasonTP},
		{"opening lot tag when exit untagged", models.ExitReasonTP, "", models.ExitReasonTP},
		{"manual fallback", "", "", models.ExitReasonManual},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completed := Match([]models.Trade{
				fill(1, models.SideBuy, "1", "100", t0, tt.entryTag),
				fill(2, models.SideSell, "1", "110", t0.Add(time.Minute), tt.exitTag),
			}, feeRate)
			require.Len(t, completed, 1)
			assert.Equal(t, tt.want, completed[0].ExitReason)
		})
	}
}

func completedWith(netPnL string, exitTime time.Time) models.CompletedTrade {
	return models.CompletedTrade{NetPnL: decimal.RequireFromString(netPnL), ExitTime: exitTime}
}

func TestConsecutiveLosses(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		completed []models.CompletedTrade
		want      int
	}{
		{"empty", nil, 0},
		{"all wins", []models.CompletedTrade{
			completedWith("5", base),
			completedWith("3", base.Add(time.Hour)),
		}, 0},
		{"streak ends at win", []models.CompletedTrade{
			completedWith("5", base),
			completedWith("-1", base.Add(1 * time.Hour)),
			completedWith("-2", base.Add(2 * time.Hour)),
			completedWith("-3", base.Add(3 * time.Hour)),
		}, 3},
		{"unsorted input", []models.CompletedTrade{
			completedWith("-2", base.Add(2 * time.Hour)),
			completedWith("5", base),
			completedWith("-3", base.Add(3 * time.Hour)),
			completedWith("-1", base.Add(1 * time.Hour)),
		}, 3},
		{"zero pnl breaks streak", []models.CompletedTrade{
			completedWith("-1", base),
			completedWith("0", base.Add(1 * time.Hour)),
			completedWith("-2", base.Add(2 * time.Hour)),
		}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ConsecutiveLosses(tt.completed))
		})
	}
}

func TestNetPnLSince(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	completed := []models.CompletedTrade{
		completedWith("-5", base.Add(-time.Hour)), // before the window
		completedWith("3", base),                  // exactly at the cutoff counts
		completedWith("-1", base.Add(time.Hour)),
	}

	assertDec(t, "2", NetPnLSince(completed, base))
	assertDec(t, "-3", NetPnLSince(completed, base.Add(-2*time.Hour)))
	assertDec(t, "0", NetPnLSince(completed, base.Add(2*time.Hour)))
}
