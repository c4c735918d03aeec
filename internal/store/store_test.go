package store

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/web3guy0/futures-engine/internal/models"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Connect(":memory:", time.Second)
	require.NoError(t, err)
	require.NoError(t, st.EnsureUser(1, "tester"))
	return st
}

func testStrategy(strategyID, accountID string) *models.Strategy {
	return &models.Strategy{
		StrategyID:   strategyID,
		UserID:       1,
		AccountID:    accountID,
		Name:         "test " + strategyID,
		Symbol:       "BTCUSDT",
		StrategyType: "ema_scalping",
		Leverage:     5,
		RiskPerTrade: decimal.RequireFromString("0.01"),
		IntervalSec:  60,
		Status:       models.StatusStopped,
	}
}

func TestEnsureUserIdempotent(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.EnsureUser(1, "tester"))
	require.NoError(t, st.EnsureUser(1, "tester"))
}

func TestUserScopeRequired(t *testing.T) {
	st := newTestStore(t)

	err := st.CreateStrategy(&models.Strategy{StrategyID: "s1"})
	assert.ErrorIs(t, err, ErrMissingUserID)

	_, err = st.GetStrategy(0, "s1")
	assert.ErrorIs(t, err, ErrMissingUserID)

	_, err = st.ListAccounts(0)
	assert.ErrorIs(t, err, ErrMissingUserID)
}

func TestAccountRoundTrip(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.CreateAccount(&models.Account{
		UserID: 1, AccountID: "Main1", ExchangePlatform: "binance_futures", IsActive: true,
	}))

	acct, err := st.GetAccount(1, "MAIN1")
	require.NoError(t, err)
	assert.Equal(t, "main1", acct.AccountID, "handles are stored lowercase")
	assert.True(t, acct.IsActive)

	_, err = st.GetAccount(1, "ghost")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestCreateAccountDefaultHandover(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.CreateAccount(&models.Account{UserID: 1, AccountID: "a", IsDefault: true, IsActive: true}))
	require.NoError(t, st.CreateAccount(&models.Account{UserID: 1, AccountID: "b", IsDefault: true, IsActive: true}))

	a, err := st.GetAccount(1, "a")
	require.NoError(t, err)
	assert.False(t, a.IsDefault, "default moved to the newer account")

	b, err := st.GetAccount(1, "b")
	require.NoError(t, err)
	assert.True(t, b.IsDefault)
}

func TestDeleteAccountBlockedByStrategies(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateAccount(&models.Account{UserID: 1, AccountID: "main", IsActive: true}))
	require.NoError(t, st.CreateStrategy(testStrategy("s1", "main")))

	err := st.DeleteAccount(1, "main")
	assert.ErrorIs(t, err, ErrAccountHasStrategies)

	require.NoError(t, st.DeleteStrategy(1, "s1"))
	require.NoError(t, st.DeleteAccount(1, "main"))

	_, err = st.GetAccount(1, "main")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestStrategyLifecycle(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateStrategy(testStrategy("s1", "main")))

	row, err := st.GetStrategy(1, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, row.Status)

	require.NoError(t, st.UpdateStrategyStatus(1, "s1", models.StatusRunning))
	require.NoError(t, st.UpdateStrategyMeta(1, "s1", `{"tp_order_id":7}`))

	row, err = st.GetStrategy(1, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, row.Status)
	assert.Equal(t, `{"tp_order_id":7}`, row.Meta)

	running, err := st.ListStrategiesByStatus(1, models.StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)

	_, err = st.GetStrategy(1, "ghost")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestListLiveStrategies(t *testing.T) {
	st := newTestStore(t)

	running := testStrategy("s1", "main")
	running.Status = models.StatusRunning
	riskStopped := testStrategy("s2", "main")
	riskStopped.Status = models.StatusStoppedByRisk
	stopped := testStrategy("s3", "main")
	otherAccount := testStrategy("s4", "other")
	otherAccount.Status = models.StatusRunning

	for _, row := range []*models.Strategy{running, riskStopped, stopped, otherAccount} {
		require.NoError(t, st.CreateStrategy(row))
	}

	live, err := st.ListLiveStrategies(1, "MAIN")
	require.NoError(t, err)
	ids := make([]string, 0, len(live))
	for _, row := range live {
		ids = append(ids, row.StrategyID)
	}
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)
}

func seedTrade(t *testing.T, st *Store, strategyID string, orderID int64, side, qty, price string) {
	t.Helper()
	require.NoError(t, st.SaveTrade(&models.Trade{
		UserID:      1,
		StrategyID:  strategyID,
		OrderID:     orderID,
		Symbol:      "BTCUSDT",
		Side:        side,
		OrderType:   models.OrderTypeMarket,
		ExecutedQty: decimal.RequireFromString(qty),
		AvgPrice:    decimal.RequireFromString(price),
		Status:      "FILLED",
		Timestamp:   time.Now().UTC(),
	}))
}

func TestTradeQueries(t *testing.T) {
	st := newTestStore(t)
	seedTrade(t, st, "s1", 3, models.SideSell, "1", "110")
	seedTrade(t, st, "s1", 1, models.SideBuy, "1", "100")
	seedTrade(t, st, "s1", 2, models.SideBuy, "1", "105")

	asc, err := st.GetTrades(1, "s1", 0)
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, int64(1), asc[0].OrderID)
	assert.Equal(t, int64(3), asc[2].OrderID)

	recent, err := st.RecentTrades(1, "s1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(3), recent[0].OrderID, "newest first")
}

func completedFixture(strategyID, accountID, netPnL string, exitTime time.Time, entryOrder, exitOrder int64) models.CompletedTrade {
	return models.CompletedTrade{
		UserID:       1,
		StrategyID:   strategyID,
		AccountID:    accountID,
		Symbol:       "BTCUSDT",
		Side:         models.PositionLong,
		Quantity:     decimal.NewFromInt(1),
		EntryPrice:   decimal.NewFromInt(100),
		ExitPrice:    decimal.NewFromInt(110),
		EntryTime:    exitTime.Add(-time.Hour),
		ExitTime:     exitTime,
		EntryOrderID: entryOrder,
		ExitOrderID:  exitOrder,
		NetPnL:       decimal.RequireFromString(netPnL),
		ExitReason:   models.ExitReasonManual,
	}
}

func TestReplaceCompletedTrades(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, st.ReplaceCompletedTrades(1, "s1", []models.CompletedTrade{
		completedFixture("s1", "main", "5", now, 1, 2),
	}))
	require.NoError(t, st.ReplaceCompletedTrades(1, "s1", []models.CompletedTrade{
		completedFixture("s1", "main", "5", now, 1, 2),
		completedFixture("s1", "main", "-3", now.Add(time.Hour), 3, 4),
	}))

	rows, err := st.CompletedTrades(1, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2, "replace swaps, never appends")

	var links []models.CompletedTradeOrder
	require.NoError(t, st.db.Find(&links).Error)
	assert.Len(t, links, 4, "entry and exit link per completed trade, stale links gone")
}

func TestCompletedTradesForAccountSince(t *testing.T) {
	st := newTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.ReplaceCompletedTrades(1, "s1", []models.CompletedTrade{
		completedFixture("s1", "main", "-5", base.Add(-2*time.Hour), 1, 2),
		completedFixture("s1", "main", "3", base, 3, 4),
	}))
	require.NoError(t, st.ReplaceCompletedTrades(1, "s2", []models.CompletedTrade{
		completedFixture("s2", "other", "7", base, 5, 6),
	}))

	rows, err := st.CompletedTradesForAccountSince(1, "MAIN", base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1, "window and account both filter")
	assert.Equal(t, "s1", rows[0].StrategyID)
}

func TestDeleteStrategyCascades(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateStrategy(testStrategy("s1", "main")))
	seedTrade(t, st, "s1", 1, models.SideBuy, "1", "100")
	require.NoError(t, st.ReplaceCompletedTrades(1, "s1", []models.CompletedTrade{
		completedFixture("s1", "main", "5", time.Now().UTC(), 1, 2),
	}))

	require.NoError(t, st.DeleteStrategy(1, "s1"))

	_, err := st.GetStrategy(1, "s1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	trades, err := st.GetTrades(1, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, trades)

	completed, err := st.CompletedTrades(1, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, completed)

	var links []models.CompletedTradeOrder
	require.NoError(t, st.db.Find(&links).Error)
	assert.Empty(t, links)
}

func TestRiskConfigScopes(t *testing.T) {
	st := newTestStore(t)
	accountCap := decimal.RequireFromString("5000")

	require.NoError(t, st.SaveRiskConfig(&models.RiskConfig{
		UserID: 1, AccountID: "Main",
		MaxPortfolioExposureUSDT: &accountCap,
		CircuitBreakerEnabled:    true,
	}))

	rc, err := st.GetRiskConfig(1, "main")
	require.NoError(t, err)
	require.NotNil(t, rc.MaxPortfolioExposureUSDT)
	assert.True(t, rc.MaxPortfolioExposureUSDT.Equal(accountCap))

	_, err = st.GetRiskConfig(1, "other")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	tighter := decimal.RequireFromString("1000")
	require.NoError(t, st.SaveRiskConfig(&models.RiskConfig{
		UserID: 1, AccountID: "main", StrategyID: "s1",
		MaxPortfolioExposureUSDT: &tighter,
	}))

	src, err := st.GetStrategyRiskConfig(1, "s1")
	require.NoError(t, err)
	assert.True(t, src.MaxPortfolioExposureUSDT.Equal(tighter))

	// The account-scoped read must not pick up the strategy row.
	rc, err = st.GetRiskConfig(1, "main")
	require.NoError(t, err)
	assert.True(t, rc.MaxPortfolioExposureUSDT.Equal(accountCap))
}

func TestBreakerEventLifecycle(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	require.NoError(t, st.SaveBreakerEvent(&models.CircuitBreakerEvent{
		UserID: 1, AccountID: "main", StrategyID: "s1",
		BreakerType: "consecutive_losses", Scope: "strategy",
		Status: "active", TriggeredAt: now, CooldownUntil: &past,
	}))
	require.NoError(t, st.SaveBreakerEvent(&models.CircuitBreakerEvent{
		UserID: 1, AccountID: "main",
		BreakerType: "rapid_loss", Scope: "account",
		Status: "active", TriggeredAt: now, CooldownUntil: &future,
	}))

	active, err := st.ActiveBreakerEvents(1, "main")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	require.NoError(t, st.ResolveBreakerEvents(1, now))

	active, err = st.ActiveBreakerEvents(1, "main")
	require.NoError(t, err)
	require.Len(t, active, 1, "only the expired cooldown resolves")
	assert.Equal(t, "rapid_loss", active[0].BreakerType)
}

func TestMetrics(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetMetric(1, "main", "peak_balance")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	require.NoError(t, st.SetMetric(1, "main", "peak_balance", decimal.RequireFromString("10000")))
	v, err := st.GetMetric(1, "MAIN", "peak_balance")
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.RequireFromString("10000")))

	require.NoError(t, st.SetMetric(1, "main", "peak_balance", decimal.RequireFromString("12000")))
	v, err = st.GetMetric(1, "main", "peak_balance")
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.RequireFromString("12000")), "upsert replaces")
}

func TestLogSystemEvent(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.LogSystemEvent(1, "engine_restart", "info", "restored 2 of 2", ""))

	var events []models.SystemEvent
	require.NoError(t, st.db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, "engine_restart", events[0].EventType)
}

func TestDegradedStoreFailsWithErrUnavailable(t *testing.T) {
	st, err := Connect("/dev/null/nope.db", time.Millisecond)
	require.Error(t, err)
	require.NotNil(t, st, "degraded store is still usable")
	assert.False(t, st.Available())

	assert.ErrorIs(t, st.CreateStrategy(testStrategy("s1", "main")), ErrUnavailable)
	_, err = st.GetStrategy(1, "s1")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = st.ListAccounts(1)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestProbe(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Probe())
	assert.True(t, st.Available())
}
