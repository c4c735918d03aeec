// Trade analysis tool: replays the FIFO matcher over the raw fills in the
// store and prints per-round-trip PnL, fees included. Useful when the
// materialized completed_trades rows need an independent cross-check.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/web3guy0/futures-engine/internal/config"
	"github.com/web3guy0/futures-engine/internal/matcher"
	"github.com/web3guy0/futures-engine/internal/models"
	"github.com/web3guy0/futures-engine/internal/stats"
	"github.com/web3guy0/futures-engine/internal/store"
)

func main() {
	strategyID := flag.String("strategy", "", "analyze one strategy id (default: all)")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Connect(cfg.DatabaseURL, cfg.StoreConnectTimeout)
	if err != nil {
		fmt.Printf("❌ Store error: %v\n", err)
		os.Exit(1)
	}

	rows, err := st.ListStrategies(cfg.DefaultUserID)
	if err != nil {
		fmt.Printf("❌ Listing strategies: %v\n", err)
		os.Exit(1)
	}

	var all []models.CompletedTrade
	for i := range rows {
		row := &rows[i]
		if *strategyID != "" && row.StrategyID != *strategyID {
			continue
		}
		trades, err := st.GetTrades(cfg.DefaultUserID, row.StrategyID, 0)
		if err != nil {
			fmt.Printf("⚠️ %s: %v\n", row.Name, err)
			continue
		}
		completed := matcher.Match(trades, cfg.FeeRate)
		if len(completed) == 0 {
			continue
		}
		printStrategy(row, completed)
		all = append(all, completed...)
	}

	if len(all) == 0 {
		fmt.Println("No completed trades found")
		return
	}

	o := stats.Overall(all)
	fmt.Printf("\n📈 OVERALL: %d trades | win rate %s%% | gross %s | fees %s | net %s\n",
		o.TotalTrades,
		o.WinRate.StringFixed(1),
		o.GrossPnL.StringFixed(4),
		o.FeesPaid.StringFixed(4),
		o.NetPnL.StringFixed(4),
	)

	first, last := all[0].ExitTime, all[0].ExitTime
	for _, ct := range all[1:] {
		if ct.ExitTime.Before(first) {
			first = ct.ExitTime
		}
		if ct.ExitTime.After(last) {
			last = ct.ExitTime
		}
	}
	fmt.Printf("   Date range: %s to %s\n", first.Format("Jan 2 15:04"), last.Format("Jan 2 15:04"))
}

func printStrategy(row *models.Strategy, completed []models.CompletedTrade) {
	fmt.Printf("\n📊 %s — %s (%s)\n", row.Name, row.Symbol, row.StrategyID)
	fmt.Println("═══════════════════════════════════════════════════════════════════════")
	fmt.Println("│ SIDE  │ QTY       │ ENTRY      │ EXIT       │ NET PnL     │ REASON")
	fmt.Println("═══════════════════════════════════════════════════════════════════════")

	for i := range completed {
		ct := &completed[i]
		marker := "✅"
		if ct.NetPnL.IsNegative() {
			marker = "❌"
		}
		fmt.Printf("│ %-5s │ %9s │ %10s │ %10s │ %11s │ %s %s\n",
			ct.Side,
			ct.Quantity.StringFixed(4),
			ct.EntryPrice.StringFixed(4),
			ct.ExitPrice.StringFixed(4),
			ct.NetPnL.StringFixed(4),
			marker, ct.ExitReason,
		)
	}

	fmt.Println("═══════════════════════════════════════════════════════════════════════")
	s := stats.Compute(row.StrategyID, completed)
	fmt.Printf("   Trades: %d | Wins: %d | Losses: %d | Win rate: %s%% | Net: %s\n",
		s.TotalTrades, s.Wins, s.Losses, s.WinRate.StringFixed(1), s.NetPnL.StringFixed(4))
}
