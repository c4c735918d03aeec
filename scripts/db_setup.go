// Database setup tool: opens the engine's database with the same
// configuration the daemon uses, runs the schema migration and verifies
// the store with a write/read round trip.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/web3guy0/futures-engine/internal/config"
	"github.com/web3guy0/futures-engine/internal/models"
	"github.com/web3guy0/futures-engine/internal/store"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("🔌 Connecting to %s...\n", cfg.DatabaseURL)
	st, err := store.Connect(cfg.DatabaseURL, cfg.StoreConnectTimeout)
	if err != nil {
		fmt.Printf("❌ Connection error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✅ Database connected, schema migrated")

	fmt.Println("\n📋 Tables:")
	tables, err := st.Tables()
	if err != nil {
		fmt.Printf("❌ Table listing error: %v\n", err)
		os.Exit(1)
	}
	for _, table := range tables {
		fmt.Printf("  - %s\n", table)
	}

	fmt.Println("\n📊 Row counts:")
	counts, err := st.RowCounts()
	if err != nil {
		fmt.Printf("❌ Count error: %v\n", err)
		os.Exit(1)
	}
	for _, name := range []string{"users", "accounts", "strategies", "trades", "completed_trades", "system_events"} {
		fmt.Printf("  - %s: %d rows\n", name, counts[name])
	}

	fmt.Println("\n🧪 Testing write/read...")
	if err := st.EnsureUser(cfg.DefaultUserID, "admin"); err != nil {
		fmt.Printf("❌ User setup error: %v\n", err)
		os.Exit(1)
	}

	probeID := fmt.Sprintf("probe%d", time.Now().UnixNano())
	if err := st.CreateAccount(&models.Account{
		UserID:           cfg.DefaultUserID,
		AccountID:        probeID,
		ExchangePlatform: "binance_futures",
		PaperTrading:     true,
		IsActive:         true,
	}); err != nil {
		fmt.Printf("❌ Insert error: %v\n", err)
		os.Exit(1)
	}
	acct, err := st.GetAccount(cfg.DefaultUserID, probeID)
	if err != nil {
		fmt.Printf("❌ Select error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Round trip OK (account %s, id %d)\n", acct.AccountID, acct.ID)

	fmt.Println("\n🧹 Cleaning test data...")
	if err := st.DeleteAccount(cfg.DefaultUserID, probeID); err != nil {
		fmt.Printf("⚠️ Delete error: %v\n", err)
	} else {
		fmt.Println("✅ Test data cleaned")
	}

	fmt.Println("\n✅ DATABASE READY")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("Core tables:")
	fmt.Println("  • strategies       - Persisted strategy configuration")
	fmt.Println("  • trades           - Raw fills, append-only")
	fmt.Println("  • completed_trades - Matched entry/exit round trips")
	fmt.Println("  • accounts         - Exchange sub-account credentials")
	fmt.Println("  • risk_configs     - Per-account and per-strategy limits")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}
