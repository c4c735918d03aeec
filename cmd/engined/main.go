// Engined - automated futures strategy runtime
//
// One process runs every registered strategy: per-strategy tick loops
// evaluate market data and route orders through a centralized risk gate,
// positions reconcile against the exchange every tick, and all state is
// persisted through the store with a redis mirror for fast restarts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/futures-engine/internal/account"
	"github.com/web3guy0/futures-engine/internal/config"
	"github.com/web3guy0/futures-engine/internal/engine"
	"github.com/web3guy0/futures-engine/internal/evaluator"
	"github.com/web3guy0/futures-engine/internal/exchange"
	"github.com/web3guy0/futures-engine/internal/executor"
	"github.com/web3guy0/futures-engine/internal/notify"
	"github.com/web3guy0/futures-engine/internal/risk"
	"github.com/web3guy0/futures-engine/internal/scheduler"
	"github.com/web3guy0/futures-engine/internal/server"
	"github.com/web3guy0/futures-engine/internal/store"
)

const version = "1.2.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Bool("testnet", cfg.Testnet).
		Str("listen", cfg.ListenAddr).
		Msg("⚡ Futures engine starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ====== PERSISTENCE ======

	st, err := store.Connect(cfg.DatabaseURL, cfg.StoreConnectTimeout)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Store unreachable, starting degraded; health probe keeps retrying")
	} else if err := st.EnsureUser(cfg.DefaultUserID, "admin"); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure default user")
	}

	cache, err := store.NewCache(cfg.RedisURL, cfg.CacheTradesLimit)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Cache unavailable, running store-only")
		cache = nil
	}

	// ====== NOTIFICATIONS ======

	var notifier notify.Notifier = notify.Noop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.NewTelegram(cfg.TelegramToken, fmt.Sprintf("%d", cfg.TelegramChatID))
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram unavailable, notifications disabled")
		} else {
			notifier = tg
			log.Info().Msg("📱 Telegram notifications enabled")
		}
	}

	// ====== EXCHANGE ACCESS ======

	accounts := account.NewRegistry(st, cfg.DefaultUserID, cfg.Testnet, cfg.ExchangeBaseURL)

	var stream *exchange.KlineStream
	if cfg.KlineStreamEnabled {
		stream = exchange.NewKlineStream(cfg.Testnet, cfg.ExchangeWSURL)
		if err := stream.Start(); err != nil {
			log.Warn().Err(err).Msg("⚠️ Kline stream failed to start, using REST prices")
			stream = nil
		} else {
			log.Info().Msg("📈 Kline stream connected")
		}
	}

	// ====== RISK ======

	limits := risk.DefaultLimits(cfg.Location(), cfg.DailyResetHour, cfg.WeeklyResetDay)
	gate := risk.NewGate(st, accounts, limits, cfg.PartialFillThreshold)
	breaker := risk.NewBreaker(st, accounts, limits, cfg.DefaultUserID, cfg.FeeRate)

	// ====== EXECUTION ======

	exec := executor.New(st, cache, cfg.FeeRate)
	sizer := risk.NewSizer()
	evals := evaluator.Default()

	sched := scheduler.New(st, cache, accounts, gate, breaker, exec, sizer, evals, notifier, scheduler.Config{
		MaxConcurrent:  cfg.MaxConcurrentStrategies,
		FeeRate:        cfg.FeeRate,
		PnLAlertProfit: cfg.PnLAlertProfit,
		PnLAlertLoss:   cfg.PnLAlertLoss,
	})
	if stream != nil {
		sched.SetStream(stream)
	}

	eng := engine.New(cfg.DefaultUserID, st, cache, accounts, gate, breaker, sched, evals, notifier, cfg.FeeRate)

	// ====== RESTORE ======

	if err := eng.Hydrate(ctx); err != nil {
		log.Warn().Err(err).Msg("⚠️ Hydration incomplete")
	}
	restored, failures := eng.RestoreRunning(ctx)
	if len(failures) > 0 {
		log.Warn().Strs("failures", failures).Msg("⚠️ Some strategies did not restore")
	}

	// ====== SUPERVISOR ======

	sup := scheduler.NewSupervisor()
	probe := store.NewHealthMonitor(st,
		func() { notifier.StoreDown(fmt.Errorf("store probe failed")) },
		func() { notifier.StoreRestored() },
	)
	if err := sup.Add(fmt.Sprintf("@every %s", cfg.HealthProbeInterval), probe); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule health probe")
	}
	if err := sup.Add(fmt.Sprintf("@every %s", cfg.ReaperInterval), scheduler.NewJob("dead-task-reaper", sched.Reap)); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule reaper")
	}
	if err := sup.Add("@every 1m", scheduler.NewJob("breaker-sweep", func() error {
		sctx, scancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer scancel()
		return breaker.Sweep(sctx)
	})); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule breaker sweep")
	}
	sup.Start()

	// ====== HTTP API ======

	srv := server.New(eng, cfg.ListenAddr)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("❌ HTTP server stopped")
			cancel()
		}
	}()

	// ====== STARTUP COMPLETE ======

	log.Info().
		Int("restored", restored).
		Int("max_concurrent", cfg.MaxConcurrentStrategies).
		Msg("✅ All systems online")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("🛑 Received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("🛑 Context cancelled")
	}

	// Graceful shutdown. Strategies stay `running` in the store so the
	// next boot restores them; only the process-local loops stop here.
	log.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("⚠️ HTTP shutdown incomplete")
	}
	sup.Stop()
	sched.Shutdown(shutdownCtx)
	if stream != nil {
		stream.Stop()
	}

	log.Info().Msg("👋 Goodbye!")
}
