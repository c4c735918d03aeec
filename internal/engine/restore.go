package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/futures-engine/internal/models"
)

// ═══════════════════════════════════════════════════════════════════════════════
//
// STARTUP RESTORE
//
// Boot order: hydrate summaries (store wins, cache fills the gaps),
// rearm persisted breaker trips, then relaunch everything that was
// running when the process died. Each strategy's first tick reconciles
// against the exchange, so a position opened before the crash is
// re-adopted rather than re-entered.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Hydrate loads persisted strategies into the scheduler's summary map
// and rearms active breaker cooldowns. Safe to call with the store down;
// the cache then provides the only view.
func (e *Engine) Hydrate(ctx context.Context) error {
	rows, err := e.store.ListStrategies(e.userID)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Store unavailable at boot, hydrating from cache")
		sums, cerr := e.cache.AllSummaries(ctx)
		if cerr != nil {
			return fmt.Errorf("hydrate: store: %v, cache: %w", err, cerr)
		}
		for i := range sums {
			e.sched.Track(&sums[i])
		}
		log.Info().Int("strategies", len(sums)).Msg("📥 Hydrated from cache only")
		return nil
	}

	accounts := make(map[string]struct{})
	for i := range rows {
		row := &rows[i]
		sum := models.SummaryFromStrategy(row)
		// Cached position fields are fresher than a cold row; only a
		// running strategy can legitimately hold one.
		if row.Status == models.StatusRunning {
			if cached, err := e.cache.GetSummary(ctx, row.StrategyID); err == nil && cached != nil {
				sum.SetPosition(cached.PositionSide, cached.PositionSize, cached.EntryPrice)
				sum.CurrentPrice = cached.CurrentPrice
				sum.UnrealizedPnL = cached.UnrealizedPnL
			}
		}
		e.sched.Track(sum)
		accounts[row.AccountID] = struct{}{}
	}

	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	e.breaker.Hydrate(ids)

	log.Info().
		Int("strategies", len(rows)).
		Int("accounts", len(ids)).
		Msg("📥 State hydrated")
	return nil
}

// RestoreRunning relaunches every strategy persisted as running and
// demotes the ones that fail to stopped, so a broken account or deleted
// evaluator type cannot wedge the boot. Returns the restored count and
// the failure descriptions.
func (e *Engine) RestoreRunning(ctx context.Context) (int, []string) {
	rows, err := e.store.ListStrategiesByStatus(e.userID, models.StatusRunning)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Restore skipped, store unavailable")
		return 0, []string{"store unavailable: " + err.Error()}
	}
	if len(rows) == 0 {
		log.Info().Msg("📥 No running strategies to restore")
		return 0, nil
	}

	restored := 0
	var failures []string
	for i := range rows {
		row := &rows[i]
		if _, err := e.sched.Launch(ctx, row); err != nil {
			msg := fmt.Sprintf("%s (%s): %v", row.Name, row.StrategyID, err)
			failures = append(failures, msg)
			log.Error().
				Err(err).
				Str("strategy", row.Name).
				Str("strategy_id", row.StrategyID).
				Msg("❌ Restore failed, demoting to stopped")
			if perr := e.store.UpdateStrategyStatus(e.userID, row.StrategyID, models.StatusStopped); perr != nil {
				log.Error().Err(perr).Str("strategy_id", row.StrategyID).Msg("❌ Demotion not persisted")
			}
			if sum, ok := e.sched.Summary(row.StrategyID); ok {
				sum.Status = models.StatusStopped
				sum.LastError = err.Error()
				e.sched.Track(sum)
				e.cache.SetSummary(ctx, sum)
			}
			continue
		}
		restored++
	}

	detail := fmt.Sprintf("restored %d of %d", restored, len(rows))
	if len(failures) > 0 {
		detail += "; failures: " + strings.Join(failures, "; ")
	}
	e.store.LogSystemEvent(e.userID, "engine_restart", "info", "strategy restore", detail)
	e.notifier.EngineRestarted(restored, failures)

	log.Info().
		Int("restored", restored).
		Int("failed", len(failures)).
		Msg("🔁 Running strategies restored")
	return restored, failures
}
