package notify

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/futures-engine/internal/models"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM NOTIFIER - Trading alerts
// ═══════════════════════════════════════════════════════════════════════════════
//
//   ✅ Strategy lifecycle (started/stopped/errored)
//   💰 Trade executions and PnL threshold alerts
//   🚨 Circuit breaker trips
//   🗄️ Store outage / recovery, engine restarts
//
// ═══════════════════════════════════════════════════════════════════════════════

// Telegram sends engine events to one chat.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram builds the notifier from config values.
func NewTelegram(token, chatIDStr string) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token not set")
	}
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q: %w", chatIDStr, err)
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram notifier initialized")
	return &Telegram{api: api, chatID: chatID}, nil
}

func (t *Telegram) StrategyStarted(sum *models.StrategySummary) {
	t.sendMarkdown(fmt.Sprintf(`🚀 *STRATEGY STARTED*

📊 %s — %s
🧠 Type: *%s*
⚖️ Leverage: *%dx*
🏦 Account: %s`,
		escape(sum.Name), sum.Symbol,
		sum.StrategyType,
		sum.Leverage,
		escape(sum.AccountID),
	))
}

func (t *Telegram) StrategyStopped(sum *models.StrategySummary, finalPnL decimal.Decimal) {
	emoji := "📈"
	if finalPnL.IsNegative() {
		emoji = "📉"
	}
	t.sendMarkdown(fmt.Sprintf(`🛑 *STRATEGY STOPPED*

📊 %s — %s
%s Final PnL: *%s$%s*`,
		escape(sum.Name), sum.Symbol,
		emoji, sign(finalPnL), finalPnL.Abs().StringFixed(2),
	))
}

func (t *Telegram) StrategyError(sum *models.StrategySummary, err error) {
	t.sendMarkdown(fmt.Sprintf("⚠️ *STRATEGY ERROR*\n\n📊 %s — %s\n`%s`",
		escape(sum.Name), sum.Symbol, escape(err.Error())))
}

func (t *Telegram) TradeExecuted(sum *models.StrategySummary, side string, qty, price decimal.Decimal, reduceOnly bool) {
	action := "OPEN"
	emoji := "✅"
	if reduceOnly {
		action = "CLOSE"
		emoji = "📊"
	}
	t.sendMarkdown(fmt.Sprintf(`%s *%s %s*

📊 %s — %s
💵 Price: *$%s*
📦 Qty: *%s*`,
		emoji, action, side,
		escape(sum.Name), sum.Symbol,
		price.StringFixed(2),
		qty.String(),
	))
}

func (t *Telegram) PnLThreshold(sum *models.StrategySummary, pnl decimal.Decimal) {
	emoji := "💰"
	label := "PROFIT ALERT"
	if pnl.IsNegative() {
		emoji = "🔻"
		label = "LOSS ALERT"
	}
	t.sendMarkdown(fmt.Sprintf(`%s *%s*

📊 %s — %s
💵 Session PnL: *%s$%s*`,
		emoji, label,
		escape(sum.Name), sum.Symbol,
		sign(pnl), pnl.Abs().StringFixed(2),
	))
}

func (t *Telegram) CircuitBreaker(ev models.CircuitBreakerEvent) {
	scope := ev.StrategyID
	if ev.Scope == "account" {
		scope = "account " + ev.AccountID
	}
	cooldown := ""
	if ev.CooldownUntil != nil {
		cooldown = ev.CooldownUntil.UTC().Format("15:04:05 MST")
	}
	t.sendMarkdown(fmt.Sprintf(`🚨 *CIRCUIT BREAKER TRIPPED*

🔌 Type: *%s*
🎯 Scope: %s
⏲️ Cooldown until: *%s*
📝 %s`,
		ev.BreakerType,
		escape(scope),
		cooldown,
		escape(ev.Details),
	))
}

func (t *Telegram) StoreDown(err error) {
	t.sendMarkdown(fmt.Sprintf("🗄️ *DATABASE DOWN*\n\nEngine degraded, writes refused.\n`%s`", escape(err.Error())))
}

func (t *Telegram) StoreRestored() {
	t.sendMarkdown("🗄️ *DATABASE RESTORED*\n\nWrites accepted again.")
}

func (t *Telegram) EngineRestarted(restored int, failures []string) {
	msg := fmt.Sprintf(`🔄 *ENGINE RESTARTED*

▶️ Strategies restored: *%d*`, restored)
	if len(failures) > 0 {
		msg += fmt.Sprintf("\n❌ Failed to restore: %s", escape(strings.Join(failures, ", ")))
	}
	t.sendMarkdown(msg)
}

func (t *Telegram) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}

func sign(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-"
	}
	return "+"
}

// escape guards user-controlled strings against Markdown breakage.
func escape(s string) string {
	r := strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")
	return r.Replace(s)
}
