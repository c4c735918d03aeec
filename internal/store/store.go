package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/futures-engine/internal/models"
)

var (
	// ErrUnavailable is returned by every mutation while the database is
	// unreachable. Reads fail the same way; the engine then serves from
	// the cache mirror.
	ErrUnavailable = errors.New("store unavailable")

	// ErrMissingUserID guards tenant isolation: no query runs without one.
	ErrMissingUserID = errors.New("user id required")

	// ErrAccountHasStrategies blocks account deletion while strategies
	// reference it.
	ErrAccountHasStrategies = errors.New("account still owns strategies")
)

// Store is the authoritative persistence façade. It is the only owner of a
// database handle; when it disagrees with the cache, the store wins.
type Store struct {
	mu        sync.RWMutex
	db        *gorm.DB
	url       string
	available bool
}

// Connect opens the database with bounded retries. On exhaustion it still
// returns a usable Store in degraded mode together with the last error; the
// health probe keeps trying to connect.
func Connect(databaseURL string, timeout time.Duration) (*Store, error) {
	s := &Store{url: databaseURL}

	deadline := time.Now().Add(timeout)
	backoff := time.Second
	var lastErr error
	for {
		if lastErr = s.open(); lastErr == nil {
			return s, nil
		}
		if time.Now().Add(backoff).After(deadline) {
			break
		}
		log.Warn().Err(lastErr).Dur("retry_in", backoff).Msg("⏳ Database unreachable, retrying")
		time.Sleep(backoff)
		if backoff < 16*time.Second {
			backoff *= 2
		}
	}

	log.Error().Err(lastErr).Msg("💥 Database unreachable after retries, continuing degraded")
	return s, lastErr
}

func (s *Store) open() error {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(s.url, "postgres://") || strings.HasPrefix(s.url, "postgresql://") {
		db, err = gorm.Open(postgres.Open(s.url), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(s.url)
		if dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
		}
		db, err = gorm.Open(sqlite.Open(s.url), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return err
		}
		log.Info().Str("path", s.url).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(
		&models.User{}, &models.Role{}, &models.UserRole{},
		&models.Account{}, &models.Strategy{},
		&models.Trade{}, &models.CompletedTrade{}, &models.CompletedTradeOrder{},
		&models.RiskConfig{}, &models.CircuitBreakerEvent{},
		&models.ParameterHistory{}, &models.SystemEvent{}, &models.AccountMetric{},
	); err != nil {
		return err
	}

	s.mu.Lock()
	s.db = db
	s.available = true
	s.mu.Unlock()
	return nil
}

// Available reports whether the database is reachable.
func (s *Store) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available
}

// Probe round-trips the database, reconnecting if the handle was never
// opened. Flips Available and returns the probe error.
func (s *Store) Probe() error {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	if db == nil {
		return s.open()
	}

	err := db.Exec("SELECT 1").Error
	s.mu.Lock()
	s.available = err == nil
	s.mu.Unlock()
	return err
}

// Tables lists the migrated table names. Schema introspection for the
// setup tool; not part of the runtime path.
func (s *Store) Tables() ([]string, error) {
	s.mu.RLock()
	db, ok := s.db, s.available
	s.mu.RUnlock()
	if db == nil || !ok {
		return nil, ErrUnavailable
	}
	return db.Migrator().GetTables()
}

// RowCounts reports row counts for the core tables.
func (s *Store) RowCounts() (map[string]int64, error) {
	s.mu.RLock()
	db, ok := s.db, s.available
	s.mu.RUnlock()
	if db == nil || !ok {
		return nil, ErrUnavailable
	}

	counts := make(map[string]int64)
	for name, model := range map[string]interface{}{
		"users":            &models.User{},
		"accounts":         &models.Account{},
		"strategies":       &models.Strategy{},
		"trades":           &models.Trade{},
		"completed_trades": &models.CompletedTrade{},
		"system_events":    &models.SystemEvent{},
	} {
		var n int64
		if err := db.Model(model).Count(&n).Error; err != nil {
			return nil, err
		}
		counts[name] = n
	}
	return counts, nil
}

// handle returns the db for userID-scoped work or ErrUnavailable /
// ErrMissingUserID.
func (s *Store) handle(userID uint) (*gorm.DB, error) {
	if userID == 0 {
		return nil, ErrMissingUserID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil || !s.available {
		return nil, ErrUnavailable
	}
	return s.db, nil
}

// ─── Users ───

// EnsureUser creates the user row (and admin role) if missing, so a fresh
// database can serve the default tenant immediately.
func (s *Store) EnsureUser(userID uint, username string) error {
	db, err := s.handle(userID)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		user := models.User{ID: userID, Username: username}
		if err := tx.FirstOrCreate(&user, models.User{ID: userID}).Error; err != nil {
			return err
		}
		role := models.Role{Name: "admin"}
		if err := tx.FirstOrCreate(&role, models.Role{Name: "admin"}).Error; err != nil {
			return err
		}
		link := models.UserRole{UserID: userID, RoleID: role.ID}
		return tx.FirstOrCreate(&link, models.UserRole{UserID: userID, RoleID: role.ID}).Error
	})
}

// ─── Accounts ───

func (s *Store) CreateAccount(acct *models.Account) error {
	db, err := s.handle(acct.UserID)
	if err != nil {
		return err
	}
	acct.AccountID = strings.ToLower(acct.AccountID)
	return db.Transaction(func(tx *gorm.DB) error {
		if acct.IsDefault {
			if err := tx.Model(&models.Account{}).
				Where("user_id = ?", acct.UserID).
				Update("is_default", false).Error; err != nil {
				return err
			}
		}
		return tx.Create(acct).Error
	})
}

func (s *Store) GetAccount(userID uint, accountID string) (*models.Account, error) {
	db, err := s.handle(userID)
	if err != nil {
		return nil, err
	}
	var acct models.Account
	err = db.Where("user_id = ? AND account_id = ?", userID, strings.ToLower(accountID)).First(&acct).Error
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *Store) ListAccounts(userID uint) ([]models.Account, error) {
	db, err := s.handle(userID)
	if err != nil {
		return nil, err
	}
	var accts []models.Account
	err = db.Where("user_id = ?", userID).Order("account_id").Find(&accts).Error
	return accts, err
}

// DeleteAccount refuses while strategies still reference the account.
func (s *Store) DeleteAccount(userID uint, accountID string) error {
	db, err := s.handle(userID)
	if err != nil {
		return err
	}
	accountID = strings.ToLower(accountID)
	return db.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Strategy{}).
			Where("user_id = ? AND account_id = ?", userID, accountID).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrAccountHasStrategies
		}
		return tx.Where("user_id = ? AND account_id = ?", userID, accountID).
			Delete(&models.Account{}).Error
	})
}

// ─── Strategies ───

func (s *Store) CreateStrategy(row *models.Strategy) error {
	db, err := s.handle(row.UserID)
	if err != nil {
		return err
	}
	return db.Create(row).Error
}

func (s *Store) UpdateStrategy(row *models.Strategy) error {
	db, err := s.handle(row.UserID)
	if err != nil {
		return err
	}
	return db.Save(row).Error
}

func (s *Store) UpdateStrategyStatus(userID uint, strategyID, status string) error {
	db, err := s.handle(userID)
	if err != nil {
		return err
	}
	return db.Model(&models.Strategy{}).
		Where("user_id = ? AND strategy_id = ?", userID, strategyID).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now().UTC()}).Error
}

func (s *Store) UpdateStrategyMeta(userID uint, strategyID, meta string) error {
	db, err := s.handle(userID)
	if err != nil {
		return err
	}
	return db.Model(&models.Strategy{}).
		Where("user_id = ? AND strategy_id = ?", userID, strategyID).
		Update("meta", meta).Error
}

func (s *Store) GetStrategy(userID uint, strategyID string) (*models.Strategy, error) {
	db, err := s.handle(userID)
	if err != nil {
		return nil, err
	}
	var row models.Strategy
	err = db.Where("user_id = ? AND strategy_id = ?", userID, strategyID).First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) ListStrategies(userID uint) ([]models.Strategy, error) {
	db, err := s.handle(userID)
	if err != nil {
		return nil, err
	}
	var rows []models.Strategy
	err = db.Where("user_id = ?", userID).Order("created_at").Find(&rows).Error
	return rows, err
}

func (s *Store) ListStrategiesByStatus(userID uint, status string) ([]models.Strategy, error) {
	db, err := s.handle(userID)
	if err != nil {
		return nil, err
	}
	var rows []models.Strategy
	err = db.Where("user_id = ? AND status = ?", userID, status).Order("created_at").Find(&rows).Error
	return rows, err
}

// ListLiveStrategies returns strategies on the account that are not in a
// terminal error state; the exposure check walks these.
func (s *Store) ListLiveStrategies(userID uint, accountID string) ([]models.Strategy, error) {
	db, err := s.handle(userID)
	if err != nil {
		return nil, err
	}
	var rows []models.Strategy
	err = db.Where("user_id = ? AND account_id = ? AND status IN ?",
		userID, strings.ToLower(accountID), []string{models.StatusRunning, models.StatusStoppedByRisk}).
		Find(&rows).Error
	return rows, err
}

// DeleteStrategy removes the strategy and everything it owns.
func (s *Store) DeleteStrategy(userID uint, strategyID string) error {
	db, err := s.handle(userID)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		var ctIDs []uint
		if err := tx.Model(&models.CompletedTrade{}).
			Where("user_id = ? AND strategy_id = ?", userID, strategyID).
			Pluck("id", &ctIDs).Error; err != nil {
			return err
		}
		if len(ctIDs) > 0 {
			if err := tx.Where("completed_trade_id IN ?", ctIDs).
				Delete(&models.CompletedTradeOrder{}).Error; err != nil {
				return err
			}
		}
		for _, m := range []interface{}{
			&models.CompletedTrade{}, &models.Trade{},
			&models.ParameterHistory{}, &models.RiskConfig{},
		} {
			if err := tx.Where("user_id = ? AND strategy_id = ?", userID, strategyID).
				Delete(m).Error; err != nil {
				return err
			}
		}
		return tx.Where("user_id = ? AND strategy_id = ?", userID, strategyID).
			Delete(&models.Strategy{}).Error
	})
}

// ─── Trades ───

func (s *Store) SaveTrade(t *models.Trade) error {
	db, err := s.handle(t.UserID)
	if err != nil {
		return err
	}
	return db.Create(t).Error
}

func (s *Store) GetTrades(userID uint, strategyID string, limit int) ([]models.Trade, error) {
	db, err := s.handle(userID)
	if err != nil {
		return nil, err
	}
	q := db.Where("user_id = ? AND strategy_id = ?", userID, strategyID).Order("order_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.Trade
	err = q.Find(&rows).Error
	return rows, err
}

// RecentTrades returns the newest trades first, for breaker evaluation.
func (s *Store) RecentTrades(userID uint, strategyID string, limit int) ([]models.Trade, error) {
	db, err := s.handle(userID)
	if err != nil {
		return nil, err
	}
	var rows []models.Trade
	err = db.Where("user_id = ? AND strategy_id = ?", userID, strategyID).
		Order("order_id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// ─── Completed trades ───

// ReplaceCompletedTrades swaps the strategy's completed set for freshly
// matched output, links included, in one transaction. Rebuilding from raw
// trades is the source of truth, so replace beats append.
func (s *Store) ReplaceCompletedTrades(userID uint, strategyID string, trades []models.CompletedTrade) error {
	db, err := s.handle(userID)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		var staleIDs []uint
		if err := tx.Model(&models.CompletedTrade{}).
			Where("user_id = ? AND strategy_id = ?", userID, strategyID).
			Pluck("id", &staleIDs).Error; err != nil {
			return err
		}
		if len(staleIDs) > 0 {
			if err := tx.Where("completed_trade_id IN ?", staleIDs).
				Delete(&models.CompletedTradeOrder{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", staleIDs).
				Delete(&models.CompletedTrade{}).Error; err != nil {
				return err
			}
		}
		for i := range trades {
			trades[i].ID = 0
			trades[i].UserID = userID
			trades[i].StrategyID = strategyID
			if err := tx.Create(&trades[i]).Error; err != nil {
				return err
			}
			links := []models.CompletedTradeOrder{
				{CompletedTradeID: trades[i].ID, OrderID: trades[i].EntryOrderID, Role: "entry"},
				{CompletedTradeID: trades[i].ID, OrderID: trades[i].ExitOrderID, Role: "exit"},
			}
			if err := tx.Create(&links).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) CompletedTrades(userID uint, strategyID string, limit int) ([]models.CompletedTrade, error) {
	db, err := s.handle(userID)
	if err != nil {
		return nil, err
	}
	q := db.Where("user_id = ? AND strategy_id = ?", userID, strategyID).Order("exit_time DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.CompletedTrade
	err = q.Find(&rows).Error
	return rows, err
}

// CompletedTradesForAccountSince returns realized results on the account
// with exit_time at or after since. Loss windows and rapid-loss detection
// read through here.
func (s *Store) CompletedTradesForAccountSince(userID uint, accountID string, since time.Time) ([]models.CompletedTrade, error) {
	db, err := s.handle(userID)
	if err != nil {
		return nil, err
	}
	var rows []models.CompletedTrade
	err = db.Where("user_id = ? AND account_id = ? AND exit_time >= ?",
		userID, strings.ToLower(accountID), since).
		Order("exit_time DESC").Find(&rows).Error
	return rows, err
}

// ─── Risk config ───

// GetRiskConfig loads the account-scoped config (empty strategy_id).
func (s *Store) GetRiskConfig(userID uint, accountID string) (*models.RiskConfig, error) {
	db, err := s.handle(userID)
	if err != nil {
		return nil, err
	}
	var rc models.RiskConfig
	err = db.Where("user_id = ? AND account_id = ? AND strategy_id = ''",
		userID, strings.ToLower(accountID)).First(&rc).Error
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

// GetStrategyRiskConfig loads the strategy-scoped override, if any.
func (s *Store) GetStrategyRiskConfig(userID uint, strategyID string) (*models.RiskConfig, error) {
	db, err := s.handle(userID)
	if err != nil {
		return nil, err
	}
	var rc models.RiskConfig
	err = db.Where("user_id = ? AND strategy_id = ?", userID, strategyID).First(&rc).Error
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

func (s *Store) SaveRiskConfig(rc *models.RiskConfig) error {
	db, err := s.handle(rc.UserID)
	if err != nil {
		return err
	}
	rc.AccountID = strings.ToLower(rc.AccountID)
	return db.Save(rc).Error
}

// ─── Circuit breaker events ───

func (s *Store) SaveBreakerEvent(ev *models.CircuitBreakerEvent) error {
	db, err := s.handle(ev.UserID)
	if err != nil {
		return err
	}
	return db.Create(ev).Error
}

func (s *Store) ActiveBreakerEvents(userID uint, accountID string) ([]models.CircuitBreakerEvent, error) {
	db, err := s.handle(userID)
	if err != nil {
		return nil, err
	}
	var rows []models.CircuitBreakerEvent
	err = db.Where("user_id = ? AND account_id = ? AND status = ?",
		userID, strings.ToLower(accountID), "active").Find(&rows).Error
	return rows, err
}

// ResolveBreakerEvents marks active events whose cooldown has passed.
func (s *Store) ResolveBreakerEvents(userID uint, before time.Time) error {
	db, err := s.handle(userID)
	if err != nil {
		return err
	}
	return db.Model(&models.CircuitBreakerEvent{}).
		Where("user_id = ? AND status = ? AND cooldown_until <= ?", userID, "active", before).
		Update("status", "resolved").Error
}

// ─── Parameter history ───

func (s *Store) SaveParameterHistory(ph *models.ParameterHistory) error {
	db, err := s.handle(ph.UserID)
	if err != nil {
		return err
	}
	return db.Create(ph).Error
}

func (s *Store) GetParameterHistory(userID uint, strategyID string, limit int) ([]models.ParameterHistory, error) {
	db, err := s.handle(userID)
	if err != nil {
		return nil, err
	}
	q := db.Where("user_id = ? AND strategy_id = ?", userID, strategyID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.ParameterHistory
	err = q.Find(&rows).Error
	return rows, err
}

// ─── System events ───

func (s *Store) LogSystemEvent(userID uint, eventType, severity, message, details string) error {
	db, err := s.handle(userID)
	if err != nil {
		return err
	}
	return db.Create(&models.SystemEvent{
		UserID:    userID,
		EventType: eventType,
		Severity:  severity,
		Message:   message,
		Details:   details,
	}).Error
}

// ─── Metrics ───

func (s *Store) GetMetric(userID uint, accountID, name string) (decimal.Decimal, error) {
	db, err := s.handle(userID)
	if err != nil {
		return decimal.Zero, err
	}
	var m models.AccountMetric
	err = db.Where("user_id = ? AND account_id = ? AND name = ?",
		userID, strings.ToLower(accountID), name).First(&m).Error
	if err != nil {
		return decimal.Zero, err
	}
	return m.Value, nil
}

func (s *Store) SetMetric(userID uint, accountID, name string, value decimal.Decimal) error {
	db, err := s.handle(userID)
	if err != nil {
		return err
	}
	accountID = strings.ToLower(accountID)
	return db.Transaction(func(tx *gorm.DB) error {
		var m models.AccountMetric
		err := tx.Where("user_id = ? AND account_id = ? AND name = ?", userID, accountID, name).First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.AccountMetric{
				UserID: userID, AccountID: accountID, Name: name, Value: value,
			}).Error
		}
		if err != nil {
			return err
		}
		m.Value = value
		return tx.Save(&m).Error
	})
}
