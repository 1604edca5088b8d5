// Package store is the relational persistence layer: accounts, instruments,
// orders, trades and the audit trail.
//
// Memory is authoritative while the process runs; every write here is a
// mirror of a state change that already happened. Writes on the execution
// path retry with exponential backoff and then give up with an error log,
// so a database outage degrades durability but never halts matching.
package store

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"propcore/pkg/types"
)

const (
	retryAttempts = 5
	retryBase     = 300 * time.Millisecond
	retryCap      = 5 * time.Second
)

// Store wraps the gorm connection with the shapes the core persists.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	// Overridable in tests so retry paths finish quickly.
	attempts int
	backoff  time.Duration
}

// Open connects to the database at url and migrates the schema.
// postgres:// selects the Postgres driver; sqlite:// (or a bare file path)
// selects the embedded one.
func Open(url string, logger *slog.Logger) (*Store, error) {
	var dial gorm.Dialector
	switch {
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		dial = postgres.Open(url)
	case strings.HasPrefix(url, "sqlite://"):
		dial = sqlite.Open(strings.TrimPrefix(url, "sqlite://"))
	default:
		dial = sqlite.Open(url)
	}

	db, err := gorm.Open(dial, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&accountRow{},
		&instrumentRow{},
		&orderRow{},
		&tradeRow{},
		&auditRow{},
	); err != nil {
		return nil, err
	}

	return &Store{
		db:       db,
		logger:   logger.With("component", "store"),
		attempts: retryAttempts,
		backoff:  retryBase,
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withRetry runs fn up to the attempt budget with doubling backoff. The
// final error is returned after an error log; callers treat persistence as
// best-effort and keep serving from memory.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := s.backoff
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == s.attempts {
			break
		}
		s.logger.Warn("store write failed, retrying", "op", op, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryCap {
			delay = retryCap
		}
	}
	s.logger.Error("store write failed, giving up", "op", op, "attempts", s.attempts, "error", err)
	return err
}

// ActiveInstruments loads the provisioned contract set. Satisfies the
// instrument registry's Loader.
func (s *Store) ActiveInstruments(ctx context.Context) ([]types.Instrument, error) {
	var rows []instrumentRow
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Instrument, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toInstrument())
	}
	return out, nil
}

// SaveInstrument upserts one contract row.
func (s *Store) SaveInstrument(ctx context.Context, ins types.Instrument) error {
	row := newInstrumentRow(ins)
	return s.withRetry(ctx, "save_instrument", func() error {
		return s.db.WithContext(ctx).Save(&row).Error
	})
}

// LoadActiveAccounts loads every account that can still change; blown ones
// stay in the database only.
func (s *Store) LoadActiveAccounts(ctx context.Context) ([]types.Account, error) {
	var rows []accountRow
	err := s.db.WithContext(ctx).
		Where("status <> ?", string(types.AccountBlown)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAccount())
	}
	return out, nil
}

// Account loads one account row regardless of status.
func (s *Store) Account(ctx context.Context, id string) (types.Account, bool, error) {
	var row accountRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return types.Account{}, false, nil
	}
	if err != nil {
		return types.Account{}, false, err
	}
	return row.toAccount(), true, nil
}

// PatchAccount mirrors the in-memory account back to its row.
func (s *Store) PatchAccount(ctx context.Context, a types.Account) error {
	row := newAccountRow(a)
	return s.withRetry(ctx, "patch_account", func() error {
		return s.db.WithContext(ctx).Save(&row).Error
	})
}

// SaveOrder upserts an order row.
func (s *Store) SaveOrder(ctx context.Context, o types.Order) error {
	row := newOrderRow(o)
	return s.withRetry(ctx, "save_order", func() error {
		return s.db.WithContext(ctx).Save(&row).Error
	})
}

// UpdateOrderStatus moves an order through its lifecycle.
func (s *Store) UpdateOrderStatus(ctx context.Context, id string, status types.OrderStatus) error {
	return s.withRetry(ctx, "update_order_status", func() error {
		return s.db.WithContext(ctx).
			Model(&orderRow{}).
			Where("id = ?", id).
			Update("status", string(status)).Error
	})
}

// Order loads one order row.
func (s *Store) Order(ctx context.Context, id string) (types.Order, bool, error) {
	var row orderRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return types.Order{}, false, nil
	}
	if err != nil {
		return types.Order{}, false, err
	}
	return row.toOrder(), true, nil
}

// SaveTrade persists a freshly opened trade.
func (s *Store) SaveTrade(ctx context.Context, t types.Trade) error {
	row := newTradeRow(t)
	return s.withRetry(ctx, "save_trade", func() error {
		return s.db.WithContext(ctx).Save(&row).Error
	})
}

// CloseTrade marks the trade row closed with its exit economics.
func (s *Store) CloseTrade(ctx context.Context, ct types.ClosedTrade) error {
	row := newTradeRow(ct.Trade)
	row.Status = tradeClosed
	row.ClosePrice = ct.ClosePrice
	row.NetPnL = ct.NetPnL
	row.ExitReason = string(ct.ExitReason)
	row.ClosedAt = ct.ClosedAt
	return s.withRetry(ctx, "close_trade", func() error {
		return s.db.WithContext(ctx).Save(&row).Error
	})
}

// OpenTrades loads the open positions, for crash recovery at boot.
func (s *Store) OpenTrades(ctx context.Context) ([]types.Trade, error) {
	var rows []tradeRow
	err := s.db.WithContext(ctx).Where("status = ?", tradeOpen).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTrade())
	}
	return out, nil
}

// ClosedTrades returns an account's most recent closed trades, newest first.
func (s *Store) ClosedTrades(ctx context.Context, accountID string, limit int) ([]types.ClosedTrade, error) {
	var rows []tradeRow
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, tradeClosed).
		Order("closed_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.ClosedTrade, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toClosedTrade())
	}
	return out, nil
}

// AppendAudit inserts one audit trail row. Payload is stored as JSON.
func (s *Store) AppendAudit(ctx context.Context, event, accountID string, payload any) error {
	row, err := newAuditRow(event, accountID, payload)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, "append_audit", func() error {
		return s.db.WithContext(ctx).Create(&row).Error
	})
}

// AuditTrail returns the most recent audit rows for an account, newest first.
func (s *Store) AuditTrail(ctx context.Context, accountID string, limit int) ([]AuditEntry, error) {
	var rows []auditRow
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntry())
	}
	return out, nil
}
