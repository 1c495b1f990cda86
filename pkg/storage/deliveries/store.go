package deliveries

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hookgate/pkg/storage"

	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Config mirrors the ledger section of the application config.
type Config struct {
	Driver      string
	DSN         string
	Table       string
	AutoMigrate bool
}

// Store implements storage.Ledger on top of GORM.
type Store struct {
	db    *gorm.DB
	table string
	now   func() time.Time
}

type row struct {
	ID          uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	Provider    string         `gorm:"column:provider;size:32;not null;uniqueIndex:ux_delivery,priority:1"`
	DeliveryID  string         `gorm:"column:delivery_id;size:191;not null;uniqueIndex:ux_delivery,priority:2"`
	EventType   string         `gorm:"column:event_type;size:128"`
	Payload     datatypes.JSON `gorm:"column:payload"`
	ReceivedAt  time.Time      `gorm:"column:received_at;not null;index"`
	Processed   bool           `gorm:"column:processed;not null;default:false;index"`
	ProcessedAt *time.Time     `gorm:"column:processed_at"`
}

// Open creates a GORM-backed delivery ledger.
func Open(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("ledger dsn is required")
	}
	driver := normalizeDriver(cfg.Driver)
	if driver == "" {
		return nil, fmt.Errorf("unsupported ledger driver: %q", cfg.Driver)
	}
	gormDB, err := openGorm(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// sqlite allows a single writer
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(gormDB, cfg.Table, cfg.AutoMigrate)
}

// New wraps an existing GORM handle.
func New(db *gorm.DB, table string, autoMigrate bool) (*Store, error) {
	if db == nil {
		return nil, errors.New("gorm db is required")
	}
	if table == "" {
		table = "hookgate_deliveries"
	}
	store := &Store{db: db, table: table, now: time.Now}
	if autoMigrate {
		if err := store.migrate(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// TryInsert inserts the delivery or detects the existing row in one statement.
// The unique index on (provider, delivery_id) decides; there is no pre-check.
func (s *Store) TryInsert(ctx context.Context, delivery storage.Delivery) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store is not initialized")
	}
	if delivery.Provider == "" || delivery.DeliveryID == "" {
		return false, errors.New("provider and delivery id are required")
	}
	data := toRow(delivery)
	if data.ReceivedAt.IsZero() {
		data.ReceivedAt = s.now().UTC()
	}
	data.Processed = false
	data.ProcessedAt = nil

	result := s.tableDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "delivery_id"}},
			DoNothing: true,
		}).
		Create(&data)
	if result.Error != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Get fetches one delivery. It returns nil when the delivery is unknown.
func (s *Store) Get(ctx context.Context, provider, deliveryID string) (*storage.Delivery, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	var data row
	err := s.tableDB().
		WithContext(ctx).
		Where("provider = ? AND delivery_id = ?", provider, deliveryID).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}
	delivery := fromRow(data)
	return &delivery, nil
}

// Count returns how many rows exist for (provider, delivery_id).
func (s *Store) Count(ctx context.Context, provider, deliveryID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store is not initialized")
	}
	var n int64
	err := s.tableDB().
		WithContext(ctx).
		Where("provider = ? AND delivery_id = ?", provider, deliveryID).
		Count(&n).Error
	return n, err
}

// ListUnprocessed returns unprocessed deliveries received before olderThan,
// oldest first.
func (s *Store) ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]storage.Delivery, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	var data []row
	err := s.tableDB().
		WithContext(ctx).
		Where("processed = ? AND received_at < ?", false, olderThan.UTC()).
		Order("received_at asc").
		Limit(limit).
		Find(&data).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}
	out := make([]storage.Delivery, 0, len(data))
	for _, item := range data {
		out = append(out, fromRow(item))
	}
	return out, nil
}

// MarkProcessed flips the processed flag. Marking an already processed
// delivery is a no-op.
func (s *Store) MarkProcessed(ctx context.Context, provider, deliveryID string) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	now := s.now().UTC()
	result := s.tableDB().
		WithContext(ctx).
		Where("provider = ? AND delivery_id = ? AND processed = ?", provider, deliveryID, false).
		Updates(map[string]interface{}{"processed": true, "processed_at": now})
	if result.Error != nil {
		return fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, result.Error)
	}
	return nil
}

func (s *Store) migrate() error {
	return s.tableDB().AutoMigrate(&row{})
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}

func toRow(delivery storage.Delivery) row {
	payload := datatypes.JSON(delivery.Payload)
	if len(payload) == 0 {
		payload = datatypes.JSON("null")
	}
	return row{
		Provider:    delivery.Provider,
		DeliveryID:  delivery.DeliveryID,
		EventType:   delivery.EventType,
		Payload:     payload,
		ReceivedAt:  delivery.ReceivedAt.UTC(),
		Processed:   delivery.Processed,
		ProcessedAt: delivery.ProcessedAt,
	}
}

func fromRow(data row) storage.Delivery {
	return storage.Delivery{
		Provider:    data.Provider,
		DeliveryID:  data.DeliveryID,
		EventType:   data.EventType,
		Payload:     []byte(data.Payload),
		ReceivedAt:  data.ReceivedAt,
		Processed:   data.Processed,
		ProcessedAt: data.ProcessedAt,
	}
}

func normalizeDriver(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return ""
	}
}

func openGorm(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch driver {
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	case "mysql":
		return gorm.Open(mysql.Open(dsn), cfg)
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported ledger driver: %s", driver)
	}
}
