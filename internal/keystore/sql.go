package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/kenneth/fieldcrypt/internal/crypto"
)

// keyModel is the gorm model of one key descriptor.
type keyModel struct {
	ID                string    `gorm:"type:varchar(128);primaryKey"`
	Type              string    `gorm:"type:varchar(64);not null"`
	Usage             string     `gorm:"column:key_usage;type:varchar(32);not null;index:idx_key_usage"`
	Configuration     string     `gorm:"type:text"`
	KeyStartTime      *time.Time `gorm:"column:key_start_time"`
	TenantID          string     `gorm:"type:varchar(64)"`
	RekeyMode         string     `gorm:"type:varchar(16)"`
	CurrentEncryption bool       `gorm:"not null;default:false"`
	CurrentHmac       bool       `gorm:"not null;default:false"`
	CreatedAt         time.Time  `gorm:"not null;autoCreateTime"`
	UpdatedAt         time.Time  `gorm:"not null;autoUpdateTime"`
}

// TableName returns the table name.
func (keyModel) TableName() string {
	return "crypto_keys"
}

func (m *keyModel) toDomain() (*crypto.CryptoKey, error) {
	k := &crypto.CryptoKey{
		ID:               m.ID,
		Type:             m.Type,
		Usage:            crypto.KeyUsage(m.Usage),
		CreatedDate:      m.CreatedAt,
		LastModifiedDate: m.UpdatedAt,
		TenantID:         m.TenantID,
		RekeyMode:        crypto.RekeyMode(m.RekeyMode),
	}
	if m.KeyStartTime != nil {
		k.KeyStartTime = *m.KeyStartTime
	}
	if m.Configuration != "" {
		if err := json.Unmarshal([]byte(m.Configuration), &k.Configuration); err != nil {
			return nil, fmt.Errorf("invalid configuration for key %s: %w", m.ID, err)
		}
	}
	return k, nil
}

func fromDomain(k *crypto.CryptoKey) (*keyModel, error) {
	m := &keyModel{
		ID:        k.ID,
		Type:      k.Type,
		Usage:     string(k.Usage),
		TenantID:  k.TenantID,
		RekeyMode: string(k.RekeyMode),
		CreatedAt: k.CreatedDate,
	}
	if !k.KeyStartTime.IsZero() {
		t := k.KeyStartTime
		m.KeyStartTime = &t
	}
	if len(k.Configuration) > 0 {
		raw, err := json.Marshal(k.Configuration)
		if err != nil {
			return nil, fmt.Errorf("failed to encode configuration for key %s: %w", k.ID, err)
		}
		m.Configuration = string(raw)
	}
	return m, nil
}

// OpenDB opens a gorm connection for driver "sqlite" or "mysql".
func OpenDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	// Queries become child spans of the request span.
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, fmt.Errorf("failed to enable query tracing: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// One connection keeps in-memory databases shared and avoids lock contention.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return db, nil
}

// SQLStore keeps key descriptors in a relational database.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore wraps db, creating the table when migrate is set.
func NewSQLStore(db *gorm.DB, migrate bool) (*SQLStore, error) {
	if migrate {
		if err := db.AutoMigrate(&keyModel{}); err != nil {
			return nil, fmt.Errorf("failed to migrate key table: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

// Save inserts or updates a key descriptor. Current-key flags are left alone.
func (s *SQLStore) Save(ctx context.Context, k *crypto.CryptoKey) error {
	if err := validateKey(k); err != nil {
		return err
	}
	m, err := fromDomain(k)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"type", "key_usage", "configuration", "key_start_time", "tenant_id", "rekey_mode", "updated_at",
		}),
	}).Create(m).Error
	if err != nil {
		return fmt.Errorf("failed to save key %s: %w", k.ID, err)
	}
	return nil
}

// SetRekeyMode updates the rekey mode of an existing key.
func (s *SQLStore) SetRekeyMode(ctx context.Context, id string, mode crypto.RekeyMode) error {
	res := s.db.WithContext(ctx).Model(&keyModel{}).Where("id = ?", id).Update("rekey_mode", string(mode))
	if res.Error != nil {
		return fmt.Errorf("failed to update rekey mode of key %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound(id)
	}
	return nil
}

// SetCurrentEncryptionKey points new encryptions at id.
func (s *SQLStore) SetCurrentEncryptionKey(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireUsage(tx, id, crypto.UsageEncryption); err != nil {
			return err
		}
		if err := tx.Model(&keyModel{}).Where("current_encryption = ?", true).
			Update("current_encryption", false).Error; err != nil {
			return fmt.Errorf("failed to clear current encryption key: %w", err)
		}
		if err := tx.Model(&keyModel{}).Where("id = ?", id).
			Update("current_encryption", true).Error; err != nil {
			return fmt.Errorf("failed to set current encryption key: %w", err)
		}
		return nil
	})
}

// SetCurrentHmacKeys replaces the set of keys used for new HMACs.
func (s *SQLStore) SetCurrentHmacKeys(ctx context.Context, ids ...string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			if err := s.requireUsage(tx, id, crypto.UsageHmac); err != nil {
				return err
			}
		}
		if err := tx.Model(&keyModel{}).Where("current_hmac = ?", true).
			Update("current_hmac", false).Error; err != nil {
			return fmt.Errorf("failed to clear current hmac keys: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Model(&keyModel{}).Where("id IN ?", ids).
			Update("current_hmac", true).Error; err != nil {
			return fmt.Errorf("failed to set current hmac keys: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) requireUsage(tx *gorm.DB, id string, usage crypto.KeyUsage) error {
	var m keyModel
	if err := tx.Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound(id)
		}
		return fmt.Errorf("failed to load key %s: %w", id, err)
	}
	if crypto.KeyUsage(m.Usage) != usage {
		return fmt.Errorf("key %q has usage %s, not %s", id, m.Usage, usage)
	}
	return nil
}

// GetByID implements crypto.KeyProvider.
func (s *SQLStore) GetByID(ctx context.Context, id string) (*crypto.CryptoKey, error) {
	var m keyModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("failed to load key %s: %w", id, err)
	}
	return m.toDomain()
}

// CurrentEncryptionKey implements crypto.KeyProvider.
func (s *SQLStore) CurrentEncryptionKey(ctx context.Context) (*crypto.CryptoKey, error) {
	var m keyModel
	err := s.db.WithContext(ctx).
		Where("key_usage = ? AND current_encryption = ?", string(crypto.UsageEncryption), true).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no current encryption key", crypto.ErrKeyNotFound)
		}
		return nil, fmt.Errorf("failed to load current encryption key: %w", err)
	}
	return m.toDomain()
}

// CurrentHmacKeys implements crypto.KeyProvider.
func (s *SQLStore) CurrentHmacKeys(ctx context.Context) ([]*crypto.CryptoKey, error) {
	return s.find(ctx, "key_usage = ? AND current_hmac = ?", string(crypto.UsageHmac), true)
}

// AllCryptoKeys implements crypto.KeyProvider.
func (s *SQLStore) AllCryptoKeys(ctx context.Context) ([]*crypto.CryptoKey, error) {
	return s.find(ctx, "1 = 1")
}

func (s *SQLStore) find(ctx context.Context, query string, args ...any) ([]*crypto.CryptoKey, error) {
	var models []keyModel
	if err := s.db.WithContext(ctx).Where(query, args...).Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	keys := make([]*crypto.CryptoKey, 0, len(models))
	for i := range models {
		k, err := models[i].toDomain()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Import saves every key of a catalog and applies its current pointers.
func (s *SQLStore) Import(ctx context.Context, c *Catalog) error {
	if err := c.Validate(); err != nil {
		return err
	}
	for _, k := range c.Keys {
		if err := s.Save(ctx, k); err != nil {
			return err
		}
	}
	if c.CurrentEncryptionKey != "" {
		if err := s.SetCurrentEncryptionKey(ctx, c.CurrentEncryptionKey); err != nil {
			return err
		}
	}
	return s.SetCurrentHmacKeys(ctx, c.CurrentHmacKeys...)
}

// Close releases the database connection.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ crypto.KeyProvider = (*SQLStore)(nil)
