package store

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/yanun0323/logs"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"orderkeeper/internal/schema"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// PostgresOption locates the audit database.
type PostgresOption struct {
	Host       string            `yaml:"host" json:"host"`
	Port       int               `yaml:"port" json:"port"`
	User       string            `yaml:"user" json:"user"`
	Password   string            `yaml:"password" json:"password"`
	Database   string            `yaml:"database" json:"database"`
	SSLMode    string            `yaml:"sslmode" json:"sslmode"`
	Params     map[string]string `yaml:"params" json:"params"`
	ConnString string            `yaml:"dsn" json:"dsn"`
}

// Enabled reports whether any connection detail was configured.
func (opt PostgresOption) Enabled() bool {
	return opt.ConnString != "" || opt.Host != "" || opt.Database != ""
}

// DSN builds the connection string.
func (opt PostgresOption) DSN() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}
	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}
	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key != "" {
			query.Set(key, value)
		}
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// Mirror receives a copy of every committed snapshot. It never decides
// whether a save succeeded.
type Mirror interface {
	Mirror(ctx context.Context, records []schema.OrderRecord) error
	Close() error
}

type mirrored struct {
	Store
	mirror Mirror
}

// WithMirror returns a store that saves to primary and then copies the
// records to mirror. Mirror failures are logged, not returned.
func WithMirror(primary Store, mirror Mirror) Store {
	if mirror == nil {
		return primary
	}
	return &mirrored{Store: primary, mirror: mirror}
}

func (m *mirrored) Save(ctx context.Context, snap Snapshot) error {
	if err := m.Store.Save(ctx, snap); err != nil {
		return err
	}
	if err := m.mirror.Mirror(ctx, snap.Records); err != nil {
		logs.Warnf("mirror snapshot seq=%d, err: %+v", snap.Seq, err)
	}
	return nil
}

func (m *mirrored) Close() error {
	mirrorErr := m.mirror.Close()
	if err := m.Store.Close(); err != nil {
		return err
	}
	return mirrorErr
}

type orderRecordRow struct {
	Key            string    `gorm:"column:key;primaryKey"`
	State          string    `gorm:"column:state;index"`
	Symbol         string    `gorm:"column:symbol"`
	Side           string    `gorm:"column:side"`
	Quantity       int64     `gorm:"column:quantity"`
	Tag            string    `gorm:"column:tag"`
	BrokerOrderID  string    `gorm:"column:broker_order_id"`
	Attempts       int       `gorm:"column:attempts"`
	FilledQuantity int64     `gorm:"column:filled_quantity"`
	Body           string    `gorm:"column:body;type:jsonb"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (orderRecordRow) TableName() string {
	return "order_records"
}

func newOrderRecordRow(rec schema.OrderRecord) (orderRecordRow, error) {
	body, err := encodeRecord(rec)
	if err != nil {
		return orderRecordRow{}, err
	}
	return orderRecordRow{
		Key:            rec.Key,
		State:          string(rec.State),
		Symbol:         rec.Intent.Symbol,
		Side:           string(rec.Intent.Side),
		Quantity:       rec.Intent.Quantity,
		Tag:            rec.Tag,
		BrokerOrderID:  rec.BrokerOrderID,
		Attempts:       rec.Attempts,
		FilledQuantity: rec.FilledQuantity,
		Body:           string(body),
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}, nil
}

// PostgresMirror upserts changed records into an order_records table for
// audit queries.
type PostgresMirror struct {
	db *gorm.DB

	mu       sync.Mutex
	mirrored map[string]time.Time
}

// NewPostgresMirror connects and migrates the audit table.
func NewPostgresMirror(opt PostgresOption) (*PostgresMirror, error) {
	db, err := gorm.Open(postgres.Open(opt.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres mirror: %w", err)
	}
	if err := db.AutoMigrate(&orderRecordRow{}); err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
		return nil, fmt.Errorf("migrate postgres mirror: %w", err)
	}
	return &PostgresMirror{db: db, mirrored: make(map[string]time.Time)}, nil
}

func (p *PostgresMirror) Mirror(ctx context.Context, records []schema.OrderRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows := make([]orderRecordRow, 0, len(records))
	for _, rec := range records {
		if last, ok := p.mirrored[rec.Key]; ok && last.Equal(rec.UpdatedAt) {
			continue
		}
		row, err := newOrderRecordRow(rec)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil
	}
	if err := p.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error; err != nil {
		return fmt.Errorf("upsert %d records: %w", len(rows), err)
	}
	for _, row := range rows {
		p.mirrored[row.Key] = row.UpdatedAt
	}
	return nil
}

func (p *PostgresMirror) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
