package infrastructure

import (
	"context"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"flashsale/internal/service/inventory/domain"
)

// LedgerModel 对应 flashsale_reservation_ledger 表，event_id 唯一。
type LedgerModel struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	EventID    string    `gorm:"type:varchar(64);uniqueIndex;not null"`
	OrderID    string    `gorm:"type:varchar(64);index;not null"`
	UserID     string    `gorm:"type:varchar(64);not null"`
	SkuID      string    `gorm:"type:varchar(64);index;not null"`
	Qty        int       `gorm:"not null"`
	PriceCents int64     `gorm:"not null"`
	Currency   string    `gorm:"type:char(3);not null"`
	OccurredAt time.Time `gorm:"not null"`
	ExpireAt   time.Time `gorm:"not null"`
	CreatedAt  time.Time
}

// TableName 指定 GORM 使用的表名
func (LedgerModel) TableName() string {
	return "flashsale_reservation_ledger"
}

// OpenMySQL 解析 DSN 并打开 gorm 连接。parseTime 总是打开，时间字段才能映射到 time.Time。
func OpenMySQL(dsn string, maxOpenConns int) (*gorm.DB, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse mysql dsn")
	}
	cfg.ParseTime = true
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}

	db, err := gorm.Open(mysql.New(mysql.Config{DSN: cfg.FormatDSN(), DSNConfig: cfg}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(maxOpenConns)
		sqlDB.SetMaxIdleConns(maxOpenConns / 2)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// GormLedgerRepository 是 port.LedgerRepository 的 GORM 实现。
type GormLedgerRepository struct {
	db *gorm.DB
}

// NewGormLedgerRepository 创建仓储实例
func NewGormLedgerRepository(db *gorm.DB) *GormLedgerRepository {
	return &GormLedgerRepository{db: db}
}

// Migrate 建表（幂等）
func (r *GormLedgerRepository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&LedgerModel{})
}

// Save 插入一条流水；event_id 冲突时什么也不做，返回 false。
func (r *GormLedgerRepository) Save(ctx context.Context, entry domain.LedgerEntry) (bool, error) {
	model := toLedgerModel(entry)
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return false, errors.Wrapf(domain.ErrTransientInfra, "save ledger %s: %v", entry.EventID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func toLedgerModel(e domain.LedgerEntry) LedgerModel {
	return LedgerModel{
		EventID:    e.EventID,
		OrderID:    e.OrderID,
		UserID:     e.UserID,
		SkuID:      e.SkuID,
		Qty:        e.Qty,
		PriceCents: e.PriceCents,
		Currency:   e.Currency,
		OccurredAt: e.OccurredAt,
		ExpireAt:   e.ExpireAt,
	}
}
