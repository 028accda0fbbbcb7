package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"flashsale/internal/service/inventory/domain"
)

// 不连接数据库，只检查生成的 SQL
func newDryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "user:pass@tcp(127.0.0.1:3306)/flashsale?parseTime=true",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)
	return db
}

func TestGormLedger_SaveIgnoresDuplicateEvent(t *testing.T) {
	db := newDryRunDB(t)
	repo := NewGormLedgerRepository(db)

	var captured string
	require.NoError(t, db.Callback().Create().After("gorm:create").Register("test:capture", func(tx *gorm.DB) {
		captured = tx.Statement.SQL.String()
	}))

	_, err := repo.Save(context.Background(), domain.LedgerEntry{
		EventID: "evt-1", OrderID: "o-1", UserID: "u-1", SkuID: "sku-1", Qty: 1,
		PriceCents: 1999, Currency: "CNY", OccurredAt: time.Now(), ExpireAt: time.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)
	assert.Contains(t, captured, "INSERT INTO `flashsale_reservation_ledger`")
	assert.Contains(t, captured, "ON DUPLICATE KEY UPDATE")
}

func TestOpenMySQL_BadDSN(t *testing.T) {
	_, err := OpenMySQL("not a dsn", 4)
	assert.Error(t, err)
}
