package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/rendivia-backend/internal/data/db"
	"github.com/yungbote/rendivia-backend/internal/domain/auth"
	"github.com/yungbote/rendivia-backend/internal/domain/brand"
	"github.com/yungbote/rendivia-backend/internal/platform/logger"
)

var dbSeq atomic.Int64

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	return logger.NewNop()
}

// DB opens a fresh, migrated in-memory sqlite database private to the test.
// A shared cache keeps every pooled connection on the same database so
// concurrent tests exercise real row contention.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	dsn := fmt.Sprintf("file:rendivia_test_%d?mode=memory&cache=shared&_busy_timeout=5000", dbSeq.Add(1))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		tb.Fatalf("sqlite pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrateAll(gdb); err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	tb.Cleanup(func() { _ = sqlDB.Close() })
	return gdb
}

func SeedAPIKey(tb testing.TB, gdb *gorm.DB, rawKey string, userID uuid.UUID, teamID *uuid.UUID, planID string) *auth.APIKey {
	tb.Helper()
	k := &auth.APIKey{
		UserID:  userID,
		TeamID:  teamID,
		PlanID:  planID,
		Name:    "test",
		Prefix:  rawKey[:min(len(rawKey), 8)],
		KeyHash: auth.HashKey(rawKey),
	}
	if err := gdb.Create(k).Error; err != nil {
		tb.Fatalf("seed api key: %v", err)
	}
	return k
}

func SeedBrand(tb testing.TB, gdb *gorm.DB, userID uuid.UUID, teamID *uuid.UUID, name string) *brand.BrandProfile {
	tb.Helper()
	b := &brand.BrandProfile{
		UserID:       userID,
		TeamID:       teamID,
		Name:         name,
		PrimaryColor: "#111111",
		FontFamily:   "Inter",
		LogoURL:      "https://cdn.example.com/logo.png",
	}
	if err := gdb.Create(b).Error; err != nil {
		tb.Fatalf("seed brand: %v", err)
	}
	return b
}

func PtrUUID(v uuid.UUID) *uuid.UUID { return &v }
