package testutil

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// OpenSQLite opens a file-backed sqlite database in a temp dir and migrates models.
func OpenSQLite(t *testing.T, models ...any) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "papermerge.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("failed to migrate schema: %v", err)
		}
	}
	return db
}
