package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type pageRow struct {
	ID       string `gorm:"column:id;primaryKey"`
	Rotation int    `gorm:"column:rotation"`
}

func (pageRow) TableName() string {
	return "pages"
}

type documentRow struct {
	ID          string `gorm:"column:id;primaryKey"`
	FileOwnerID string `gorm:"column:file_owner_id"`
}

func (documentRow) TableName() string {
	return "documents"
}

type ownershipRow struct {
	ResourceType string `gorm:"column:resource_type;primaryKey"`
	ResourceID   string `gorm:"column:resource_id;primaryKey"`
	OwnerID      string `gorm:"column:owner_id"`
}

func (ownershipRow) TableName() string {
	return "ownerships"
}

func openMigrationDB(t *testing.T, models ...any) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "migration.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(append(models, &migrationRecord{})...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func TestApplyMigrationsNormalizesRotation(t *testing.T) {
	db := openMigrationDB(t, &pageRow{})
	rows := []pageRow{{ID: "p1", Rotation: -90}, {ID: "p2", Rotation: 450}, {ID: "p3", Rotation: 180}}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("failed to insert pages: %v", err)
	}

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	want := map[string]int{"p1": 270, "p2": 90, "p3": 180}
	var stored []pageRow
	if err := db.Find(&stored).Error; err != nil {
		t.Fatalf("failed to reload pages: %v", err)
	}
	for _, row := range stored {
		if row.Rotation != want[row.ID] {
			t.Fatalf("page %s rotation = %d, want %d", row.ID, row.Rotation, want[row.ID])
		}
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationNormalizePageRotation).Take(&record).Error; err != nil {
		t.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		t.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsBackfillsFileOwnerOnce(t *testing.T) {
	db := openMigrationDB(t, &documentRow{}, &ownershipRow{})
	if err := db.Create(&documentRow{ID: "d1"}).Error; err != nil {
		t.Fatalf("failed to insert document: %v", err)
	}
	if err := db.Create(&ownershipRow{ResourceType: "node", ResourceID: "d1", OwnerID: "u1"}).Error; err != nil {
		t.Fatalf("failed to insert ownership: %v", err)
	}
	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}

	var doc documentRow
	if err := db.Where("id = ?", "d1").Take(&doc).Error; err != nil {
		t.Fatalf("failed to reload document: %v", err)
	}
	if doc.FileOwnerID != "u1" {
		t.Fatalf("expected file owner backfilled, got %q", doc.FileOwnerID)
	}

	// A recorded migration never runs again.
	if err := db.Create(&documentRow{ID: "d2"}).Error; err != nil {
		t.Fatalf("failed to insert document: %v", err)
	}
	if err := db.Create(&ownershipRow{ResourceType: "node", ResourceID: "d2", OwnerID: "u2"}).Error; err != nil {
		t.Fatalf("failed to insert ownership: %v", err)
	}
	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to reapply migrations: %v", err)
	}
	if err := db.Where("id = ?", "d2").Take(&doc).Error; err != nil {
		t.Fatalf("failed to reload document: %v", err)
	}
	if doc.FileOwnerID != "" {
		t.Fatalf("expected migration to run once, got owner %q", doc.FileOwnerID)
	}
}
