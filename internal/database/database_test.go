package database

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

type uniqueRecord struct {
	ID   uint   `gorm:"column:id;primaryKey"`
	Name string `gorm:"column:name;uniqueIndex"`
}

func TestOpenSQLiteMigratesModels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "open.db")
	db, err := Open(Config{Driver: DriverSQLite, Path: path}, nil, &uniqueRecord{})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !db.Migrator().HasTable(&uniqueRecord{}) {
		t.Fatalf("expected table to be migrated")
	}

	if err := db.Create(&uniqueRecord{Name: "a"}).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	err = db.Create(&uniqueRecord{Name: "a"}).Error
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "oracle"}, nil); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: DriverPostgres}, nil); err == nil {
		t.Fatalf("expected error for missing dsn")
	}
}

func TestIsUniqueViolationRecognisesDriverErrors(t *testing.T) {
	if !IsUniqueViolation(fmt.Errorf("wrapped: %w", gorm.ErrDuplicatedKey)) {
		t.Fatalf("expected gorm duplicated key to match")
	}
	if !IsUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("expected postgres unique violation to match")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation must not match")
	}
	if IsUniqueViolation(errors.New("disk full")) || IsUniqueViolation(nil) {
		t.Fatalf("unrelated errors must not match")
	}
}
