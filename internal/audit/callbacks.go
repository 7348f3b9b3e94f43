package audit

import (
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

const (
	columnCreatedBy  = "created_by"
	columnUpdatedBy  = "updated_by"
	columnArchivedBy = "archived_by"
	fieldArchivedAt  = "ArchivedAt"
	actionDelete     = "delete"
)

// Entry records a deletion together with the actor that performed it.
type Entry struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Table     string    `gorm:"column:table_name;size:64;not null;index"`
	RecordID  string    `gorm:"column:record_id;size:64;index"`
	Action    string    `gorm:"column:action;size:16;not null"`
	DeletedBy string    `gorm:"column:deleted_by;size:64"`
	Username  string    `gorm:"column:username;size:190"`
	SessionID string    `gorm:"column:session_id;size:190"`
	Reason    string    `gorm:"column:reason;size:190"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Entry) TableName() string {
	return "audit_log"
}

type stamper struct {
	logger *zap.Logger
}

// Register installs the stamping callbacks on db. Every create, update and
// delete executed with an actor-bearing context is stamped.
func Register(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &stamper{logger: logger}
	if err := db.Callback().Create().Before("gorm:create").Register("audit:stamp_create", s.stampCreate); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("audit:stamp_update", s.stampUpdate); err != nil {
		return err
	}
	return db.Callback().Delete().Before("gorm:delete").Register("audit:record_delete", s.recordDelete)
}

func (s *stamper) stampCreate(db *gorm.DB) {
	if db.Error != nil || db.Statement.Schema == nil {
		return
	}
	actor, ok := ActorFrom(db.Statement.Context)
	if !ok {
		return
	}
	setIfPresent(db, columnCreatedBy, actor.UserID)
	setIfPresent(db, columnUpdatedBy, actor.UserID)
}

func (s *stamper) stampUpdate(db *gorm.DB) {
	if db.Error != nil || db.Statement.Schema == nil {
		return
	}
	actor, ok := ActorFrom(db.Statement.Context)
	if !ok {
		return
	}
	setIfPresent(db, columnUpdatedBy, actor.UserID)
	if db.Statement.Schema.LookUpField(columnArchivedBy) != nil && db.Statement.Changed(fieldArchivedAt) {
		db.Statement.SetColumn(columnArchivedBy, actor.UserID, true)
	}
}

// recordDelete writes one audit entry per row the statement is about to
// delete. Rows addressed through a WHERE clause rather than a loaded model
// are looked up first, inside the same transaction.
func (s *stamper) recordDelete(db *gorm.DB) {
	if db.Error != nil || db.Statement.Schema == nil {
		return
	}
	actor, ok := ActorFrom(db.Statement.Context)
	if !ok {
		return
	}
	table := db.Statement.Schema.Table
	recordIDs, err := deletedKeys(db)
	if err != nil {
		s.logger.Warn("audit entries not written",
			zap.String("table", table),
			zap.Error(err))
		return
	}
	if len(recordIDs) == 0 {
		return
	}
	entries := make([]Entry, 0, len(recordIDs))
	for _, id := range recordIDs {
		entries = append(entries, Entry{
			Table:     table,
			RecordID:  id,
			Action:    actionDelete,
			DeletedBy: actor.UserID,
			Username:  actor.Username,
			SessionID: actor.SessionID,
			Reason:    actor.Reason,
		})
	}
	if err := db.Session(&gorm.Session{NewDB: true}).Create(&entries).Error; err != nil {
		s.logger.Warn("audit entries not written",
			zap.String("table", table),
			zap.Strings("record_ids", recordIDs),
			zap.Error(err))
	}
}

// deletedKeys returns the primary keys of the rows a delete statement targets.
func deletedKeys(db *gorm.DB) ([]string, error) {
	field := db.Statement.Schema.PrioritizedPrimaryField
	if field == nil {
		return nil, nil
	}
	if keys := modelKeys(db, field); len(keys) > 0 {
		return keys, nil
	}
	where, ok := db.Statement.Clauses["WHERE"].Expression.(clause.Where)
	if !ok || len(where.Exprs) == 0 {
		return nil, nil
	}
	var keys []string
	err := db.Session(&gorm.Session{NewDB: true}).
		Table(db.Statement.Schema.Table).
		Clauses(where).
		Pluck(field.DBName, &keys).
		Error
	if err != nil {
		return nil, fmt.Errorf("look up deleted rows: %w", err)
	}
	return keys, nil
}

// modelKeys returns the non-zero primary keys of the model value or slice
// passed to Delete.
func modelKeys(db *gorm.DB, field *schema.Field) []string {
	value := reflect.Indirect(db.Statement.ReflectValue)
	var keys []string
	collect := func(item reflect.Value) {
		item = reflect.Indirect(item)
		if item.Kind() != reflect.Struct {
			return
		}
		if pk, zero := field.ValueOf(db.Statement.Context, item); !zero {
			keys = append(keys, fmt.Sprint(pk))
		}
	}
	switch value.Kind() {
	case reflect.Struct:
		collect(value)
	case reflect.Slice, reflect.Array:
		for i := 0; i < value.Len(); i++ {
			collect(value.Index(i))
		}
	}
	return keys
}

func setIfPresent(db *gorm.DB, column, value string) {
	if db.Statement.Schema.LookUpField(column) != nil {
		db.Statement.SetColumn(column, value, true)
	}
}
