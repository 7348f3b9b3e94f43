package customfields

import (
	"time"

	"github.com/papermerge/papermerge-core-sub000/internal/audit"
	"gorm.io/datatypes"
)

// CustomField is a typed attribute definition. Names are unique per owner.
type CustomField struct {
	ID        string         `gorm:"column:id;primaryKey;size:36" json:"id"`
	Name      string         `gorm:"column:name;size:128;not null" json:"name"`
	Type      TypeName       `gorm:"column:type_handler;size:32;not null" json:"type_handler"`
	Config    datatypes.JSON `gorm:"column:config" json:"config"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	audit.Stamps
}

func (CustomField) TableName() string {
	return "custom_fields"
}

// CustomFieldValue is a value attached to a document for one field. The
// value_* columns are projections of Value and are never written directly.
type CustomFieldValue struct {
	ID           string         `gorm:"column:id;primaryKey;size:36" json:"id"`
	DocumentID   string         `gorm:"column:document_id;size:36;not null;uniqueIndex:idx_cfv_document_field" json:"document_id"`
	FieldID      string         `gorm:"column:field_id;size:36;not null;uniqueIndex:idx_cfv_document_field;index" json:"field_id"`
	Value        datatypes.JSON `gorm:"column:value;not null" json:"value"`
	ValueText    *string        `gorm:"column:value_text;type:text" json:"value_text,omitempty"`
	ValueNumeric *float64       `gorm:"column:value_numeric;index" json:"value_numeric,omitempty"`
	ValueDate    *time.Time     `gorm:"column:value_date;index" json:"value_date,omitempty"`
	ValueBoolean *bool          `gorm:"column:value_boolean" json:"value_boolean,omitempty"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
	audit.Stamps
}

func (CustomFieldValue) TableName() string {
	return "custom_field_values"
}

// DocumentType is a named bundle of custom fields with an optional path
// template that files documents of this type.
type DocumentType struct {
	ID           string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	Name         string    `gorm:"column:name;size:128;not null" json:"name"`
	PathTemplate string    `gorm:"column:path_template;size:2048" json:"path_template,omitempty"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	audit.Stamps
}

func (DocumentType) TableName() string {
	return "document_types"
}

// DocumentTypeCustomField orders the fields of a document type.
type DocumentTypeCustomField struct {
	DocumentTypeID string `gorm:"column:document_type_id;primaryKey;size:36"`
	FieldID        string `gorm:"column:field_id;primaryKey;size:36;index"`
	Position       int    `gorm:"column:position;not null"`
}

func (DocumentTypeCustomField) TableName() string {
	return "document_type_custom_fields"
}

func Models() []any {
	return []any{&CustomField{}, &CustomFieldValue{}, &DocumentType{}, &DocumentTypeCustomField{}}
}
