// Package customfields types, validates and stores the custom field values of
// documents, and groups fields into document types that can file documents
// into folders rendered from their values.
package customfields

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/audit"
	"github.com/papermerge/papermerge-core-sub000/internal/dbctx"
	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"github.com/papermerge/papermerge-core-sub000/internal/ids"
	"github.com/papermerge/papermerge-core-sub000/internal/ownership"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opServiceNew      = "customfields.service.new"
	opCreateField     = "customfields.create_field"
	opUpdateField     = "customfields.update_field"
	opDeleteField     = "customfields.delete_field"
	opLoadField       = "customfields.load_field"
	opSetValue        = "customfields.set_value"
	opGetValue        = "customfields.get_value"
	opFindByName      = "customfields.find_by_name"
	opCreateDocType   = "customfields.create_document_type"
	opAssignDocType   = "customfields.assign_document_type"
	opRenderPath      = "customfields.render_path"
	opDeleteDocValues = "customfields.delete_document_values"
)

var (
	errMissingDatabase  = errors.New("customfields: database handle is required")
	errMissingOwnership = errors.New("customfields: ownership resolver is required")
	errMissingDocuments = errors.New("customfields: documents service is required")
)

type ServiceConfig struct {
	Database   *gorm.DB
	Ownership  *ownership.Resolver
	Documents  *documents.Service
	IDProvider ids.Provider
	Logger     *zap.Logger
}

type Service struct {
	db     *gorm.DB
	owners *ownership.Resolver
	docs   *documents.Service
	ids    ids.Provider
	logger *zap.Logger
}

// NewService builds the service and registers the cleanup of values when a
// document is deleted.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Database == nil:
		return nil, apperr.Wrap(apperr.KindInternal, opServiceNew, errMissingDatabase)
	case cfg.Ownership == nil:
		return nil, apperr.Wrap(apperr.KindInternal, opServiceNew, errMissingOwnership)
	case cfg.Documents == nil:
		return nil, apperr.Wrap(apperr.KindInternal, opServiceNew, errMissingDocuments)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		db:     cfg.Database,
		owners: cfg.Ownership,
		docs:   cfg.Documents,
		ids:    ids.OrDefault(cfg.IDProvider),
		logger: logger,
	}
	cfg.Documents.AddDeleteHook(s.deleteDocumentValues)
	return s, nil
}

// CreateField defines a field after the type handler accepted its config.
func (s *Service) CreateField(ctx context.Context, owner ownership.Owner, name string, typeName TypeName, cfg Config) (CustomField, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return CustomField{}, apperr.WithField(apperr.New(apperr.KindValidation, opCreateField, "name is required"), "name")
	}
	handler, ok := HandlerFor(typeName)
	if !ok {
		return CustomField{}, apperr.WithField(
			apperr.Newf(apperr.KindValidation, opCreateField, "unknown type handler %q", typeName), "type_handler")
	}
	encoded, err := encodeConfig(opCreateField, handler, cfg)
	if err != nil {
		return CustomField{}, err
	}

	var field CustomField
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		if err := s.ensureUniqueName(dbc, "custom_fields", ownership.ResourceCustomField, owner, name, ""); err != nil {
			return err
		}
		id, err := s.ids.NewID()
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, opCreateField, err)
		}
		field = CustomField{ID: id, Name: name, Type: typeName, Config: encoded}
		if err := tx.Create(&field).Error; err != nil {
			s.logError(opCreateField, "field_insert_failed", err, zap.String("name", name))
			return apperr.Wrap(apperr.KindInternal, opCreateField, err)
		}
		return s.owners.Set(dbc, ownership.Resource{Type: ownership.ResourceCustomField, ID: id}, owner)
	})
	if err != nil {
		return CustomField{}, err
	}
	return field, nil
}

// UpdateFieldConfig replaces a field's config. Stored values are not revisited.
func (s *Service) UpdateFieldConfig(ctx context.Context, fieldID string, cfg Config) (CustomField, error) {
	dbc := dbctx.Context{Ctx: ctx}
	field, err := s.authorizedField(dbc, fieldID)
	if err != nil {
		return CustomField{}, err
	}
	handler, _ := HandlerFor(field.Type)
	encoded, err := encodeConfig(opUpdateField, handler, cfg)
	if err != nil {
		return CustomField{}, err
	}
	if err := dbc.DB(s.db).Model(&CustomField{}).Where("id = ?", fieldID).Update("config", encoded).Error; err != nil {
		return CustomField{}, apperr.Wrap(apperr.KindInternal, opUpdateField, err)
	}
	field.Config = encoded
	return field, nil
}

// DeleteField removes a field with its values and document type links.
func (s *Service) DeleteField(ctx context.Context, fieldID string) error {
	if _, err := s.authorizedField(dbctx.Context{Ctx: ctx}, fieldID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		steps := []func() error{
			func() error { return tx.Where("field_id = ?", fieldID).Delete(&CustomFieldValue{}).Error },
			func() error { return tx.Where("field_id = ?", fieldID).Delete(&DocumentTypeCustomField{}).Error },
			func() error { return tx.Where("id = ?", fieldID).Delete(&CustomField{}).Error },
			func() error { return s.owners.Delete(dbc, ownership.ResourceCustomField, []string{fieldID}) },
		}
		for _, step := range steps {
			if err := step(); err != nil {
				return apperr.Wrap(apperr.KindInternal, opDeleteField, err)
			}
		}
		return nil
	})
}

// LoadField fetches a field by id.
func LoadField(db *gorm.DB, id string) (CustomField, error) {
	var field CustomField
	err := db.Where("id = ?", id).Take(&field).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CustomField{}, apperr.Newf(apperr.KindNotFound, opLoadField, "custom field %s not found", id)
	}
	if err != nil {
		return CustomField{}, apperr.Wrap(apperr.KindInternal, opLoadField, err)
	}
	return field, nil
}

// FieldConfig decodes the stored config of a field.
func FieldConfig(field CustomField) (Config, error) {
	var cfg Config
	if len(field.Config) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(field.Config, &cfg); err != nil {
		return Config{}, apperr.Wrap(apperr.KindInternal, opLoadField, err)
	}
	return cfg, nil
}

// SetValue parses, validates and stores raw as the value of fieldID on
// documentID. A nil raw clears the value. Rule breaches surface as Validation
// errors referencing the field id.
func (s *Service) SetValue(ctx context.Context, documentID, fieldID string, raw any) (*CustomFieldValue, error) {
	dbc := dbctx.Context{Ctx: ctx}
	if _, err := documents.LoadDocument(dbc.DB(s.db), documentID); err != nil {
		return nil, err
	}
	if err := s.docs.Authorize(dbc, documentID); err != nil {
		return nil, err
	}
	field, err := s.authorizedField(dbc, fieldID)
	if err != nil {
		return nil, err
	}

	if raw == nil {
		err := dbc.DB(s.db).Where("document_id = ? AND field_id = ?", documentID, fieldID).Delete(&CustomFieldValue{}).Error
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, opSetValue, err)
		}
		return nil, nil
	}

	handler, ok := HandlerFor(field.Type)
	if !ok {
		return nil, apperr.Newf(apperr.KindInternal, opSetValue, "field %s has unknown type %q", fieldID, field.Type)
	}
	cfg, err := FieldConfig(field)
	if err != nil {
		return nil, err
	}
	stored, err := Store(handler, raw, cfg)
	if err != nil {
		return nil, fieldError(opSetValue, fieldID, err)
	}
	encoded, err := json.Marshal(stored)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, opSetValue, err)
	}
	projections := handler.ComputeProjections(stored)

	var value CustomFieldValue
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("document_id = ? AND field_id = ?", documentID, fieldID).Take(&value).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			id, err := s.ids.NewID()
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, opSetValue, err)
			}
			value = CustomFieldValue{ID: id, DocumentID: documentID, FieldID: fieldID}
			applyStored(&value, encoded, projections)
			if err := tx.Create(&value).Error; err != nil {
				return apperr.Wrap(apperr.KindConflict, opSetValue, err)
			}
			return nil
		case err != nil:
			return apperr.Wrap(apperr.KindInternal, opSetValue, err)
		}
		applyStored(&value, encoded, projections)
		err = tx.Model(&CustomFieldValue{}).Where("id = ?", value.ID).Updates(map[string]any{
			"value":         value.Value,
			"value_text":    value.ValueText,
			"value_numeric": value.ValueNumeric,
			"value_date":    value.ValueDate,
			"value_boolean": value.ValueBoolean,
			"updated_at":    time.Now().UTC(),
		}).Error
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, opSetValue, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// GetValue returns the value of fieldID on documentID, or nil when unset.
func (s *Service) GetValue(ctx context.Context, documentID, fieldID string) (*CustomFieldValue, error) {
	dbc := dbctx.Context{Ctx: ctx}
	if _, err := documents.LoadDocument(dbc.DB(s.db), documentID); err != nil {
		return nil, err
	}
	if err := s.docs.Authorize(dbc, documentID); err != nil {
		return nil, err
	}
	var value CustomFieldValue
	err := dbc.DB(s.db).Where("document_id = ? AND field_id = ?", documentID, fieldID).Take(&value).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, opGetValue, err)
	}
	return &value, nil
}

// DecodeValue returns the stored JSON of a value.
func DecodeValue(value CustomFieldValue) (Stored, error) {
	var stored Stored
	if err := json.Unmarshal(value.Value, &stored); err != nil {
		return Stored{}, apperr.Wrap(apperr.KindInternal, opGetValue, err)
	}
	return stored, nil
}

// CreateDocumentType bundles fields, in the given order, under a name unique
// per owner. pathTemplate may be empty.
func (s *Service) CreateDocumentType(ctx context.Context, owner ownership.Owner, name string, fieldIDs []string, pathTemplate string) (DocumentType, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return DocumentType{}, apperr.WithField(apperr.New(apperr.KindValidation, opCreateDocType, "name is required"), "name")
	}
	pathTemplate = strings.TrimSpace(pathTemplate)
	if pathTemplate != "" {
		if _, err := parsePathTemplate(pathTemplate); err != nil {
			return DocumentType{}, apperr.WithField(
				apperr.Newf(apperr.KindValidation, opCreateDocType, "invalid path template: %v", err), "path_template")
		}
	}

	var docType DocumentType
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		if err := s.ensureUniqueName(dbc, "document_types", ownership.ResourceDocumentType, owner, name, ""); err != nil {
			return err
		}
		seen := make(map[string]struct{}, len(fieldIDs))
		for _, fieldID := range fieldIDs {
			if _, dup := seen[fieldID]; dup {
				return apperr.WithField(
					apperr.Newf(apperr.KindValidation, opCreateDocType, "field %s is listed twice", fieldID), "custom_field_ids")
			}
			seen[fieldID] = struct{}{}
			if _, err := s.authorizedField(dbc, fieldID); err != nil {
				return err
			}
		}
		id, err := s.ids.NewID()
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, opCreateDocType, err)
		}
		docType = DocumentType{ID: id, Name: name, PathTemplate: pathTemplate}
		if err := tx.Create(&docType).Error; err != nil {
			return apperr.Wrap(apperr.KindInternal, opCreateDocType, err)
		}
		for i, fieldID := range fieldIDs {
			link := DocumentTypeCustomField{DocumentTypeID: id, FieldID: fieldID, Position: i}
			if err := tx.Create(&link).Error; err != nil {
				return apperr.Wrap(apperr.KindInternal, opCreateDocType, err)
			}
		}
		return s.owners.Set(dbc, ownership.Resource{Type: ownership.ResourceDocumentType, ID: id}, owner)
	})
	if err != nil {
		return DocumentType{}, err
	}
	return docType, nil
}

// TypeFields returns the fields of a document type in position order.
func TypeFields(db *gorm.DB, documentTypeID string) ([]CustomField, error) {
	var fields []CustomField
	err := db.Model(&CustomField{}).
		Joins("JOIN document_type_custom_fields l ON l.field_id = custom_fields.id").
		Where("l.document_type_id = ?", documentTypeID).
		Order("l.position ASC").
		Find(&fields).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, opLoadField, err)
	}
	return fields, nil
}

// AssignDocumentType sets (or clears, with nil) the type of a document. When
// the type has a path template the document is filed where it points.
func (s *Service) AssignDocumentType(ctx context.Context, documentID string, documentTypeID *string) error {
	dbc := dbctx.Context{Ctx: ctx}
	if err := s.docs.Authorize(dbc, documentID); err != nil {
		return err
	}
	var docType *DocumentType
	if documentTypeID != nil {
		loaded, err := s.loadDocumentType(dbc, *documentTypeID)
		if err != nil {
			return err
		}
		docType = &loaded
	}
	if err := s.docs.SetDocumentType(dbc, documentID, documentTypeID); err != nil {
		return err
	}
	if docType == nil || docType.PathTemplate == "" {
		return nil
	}
	_, _, err := s.AutoFile(ctx, documentID)
	return err
}

// AutoFile renders the document type's path template and moves the document
// into that folder path, creating missing folders. It reports false when the
// document has no template to follow.
func (s *Service) AutoFile(ctx context.Context, documentID string) (documents.Node, bool, error) {
	target, err := s.RenderPath(ctx, documentID)
	if err != nil {
		return documents.Node{}, false, err
	}
	if target == "" {
		return documents.Node{}, false, nil
	}
	folder, err := s.docs.FileByPath(ctx, documentID, target)
	if err != nil {
		return documents.Node{}, false, err
	}
	s.logger.Info("document filed",
		zap.String("operation", opAssignDocType),
		zap.String("document_id", documentID),
		zap.String("path", target))
	return folder, true, nil
}

// pathData is what a path template sees.
type pathData struct {
	ID    string
	Title string
	CF    map[string]string
}

// RenderPath evaluates the path template of the document's type. An empty
// result means the document has no type or the type has no template.
func (s *Service) RenderPath(ctx context.Context, documentID string) (string, error) {
	db := s.db.WithContext(ctx)
	doc, err := documents.LoadDocument(db, documentID)
	if err != nil {
		return "", err
	}
	if doc.DocumentTypeID == nil {
		return "", nil
	}
	docType, err := s.loadDocumentType(dbctx.Context{Ctx: ctx}, *doc.DocumentTypeID)
	if err != nil {
		return "", err
	}
	if docType.PathTemplate == "" {
		return "", nil
	}
	node, err := documents.LoadNode(db, documentID)
	if err != nil {
		return "", err
	}
	fields, err := TypeFields(db, docType.ID)
	if err != nil {
		return "", err
	}
	data := pathData{ID: doc.ID, Title: node.Title, CF: make(map[string]string, len(fields))}
	for _, field := range fields {
		data.CF[field.Name] = ""
		var value CustomFieldValue
		err := db.Where("document_id = ? AND field_id = ?", documentID, field.ID).Take(&value).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return "", apperr.Wrap(apperr.KindInternal, opRenderPath, err)
		}
		stored, err := DecodeValue(value)
		if err != nil {
			return "", err
		}
		data.CF[field.Name] = displayValue(stored)
	}

	tmpl, err := parsePathTemplate(docType.PathTemplate)
	if err != nil {
		return "", apperr.WithField(apperr.Newf(apperr.KindValidation, opRenderPath, "invalid path template: %v", err), "path_template")
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return "", apperr.Newf(apperr.KindValidation, opRenderPath, "path template failed: %v", err)
	}
	rendered := strings.TrimSpace(out.String())
	if strings.Trim(rendered, "/ ") == "" {
		return "", apperr.New(apperr.KindValidation, opRenderPath, "path template rendered an empty path")
	}
	return rendered, nil
}

func parsePathTemplate(text string) (*template.Template, error) {
	return template.New("path").Option("missingkey=zero").Parse(text)
}

func displayValue(stored Stored) string {
	switch raw := stored.Raw.(type) {
	case string:
		return raw
	case bool:
		if raw {
			return "true"
		}
		return "false"
	case map[string]any:
		if year, ok := wholeNumber(raw["year"]); ok {
			if month, ok := wholeNumber(raw["month"]); ok {
				return YearMonth{Year: year, Month: month}.String()
			}
		}
	}
	return stored.Sortable
}

func (s *Service) loadDocumentType(dbc dbctx.Context, id string) (DocumentType, error) {
	var docType DocumentType
	err := dbc.DB(s.db).Where("id = ?", id).Take(&docType).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentType{}, apperr.Newf(apperr.KindNotFound, opAssignDocType, "document type %s not found", id)
	}
	if err != nil {
		return DocumentType{}, apperr.Wrap(apperr.KindInternal, opAssignDocType, err)
	}
	if actor, ok := audit.ActorFrom(dbc.Ctx); ok {
		if err := s.owners.Require(dbc, actor.UserID, ownership.Resource{Type: ownership.ResourceDocumentType, ID: id}); err != nil {
			return DocumentType{}, err
		}
	}
	return docType, nil
}

// authorizedField loads a field and checks the bound actor may use it.
func (s *Service) authorizedField(dbc dbctx.Context, fieldID string) (CustomField, error) {
	field, err := LoadField(dbc.DB(s.db), fieldID)
	if err != nil {
		return CustomField{}, err
	}
	if actor, ok := audit.ActorFrom(dbc.Ctx); ok {
		if err := s.owners.Require(dbc, actor.UserID, ownership.Resource{Type: ownership.ResourceCustomField, ID: fieldID}); err != nil {
			return CustomField{}, err
		}
	}
	return field, nil
}

func (s *Service) ensureUniqueName(dbc dbctx.Context, table string, resourceType ownership.ResourceType, owner ownership.Owner, name, excludeID string) error {
	return s.owners.EnsureUnique(dbc, ownership.UniqueName{
		Table:        table,
		Column:       "name",
		ResourceType: resourceType,
		Owner:        owner,
		Value:        name,
		ExcludeID:    excludeID,
	})
}

// FindFieldByName returns the owner's field with the given name, compared
// case-insensitively.
func (s *Service) FindFieldByName(ctx context.Context, owner ownership.Owner, name string) (CustomField, error) {
	var field CustomField
	err := s.findOwnedByName(ctx, "custom_fields", ownership.ResourceCustomField, owner, name, &field)
	return field, err
}

// FindDocumentTypeByName returns the owner's document type with the given name.
func (s *Service) FindDocumentTypeByName(ctx context.Context, owner ownership.Owner, name string) (DocumentType, error) {
	var docType DocumentType
	err := s.findOwnedByName(ctx, "document_types", ownership.ResourceDocumentType, owner, name, &docType)
	return docType, err
}

func (s *Service) findOwnedByName(ctx context.Context, table string, resourceType ownership.ResourceType, owner ownership.Owner, name string, dest any) error {
	err := s.db.WithContext(ctx).
		Table(table+" AS t").
		Select("t.*").
		Joins("JOIN ownerships o ON o.resource_type = ? AND o.resource_id = t.id", resourceType).
		Where("LOWER(t.name) = LOWER(?)", strings.TrimSpace(name)).
		Where("o.owner_type = ? AND o.owner_id = ?", owner.Type, owner.ID).
		Take(dest).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.Newf(apperr.KindNotFound, opFindByName, "%s %q not found", resourceType, name)
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, opFindByName, err)
	}
	return nil
}

// deleteDocumentValues runs inside document deletion.
func (s *Service) deleteDocumentValues(dbc dbctx.Context, documentID string) error {
	if err := dbc.DB(s.db).Where("document_id = ?", documentID).Delete(&CustomFieldValue{}).Error; err != nil {
		s.logError(opDeleteDocValues, "value_delete_failed", err, zap.String("document_id", documentID))
		return err
	}
	return nil
}

func encodeConfig(op string, handler Handler, cfg Config) (datatypes.JSON, error) {
	if err := handler.ValidateConfig(cfg); err != nil {
		return nil, apperr.WithField(apperr.Newf(apperr.KindValidation, op, "invalid %s config: %v", handler.Name(), err), "config")
	}
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return datatypes.JSON(encoded), nil
}

// fieldError turns a handler rule breach into a Validation error on fieldID.
func fieldError(op, fieldID string, err error) error {
	var rule *ValidationError
	if !errors.As(err, &rule) {
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
	rule.Field = fieldID
	return &apperr.Error{Kind: apperr.KindValidation, Op: op, Detail: rule.Message, Field: fieldID, Err: rule}
}

func applyStored(value *CustomFieldValue, encoded []byte, projections Projections) {
	value.Value = datatypes.JSON(encoded)
	value.ValueText = projections.Text
	value.ValueNumeric = projections.Numeric
	value.ValueDate = projections.Date
	value.ValueBoolean = projections.Boolean
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("custom fields error", attrs...)
}

// String renders a value for log lines.
func (v CustomFieldValue) String() string {
	return fmt.Sprintf("document %s field %s", v.DocumentID, v.FieldID)
}
