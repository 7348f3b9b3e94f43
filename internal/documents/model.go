package documents

import (
	"time"

	"github.com/papermerge/papermerge-core-sub000/internal/artifacts"
	"github.com/papermerge/papermerge-core-sub000/internal/audit"
)

// NodeType tags a node as a folder or a document.
type NodeType string

const (
	NodeFolder   NodeType = "folder"
	NodeDocument NodeType = "document"
)

// Status is a document's processing state.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusConverting Status = "converting"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// Reason records why a version was created.
type Reason string

const (
	ReasonUpload     Reason = "upload"
	ReasonConversion Reason = "conversion"
	ReasonPageEdit   Reason = "page_edit"
	ReasonRotation   Reason = "rotation"
	ReasonExtraction Reason = "extraction"
	ReasonMerge      Reason = "merge"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonUpload, ReasonConversion, ReasonPageEdit, ReasonRotation, ReasonExtraction, ReasonMerge:
		return true
	}
	return false
}

// Node is the shared row of the folder tree. Folder and Document rows reuse its id.
type Node struct {
	ID        string    `gorm:"column:id;primaryKey;size:36"`
	Title     string    `gorm:"column:title;size:400;not null"`
	CType     NodeType  `gorm:"column:ctype;size:16;not null;index"`
	ParentID  *string   `gorm:"column:parent_id;size:36;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
	audit.Stamps
}

func (Node) TableName() string {
	return "nodes"
}

type Folder struct {
	ID string `gorm:"column:id;primaryKey;size:36"`
}

func (Folder) TableName() string {
	return "folders"
}

type Document struct {
	ID               string    `gorm:"column:id;primaryKey;size:36"`
	Lang             string    `gorm:"column:lang;size:8;not null;default:deu"`
	ProcessingStatus Status    `gorm:"column:processing_status;size:16;not null;index"`
	ProcessingError  string    `gorm:"column:processing_error;size:1024"`
	DocumentTypeID   *string   `gorm:"column:document_type_id;size:36;index"`
	FileOwnerID      string    `gorm:"column:file_owner_id;size:36;not null"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
	audit.Stamps
}

// VersionFile is the store-relative path of a version PDF. Paths are keyed on
// the owner recorded at creation so ownership transfers never move files.
func (d Document) VersionFile(version DocumentVersion) string {
	return artifacts.VersionPath(d.FileOwnerID, d.ID, version.Number, version.FileName)
}

// StoragePrefix is the directory holding all version PDFs of the document.
func (d Document) StoragePrefix() string {
	return artifacts.DocumentPrefix(d.FileOwnerID, d.ID)
}

func (Document) TableName() string {
	return "documents"
}

// DocumentVersion is an immutable snapshot of a document's pages. Only the
// highest-numbered version of a document is editable.
type DocumentVersion struct {
	ID               string     `gorm:"column:id;primaryKey;size:36"`
	DocumentID       string     `gorm:"column:document_id;size:36;not null;uniqueIndex:idx_version_document_number"`
	Number           int        `gorm:"column:number;not null;uniqueIndex:idx_version_document_number"`
	FileName         string     `gorm:"column:file_name;size:400;not null"`
	Size             int64      `gorm:"column:size;not null;default:0"`
	PageCount        int        `gorm:"column:page_count;not null"`
	Lang             string     `gorm:"column:lang;size:8;not null"`
	MimeType         string     `gorm:"column:mime_type;size:64;not null"`
	ShortDescription string     `gorm:"column:short_description;size:512"`
	Text             string     `gorm:"column:text"`
	IsOriginal       bool       `gorm:"column:is_original;not null;default:false"`
	SourceVersionID  *string    `gorm:"column:source_version_id;size:36;index"`
	CreationReason   Reason     `gorm:"column:creation_reason;size:16;not null"`
	ArchivedAt       *time.Time `gorm:"column:archived_at"`
	ArchivedBy       string     `gorm:"column:archived_by;size:64"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
	audit.Stamps
}

func (DocumentVersion) TableName() string {
	return "document_versions"
}

func (v DocumentVersion) Archived() bool {
	return v.ArchivedAt != nil
}

// Page is one ordered cell of a version. Pages are never moved between
// versions; edits allocate new page ids and copy artifacts.
type Page struct {
	ID                string     `gorm:"column:id;primaryKey;size:36"`
	DocumentVersionID string     `gorm:"column:document_version_id;size:36;not null;uniqueIndex:idx_page_version_number"`
	Number            int        `gorm:"column:number;not null;uniqueIndex:idx_page_version_number"`
	Text              string     `gorm:"column:text"`
	Lang              string     `gorm:"column:lang;size:8;not null"`
	Rotation          int        `gorm:"column:rotation;not null;default:0"`
	ArchivedAt        *time.Time `gorm:"column:archived_at"`
	ArchivedBy        string     `gorm:"column:archived_by;size:64"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime"`
	audit.Stamps
}

func (Page) TableName() string {
	return "pages"
}

type Tag struct {
	ID        string    `gorm:"column:id;primaryKey;size:36"`
	Name      string    `gorm:"column:name;size:190;not null"`
	BgColor   string    `gorm:"column:bg_color;size:16"`
	FgColor   string    `gorm:"column:fg_color;size:16"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	audit.Stamps
}

func (Tag) TableName() string {
	return "tags"
}

type NodeTag struct {
	NodeID string `gorm:"column:node_id;primaryKey;size:36"`
	TagID  string `gorm:"column:tag_id;primaryKey;size:36;index"`
}

func (NodeTag) TableName() string {
	return "node_tags"
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Node{}, &Folder{}, &Document{}, &DocumentVersion{}, &Page{}, &Tag{}, &NodeTag{}}
}
