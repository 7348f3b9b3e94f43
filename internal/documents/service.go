package documents

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/artifacts"
	"github.com/papermerge/papermerge-core-sub000/internal/audit"
	"github.com/papermerge/papermerge-core-sub000/internal/dbctx"
	"github.com/papermerge/papermerge-core-sub000/internal/ids"
	"github.com/papermerge/papermerge-core-sub000/internal/ownership"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase  = errors.New("documents: database handle is required")
	errMissingOwnership = errors.New("documents: ownership resolver is required")
	errMissingStore     = errors.New("documents: artifact store is required")
)

const (
	opServiceNew      = "documents.service.new"
	opCreateFolder    = "documents.create_folder"
	opCreateDocument  = "documents.create_document"
	opMoveNode        = "documents.move_node"
	opDeleteDocument  = "documents.delete_document"
	opCreateTag       = "documents.create_tag"
	opTagNode         = "documents.tag_node"
	opFileByPath      = "documents.file_by_path"
	opSetDocumentType = "documents.set_document_type"

	HomeFolderTitle  = "home"
	InboxFolderTitle = "inbox"
	DefaultLang      = "deu"
)

// DeleteHook removes rows other packages attach to a document.
type DeleteHook func(dbc dbctx.Context, documentID string) error

// Cleanup lists artifact trees to remove once the deleting transaction commits.
type Cleanup struct {
	Prefixes    []string
	DocumentIDs []string
	VersionIDs  []string
	PageIDs     []string
}

func (c *Cleanup) Merge(other Cleanup) {
	c.Prefixes = append(c.Prefixes, other.Prefixes...)
	c.DocumentIDs = append(c.DocumentIDs, other.DocumentIDs...)
	c.VersionIDs = append(c.VersionIDs, other.VersionIDs...)
	c.PageIDs = append(c.PageIDs, other.PageIDs...)
}

type ServiceConfig struct {
	Database    *gorm.DB
	Ownership   *ownership.Resolver
	Store       *artifacts.FileStore
	IDProvider  ids.Provider
	DeleteHooks []DeleteHook
	Logger      *zap.Logger
}

// Service manages the folder tree, document nodes and tags.
type Service struct {
	db          *gorm.DB
	owners      *ownership.Resolver
	store       *artifacts.FileStore
	ids         ids.Provider
	deleteHooks []DeleteHook
	logger      *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.Wrap(apperr.KindInternal, opServiceNew, errMissingDatabase)
	}
	if cfg.Ownership == nil {
		return nil, apperr.Wrap(apperr.KindInternal, opServiceNew, errMissingOwnership)
	}
	if cfg.Store == nil {
		return nil, apperr.Wrap(apperr.KindInternal, opServiceNew, errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:          cfg.Database,
		owners:      cfg.Ownership,
		store:       cfg.Store,
		ids:         ids.OrDefault(cfg.IDProvider),
		deleteHooks: cfg.DeleteHooks,
		logger:      logger,
	}, nil
}

// AddDeleteHook registers fn to run inside every document deletion.
func (s *Service) AddDeleteHook(fn DeleteHook) {
	s.deleteHooks = append(s.deleteHooks, fn)
}

// Authorize checks that the actor bound to ctx may act on node. Calls made
// without an actor (background workers) are trusted.
func (s *Service) Authorize(dbc dbctx.Context, nodeID string) error {
	actor, ok := audit.ActorFrom(dbc.Ctx)
	if !ok {
		return nil
	}
	return s.owners.Require(dbc, actor.UserID, ownership.Resource{Type: ownership.ResourceNode, ID: nodeID})
}

// OwnerOfNode returns the owner of a folder or document.
func (s *Service) OwnerOfNode(dbc dbctx.Context, nodeID string) (ownership.Owner, error) {
	return s.owners.Get(dbc, ownership.Resource{Type: ownership.ResourceNode, ID: nodeID})
}

// CreateFolder creates a folder under parentID (nil for a root folder).
func (s *Service) CreateFolder(ctx context.Context, owner ownership.Owner, parentID *string, title string) (Node, error) {
	var node Node
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		created, err := s.createNode(dbc, owner, parentID, title, NodeFolder)
		if err != nil {
			return err
		}
		if err := tx.Create(&Folder{ID: created.ID}).Error; err != nil {
			s.logError(opCreateFolder, "folder_insert_failed", err, zap.String("node_id", created.ID))
			return apperr.Wrap(apperr.KindInternal, opCreateFolder, err)
		}
		node = created
		return nil
	})
	return node, err
}

// EnsureHome returns the owner's root home and inbox folders, creating them when missing.
func (s *Service) EnsureHome(ctx context.Context, owner ownership.Owner) (Node, Node, error) {
	home, err := s.findRootFolder(ctx, owner, HomeFolderTitle)
	if err != nil {
		return Node{}, Node{}, err
	}
	if home == nil {
		created, err := s.CreateFolder(ctx, owner, nil, HomeFolderTitle)
		if err != nil {
			return Node{}, Node{}, err
		}
		home = &created
	}
	inbox, err := s.findRootFolder(ctx, owner, InboxFolderTitle)
	if err != nil {
		return Node{}, Node{}, err
	}
	if inbox == nil {
		created, err := s.CreateFolder(ctx, owner, nil, InboxFolderTitle)
		if err != nil {
			return Node{}, Node{}, err
		}
		inbox = &created
	}
	return *home, *inbox, nil
}

func (s *Service) findRootFolder(ctx context.Context, owner ownership.Owner, title string) (*Node, error) {
	var nodes []Node
	err := s.db.WithContext(ctx).
		Joins("JOIN ownerships o ON o.resource_type = ? AND o.resource_id = nodes.id", ownership.ResourceNode).
		Where("nodes.parent_id IS NULL AND nodes.ctype = ? AND nodes.title = ?", NodeFolder, title).
		Where("o.owner_type = ? AND o.owner_id = ?", owner.Type, owner.ID).
		Limit(1).Find(&nodes).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, opCreateFolder, err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return &nodes[0], nil
}

// CreateDocument creates a document node and row inside the caller's transaction.
func (s *Service) CreateDocument(dbc dbctx.Context, owner ownership.Owner, parentID *string, title, lang string, status Status) (Node, Document, error) {
	node, err := s.createNode(dbc, owner, parentID, title, NodeDocument)
	if err != nil {
		return Node{}, Document{}, err
	}
	if lang == "" {
		lang = DefaultLang
	}
	doc := Document{ID: node.ID, Lang: lang, ProcessingStatus: status, FileOwnerID: owner.ID}
	if err := dbc.DB(s.db).Create(&doc).Error; err != nil {
		s.logError(opCreateDocument, "document_insert_failed", err, zap.String("node_id", node.ID))
		return Node{}, Document{}, apperr.Wrap(apperr.KindInternal, opCreateDocument, err)
	}
	return node, doc, nil
}

func (s *Service) createNode(dbc dbctx.Context, owner ownership.Owner, parentID *string, title string, ctype NodeType) (Node, error) {
	op := opCreateFolder
	if ctype == NodeDocument {
		op = opCreateDocument
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return Node{}, apperr.WithField(apperr.New(apperr.KindValidation, op, "title is required"), "title")
	}
	if parentID != nil {
		parent, err := LoadNode(dbc.DB(s.db), *parentID)
		if err != nil {
			return Node{}, err
		}
		if parent.CType != NodeFolder {
			return Node{}, apperr.Newf(apperr.KindInvalidOperation, op, "parent %s is not a folder", parent.ID)
		}
		if err := s.Authorize(dbc, parent.ID); err != nil {
			return Node{}, err
		}
	}
	if err := s.ensureUniqueTitle(dbc, owner, parentID, ctype, title, ""); err != nil {
		return Node{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return Node{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	node := Node{ID: id, Title: title, CType: ctype, ParentID: parentID}
	if err := dbc.DB(s.db).Create(&node).Error; err != nil {
		s.logError(op, "node_insert_failed", err, zap.String("node_id", id))
		return Node{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if err := s.owners.Set(dbc, ownership.Resource{Type: ownership.ResourceNode, ID: id}, owner); err != nil {
		return Node{}, err
	}
	return node, nil
}

func (s *Service) ensureUniqueTitle(dbc dbctx.Context, owner ownership.Owner, parentID *string, ctype NodeType, title, excludeID string) error {
	return s.owners.EnsureUnique(dbc, ownership.UniqueName{
		Table:        "nodes",
		Column:       "title",
		ResourceType: ownership.ResourceNode,
		Owner:        owner,
		Value:        title,
		ExcludeID:    excludeID,
		Scopes: []ownership.Scope{
			{Column: "parent_id", Value: parentID},
			{Column: "ctype", Value: string(ctype)},
		},
	})
}

// MoveNode reparents a node. A node cannot move into itself or one of its descendants.
func (s *Service) MoveNode(ctx context.Context, nodeID, newParentID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		node, err := LoadNode(tx, nodeID)
		if err != nil {
			return err
		}
		if err := s.Authorize(dbc, nodeID); err != nil {
			return err
		}
		parent, err := LoadNode(tx, newParentID)
		if err != nil {
			return err
		}
		if parent.CType != NodeFolder {
			return apperr.Newf(apperr.KindInvalidOperation, opMoveNode, "target %s is not a folder", parent.ID)
		}
		if err := s.Authorize(dbc, parent.ID); err != nil {
			return err
		}
		inside, err := isSelfOrDescendant(tx, nodeID, parent.ID)
		if err != nil {
			return err
		}
		if inside {
			return apperr.New(apperr.KindInvalidOperation, opMoveNode, "cannot move a node into itself or a descendant")
		}
		owner, err := s.OwnerOfNode(dbc, nodeID)
		if err != nil {
			return err
		}
		if err := s.ensureUniqueTitle(dbc, owner, &parent.ID, node.CType, node.Title, node.ID); err != nil {
			return err
		}
		return tx.Model(&Node{}).Where("id = ?", nodeID).Update("parent_id", parent.ID).Error
	})
}

// isSelfOrDescendant walks up from candidate to the root looking for ancestor.
func isSelfOrDescendant(tx *gorm.DB, ancestorID, candidateID string) (bool, error) {
	seen := map[string]bool{}
	current := candidateID
	for current != "" {
		if current == ancestorID {
			return true, nil
		}
		if seen[current] {
			return false, apperr.Newf(apperr.KindInternal, opMoveNode, "cycle detected at node %s", current)
		}
		seen[current] = true
		node, err := LoadNode(tx, current)
		if err != nil {
			return false, err
		}
		if node.ParentID == nil {
			return false, nil
		}
		current = *node.ParentID
	}
	return false, nil
}

// RenameNode changes a node title, keeping sibling titles unique.
func (s *Service) RenameNode(ctx context.Context, nodeID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return apperr.WithField(apperr.New(apperr.KindValidation, opMoveNode, "title is required"), "title")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		node, err := LoadNode(tx, nodeID)
		if err != nil {
			return err
		}
		if err := s.Authorize(dbc, nodeID); err != nil {
			return err
		}
		owner, err := s.OwnerOfNode(dbc, nodeID)
		if err != nil {
			return err
		}
		if err := s.ensureUniqueTitle(dbc, owner, node.ParentID, node.CType, title, node.ID); err != nil {
			return err
		}
		return tx.Model(&Node{}).Where("id = ?", nodeID).Update("title", title).Error
	})
}

// DeleteDocument removes a document with all its versions, then its artifact trees.
func (s *Service) DeleteDocument(ctx context.Context, documentID string) (Cleanup, error) {
	var cleanup Cleanup
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		if err := s.Authorize(dbc, documentID); err != nil {
			return err
		}
		var err error
		cleanup, err = s.DeleteDocumentTx(dbc, documentID)
		return err
	})
	if err != nil {
		return Cleanup{}, err
	}
	s.RemoveArtifacts(cleanup)
	return cleanup, nil
}

// DeleteDocumentTx deletes all rows of a document inside the caller's
// transaction and returns what must be removed from storage after commit.
func (s *Service) DeleteDocumentTx(dbc dbctx.Context, documentID string) (Cleanup, error) {
	db := dbc.DB(s.db)
	node, err := LoadNode(db, documentID)
	if err != nil {
		return Cleanup{}, err
	}
	if node.CType != NodeDocument {
		return Cleanup{}, apperr.Newf(apperr.KindInvalidOperation, opDeleteDocument, "node %s is not a document", documentID)
	}
	doc, err := LoadDocument(db, documentID)
	if err != nil {
		return Cleanup{}, err
	}
	versions, err := Versions(db, documentID)
	if err != nil {
		return Cleanup{}, err
	}
	pageIDs, err := AllPageIDs(db, documentID)
	if err != nil {
		return Cleanup{}, err
	}

	cleanup := Cleanup{
		Prefixes:    []string{doc.StoragePrefix()},
		DocumentIDs: []string{documentID},
		PageIDs:     pageIDs,
	}
	for _, version := range versions {
		cleanup.VersionIDs = append(cleanup.VersionIDs, version.ID)
	}
	for _, pageID := range pageIDs {
		cleanup.Prefixes = append(cleanup.Prefixes, artifacts.PagePrefix(pageID))
	}

	for _, hook := range s.deleteHooks {
		if err := hook(dbc, documentID); err != nil {
			return Cleanup{}, apperr.Wrap(apperr.KindInternal, opDeleteDocument, err)
		}
	}
	steps := []func() error{
		func() error {
			if len(cleanup.VersionIDs) == 0 {
				return nil
			}
			return db.Where("document_version_id IN ?", cleanup.VersionIDs).Delete(&Page{}).Error
		},
		func() error { return db.Where("document_id = ?", documentID).Delete(&DocumentVersion{}).Error },
		func() error { return db.Where("node_id = ?", documentID).Delete(&NodeTag{}).Error },
		func() error { return db.Where("id = ?", documentID).Delete(&Document{}).Error },
		func() error { return db.Where("id = ?", documentID).Delete(&Node{}).Error },
		func() error { return s.owners.Delete(dbc, ownership.ResourceNode, []string{documentID}) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			s.logError(opDeleteDocument, "row_delete_failed", err, zap.String("document_id", documentID))
			return Cleanup{}, apperr.Wrap(apperr.KindInternal, opDeleteDocument, err)
		}
	}
	return cleanup, nil
}

// RemoveArtifacts deletes the trees named by cleanup. Failures are logged only;
// the reconciliation sweep ignores orphaned files.
func (s *Service) RemoveArtifacts(cleanup Cleanup) {
	for _, prefix := range cleanup.Prefixes {
		if err := s.store.DeleteTree(prefix); err != nil {
			s.logger.Warn("artifact cleanup failed", zap.String("prefix", prefix), zap.Error(err))
		}
	}
}

// CreateTag creates a tag whose name is unique per owner.
func (s *Service) CreateTag(ctx context.Context, owner ownership.Owner, name, bgColor, fgColor string) (Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Tag{}, apperr.WithField(apperr.New(apperr.KindValidation, opCreateTag, "name is required"), "name")
	}
	var tag Tag
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		err := s.owners.EnsureUnique(dbc, ownership.UniqueName{
			Table:        "tags",
			Column:       "name",
			ResourceType: ownership.ResourceTag,
			Owner:        owner,
			Value:        name,
		})
		if err != nil {
			return err
		}
		id, err := s.ids.NewID()
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, opCreateTag, err)
		}
		tag = Tag{ID: id, Name: name, BgColor: bgColor, FgColor: fgColor}
		if err := tx.Create(&tag).Error; err != nil {
			return apperr.Wrap(apperr.KindInternal, opCreateTag, err)
		}
		return s.owners.Set(dbc, ownership.Resource{Type: ownership.ResourceTag, ID: id}, owner)
	})
	return tag, err
}

// TagNode attaches a tag to a node. Both must be accessible to the actor.
func (s *Service) TagNode(ctx context.Context, nodeID, tagID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		if _, err := LoadNode(tx, nodeID); err != nil {
			return err
		}
		if err := s.Authorize(dbc, nodeID); err != nil {
			return err
		}
		if actor, ok := audit.ActorFrom(ctx); ok {
			if err := s.owners.Require(dbc, actor.UserID, ownership.Resource{Type: ownership.ResourceTag, ID: tagID}); err != nil {
				return err
			}
		}
		var existing int64
		if err := tx.Model(&NodeTag{}).Where("node_id = ? AND tag_id = ?", nodeID, tagID).Count(&existing).Error; err != nil {
			return apperr.Wrap(apperr.KindInternal, opTagNode, err)
		}
		if existing > 0 {
			return nil
		}
		return tx.Create(&NodeTag{NodeID: nodeID, TagID: tagID}).Error
	})
}

// FileByPath moves a document into the folder at folderPath, creating missing
// folders. The path starts at one of the owner's root folders, e.g. "/home/Invoices/2024".
func (s *Service) FileByPath(ctx context.Context, documentID, folderPath string) (Node, error) {
	segments := splitPath(folderPath)
	if len(segments) == 0 {
		return Node{}, apperr.WithField(apperr.New(apperr.KindValidation, opFileByPath, "path is empty"), "path_template")
	}
	dbc := dbctx.Context{Ctx: ctx}
	owner, err := s.OwnerOfNode(dbc, documentID)
	if err != nil {
		return Node{}, err
	}

	var parent *Node
	for _, segment := range segments {
		var parentID *string
		if parent != nil {
			parentID = &parent.ID
		}
		next, err := s.findChildFolder(ctx, owner, parentID, segment)
		if err != nil {
			return Node{}, err
		}
		if next == nil {
			created, err := s.CreateFolder(ctx, owner, parentID, segment)
			if err != nil {
				return Node{}, err
			}
			next = &created
		}
		parent = next
	}

	doc, err := LoadNode(s.db.WithContext(ctx), documentID)
	if err != nil {
		return Node{}, err
	}
	if doc.ParentID != nil && *doc.ParentID == parent.ID {
		return *parent, nil
	}
	if err := s.MoveNode(ctx, documentID, parent.ID); err != nil {
		return Node{}, err
	}
	s.logger.Info("document filed",
		zap.String("operation", opFileByPath),
		zap.String("document_id", documentID),
		zap.String("path", folderPath))
	return *parent, nil
}

func (s *Service) findChildFolder(ctx context.Context, owner ownership.Owner, parentID *string, title string) (*Node, error) {
	query := s.db.WithContext(ctx).
		Joins("JOIN ownerships o ON o.resource_type = ? AND o.resource_id = nodes.id", ownership.ResourceNode).
		Where("nodes.ctype = ? AND LOWER(nodes.title) = LOWER(?)", NodeFolder, title).
		Where("o.owner_type = ? AND o.owner_id = ?", owner.Type, owner.ID)
	if parentID == nil {
		query = query.Where("nodes.parent_id IS NULL")
	} else {
		query = query.Where("nodes.parent_id = ?", *parentID)
	}
	var nodes []Node
	if err := query.Limit(1).Find(&nodes).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, opFileByPath, err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return &nodes[0], nil
}

func splitPath(p string) []string {
	cleaned := path.Clean("/" + strings.TrimSpace(p))
	var out []string
	for _, segment := range strings.Split(cleaned, "/") {
		if segment = strings.TrimSpace(segment); segment != "" {
			out = append(out, segment)
		}
	}
	return out
}

// SetDocumentType assigns (or clears, with nil) the document type of a document.
func (s *Service) SetDocumentType(dbc dbctx.Context, documentID string, documentTypeID *string) error {
	res := dbc.DB(s.db).Model(&Document{}).Where("id = ?", documentID).
		Updates(map[string]any{"document_type_id": documentTypeID, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return apperr.Wrap(apperr.KindInternal, opSetDocumentType, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.KindNotFound, opSetDocumentType, "document %s not found", documentID)
	}
	return nil
}

// ListVersions returns every version of a document the actor may read.
func (s *Service) ListVersions(ctx context.Context, documentID string) ([]DocumentVersion, error) {
	dbc := dbctx.Context{Ctx: ctx}
	if _, err := LoadNode(dbc.DB(s.db), documentID); err != nil {
		return nil, err
	}
	if err := s.Authorize(dbc, documentID); err != nil {
		return nil, err
	}
	return Versions(dbc.DB(s.db), documentID)
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
	s.logger.Error("documents service error", attrs...)
}

// Describe renders a node for log lines.
func Describe(node Node) string {
	return fmt.Sprintf("%s %q (%s)", node.CType, node.Title, node.ID)
}
