package documents

import (
	"errors"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const opLoad = "documents.load"

// LoadNode returns the node with id.
func LoadNode(db *gorm.DB, id string) (Node, error) {
	var node Node
	err := db.Where("id = ?", id).Take(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Node{}, apperr.Newf(apperr.KindNotFound, opLoad, "node %s not found", id)
	}
	if err != nil {
		return Node{}, apperr.Wrap(apperr.KindInternal, opLoad, err)
	}
	return node, nil
}

// LoadDocument returns the document row with id.
func LoadDocument(db *gorm.DB, id string) (Document, error) {
	var doc Document
	err := db.Where("id = ?", id).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, apperr.Newf(apperr.KindNotFound, opLoad, "document %s not found", id)
	}
	if err != nil {
		return Document{}, apperr.Wrap(apperr.KindInternal, opLoad, err)
	}
	return doc, nil
}

// LockDocument loads the document row FOR UPDATE where the dialect supports it.
func LockDocument(tx *gorm.DB, id string) (Document, error) {
	return LoadDocument(tx.Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

// LoadVersion returns the version with id.
func LoadVersion(db *gorm.DB, id string) (DocumentVersion, error) {
	var version DocumentVersion
	err := db.Where("id = ?", id).Take(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentVersion{}, apperr.Newf(apperr.KindNotFound, opLoad, "version %s not found", id)
	}
	if err != nil {
		return DocumentVersion{}, apperr.Wrap(apperr.KindInternal, opLoad, err)
	}
	return version, nil
}

// LatestVersion returns the highest-numbered version of a document.
func LatestVersion(db *gorm.DB, documentID string) (DocumentVersion, error) {
	var version DocumentVersion
	err := db.Where("document_id = ?", documentID).Order("number DESC").Take(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentVersion{}, apperr.Newf(apperr.KindNotFound, opLoad, "document %s has no versions", documentID)
	}
	if err != nil {
		return DocumentVersion{}, apperr.Wrap(apperr.KindInternal, opLoad, err)
	}
	return version, nil
}

// MaxVersionNumber returns the highest version number of a document, or 0.
func MaxVersionNumber(db *gorm.DB, documentID string) (int, error) {
	var max *int
	err := db.Model(&DocumentVersion{}).
		Where("document_id = ?", documentID).
		Select("MAX(number)").
		Scan(&max).Error
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, opLoad, err)
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// Versions returns every version of a document in number order.
func Versions(db *gorm.DB, documentID string) ([]DocumentVersion, error) {
	var versions []DocumentVersion
	if err := db.Where("document_id = ?", documentID).Order("number ASC").Find(&versions).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, opLoad, err)
	}
	return versions, nil
}

// VersionPages returns the pages of a version in number order.
func VersionPages(db *gorm.DB, versionID string) ([]Page, error) {
	var pages []Page
	if err := db.Where("document_version_id = ?", versionID).Order("number ASC").Find(&pages).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, opLoad, err)
	}
	return pages, nil
}

// PagesByID loads pages keyed by id. Missing ids fail with NotFound.
func PagesByID(db *gorm.DB, ids []string) (map[string]Page, error) {
	var pages []Page
	if len(ids) > 0 {
		if err := db.Where("id IN ?", ids).Find(&pages).Error; err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, opLoad, err)
		}
	}
	out := make(map[string]Page, len(pages))
	for _, page := range pages {
		out[page.ID] = page
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, apperr.Newf(apperr.KindNotFound, opLoad, "page %s not found", id)
		}
	}
	return out, nil
}

// AllPageIDs lists the ids of every page across all versions of a document.
func AllPageIDs(db *gorm.DB, documentID string) ([]string, error) {
	var ids []string
	err := db.Model(&Page{}).
		Joins("JOIN document_versions ON document_versions.id = pages.document_version_id").
		Where("document_versions.document_id = ?", documentID).
		Pluck("pages.id", &ids).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, opLoad, err)
	}
	return ids, nil
}
