package versions

import (
	"time"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/dbctx"
	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"gorm.io/gorm"
)

const opTransition = "versions.transition"

var transitions = map[documents.Status][]documents.Status{
	documents.StatusUploaded:   {documents.StatusConverting, documents.StatusReady, documents.StatusFailed},
	documents.StatusConverting: {documents.StatusReady, documents.StatusFailed},
	documents.StatusReady:      {},
	documents.StatusFailed:     {},
}

// CanTransition reports whether a document may go from one processing status
// to another. A failed document only leaves that state through a re-upload.
func CanTransition(from, to documents.Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves a document to status to, recording reason on failure.
func Transition(dbc dbctx.Context, db *gorm.DB, documentID string, to documents.Status, reason string) error {
	tx := dbc.DB(db)
	doc, err := documents.LoadDocument(tx, documentID)
	if err != nil {
		return err
	}
	if doc.ProcessingStatus == to {
		return nil
	}
	if !CanTransition(doc.ProcessingStatus, to) {
		return apperr.Newf(apperr.KindInvalidOperation, opTransition,
			"document %s cannot go from %s to %s", documentID, doc.ProcessingStatus, to)
	}
	return setStatus(tx, documentID, to, reason)
}

// reopen is the re-upload path out of failed.
func reopen(tx *gorm.DB, documentID string) error {
	doc, err := documents.LoadDocument(tx, documentID)
	if err != nil {
		return err
	}
	if doc.ProcessingStatus != documents.StatusFailed {
		return apperr.Newf(apperr.KindInvalidOperation, opTransition,
			"only failed documents can be re-uploaded, %s is %s", documentID, doc.ProcessingStatus)
	}
	return setStatus(tx, documentID, documents.StatusUploaded, "")
}

func setStatus(tx *gorm.DB, documentID string, to documents.Status, reason string) error {
	err := tx.Model(&documents.Document{}).Where("id = ?", documentID).Updates(map[string]any{
		"processing_status": to,
		"processing_error":  reason,
		"updated_at":        time.Now().UTC(),
	}).Error
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, opTransition, err)
	}
	return nil
}
