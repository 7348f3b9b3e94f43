package versions

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/artifacts"
	"github.com/papermerge/papermerge-core-sub000/internal/dbctx"
	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"github.com/papermerge/papermerge-core-sub000/internal/locking"
	"github.com/papermerge/papermerge-core-sub000/internal/mimeguard"
	"github.com/papermerge/papermerge-core-sub000/internal/ownership"
	"github.com/papermerge/papermerge-core-sub000/internal/tasks"
	"github.com/papermerge/papermerge-core-sub000/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opUpload   = "versions.upload"
	opReupload = "versions.reupload"
	opConvert  = "versions.convert"
)

// UploadInput is one incoming file. Filename and ContentType are client hints.
type UploadInput struct {
	Owner       ownership.Owner
	ParentID    *string
	Title       string
	Lang        string
	Data        []byte
	Filename    string
	ContentType string
}

type UploadResult struct {
	Node     documents.Node
	Document documents.Document
	Version  documents.DocumentVersion
}

// Upload validates the file, creates the document with its original version and
// queues follow-up work. PDFs become ready immediately; images are queued for
// conversion.
func (e *Engine) Upload(ctx context.Context, in UploadInput) (UploadResult, error) {
	ctx, span := e.tracer.Start(ctx, opUpload, trace.WithAttributes(attribute.String("file.name", in.Filename)))
	var err error
	defer func() { tracing.End(span, err) }()

	detected, err := e.guard.Detect(in.Data, in.Filename, in.ContentType)
	if err != nil {
		return UploadResult{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = baseName(in.Filename)
	}

	staging := e.store.NewStaging()
	var batch tasks.Batch
	var result UploadResult
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		node, doc, err := e.docs.CreateDocument(dbc, in.Owner, in.ParentID, title, in.Lang, documents.StatusUploaded)
		if err != nil {
			return err
		}
		version, pages, err := e.CreateOriginal(dbc, doc, OriginalSpec{
			FileName:  storedFileName(in.Filename, title, detected.MimeType),
			MimeType:  detected.MimeType,
			PageCount: pageCountOf(detected),
			Reason:    documents.ReasonUpload,
		})
		if err != nil {
			return err
		}
		if err := staging.Write(doc.VersionFile(version), in.Data); err != nil {
			return err
		}
		status, err := e.afterOriginal(tx, doc, version, pages, detected, &batch)
		if err != nil {
			return err
		}
		if err := e.finishVersion(tx, staging, doc, version); err != nil {
			return err
		}
		doc.ProcessingStatus = status
		version.Size = int64(len(in.Data))
		result = UploadResult{Node: node, Document: doc, Version: version}
		return nil
	})
	if err != nil {
		staging.Discard()
		return UploadResult{}, err
	}
	batch.Flush(ctx, e.dispatcher, e.logger)
	e.logger.Info("document uploaded",
		zap.String("operation", opUpload),
		zap.String("document_id", result.Document.ID),
		zap.String("mime_type", detected.MimeType),
		zap.String("status", string(result.Document.ProcessingStatus)))
	return result, nil
}

// Reupload replaces the content of a failed document with a new file, starting
// the upload lifecycle again as a new version.
func (e *Engine) Reupload(ctx context.Context, documentID string, data []byte, filename, contentType string) (documents.DocumentVersion, error) {
	ctx, span := e.tracer.Start(ctx, opReupload, trace.WithAttributes(attribute.String("document.id", documentID)))
	var err error
	defer func() { tracing.End(span, err) }()

	if err = e.docs.Authorize(dbctx.Context{Ctx: ctx}, documentID); err != nil {
		return documents.DocumentVersion{}, err
	}
	detected, err := e.guard.Detect(data, filename, contentType)
	if err != nil {
		return documents.DocumentVersion{}, err
	}
	unlock, err := e.locker.Lock(ctx, locking.DocumentKey(documentID))
	if err != nil {
		err = apperr.Wrap(apperr.KindConflict, opReupload, err)
		return documents.DocumentVersion{}, err
	}
	defer unlock()

	staging := e.store.NewStaging()
	var batch tasks.Batch
	var created documents.DocumentVersion
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		doc, err := documents.LockDocument(tx, documentID)
		if err != nil {
			return err
		}
		if err := reopen(tx, documentID); err != nil {
			return err
		}
		node, err := documents.LoadNode(tx, documentID)
		if err != nil {
			return err
		}
		version, pages, err := e.BumpWith(dbc, documentID, pageCountOf(detected), documents.ReasonUpload, nil, BumpOptions{
			FileName: storedFileName(filename, node.Title, detected.MimeType),
			MimeType: detected.MimeType,
		})
		if err != nil {
			return err
		}
		if err := staging.Write(doc.VersionFile(version), data); err != nil {
			return err
		}
		if _, err := e.afterOriginal(tx, doc, version, pages, detected, &batch); err != nil {
			return err
		}
		if err := e.finishVersion(tx, staging, doc, version); err != nil {
			return err
		}
		created = version
		return nil
	})
	if err != nil {
		staging.Discard()
		return documents.DocumentVersion{}, err
	}
	batch.Flush(ctx, e.dispatcher, e.logger)
	return created, nil
}

// afterOriginal moves a freshly uploaded document out of uploaded and queues
// the tasks its content needs.
func (e *Engine) afterOriginal(tx *gorm.DB, doc documents.Document, version documents.DocumentVersion, pages []documents.Page, detected mimeguard.Result, batch *tasks.Batch) (documents.Status, error) {
	if !detected.IsPDF() {
		if err := setStatus(tx, doc.ID, documents.StatusConverting, ""); err != nil {
			return "", err
		}
		batch.Add(tasks.ConvertDocument(doc.ID))
		return documents.StatusConverting, nil
	}
	if err := setStatus(tx, doc.ID, documents.StatusReady, ""); err != nil {
		return "", err
	}
	for _, page := range pages {
		batch.Add(tasks.OCRPage(page.ID, page.Lang))
	}
	batch.Add(
		tasks.PreviewGenerate(doc.ID, artifacts.PreviewSizes),
		tasks.IndexAddDoc(doc.ID),
		tasks.S3AddDocVer(version.ID),
	)
	return documents.StatusReady, nil
}

// Convert turns the image held by a converting document into a PDF version.
// Any failure parks the document in failed with the reason recorded.
func (e *Engine) Convert(ctx context.Context, documentID string) (documents.DocumentVersion, error) {
	ctx, span := e.tracer.Start(ctx, opConvert, trace.WithAttributes(attribute.String("document.id", documentID)))
	var err error
	defer func() { tracing.End(span, err) }()

	unlock, err := e.locker.Lock(ctx, locking.DocumentKey(documentID))
	if err != nil {
		err = apperr.Wrap(apperr.KindConflict, opConvert, err)
		return documents.DocumentVersion{}, err
	}
	defer unlock()

	doc, err := documents.LoadDocument(e.db.WithContext(ctx), documentID)
	if err != nil {
		return documents.DocumentVersion{}, err
	}
	if doc.ProcessingStatus == documents.StatusReady {
		// Duplicate delivery of convert.document; the first run already finished.
		latest, lerr := documents.LatestVersion(e.db.WithContext(ctx), documentID)
		err = lerr
		return latest, err
	}
	if doc.ProcessingStatus != documents.StatusConverting {
		err = apperr.Newf(apperr.KindInvalidOperation, opConvert,
			"document %s is %s, not converting", documentID, doc.ProcessingStatus)
		return documents.DocumentVersion{}, err
	}

	staging := e.store.NewStaging()
	var batch tasks.Batch
	var created documents.DocumentVersion
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		if _, err := documents.LockDocument(tx, documentID); err != nil {
			return err
		}
		source, err := documents.LatestVersion(tx, documentID)
		if err != nil {
			return err
		}
		image, err := e.store.AbsPath(doc.VersionFile(source))
		if err != nil {
			return apperr.Wrap(apperr.KindStorageError, opConvert, err)
		}
		fileName := strings.TrimSuffix(source.FileName, filepath.Ext(source.FileName)) + ".pdf"
		probe := documents.DocumentVersion{Number: source.Number + 1, FileName: fileName}
		dst, err := staging.Path(doc.VersionFile(probe))
		if err != nil {
			return err
		}
		if err := e.pdf.ConvertImages(ctx, []string{image}, dst); err != nil {
			return err
		}
		count, err := e.pdf.PageCount(ctx, dst)
		if err != nil {
			return err
		}
		version, pages, err := e.BumpWith(dbc, documentID, count, documents.ReasonConversion, &source, BumpOptions{
			FileName: fileName,
			MimeType: mimeguard.MimePDF,
		})
		if err != nil {
			return err
		}
		if err := Transition(dbc, e.db, documentID, documents.StatusReady, ""); err != nil {
			return err
		}
		if err := e.finishVersion(tx, staging, doc, version); err != nil {
			return err
		}
		for _, page := range pages {
			batch.Add(tasks.OCRPage(page.ID, page.Lang))
		}
		batch.Add(
			tasks.PreviewGenerate(documentID, artifacts.PreviewSizes),
			tasks.IndexAddDoc(documentID),
			tasks.S3AddDocVer(source.ID, version.ID),
		)
		created = version
		return nil
	})
	if err != nil {
		staging.Discard()
		e.logError(opConvert, "conversion_failed", err, zap.String("document_id", documentID))
		ferr := Transition(dbctx.Context{Ctx: context.WithoutCancel(ctx)}, e.db, documentID, documents.StatusFailed, err.Error())
		if ferr != nil {
			e.logger.Warn("failed status not recorded", zap.String("document_id", documentID), zap.Error(ferr))
		}
		return documents.DocumentVersion{}, err
	}
	batch.Flush(ctx, e.dispatcher, e.logger)
	return created, nil
}

func storedFileName(filename, title string, mimeType string) string {
	name := baseName(filename)
	if name == "" {
		name = title
	}
	if filepath.Ext(name) == "" {
		name += mimeguard.ExtensionFor(mimeType)
	}
	return name
}

// baseName strips client directories, including Windows ones, from a file name.
func baseName(filename string) string {
	name := strings.TrimSpace(path.Base(strings.ReplaceAll(filename, "\\", "/")))
	if name == "." || name == "/" {
		return ""
	}
	return name
}

func pageCountOf(detected mimeguard.Result) int {
	if detected.IsPDF() && detected.PageCount > 0 {
		return detected.PageCount
	}
	return 1
}

func fileSize(abs string) (int64, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
