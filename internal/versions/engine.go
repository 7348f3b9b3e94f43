// Package versions allocates document versions and drives the upload and
// conversion lifecycle.
package versions

import (
	"context"
	"errors"
	"time"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/artifacts"
	"github.com/papermerge/papermerge-core-sub000/internal/database"
	"github.com/papermerge/papermerge-core-sub000/internal/dbctx"
	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"github.com/papermerge/papermerge-core-sub000/internal/ids"
	"github.com/papermerge/papermerge-core-sub000/internal/locking"
	"github.com/papermerge/papermerge-core-sub000/internal/mimeguard"
	"github.com/papermerge/papermerge-core-sub000/internal/pagereuse"
	"github.com/papermerge/papermerge-core-sub000/internal/pdfops"
	"github.com/papermerge/papermerge-core-sub000/internal/tasks"
	"github.com/papermerge/papermerge-core-sub000/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opEngineNew   = "versions.engine.new"
	opBump        = "versions.bump"
	opBumpVersion = "versions.bump_version"
	tracerName    = "github.com/papermerge/papermerge-core-sub000/internal/versions"
)

var (
	errMissingDatabase  = errors.New("versions: database handle is required")
	errMissingDocuments = errors.New("versions: documents service is required")
	errMissingStore     = errors.New("versions: artifact store is required")
	errMissingPDF       = errors.New("versions: pdf processor is required")
)

type EngineConfig struct {
	Database   *gorm.DB
	Documents  *documents.Service
	Store      *artifacts.FileStore
	PDF        *pdfops.Processor
	Guard      *mimeguard.Guard
	Reuse      *pagereuse.Reuser
	Dispatcher tasks.Dispatcher
	Locker     locking.Locker
	IDProvider ids.Provider
	Logger     *zap.Logger
	Tracer     trace.Tracer
}

// Engine owns the version chain of every document.
type Engine struct {
	db         *gorm.DB
	docs       *documents.Service
	store      *artifacts.FileStore
	pdf        *pdfops.Processor
	guard      *mimeguard.Guard
	reuse      *pagereuse.Reuser
	dispatcher tasks.Dispatcher
	locker     locking.Locker
	ids        ids.Provider
	logger     *zap.Logger
	tracer     trace.Tracer
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	switch {
	case cfg.Database == nil:
		return nil, apperr.Wrap(apperr.KindInternal, opEngineNew, errMissingDatabase)
	case cfg.Documents == nil:
		return nil, apperr.Wrap(apperr.KindInternal, opEngineNew, errMissingDocuments)
	case cfg.Store == nil:
		return nil, apperr.Wrap(apperr.KindInternal, opEngineNew, errMissingStore)
	case cfg.PDF == nil:
		return nil, apperr.Wrap(apperr.KindInternal, opEngineNew, errMissingPDF)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	guard := cfg.Guard
	if guard == nil {
		guard = mimeguard.New(logger)
	}
	reuse := cfg.Reuse
	if reuse == nil {
		reuse = pagereuse.New(cfg.Database, cfg.Store, logger)
	}
	locker := cfg.Locker
	if locker == nil {
		locker = locking.NewLocalLocker()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracing.Tracer(tracerName)
	}
	return &Engine{
		db:         cfg.Database,
		docs:       cfg.Documents,
		store:      cfg.Store,
		pdf:        cfg.PDF,
		guard:      guard,
		reuse:      reuse,
		dispatcher: cfg.Dispatcher,
		locker:     locker,
		ids:        ids.OrDefault(cfg.IDProvider),
		logger:     logger,
		tracer:     tracer,
	}, nil
}

// BumpOptions overrides what a new version inherits from its predecessor.
type BumpOptions struct {
	FileName string
	MimeType string
}

// Bump allocates version N+1 of a document with pageCount empty pages and
// archives every earlier version. The caller writes the version PDF and reuses
// page artifacts before the transaction commits. A nil source records the
// current latest version as the lineage.
func (e *Engine) Bump(dbc dbctx.Context, documentID string, pageCount int, reason documents.Reason, source *documents.DocumentVersion) (documents.DocumentVersion, []documents.Page, error) {
	return e.BumpWith(dbc, documentID, pageCount, reason, source, BumpOptions{})
}

func (e *Engine) BumpWith(dbc dbctx.Context, documentID string, pageCount int, reason documents.Reason, source *documents.DocumentVersion, opts BumpOptions) (documents.DocumentVersion, []documents.Page, error) {
	if !reason.Valid() {
		return documents.DocumentVersion{}, nil, apperr.WithField(
			apperr.Newf(apperr.KindValidation, opBump, "unknown creation reason %q", reason), "reason")
	}
	if pageCount < 1 {
		return documents.DocumentVersion{}, nil, apperr.Newf(apperr.KindInvalidOperation, opBump,
			"a version needs at least one page, got %d", pageCount)
	}
	tx := dbc.DB(e.db)
	current, err := documents.MaxVersionNumber(tx, documentID)
	if err != nil {
		return documents.DocumentVersion{}, nil, err
	}
	if current == 0 {
		return documents.DocumentVersion{}, nil, apperr.Newf(apperr.KindInvalidOperation, opBump,
			"document %s has no original version to bump", documentID)
	}
	prior, err := documents.LatestVersion(tx, documentID)
	if err != nil {
		return documents.DocumentVersion{}, nil, err
	}
	if source == nil {
		source = &prior
	}

	fileName := prior.FileName
	if opts.FileName != "" {
		fileName = opts.FileName
	}
	mimeType := prior.MimeType
	if opts.MimeType != "" {
		mimeType = opts.MimeType
	}
	sourceID := source.ID
	version, pages, err := e.insertVersion(dbc, documents.DocumentVersion{
		DocumentID:      documentID,
		Number:          current + 1,
		FileName:        fileName,
		PageCount:       pageCount,
		Lang:            prior.Lang,
		MimeType:        mimeType,
		IsOriginal:      false,
		SourceVersionID: &sourceID,
		CreationReason:  reason,
	})
	if err != nil {
		return documents.DocumentVersion{}, nil, err
	}
	if err := e.archiveBefore(tx, documentID, version.Number); err != nil {
		return documents.DocumentVersion{}, nil, err
	}
	if err := e.verifyChain(tx, documentID, version.Number); err != nil {
		return documents.DocumentVersion{}, nil, err
	}
	return version, pages, nil
}

// OriginalSpec describes the first version of a new document.
type OriginalSpec struct {
	FileName  string
	MimeType  string
	PageCount int
	Reason    documents.Reason
	Source    *documents.DocumentVersion
}

// CreateOriginal allocates version 1 of a document that has none yet. Source
// records lineage when the content came from another document.
func (e *Engine) CreateOriginal(dbc dbctx.Context, doc documents.Document, spec OriginalSpec) (documents.DocumentVersion, []documents.Page, error) {
	if !spec.Reason.Valid() {
		return documents.DocumentVersion{}, nil, apperr.WithField(
			apperr.Newf(apperr.KindValidation, opBump, "unknown creation reason %q", spec.Reason), "reason")
	}
	if spec.PageCount < 1 {
		return documents.DocumentVersion{}, nil, apperr.Newf(apperr.KindInvalidOperation, opBump,
			"a version needs at least one page, got %d", spec.PageCount)
	}
	current, err := documents.MaxVersionNumber(dbc.DB(e.db), doc.ID)
	if err != nil {
		return documents.DocumentVersion{}, nil, err
	}
	if current != 0 {
		return documents.DocumentVersion{}, nil, apperr.Newf(apperr.KindInvalidOperation, opBump,
			"document %s already has %d versions", doc.ID, current)
	}
	var sourceID *string
	if spec.Source != nil {
		id := spec.Source.ID
		sourceID = &id
	}
	return e.insertVersion(dbc, documents.DocumentVersion{
		DocumentID:      doc.ID,
		Number:          1,
		FileName:        spec.FileName,
		PageCount:       spec.PageCount,
		Lang:            doc.Lang,
		MimeType:        spec.MimeType,
		IsOriginal:      true,
		SourceVersionID: sourceID,
		CreationReason:  spec.Reason,
	})
}

// insertVersion writes the version row and its numbered pages. A lost race on
// the version number surfaces as Conflict.
func (e *Engine) insertVersion(dbc dbctx.Context, version documents.DocumentVersion) (documents.DocumentVersion, []documents.Page, error) {
	tx := dbc.DB(e.db)
	id, err := e.ids.NewID()
	if err != nil {
		return documents.DocumentVersion{}, nil, apperr.Wrap(apperr.KindInternal, opBump, err)
	}
	version.ID = id
	if err := tx.Create(&version).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return documents.DocumentVersion{}, nil, apperr.Newf(apperr.KindConflict, opBump,
				"version %d of document %s was allocated concurrently", version.Number, version.DocumentID)
		}
		e.logError(opBump, "version_insert_failed", err, zap.String("document_id", version.DocumentID))
		return documents.DocumentVersion{}, nil, apperr.Wrap(apperr.KindInternal, opBump, err)
	}

	pages := make([]documents.Page, 0, version.PageCount)
	for number := 1; number <= version.PageCount; number++ {
		pageID, err := e.ids.NewID()
		if err != nil {
			return documents.DocumentVersion{}, nil, apperr.Wrap(apperr.KindInternal, opBump, err)
		}
		pages = append(pages, documents.Page{
			ID:                pageID,
			DocumentVersionID: version.ID,
			Number:            number,
			Lang:              version.Lang,
		})
	}
	if err := tx.CreateInBatches(&pages, 200).Error; err != nil {
		e.logError(opBump, "page_insert_failed", err, zap.String("version_id", version.ID))
		return documents.DocumentVersion{}, nil, apperr.Wrap(apperr.KindInternal, opBump, err)
	}
	return version, pages, nil
}

func (e *Engine) archiveBefore(tx *gorm.DB, documentID string, number int) error {
	now := time.Now().UTC()
	var versionIDs []string
	err := tx.Model(&documents.DocumentVersion{}).
		Where("document_id = ? AND number < ? AND archived_at IS NULL", documentID, number).
		Pluck("id", &versionIDs).Error
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, opBump, err)
	}
	if len(versionIDs) == 0 {
		return nil
	}
	err = tx.Model(&documents.DocumentVersion{}).Where("id IN ?", versionIDs).
		Updates(map[string]any{"archived_at": now}).Error
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, opBump, err)
	}
	err = tx.Model(&documents.Page{}).Where("document_version_id IN ?", versionIDs).
		Updates(map[string]any{"archived_at": now}).Error
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, opBump, err)
	}
	return nil
}

// verifyChain checks that numbers 1..latest are dense with a single original.
func (e *Engine) verifyChain(tx *gorm.DB, documentID string, latest int) error {
	var stats struct {
		Count     int
		Originals int
	}
	err := tx.Model(&documents.DocumentVersion{}).
		Select("COUNT(*) AS count, SUM(CASE WHEN is_original THEN 1 ELSE 0 END) AS originals").
		Where("document_id = ?", documentID).
		Scan(&stats).Error
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, opBump, err)
	}
	if stats.Count != latest || stats.Originals != 1 {
		e.logger.Error("version chain invariant violated",
			zap.String("operation", opBump),
			zap.String("document_id", documentID),
			zap.Int("latest_number", latest),
			zap.Int("version_count", stats.Count),
			zap.Int("original_count", stats.Originals))
		return apperr.Newf(apperr.KindInternal, opBump,
			"document %s has %d versions for latest number %d", documentID, stats.Count, latest)
	}
	return nil
}

// BumpVersion creates a new version holding the first pageCount pages of the
// current one. Pages keep their artifacts and text; the source PDF is copied.
func (e *Engine) BumpVersion(ctx context.Context, documentID string, pageCount int, reason documents.Reason) (documents.DocumentVersion, error) {
	ctx, span := e.tracer.Start(ctx, opBumpVersion, trace.WithAttributes(
		attribute.String("document.id", documentID),
		attribute.Int("page_count", pageCount),
	))
	var err error
	defer func() { tracing.End(span, err) }()

	if err = e.docs.Authorize(dbctx.Context{Ctx: ctx}, documentID); err != nil {
		return documents.DocumentVersion{}, err
	}
	unlock, err := e.locker.Lock(ctx, locking.DocumentKey(documentID))
	if err != nil {
		err = apperr.Wrap(apperr.KindConflict, opBumpVersion, err)
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
		prior, err := documents.LatestVersion(tx, documentID)
		if err != nil {
			return err
		}
		if pageCount > prior.PageCount {
			return apperr.Newf(apperr.KindInvalidOperation, opBumpVersion,
				"cannot grow version %d from %d to %d pages without new content", prior.Number, prior.PageCount, pageCount)
		}
		version, pages, err := e.Bump(dbc, documentID, pageCount, reason, &prior)
		if err != nil {
			return err
		}
		priorPages, err := documents.VersionPages(tx, prior.ID)
		if err != nil {
			return err
		}

		keep := make([]int, 0, pageCount)
		pairs := make([]pagereuse.Pair, 0, pageCount)
		for i := range pages {
			keep = append(keep, priorPages[i].Number)
			pairs = append(pairs, pagereuse.Pair{Src: priorPages[i].ID, Dst: pages[i].ID})
		}
		if err := e.writePages(ctx, staging, doc, prior, version, keep); err != nil {
			return err
		}
		missing, err := e.reuse.ReuseWith(dbc, staging, pairs)
		if err != nil {
			return err
		}
		if err := e.finishVersion(tx, staging, doc, version); err != nil {
			return err
		}

		batch.Add(OCRTasks(pages, pairs, missing)...)
		batch.Add(
			tasks.PreviewGenerate(documentID, artifacts.PreviewSizes),
			tasks.IndexUpdate(version.ID, prior.ID),
			tasks.S3AddDocVer(version.ID),
		)
		created = version
		return nil
	})
	if err != nil {
		staging.Discard()
		return documents.DocumentVersion{}, err
	}
	batch.Flush(ctx, e.dispatcher, e.logger)
	e.logger.Info("document version bumped",
		zap.String("operation", opBumpVersion),
		zap.String("document_id", documentID),
		zap.Int("number", created.Number),
		zap.String("reason", string(reason)))
	return created, nil
}

// writePages stages a new version PDF made of the given pages of from.
func (e *Engine) writePages(ctx context.Context, staging *artifacts.Staging, doc documents.Document, from, to documents.DocumentVersion, keep []int) error {
	src, err := e.store.AbsPath(doc.VersionFile(from))
	if err != nil {
		return apperr.Wrap(apperr.KindStorageError, opBumpVersion, err)
	}
	dst, err := staging.Path(doc.VersionFile(to))
	if err != nil {
		return err
	}
	return e.pdf.CopyPages(ctx, src, dst, keep)
}

// finishVersion promotes staged files and records the version PDF size. It
// runs last inside the transaction so a failed promote rolls the rows back.
func (e *Engine) finishVersion(tx *gorm.DB, staging *artifacts.Staging, doc documents.Document, version documents.DocumentVersion) error {
	if err := staging.Commit(); err != nil {
		return err
	}
	return RecordSize(tx, e.store, doc, version)
}

// RecordSize stores the byte size of a version PDF already in the store.
func RecordSize(tx *gorm.DB, store *artifacts.FileStore, doc documents.Document, version documents.DocumentVersion) error {
	abs, err := store.AbsPath(doc.VersionFile(version))
	if err != nil {
		return apperr.Wrap(apperr.KindStorageError, opBump, err)
	}
	size, err := fileSize(abs)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageError, opBump, err)
	}
	return tx.Model(&documents.DocumentVersion{}).Where("id = ?", version.ID).Update("size", size).Error
}

// OCRTasks returns ocr.page tasks for the new pages whose source had no bundle.
func OCRTasks(pages []documents.Page, pairs []pagereuse.Pair, missingSources []string) []tasks.Task {
	missing := make(map[string]struct{}, len(missingSources))
	for _, id := range missingSources {
		missing[id] = struct{}{}
	}
	byID := make(map[string]documents.Page, len(pages))
	for _, page := range pages {
		byID[page.ID] = page
	}
	var out []tasks.Task
	for _, pair := range pairs {
		if _, ok := missing[pair.Src]; !ok {
			continue
		}
		if page, ok := byID[pair.Dst]; ok {
			out = append(out, tasks.OCRPage(page.ID, page.Lang))
		}
	}
	return out
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("version engine error", attrs...)
}
