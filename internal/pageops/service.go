// Package pageops implements the page-level edits of documents: reorder,
// rotate, delete, move across documents and extract into new documents. Every
// edit produces new immutable versions and reuses the artifacts of the pages
// it carries over.
package pageops

import (
	"context"
	"errors"
	"sort"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/artifacts"
	"github.com/papermerge/papermerge-core-sub000/internal/dbctx"
	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"github.com/papermerge/papermerge-core-sub000/internal/ids"
	"github.com/papermerge/papermerge-core-sub000/internal/locking"
	"github.com/papermerge/papermerge-core-sub000/internal/pagereuse"
	"github.com/papermerge/papermerge-core-sub000/internal/pdfops"
	"github.com/papermerge/papermerge-core-sub000/internal/tasks"
	"github.com/papermerge/papermerge-core-sub000/internal/tracing"
	"github.com/papermerge/papermerge-core-sub000/internal/versions"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "pageops.service.new"
	opResolve    = "pageops.resolve_source"
	tracerName   = "github.com/papermerge/papermerge-core-sub000/internal/pageops"
)

var (
	errMissingDatabase = errors.New("pageops: database handle is required")
	errMissingEngine   = errors.New("pageops: version engine is required")
	errMissingDocs     = errors.New("pageops: documents service is required")
	errMissingStore    = errors.New("pageops: artifact store is required")
	errMissingPDF      = errors.New("pageops: pdf processor is required")
)

type ServiceConfig struct {
	Database   *gorm.DB
	Documents  *documents.Service
	Versions   *versions.Engine
	Store      *artifacts.FileStore
	PDF        *pdfops.Processor
	Reuse      *pagereuse.Reuser
	Dispatcher tasks.Dispatcher
	Locker     locking.Locker
	IDProvider ids.Provider
	Logger     *zap.Logger
	Tracer     trace.Tracer
}

type Service struct {
	db         *gorm.DB
	docs       *documents.Service
	versions   *versions.Engine
	store      *artifacts.FileStore
	pdf        *pdfops.Processor
	reuse      *pagereuse.Reuser
	dispatcher tasks.Dispatcher
	locker     locking.Locker
	ids        ids.Provider
	logger     *zap.Logger
	tracer     trace.Tracer
}

func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Database == nil:
		return nil, apperr.Wrap(apperr.KindInternal, opServiceNew, errMissingDatabase)
	case cfg.Versions == nil:
		return nil, apperr.Wrap(apperr.KindInternal, opServiceNew, errMissingEngine)
	case cfg.Documents == nil:
		return nil, apperr.Wrap(apperr.KindInternal, opServiceNew, errMissingDocs)
	case cfg.Store == nil:
		return nil, apperr.Wrap(apperr.KindInternal, opServiceNew, errMissingStore)
	case cfg.PDF == nil:
		return nil, apperr.Wrap(apperr.KindInternal, opServiceNew, errMissingPDF)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
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
	return &Service{
		db:         cfg.Database,
		docs:       cfg.Documents,
		versions:   cfg.Versions,
		store:      cfg.Store,
		pdf:        cfg.PDF,
		reuse:      reuse,
		dispatcher: cfg.Dispatcher,
		locker:     locker,
		ids:        ids.OrDefault(cfg.IDProvider),
		logger:     logger,
		tracer:     tracer,
	}, nil
}

// source is the editable version a set of pages belongs to.
type source struct {
	doc     documents.Document
	version documents.DocumentVersion
	all     []documents.Page // every page of the version, by number
	picked  []documents.Page // the requested pages, ascending by number
	ordered []documents.Page // the requested pages, as requested
}

func (src source) numbers() []int {
	out := make([]int, 0, len(src.picked))
	for _, page := range src.picked {
		out = append(out, page.Number)
	}
	return out
}

// rest returns the pages of the version that were not picked.
func (src source) rest() []documents.Page {
	picked := make(map[string]struct{}, len(src.picked))
	for _, page := range src.picked {
		picked[page.ID] = struct{}{}
	}
	out := make([]documents.Page, 0, len(src.all))
	for _, page := range src.all {
		if _, ok := picked[page.ID]; !ok {
			out = append(out, page)
		}
	}
	return out
}

// resolveSource loads pageIDs and checks they share one editable version.
func resolveSource(tx *gorm.DB, pageIDs []string) (source, error) {
	if len(pageIDs) == 0 {
		return source{}, apperr.WithField(apperr.New(apperr.KindValidation, opResolve, "at least one page is required"), "page_ids")
	}
	seen := make(map[string]struct{}, len(pageIDs))
	for _, id := range pageIDs {
		if _, dup := seen[id]; dup {
			return source{}, apperr.Newf(apperr.KindInvalidOperation, opResolve, "page %s is listed twice", id)
		}
		seen[id] = struct{}{}
	}
	pages, err := documents.PagesByID(tx, pageIDs)
	if err != nil {
		return source{}, err
	}
	versionID := ""
	picked := make([]documents.Page, 0, len(pages))
	for _, id := range pageIDs {
		page := pages[id]
		if versionID == "" {
			versionID = page.DocumentVersionID
		} else if page.DocumentVersionID != versionID {
			return source{}, apperr.New(apperr.KindInconsistentSource, opResolve, "pages span more than one document version")
		}
		picked = append(picked, page)
	}
	ordered := append([]documents.Page(nil), picked...)
	sort.SliceStable(picked, func(i, j int) bool { return picked[i].Number < picked[j].Number })

	version, err := editableVersion(tx, versionID)
	if err != nil {
		return source{}, err
	}
	doc, err := documents.LockDocument(tx, version.DocumentID)
	if err != nil {
		return source{}, err
	}
	all, err := documents.VersionPages(tx, version.ID)
	if err != nil {
		return source{}, err
	}
	return source{doc: doc, version: version, all: all, picked: picked, ordered: ordered}, nil
}

// editableVersion loads a version and fails with ArchivedVersion unless it is
// the latest of its document.
func editableVersion(tx *gorm.DB, versionID string) (documents.DocumentVersion, error) {
	version, err := documents.LoadVersion(tx, versionID)
	if err != nil {
		return documents.DocumentVersion{}, err
	}
	latest, err := documents.LatestVersion(tx, version.DocumentID)
	if err != nil {
		return documents.DocumentVersion{}, err
	}
	if version.Archived() || latest.ID != version.ID {
		return documents.DocumentVersion{}, apperr.Newf(apperr.KindArchivedVersion, opResolve,
			"version %d of document %s is archived; latest is %d", version.Number, version.DocumentID, latest.Number)
	}
	return version, nil
}

// documentsOfPages finds the documents owning pageIDs without locking, so
// they can be authorized and locked before the transaction starts.
func (s *Service) documentsOfPages(ctx context.Context, pageIDs ...string) ([]string, error) {
	db := s.db.WithContext(ctx)
	var docIDs []string
	err := db.Model(&documents.Page{}).
		Distinct("document_versions.document_id").
		Joins("JOIN document_versions ON document_versions.id = pages.document_version_id").
		Where("pages.id IN ?", pageIDs).
		Pluck("document_versions.document_id", &docIDs).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, opResolve, err)
	}
	if len(docIDs) == 0 {
		return nil, apperr.New(apperr.KindNotFound, opResolve, "pages not found")
	}
	return docIDs, nil
}

// guard authorizes the actor on every document and folder touched, then locks
// the documents in a stable order.
func (s *Service) guard(ctx context.Context, documentIDs []string, nodeIDs ...string) (locking.Unlock, error) {
	dbc := dbctx.Context{Ctx: ctx}
	for _, id := range append(append([]string(nil), documentIDs...), nodeIDs...) {
		if err := s.docs.Authorize(dbc, id); err != nil {
			return nil, err
		}
	}
	keys := make([]string, 0, len(documentIDs))
	for _, id := range documentIDs {
		keys = append(keys, locking.DocumentKey(id))
	}
	unlock, err := locking.LockAll(ctx, s.locker, keys...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConflict, opResolve, err)
	}
	return unlock, nil
}

// created is a version produced by the running operation.
type created struct {
	doc     documents.Document
	version documents.DocumentVersion
	prior   *documents.DocumentVersion
	pages   []documents.Page
}

// session carries the state of one operation's transaction.
type session struct {
	svc     *Service
	ctx     context.Context
	tx      *gorm.DB
	staging *artifacts.Staging
	batch   tasks.Batch
	cleanup documents.Cleanup
	pairs   []pagereuse.Pair
	created []created
	missing []string
}

func (sess *session) dbc() dbctx.Context {
	return dbctx.Context{Ctx: sess.ctx, Tx: sess.tx}
}

// run executes fn in a transaction. Staged files are promoted as the last step
// before commit and discarded on any failure; artifact cleanup and task
// dispatch happen only after commit.
func (s *Service) run(ctx context.Context, op string, fn func(sess *session) error) error {
	sess := &session{svc: s, ctx: ctx, staging: s.store.NewStaging()}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess.tx = tx
		if err := fn(sess); err != nil {
			return err
		}
		return sess.promote()
	})
	if err != nil {
		switch kind := apperr.KindOf(err); kind {
		case apperr.KindStorageError, apperr.KindInternal:
			s.logError(op, string(kind), err, zap.Strings("discarded", sess.staging.Targets()))
		}
		sess.staging.Discard()
		return err
	}
	s.docs.RemoveArtifacts(sess.cleanup)
	sess.batch.Flush(ctx, s.dispatcher, s.logger)
	return nil
}

// bump allocates the version following prior and remembers it for task
// dispatch. The new version's lineage points at prior.
func (sess *session) bump(doc documents.Document, prior documents.DocumentVersion, pageCount int) (created, error) {
	version, pages, err := sess.svc.versions.Bump(sess.dbc(), doc.ID, pageCount, documents.ReasonPageEdit, &prior)
	if err != nil {
		return created{}, err
	}
	priorCopy := prior
	entry := created{doc: doc, version: version, prior: &priorCopy, pages: pages}
	sess.created = append(sess.created, entry)
	return entry, nil
}

// versionPDF returns the absolute path of an existing version PDF.
func (sess *session) versionPDF(doc documents.Document, version documents.DocumentVersion) (string, error) {
	abs, err := sess.svc.store.AbsPath(doc.VersionFile(version))
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorageError, opResolve, err)
	}
	return abs, nil
}

// stagePDF reserves the staging path for a new version PDF.
func (sess *session) stagePDF(entry created) (string, error) {
	return sess.staging.Path(entry.doc.VersionFile(entry.version))
}

// carry maps source pages onto the new pages of entry starting at offset.
func (sess *session) carry(from []documents.Page, entry created, offset int) {
	for i, page := range from {
		sess.pairs = append(sess.pairs, pagereuse.Pair{Src: page.ID, Dst: entry.pages[offset+i].ID})
	}
}

// reuseArtifacts copies bundles and text for every carried page.
func (sess *session) reuseArtifacts() error {
	missing, err := sess.svc.reuse.ReuseWith(sess.dbc(), sess.staging, sess.pairs)
	if err != nil {
		return err
	}
	sess.missing = missing
	return nil
}

// dropDocument deletes a document emptied by the operation.
func (sess *session) dropDocument(src source) error {
	cleanup, err := sess.svc.docs.DeleteDocumentTx(sess.dbc(), src.doc.ID)
	if err != nil {
		return err
	}
	sess.cleanup.Merge(cleanup)
	sess.batch.Add(
		tasks.IndexRemoveVersion(src.version.ID),
		tasks.S3RemoveDocVer(cleanup.VersionIDs...),
		tasks.S3RemoveDocsThumbnail(src.doc.ID),
		tasks.S3RemovePageThumbnail(cleanup.PageIDs...),
	)
	return nil
}

func (sess *session) promote() error {
	if err := sess.staging.Commit(); err != nil {
		return err
	}
	for _, entry := range sess.created {
		if err := versions.RecordSize(sess.tx, sess.svc.store, entry.doc, entry.version); err != nil {
			return err
		}
		sess.queueVersionTasks(entry)
	}
	return nil
}

func (sess *session) queueVersionTasks(entry created) {
	sess.batch.Add(versions.OCRTasks(entry.pages, sess.pairs, sess.missing)...)
	sess.batch.Add(
		tasks.PreviewGenerate(entry.doc.ID, artifacts.PreviewSizes),
		tasks.S3AddDocVer(entry.version.ID),
	)
	if entry.prior == nil {
		sess.batch.Add(tasks.IndexAddDoc(entry.doc.ID))
		return
	}
	sess.batch.Add(
		tasks.S3RemoveDocVer(entry.prior.ID),
		tasks.IndexUpdate(entry.version.ID, entry.prior.ID),
	)
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
	s.logger.Error("page operation failed", attrs...)
}
