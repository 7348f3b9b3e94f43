// Package reconcile finds ready documents whose latest version lost artifacts
// and repairs what can be repaired by re-queueing work.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/artifacts"
	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"github.com/papermerge/papermerge-core-sub000/internal/tasks"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opSweep          = "reconcile.sweep"
	defaultBatchSize = 100
	defaultInterval  = 15 * time.Minute
)

var (
	errMissingDatabase   = errors.New("reconcile: database is required")
	errMissingStore      = errors.New("reconcile: artifact store is required")
	errMissingDispatcher = errors.New("reconcile: dispatcher is required")
)

type Config struct {
	Database   *gorm.DB
	Store      *artifacts.FileStore
	Dispatcher tasks.Dispatcher
	BatchSize  int
	Logger     *zap.Logger
}

// Report summarizes one sweep.
type Report struct {
	Versions     int
	Pages        int
	Requeued     []string
	MissingPDFs  []string
	DispatchErrs int
}

type Sweeper struct {
	db         *gorm.DB
	store      *artifacts.FileStore
	dispatcher tasks.Dispatcher
	batchSize  int
	logger     *zap.Logger
}

func NewSweeper(cfg Config) (*Sweeper, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		db:         cfg.Database,
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		batchSize:  batchSize,
		logger:     logger,
	}, nil
}

// Sweep checks the latest version of every ready document. Pages without a
// txt artifact get a fresh ocr.page task; a missing version PDF is logged as
// an invariant breach since nothing can rebuild it.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report
	var batch []documents.DocumentVersion
	query := s.db.WithContext(ctx).
		Model(&documents.DocumentVersion{}).
		Joins("JOIN documents ON documents.id = document_versions.document_id").
		Where("documents.processing_status = ?", documents.StatusReady).
		Where("document_versions.number = (SELECT MAX(v2.number) FROM document_versions v2 WHERE v2.document_id = document_versions.document_id)")

	var sweepErr error
	result := query.FindInBatches(&batch, s.batchSize, func(_ *gorm.DB, _ int) error {
		for _, version := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.checkVersion(ctx, version, &report); err != nil {
				sweepErr = err
				return err
			}
		}
		return nil
	})
	if sweepErr != nil {
		return report, sweepErr
	}
	if result.Error != nil {
		return report, apperr.Wrap(apperr.KindInternal, opSweep, result.Error)
	}
	s.logger.Info("reconcile sweep finished",
		zap.Int("versions", report.Versions),
		zap.Int("pages", report.Pages),
		zap.Int("requeued", len(report.Requeued)),
		zap.Int("missing_pdfs", len(report.MissingPDFs)),
	)
	return report, nil
}

func (s *Sweeper) checkVersion(ctx context.Context, version documents.DocumentVersion, report *Report) error {
	report.Versions++
	doc, err := documents.LoadDocument(s.db.WithContext(ctx), version.DocumentID)
	if err != nil {
		return err
	}
	exists, err := s.store.Exists(doc.VersionFile(version))
	if err != nil {
		return err
	}
	if !exists {
		report.MissingPDFs = append(report.MissingPDFs, version.ID)
		breach := apperr.Newf(apperr.KindInternal, opSweep, "version %s has no pdf", version.ID)
		s.logger.Error("version pdf missing",
			zap.String("operation", opSweep),
			zap.String("document_id", doc.ID),
			zap.String("version_id", version.ID),
			zap.Int("version_number", version.Number),
			zap.Int("page_count", version.PageCount),
			zap.Error(breach),
		)
	}
	pages, err := documents.VersionPages(s.db.WithContext(ctx), version.ID)
	if err != nil {
		return err
	}
	for _, page := range pages {
		report.Pages++
		ok, err := s.store.Exists(artifacts.PageFile(page.ID, artifacts.FileText))
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := s.dispatcher.Dispatch(ctx, tasks.OCRPage(page.ID, page.Lang)); err != nil {
			report.DispatchErrs++
			s.logger.Warn("ocr requeue failed",
				zap.String("page_id", page.ID),
				zap.Error(err),
			)
			continue
		}
		report.Requeued = append(report.Requeued, page.ID)
	}
	return nil
}

// Run sweeps once immediately and then every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	s.sweepLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepLogged(ctx)
		}
	}
}

func (s *Sweeper) sweepLogged(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("reconcile sweep failed", zap.String("operation", opSweep), zap.Error(err))
	}
}
