package pageops

import (
	"context"
	"fmt"
	"strings"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/dbctx"
	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"github.com/papermerge/papermerge-core-sub000/internal/mimeguard"
	"github.com/papermerge/papermerge-core-sub000/internal/pdfops"
	"github.com/papermerge/papermerge-core-sub000/internal/tracing"
	"github.com/papermerge/papermerge-core-sub000/internal/versions"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	opApply   = "pageops.apply"
	opMove    = "pageops.move"
	opExtract = "pageops.extract"
	opDelete  = "pageops.delete"

	defaultExtractTitle = "extracted"
)

// MoveStrategy decides what happens to the destination's existing pages.
type MoveStrategy string

const (
	// MoveMix puts the moved pages in front of the destination's pages.
	MoveMix MoveStrategy = "mix"
	// MoveReplace discards the destination's pages.
	MoveReplace MoveStrategy = "replace"
)

// ExtractStrategy decides how extracted pages are grouped into documents.
type ExtractStrategy string

const (
	OnePagePerDoc    ExtractStrategy = "one-page-per-doc"
	AllPagesInOneDoc ExtractStrategy = "all-pages-in-one-doc"
)

// PageOp places one page of the current version into the next version,
// optionally turned by AngleCCW degrees counter-clockwise.
type PageOp struct {
	PageID   string `json:"page_id"`
	AngleCCW int    `json:"angle"`
}

type MoveResult struct {
	// Source is nil when every page left it and the document was deleted.
	Source      *documents.Document
	Destination documents.Document
}

type ExtractResult struct {
	Source    *documents.Document
	Documents []documents.Document
}

// ApplyPageOps builds the next version of a document from ops, in order.
// Pages left out are dropped; angles are added to the stored rotation.
func (s *Service) ApplyPageOps(ctx context.Context, ops []PageOp) (documents.DocumentVersion, error) {
	ctx, span := s.tracer.Start(ctx, opApply, trace.WithAttributes(attribute.Int("ops", len(ops))))
	var err error
	defer func() { tracing.End(span, err) }()

	pageIDs := make([]string, 0, len(ops))
	for _, op := range ops {
		if op.AngleCCW%90 != 0 {
			err = apperr.WithField(apperr.Newf(apperr.KindValidation, opApply, "angle %d is not a multiple of 90", op.AngleCCW), "angle")
			return documents.DocumentVersion{}, err
		}
		pageIDs = append(pageIDs, op.PageID)
	}
	if len(pageIDs) == 0 {
		err = apperr.WithField(apperr.New(apperr.KindValidation, opApply, "at least one page is required"), "pages")
		return documents.DocumentVersion{}, err
	}
	docIDs, err := s.documentsOfPages(ctx, pageIDs...)
	if err != nil {
		return documents.DocumentVersion{}, err
	}
	unlock, err := s.guard(ctx, docIDs)
	if err != nil {
		return documents.DocumentVersion{}, err
	}
	defer unlock()

	var result documents.DocumentVersion
	err = s.run(ctx, opApply, func(sess *session) error {
		src, err := resolveSource(sess.tx, pageIDs)
		if err != nil {
			return err
		}
		entry, err := sess.bump(src.doc, src.version, len(ops))
		if err != nil {
			return err
		}
		from, err := sess.versionPDF(src.doc, src.version)
		if err != nil {
			return err
		}
		to, err := sess.stagePDF(entry)
		if err != nil {
			return err
		}
		order := make([]int, 0, len(src.ordered))
		for _, page := range src.ordered {
			order = append(order, page.Number)
		}
		if err := s.pdf.CopyPages(ctx, from, to, order); err != nil {
			return err
		}
		angles := make(map[int]int)
		for i, op := range ops {
			if pdfops.NormalizeAngle(op.AngleCCW) != 0 {
				angles[i+1] = op.AngleCCW
			}
		}
		if err := s.pdf.RotatePages(ctx, to, angles); err != nil {
			return err
		}
		sess.carry(src.ordered, entry, 0)
		if err := sess.reuseArtifacts(); err != nil {
			return err
		}
		for i, op := range ops {
			if pdfops.NormalizeAngle(op.AngleCCW) == 0 {
				continue
			}
			rotation := pdfops.NormalizeAngle(src.ordered[i].Rotation + op.AngleCCW)
			err := sess.tx.Model(&documents.Page{}).Where("id = ?", entry.pages[i].ID).Update("rotation", rotation).Error
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, opApply, err)
			}
		}
		result = entry.version
		return nil
	})
	if err != nil {
		return documents.DocumentVersion{}, err
	}
	s.logger.Info("page operations applied",
		zap.String("operation", opApply),
		zap.String("document_id", result.DocumentID),
		zap.Int("number", result.Number))
	return result, nil
}

// DeletePages builds the next version without the given pages.
func (s *Service) DeletePages(ctx context.Context, pageIDs []string) (documents.DocumentVersion, error) {
	ctx, span := s.tracer.Start(ctx, opDelete, trace.WithAttributes(attribute.Int("pages", len(pageIDs))))
	var err error
	defer func() { tracing.End(span, err) }()

	if len(pageIDs) == 0 {
		err = apperr.WithField(apperr.New(apperr.KindValidation, opDelete, "at least one page is required"), "page_ids")
		return documents.DocumentVersion{}, err
	}
	docIDs, err := s.documentsOfPages(ctx, pageIDs...)
	if err != nil {
		return documents.DocumentVersion{}, err
	}
	unlock, err := s.guard(ctx, docIDs)
	if err != nil {
		return documents.DocumentVersion{}, err
	}
	defer unlock()

	var result documents.DocumentVersion
	err = s.run(ctx, opDelete, func(sess *session) error {
		src, err := resolveSource(sess.tx, pageIDs)
		if err != nil {
			return err
		}
		rest := src.rest()
		if len(rest) == 0 {
			return apperr.New(apperr.KindInvalidOperation, opDelete, "cannot delete every page of a document; delete the document instead")
		}
		entry, err := sess.shrink(src)
		if err != nil {
			return err
		}
		if err := sess.reuseArtifacts(); err != nil {
			return err
		}
		result = entry.version
		return nil
	})
	if err != nil {
		return documents.DocumentVersion{}, err
	}
	return result, nil
}

// MovePages moves pages to the document holding targetPageID. The source
// keeps its other pages in a new version, or is deleted when none remain.
func (s *Service) MovePages(ctx context.Context, pageIDs []string, targetPageID string, strategy MoveStrategy) (MoveResult, error) {
	ctx, span := s.tracer.Start(ctx, opMove, trace.WithAttributes(
		attribute.Int("pages", len(pageIDs)),
		attribute.String("strategy", string(strategy)),
	))
	var err error
	defer func() { tracing.End(span, err) }()

	if strategy != MoveMix && strategy != MoveReplace {
		err = apperr.WithField(apperr.Newf(apperr.KindValidation, opMove, "unknown move strategy %q", strategy), "move_strategy")
		return MoveResult{}, err
	}
	if len(pageIDs) == 0 {
		err = apperr.WithField(apperr.New(apperr.KindValidation, opMove, "at least one page is required"), "source_page_ids")
		return MoveResult{}, err
	}
	for _, id := range pageIDs {
		if id == targetPageID {
			err = apperr.New(apperr.KindInvalidOperation, opMove, "target page is one of the moved pages")
			return MoveResult{}, err
		}
	}
	srcDocs, err := s.documentsOfPages(ctx, pageIDs...)
	if err != nil {
		return MoveResult{}, err
	}
	dstDocs, err := s.documentsOfPages(ctx, targetPageID)
	if err != nil {
		return MoveResult{}, err
	}
	for _, id := range srcDocs {
		if id == dstDocs[0] {
			err = apperr.New(apperr.KindInvalidOperation, opMove, "pages cannot be moved within the same document; reorder them instead")
			return MoveResult{}, err
		}
	}
	unlock, err := s.guard(ctx, append(srcDocs, dstDocs...))
	if err != nil {
		return MoveResult{}, err
	}
	defer unlock()

	var result MoveResult
	err = s.run(ctx, opMove, func(sess *session) error {
		src, err := resolveSource(sess.tx, pageIDs)
		if err != nil {
			return err
		}
		dst, err := resolveSource(sess.tx, []string{targetPageID})
		if err != nil {
			return err
		}
		drained := len(src.rest()) == 0
		if !drained {
			if _, err := sess.shrink(src); err != nil {
				return err
			}
		}

		count := len(src.picked)
		if strategy == MoveMix {
			count += len(dst.all)
		}
		entry, err := sess.bump(dst.doc, dst.version, count)
		if err != nil {
			return err
		}
		from, err := sess.versionPDF(src.doc, src.version)
		if err != nil {
			return err
		}
		to, err := sess.stagePDF(entry)
		if err != nil {
			return err
		}
		existing := ""
		if strategy == MoveMix {
			if existing, err = sess.versionPDF(dst.doc, dst.version); err != nil {
				return err
			}
		}
		if err := s.pdf.InsertPages(ctx, from, existing, to, src.numbers(), 0); err != nil {
			return err
		}
		sess.carry(src.picked, entry, 0)
		if strategy == MoveMix {
			sess.carry(dst.all, entry, len(src.picked))
		}
		if err := sess.reuseArtifacts(); err != nil {
			return err
		}

		result.Destination = dst.doc
		if drained {
			return sess.dropDocument(src)
		}
		srcDoc := src.doc
		result.Source = &srcDoc
		return nil
	})
	if err != nil {
		return MoveResult{}, err
	}
	s.logger.Info("pages moved",
		zap.String("operation", opMove),
		zap.String("destination_id", result.Destination.ID),
		zap.Int("pages", len(pageIDs)),
		zap.Bool("source_deleted", result.Source == nil))
	return result, nil
}

// ExtractPages copies pages into new documents inside folderID and removes
// them from their source. New documents are owned by the folder's owner.
func (s *Service) ExtractPages(ctx context.Context, pageIDs []string, folderID string, strategy ExtractStrategy, titleFormat string) (ExtractResult, error) {
	ctx, span := s.tracer.Start(ctx, opExtract, trace.WithAttributes(
		attribute.Int("pages", len(pageIDs)),
		attribute.String("strategy", string(strategy)),
	))
	var err error
	defer func() { tracing.End(span, err) }()

	if strategy != OnePagePerDoc && strategy != AllPagesInOneDoc {
		err = apperr.WithField(apperr.Newf(apperr.KindValidation, opExtract, "unknown extract strategy %q", strategy), "strategy")
		return ExtractResult{}, err
	}
	if len(pageIDs) == 0 {
		err = apperr.WithField(apperr.New(apperr.KindValidation, opExtract, "at least one page is required"), "source_page_ids")
		return ExtractResult{}, err
	}
	titleFormat = strings.TrimSpace(titleFormat)
	if titleFormat == "" {
		titleFormat = defaultExtractTitle
	}
	docIDs, err := s.documentsOfPages(ctx, pageIDs...)
	if err != nil {
		return ExtractResult{}, err
	}
	unlock, err := s.guard(ctx, docIDs, folderID)
	if err != nil {
		return ExtractResult{}, err
	}
	defer unlock()
	owner, err := s.docs.OwnerOfNode(dbctx.Context{Ctx: ctx}, folderID)
	if err != nil {
		return ExtractResult{}, err
	}

	var result ExtractResult
	err = s.run(ctx, opExtract, func(sess *session) error {
		src, err := resolveSource(sess.tx, pageIDs)
		if err != nil {
			return err
		}
		from, err := sess.versionPDF(src.doc, src.version)
		if err != nil {
			return err
		}

		groups := [][]documents.Page{src.picked}
		if strategy == OnePagePerDoc {
			groups = groups[:0]
			for _, page := range src.picked {
				groups = append(groups, []documents.Page{page})
			}
		}
		for _, group := range groups {
			suffix, err := s.ids.NewID()
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, opExtract, err)
			}
			title := fmt.Sprintf("%s-%s.pdf", titleFormat, suffix)
			_, doc, err := s.docs.CreateDocument(sess.dbc(), owner, &folderID, title, src.doc.Lang, documents.StatusReady)
			if err != nil {
				return err
			}
			version, pages, err := s.versions.CreateOriginal(sess.dbc(), doc, versions.OriginalSpec{
				FileName:  title,
				MimeType:  mimeguard.MimePDF,
				PageCount: len(group),
				Reason:    documents.ReasonExtraction,
				Source:    &src.version,
			})
			if err != nil {
				return err
			}
			entry := created{doc: doc, version: version, pages: pages}
			sess.created = append(sess.created, entry)
			to, err := sess.stagePDF(entry)
			if err != nil {
				return err
			}
			numbers := make([]int, 0, len(group))
			for _, page := range group {
				numbers = append(numbers, page.Number)
			}
			if err := s.pdf.InsertPages(ctx, from, "", to, numbers, 0); err != nil {
				return err
			}
			sess.carry(group, entry, 0)
			result.Documents = append(result.Documents, doc)
		}

		drained := len(src.rest()) == 0
		if !drained {
			if _, err := sess.shrink(src); err != nil {
				return err
			}
		}
		if err := sess.reuseArtifacts(); err != nil {
			return err
		}
		if drained {
			return sess.dropDocument(src)
		}
		srcDoc := src.doc
		result.Source = &srcDoc
		return nil
	})
	if err != nil {
		return ExtractResult{}, err
	}
	s.logger.Info("pages extracted",
		zap.String("operation", opExtract),
		zap.Int("documents", len(result.Documents)),
		zap.Bool("source_deleted", result.Source == nil))
	return result, nil
}

// shrink bumps src to a version without its picked pages and carries the rest over.
func (sess *session) shrink(src source) (created, error) {
	rest := src.rest()
	entry, err := sess.bump(src.doc, src.version, len(rest))
	if err != nil {
		return created{}, err
	}
	from, err := sess.versionPDF(src.doc, src.version)
	if err != nil {
		return created{}, err
	}
	to, err := sess.stagePDF(entry)
	if err != nil {
		return created{}, err
	}
	if err := sess.svc.pdf.CopyWithoutPages(sess.ctx, from, to, src.numbers()); err != nil {
		return created{}, err
	}
	sess.carry(rest, entry, 0)
	return entry, nil
}
