// Package pagereuse carries page artifacts and text over to freshly allocated
// page identities.
package pagereuse

import (
	"strings"
	"sync"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/artifacts"
	"github.com/papermerge/papermerge-core-sub000/internal/dbctx"
	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	opReuse        = "pagereuse.reuse"
	opRecomputeTxt = "pagereuse.recompute_text"
	copyParallel   = 8
)

// Pair maps a source page onto the new page that replaces it.
type Pair struct {
	Src string
	Dst string
}

// BundleCopier copies one page bundle onto another page id.
type BundleCopier interface {
	CopyDir(srcPageID, dstPageID string) (artifacts.CopyReport, error)
}

type Reuser struct {
	db     *gorm.DB
	store  BundleCopier
	logger *zap.Logger
}

func New(db *gorm.DB, store BundleCopier, logger *zap.Logger) *Reuser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reuser{db: db, store: store, logger: logger}
}

// Reuse copies bundles, text and rotation for every pair and recomputes the
// text of each destination version. It returns the source ids whose bundle was
// missing or lacked a text layer; their destinations need OCR. Copy failures
// are logged and reported the same way.
func (r *Reuser) Reuse(dbc dbctx.Context, pairs []Pair) ([]string, error) {
	return r.ReuseWith(dbc, r.store, pairs)
}

// ReuseWith is Reuse with bundles copied through copier, typically the
// operation's artifacts.Staging so a rollback removes them.
func (r *Reuser) ReuseWith(dbc dbctx.Context, copier BundleCopier, pairs []Pair) ([]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	db := dbc.DB(r.db)
	srcIDs := make([]string, 0, len(pairs))
	dstIDs := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		srcIDs = append(srcIDs, pair.Src)
		dstIDs = append(dstIDs, pair.Dst)
	}
	sources, err := documents.PagesByID(db, srcIDs)
	if err != nil {
		return nil, err
	}
	targets, err := documents.PagesByID(db, dstIDs)
	if err != nil {
		return nil, err
	}

	missing := r.copyBundles(copier, pairs)

	versionIDs := make(map[string]struct{})
	for _, pair := range pairs {
		src := sources[pair.Src]
		err := db.Model(&documents.Page{}).Where("id = ?", pair.Dst).
			Updates(map[string]any{"text": src.Text, "rotation": src.Rotation}).Error
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, opReuse, err)
		}
		versionIDs[targets[pair.Dst].DocumentVersionID] = struct{}{}
	}
	for versionID := range versionIDs {
		if err := RecomputeVersionText(db, versionID); err != nil {
			return nil, err
		}
	}

	out := make([]string, 0, len(missing))
	for _, pair := range pairs {
		if _, ok := missing[pair.Src]; ok {
			out = append(out, pair.Src)
		}
	}
	return out, nil
}

func (r *Reuser) copyBundles(copier BundleCopier, pairs []Pair) map[string]struct{} {
	var mu sync.Mutex
	missing := make(map[string]struct{})
	mark := func(id string) {
		mu.Lock()
		missing[id] = struct{}{}
		mu.Unlock()
	}

	var group errgroup.Group
	group.SetLimit(copyParallel)
	for _, pair := range pairs {
		group.Go(func() error {
			report, err := copier.CopyDir(pair.Src, pair.Dst)
			if err != nil {
				r.logger.Warn("page bundle copy failed",
					zap.String("operation", opReuse),
					zap.String("src_page_id", pair.Src),
					zap.String("dst_page_id", pair.Dst),
					zap.Error(err))
				mark(pair.Src)
				return nil
			}
			if !report.SourceExists || !hasText(report) {
				mark(pair.Src)
			}
			return nil
		})
	}
	_ = group.Wait()
	return missing
}

func hasText(report artifacts.CopyReport) bool {
	for _, name := range report.Copied {
		if name == artifacts.FileText {
			return true
		}
	}
	return false
}

// RecomputeVersionText sets a version's text to its non-empty page texts in page order.
func RecomputeVersionText(db *gorm.DB, versionID string) error {
	pages, err := documents.VersionPages(db, versionID)
	if err != nil {
		return err
	}
	parts := make([]string, 0, len(pages))
	for _, page := range pages {
		if text := strings.TrimSpace(page.Text); text != "" {
			parts = append(parts, text)
		}
	}
	err = db.Model(&documents.DocumentVersion{}).Where("id = ?", versionID).
		Update("text", strings.Join(parts, " ")).Error
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, opRecomputeTxt, err)
	}
	return nil
}
