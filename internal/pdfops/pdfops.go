// Package pdfops rearranges PDF pages without rasterizing them.
//
// Page numbers are 1-based. Every operation writes its output to a temporary
// file beside the destination and renames it into place once complete.
package pdfops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	opCopyPages        = "pdfops.copy_pages"
	opCopyWithoutPages = "pdfops.copy_without_pages"
	opInsertPages      = "pdfops.insert_pages"
	opRotatePages      = "pdfops.rotate_pages"
	opPageCount        = "pdfops.page_count"
	opConvertImages    = "pdfops.convert_images"
	defaultWorkers     = 4
)

func init() {
	api.DisableConfigDir()
}

// Processor runs PDF transformations on a bounded pool.
type Processor struct {
	slots  *semaphore.Weighted
	logger *zap.Logger
}

func New(workers int, logger *zap.Logger) *Processor {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		slots:  semaphore.NewWeighted(int64(workers)),
		logger: logger,
	}
}

func (p *Processor) run(ctx context.Context, op string, fn func(conf *model.Configuration) error) error {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
	defer p.slots.Release(1)
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
	return fn(model.NewDefaultConfiguration())
}

// PageCount returns the number of pages of the PDF at path.
func (p *Processor) PageCount(ctx context.Context, path string) (int, error) {
	var count int
	err := p.run(ctx, opPageCount, func(conf *model.Configuration) error {
		n, err := pageCount(path, conf)
		count = n
		return err
	})
	return count, err
}

func pageCount(path string, conf *model.Configuration) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorageError, opPageCount, err)
	}
	defer f.Close()
	n, err := api.PageCount(f, conf)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, opPageCount, err)
	}
	return n, nil
}

// CopyPages writes dst with the pages of src listed in keep, in that order.
func (p *Processor) CopyPages(ctx context.Context, src, dst string, keep []int) error {
	if len(keep) == 0 {
		return apperr.New(apperr.KindInvalidOperation, opCopyPages, "no pages selected")
	}
	return p.run(ctx, opCopyPages, func(conf *model.Configuration) error {
		total, err := pageCount(src, conf)
		if err != nil {
			return err
		}
		if err := checkRange(opCopyPages, keep, total); err != nil {
			return err
		}
		return writeAtomically(dst, func(tmp string) error {
			return api.CollectFile(src, tmp, selectors(keep), conf)
		})
	})
}

// CopyWithoutPages writes dst with every page of src except those in drop.
// Dropping every page is rejected; deleting the document is the caller's decision.
func (p *Processor) CopyWithoutPages(ctx context.Context, src, dst string, drop []int) error {
	total, err := p.PageCount(ctx, src)
	if err != nil {
		return err
	}
	if err := checkRange(opCopyWithoutPages, drop, total); err != nil {
		return err
	}
	keep := Remaining(total, drop)
	if len(keep) == 0 {
		return apperr.Newf(apperr.KindInvalidOperation, opCopyWithoutPages,
			"dropping %d of %d pages leaves an empty document", len(drop), total)
	}
	return p.CopyPages(ctx, src, dst, keep)
}

// InsertPages writes dstNew as dstOld with the src pages srcNumbers inserted at
// the zero-based position. An empty dstOld yields only the inserted pages.
func (p *Processor) InsertPages(ctx context.Context, src, dstOld, dstNew string, srcNumbers []int, position int) error {
	if len(srcNumbers) == 0 {
		return apperr.New(apperr.KindInvalidOperation, opInsertPages, "no pages selected")
	}
	return p.run(ctx, opInsertPages, func(conf *model.Configuration) error {
		srcTotal, err := pageCount(src, conf)
		if err != nil {
			return err
		}
		if err := checkRange(opInsertPages, srcNumbers, srcTotal); err != nil {
			return err
		}

		workDir, err := os.MkdirTemp(filepath.Dir(dstNew), ".pdfops-*")
		if err != nil {
			return apperr.Wrap(apperr.KindStorageError, opInsertPages, err)
		}
		defer os.RemoveAll(workDir)

		inserted := filepath.Join(workDir, "inserted.pdf")
		if err := api.CollectFile(src, inserted, selectors(srcNumbers), conf); err != nil {
			return apperr.Wrap(apperr.KindInternal, opInsertPages, err)
		}

		if dstOld == "" {
			return writeAtomically(dstNew, func(tmp string) error {
				return os.Rename(inserted, tmp)
			})
		}

		dstTotal, err := pageCount(dstOld, conf)
		if err != nil {
			return err
		}
		if position < 0 || position > dstTotal {
			return apperr.Newf(apperr.KindInvalidOperation, opInsertPages,
				"position %d outside 0..%d", position, dstTotal)
		}

		parts := make([]string, 0, 3)
		if position > 0 {
			before := filepath.Join(workDir, "before.pdf")
			if err := api.CollectFile(dstOld, before, []string{"1-" + strconv.Itoa(position)}, conf); err != nil {
				return apperr.Wrap(apperr.KindInternal, opInsertPages, err)
			}
			parts = append(parts, before)
		}
		parts = append(parts, inserted)
		if position < dstTotal {
			after := filepath.Join(workDir, "after.pdf")
			selector := strconv.Itoa(position+1) + "-" + strconv.Itoa(dstTotal)
			if err := api.CollectFile(dstOld, after, []string{selector}, conf); err != nil {
				return apperr.Wrap(apperr.KindInternal, opInsertPages, err)
			}
			parts = append(parts, after)
		}

		return writeAtomically(dstNew, func(tmp string) error {
			return api.MergeCreateFile(parts, tmp, false, conf)
		})
	})
}

// RotatePages turns pages of the PDF at path, in place, by the given
// counter-clockwise angles relative to their current orientation.
func (p *Processor) RotatePages(ctx context.Context, path string, anglesCCW map[int]int) error {
	byAngle := map[int][]int{}
	for number, angle := range anglesCCW {
		if angle%90 != 0 {
			return apperr.Newf(apperr.KindValidation, opRotatePages, "angle %d is not a multiple of 90", angle)
		}
		cw := ClockwiseFromCCW(angle)
		if cw == 0 {
			continue
		}
		byAngle[cw] = append(byAngle[cw], number)
	}
	if len(byAngle) == 0 {
		return nil
	}

	angles := make([]int, 0, len(byAngle))
	for angle := range byAngle {
		angles = append(angles, angle)
	}
	sort.Ints(angles)

	return p.run(ctx, opRotatePages, func(conf *model.Configuration) error {
		total, err := pageCount(path, conf)
		if err != nil {
			return err
		}
		for _, angle := range angles {
			numbers := byAngle[angle]
			sort.Ints(numbers)
			if err := checkRange(opRotatePages, numbers, total); err != nil {
				return err
			}
			err := writeAtomically(path, func(tmp string) error {
				return api.RotateFile(path, tmp, angle, selectors(numbers), conf)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// PageRotations returns the effective /Rotate value of every page, clockwise.
func (p *Processor) PageRotations(ctx context.Context, path string) ([]int, error) {
	var rotations []int
	err := p.run(ctx, opPageCount, func(conf *model.Configuration) error {
		f, err := os.Open(path)
		if err != nil {
			return apperr.Wrap(apperr.KindStorageError, opPageCount, err)
		}
		defer f.Close()
		pdfCtx, err := api.ReadValidateAndOptimize(f, conf)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, opPageCount, err)
		}
		rotations = make([]int, 0, pdfCtx.PageCount)
		for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
			_, _, inherited, err := pdfCtx.PageDict(pageNr, false)
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, opPageCount, err)
			}
			rotation := 0
			if inherited != nil {
				rotation = NormalizeAngle(inherited.Rotate)
			}
			rotations = append(rotations, rotation)
		}
		return nil
	})
	return rotations, err
}

// ConvertImages writes dst as a PDF with one page per image file.
func (p *Processor) ConvertImages(ctx context.Context, images []string, dst string) error {
	if len(images) == 0 {
		return apperr.New(apperr.KindInvalidOperation, opConvertImages, "no images supplied")
	}
	return p.run(ctx, opConvertImages, func(conf *model.Configuration) error {
		workDir, err := os.MkdirTemp(filepath.Dir(dst), ".pdfops-*")
		if err != nil {
			return apperr.Wrap(apperr.KindStorageError, opConvertImages, err)
		}
		defer os.RemoveAll(workDir)

		out := filepath.Join(workDir, "converted.pdf")
		if err := api.ImportImagesFile(images, out, pdfcpu.DefaultImportConfig(), conf); err != nil {
			return apperr.Wrap(apperr.KindInternal, opConvertImages, err)
		}
		return writeAtomically(dst, func(tmp string) error {
			return os.Rename(out, tmp)
		})
	})
}

// Remaining lists 1..total minus drop, ascending.
func Remaining(total int, drop []int) []int {
	dropped := make(map[int]struct{}, len(drop))
	for _, n := range drop {
		dropped[n] = struct{}{}
	}
	keep := make([]int, 0, total)
	for n := 1; n <= total; n++ {
		if _, ok := dropped[n]; !ok {
			keep = append(keep, n)
		}
	}
	return keep
}

// NormalizeAngle folds any multiple of 90 into 0, 90, 180 or 270.
func NormalizeAngle(angle int) int {
	return ((angle % 360) + 360) % 360
}

// ClockwiseFromCCW converts a counter-clockwise turn into the PDF's clockwise /Rotate delta.
func ClockwiseFromCCW(angleCCW int) int {
	return NormalizeAngle(-angleCCW)
}

func checkRange(op string, numbers []int, total int) error {
	for _, n := range numbers {
		if n < 1 || n > total {
			return apperr.Newf(apperr.KindInvalidOperation, op, "page %d outside 1..%d", n, total)
		}
	}
	return nil
}

func selectors(numbers []int) []string {
	out := make([]string, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, strconv.Itoa(n))
	}
	return out
}

func writeAtomically(dst string, write func(tmp string) error) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return apperr.Wrap(apperr.KindStorageError, "pdfops.write", err)
	}
	placeholder, err := os.CreateTemp(filepath.Dir(dst), fmt.Sprintf(".%s.tmp-*", filepath.Base(dst)))
	if err != nil {
		return apperr.Wrap(apperr.KindStorageError, "pdfops.write", err)
	}
	tmp := placeholder.Name()
	_ = placeholder.Close()
	_ = os.Remove(tmp)
	if err := write(tmp); err != nil {
		_ = os.Remove(tmp)
		return apperr.Wrap(apperr.KindInternal, "pdfops.write", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return apperr.Wrap(apperr.KindStorageError, "pdfops.write", err)
	}
	return nil
}
