package artifacts

import (
	"errors"
	"os"
	"sync"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"go.uber.org/zap"
)

const opStage = "artifacts.stage"

// Staging tracks files written under the staging area for an operation that
// has not committed yet. Commit renames them into place; Discard removes
// whatever was staged or already promoted, plus every page bundle copied
// through CopyDir, so a rolled back operation leaves no files behind.
type Staging struct {
	store    *FileStore
	pending  []stagedFile
	promoted []string

	mu     sync.Mutex
	claims []string
}

type stagedFile struct {
	tmp string
	rel string
}

func (s *FileStore) NewStaging() *Staging {
	return &Staging{store: s}
}

// Path reserves a staging file that Commit will move to rel.
func (st *Staging) Path(rel string) (string, error) {
	if _, err := st.store.AbsPath(rel); err != nil {
		return "", apperr.Wrap(apperr.KindStorageError, opStage, err)
	}
	tmp, err := st.store.StagingFile("stage-*.pdf")
	if err != nil {
		return "", err
	}
	st.pending = append(st.pending, stagedFile{tmp: tmp, rel: rel})
	return tmp, nil
}

// Write stages data for rel.
func (st *Staging) Write(rel string, data []byte) error {
	tmp, err := st.Path(rel)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.Wrap(apperr.KindStorageError, opStage, err)
	}
	return nil
}

// Commit promotes every staged file. On failure the files promoted so far stay
// recorded so Discard can remove them.
func (st *Staging) Commit() error {
	for len(st.pending) > 0 {
		item := st.pending[0]
		if err := st.store.Promote(item.tmp, item.rel); err != nil {
			return err
		}
		st.promoted = append(st.promoted, item.rel)
		st.pending = st.pending[1:]
	}
	return nil
}

// CopyDir copies a page bundle onto a page the operation created. The
// destination bundle belongs to the operation until commit. Safe for
// concurrent use.
func (st *Staging) CopyDir(srcPageID, dstPageID string) (CopyReport, error) {
	st.mu.Lock()
	st.claims = append(st.claims, PagePrefix(dstPageID))
	st.mu.Unlock()
	return st.store.CopyDir(srcPageID, dstPageID)
}

// Discard removes pending temp files, promoted targets and claimed bundles.
func (st *Staging) Discard() {
	var errs []error
	for _, item := range st.pending {
		if err := os.Remove(item.tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	for _, rel := range st.promoted {
		if err := st.store.Remove(rel); err != nil {
			errs = append(errs, err)
		}
	}
	st.mu.Lock()
	for _, prefix := range st.claims {
		if err := st.store.DeleteTree(prefix); err != nil {
			errs = append(errs, err)
		}
	}
	st.claims = nil
	st.mu.Unlock()
	st.pending = nil
	st.promoted = nil
	if err := errors.Join(errs...); err != nil {
		st.store.logger.Warn("staged artifacts not fully discarded", zap.Error(err))
	}
}

// Targets lists the store-relative paths of everything staged or promoted,
// followed by the claimed bundle prefixes.
func (st *Staging) Targets() []string {
	out := append([]string(nil), st.promoted...)
	for _, item := range st.pending {
		out = append(out, item.rel)
	}
	st.mu.Lock()
	out = append(out, st.claims...)
	st.mu.Unlock()
	return out
}
