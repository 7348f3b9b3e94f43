package artifacts

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"go.uber.org/zap"
)

const (
	opPut        = "artifacts.put"
	opGet        = "artifacts.get"
	opExists     = "artifacts.exists"
	opCopyDir    = "artifacts.copy_dir"
	opDeleteTree = "artifacts.delete_tree"
	opPromote    = "artifacts.promote"
	stagingDir   = ".staging"
)

var (
	errMissingRoot  = errors.New("artifacts: media root is required")
	errEscapingPath = errors.New("artifacts: path escapes media root")
)

// CopyReport lists what a bundle copy found.
type CopyReport struct {
	SourceExists bool
	Copied       []string
	Missing      []string
}

// FileStore keeps version PDFs and page bundles under a media root.
type FileStore struct {
	root   string
	logger *zap.Logger
}

func NewFileStore(root string, logger *zap.Logger) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errMissingRoot
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, stagingDir), 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageError, "artifacts.new", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{root: abs, logger: logger}, nil
}

func (s *FileStore) Root() string {
	return s.root
}

// AbsPath resolves a store-relative path, rejecting paths that leave the root.
func (s *FileStore) AbsPath(rel string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errEscapingPath, rel)
	}
	return filepath.Join(s.root, cleaned), nil
}

// Put writes data to rel through a temp file and an atomic rename.
func (s *FileStore) Put(rel string, data []byte) error {
	target, err := s.AbsPath(rel)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageError, opPut, err)
	}
	tmp, err := s.StagingFile(filepath.Base(target))
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return apperr.Wrap(apperr.KindStorageError, opPut, err)
	}
	return s.Promote(tmp, rel)
}

// StagingFile returns a fresh path inside the staging area. The file exists and is empty.
func (s *FileStore) StagingFile(pattern string) (string, error) {
	f, err := os.CreateTemp(filepath.Join(s.root, stagingDir), "*-"+pattern)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorageError, opPut, err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return "", apperr.Wrap(apperr.KindStorageError, opPut, err)
	}
	return name, nil
}

// Promote renames a staged file into rel.
func (s *FileStore) Promote(stagedPath, rel string) error {
	target, err := s.AbsPath(rel)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageError, opPromote, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return apperr.Wrap(apperr.KindStorageError, opPromote, err)
	}
	if err := os.Rename(stagedPath, target); err != nil {
		_ = os.Remove(stagedPath)
		return apperr.Wrap(apperr.KindStorageError, opPromote, err)
	}
	return nil
}

func (s *FileStore) Get(rel string) ([]byte, error) {
	target, err := s.AbsPath(rel)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageError, opGet, err)
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.Newf(apperr.KindNotFound, opGet, "artifact %s not found", rel)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageError, opGet, err)
	}
	return data, nil
}

func (s *FileStore) Exists(rel string) (bool, error) {
	target, err := s.AbsPath(rel)
	if err != nil {
		return false, apperr.Wrap(apperr.KindStorageError, opExists, err)
	}
	_, err = os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.KindStorageError, opExists, err)
	}
	return true, nil
}

// CopyDir copies every bundle file of srcPageID into the bundle of dstPageID.
// Files absent in the source are reported, not treated as failures.
func (s *FileStore) CopyDir(srcPageID, dstPageID string) (CopyReport, error) {
	report := CopyReport{}
	srcRoot, err := s.AbsPath(PagePrefix(srcPageID))
	if err != nil {
		return report, apperr.Wrap(apperr.KindStorageError, opCopyDir, err)
	}
	info, err := os.Stat(srcRoot)
	if errors.Is(err, fs.ErrNotExist) {
		report.Missing = append(report.Missing, BundleFiles...)
		return report, nil
	}
	if err != nil {
		return report, apperr.Wrap(apperr.KindStorageError, opCopyDir, err)
	}
	if !info.IsDir() {
		return report, apperr.Newf(apperr.KindStorageError, opCopyDir, "%s is not a directory", srcRoot)
	}
	report.SourceExists = true

	for _, name := range BundleFiles {
		src := filepath.Join(srcRoot, name)
		if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
			report.Missing = append(report.Missing, name)
			continue
		}
		if err := s.copyFile(src, PageFile(dstPageID, name)); err != nil {
			return report, err
		}
		report.Copied = append(report.Copied, name)
	}
	return report, nil
}

func (s *FileStore) copyFile(srcAbs, dstRel string) error {
	in, err := os.Open(srcAbs)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageError, opCopyDir, err)
	}
	defer in.Close()

	tmp, err := s.StagingFile(filepath.Base(dstRel))
	if err != nil {
		return err
	}
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		_ = os.Remove(tmp)
		return apperr.Wrap(apperr.KindStorageError, opCopyDir, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return apperr.Wrap(apperr.KindStorageError, opCopyDir, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return apperr.Wrap(apperr.KindStorageError, opCopyDir, err)
	}
	return s.Promote(tmp, dstRel)
}

// DeleteTree removes prefix and everything under it. A missing prefix is not an error.
func (s *FileStore) DeleteTree(prefix string) error {
	target, err := s.AbsPath(prefix)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageError, opDeleteTree, err)
	}
	if target == s.root {
		return apperr.New(apperr.KindStorageError, opDeleteTree, "refusing to delete media root")
	}
	if err := os.RemoveAll(target); err != nil {
		return apperr.Wrap(apperr.KindStorageError, opDeleteTree, err)
	}
	s.logger.Debug("artifact tree deleted", zap.String("prefix", prefix))
	return nil
}

// Remove deletes a single file, ignoring missing ones.
func (s *FileStore) Remove(rel string) error {
	target, err := s.AbsPath(rel)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageError, opDeleteTree, err)
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.Wrap(apperr.KindStorageError, opDeleteTree, err)
	}
	return nil
}

// Walk calls fn with the store-relative path of every regular file under prefix.
func (s *FileStore) Walk(prefix string, fn func(rel string) error) error {
	start, err := s.AbsPath(prefix)
	if err != nil {
		return apperr.Wrap(apperr.KindStorageError, opGet, err)
	}
	err = filepath.WalkDir(start, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel))
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
