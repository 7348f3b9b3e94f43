// Package mirror copies version PDFs and page bundles to a remote object store
// and removes them again when the local rows go away. Remote keys are derived
// from ids alone, so removals never need the deleted database rows.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/artifacts"
	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"github.com/papermerge/papermerge-core-sub000/internal/tasks"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opAdd    = "mirror.add_doc_ver"
	opRemove = "mirror.remove"
)

var (
	errMissingDatabase = errors.New("mirror: database is required")
	errMissingStore    = errors.New("mirror: artifact store is required")
	errMissingRemote   = errors.New("mirror: remote object store is required")
)

// ObjectStore is the remote side of the mirror.
type ObjectStore interface {
	Upload(ctx context.Context, key string, r io.Reader) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// VersionKey is the remote key of a version PDF.
func VersionKey(versionID, fileName string) string {
	return path.Join("docvers", versionID, fileName)
}

// VersionPrefix holds every object of one version.
func VersionPrefix(versionID string) string {
	return path.Join("docvers", versionID) + "/"
}

// ThumbnailPrefix holds the document-level thumbnails of a document.
func ThumbnailPrefix(documentID string) string {
	return path.Join("thumbnails", documentID) + "/"
}

// PageBundlePrefix holds the mirrored bundle of one page. It matches the local
// sidecar layout.
func PageBundlePrefix(pageID string) string {
	return artifacts.PagePrefix(pageID) + "/"
}

type Config struct {
	Database *gorm.DB
	Store    *artifacts.FileStore
	Remote   ObjectStore
	Logger   *zap.Logger
}

// Mirror handles the s3.* tasks.
type Mirror struct {
	db     *gorm.DB
	store  *artifacts.FileStore
	remote ObjectStore
	logger *zap.Logger
}

func New(cfg Config) (*Mirror, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{db: cfg.Database, store: cfg.Store, remote: cfg.Remote, logger: logger}, nil
}

// Handlers maps task names to the methods serving them.
func (m *Mirror) Handlers() map[string]func(context.Context, tasks.Task) error {
	return map[string]func(context.Context, tasks.Task) error{
		tasks.NameS3AddDocVer:           m.AddVersions,
		tasks.NameS3RemoveDocVer:        m.RemoveVersions,
		tasks.NameS3RemoveDocsThumbnail: m.RemoveDocumentThumbnails,
		tasks.NameS3RemovePageThumbnail: m.RemovePageBundles,
	}
}

// AddVersions uploads each version PDF followed by the bundles of its pages.
// Versions deleted before the task ran are skipped.
func (m *Mirror) AddVersions(ctx context.Context, task tasks.Task) error {
	for _, versionID := range task.Strings("doc_ver_ids") {
		if err := m.addVersion(ctx, versionID); err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				m.logger.Info("mirror source gone", zap.String("version_id", versionID))
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Mirror) addVersion(ctx context.Context, versionID string) error {
	version, err := documents.LoadVersion(m.db.WithContext(ctx), versionID)
	if err != nil {
		return err
	}
	doc, err := documents.LoadDocument(m.db.WithContext(ctx), version.DocumentID)
	if err != nil {
		return err
	}
	data, err := m.store.Get(doc.VersionFile(version))
	if err != nil {
		return err
	}
	if err := m.remote.Upload(ctx, VersionKey(version.ID, version.FileName), bytes.NewReader(data)); err != nil {
		return apperr.Wrap(apperr.KindStorageError, opAdd, err)
	}
	pages, err := documents.VersionPages(m.db.WithContext(ctx), version.ID)
	if err != nil {
		return err
	}
	uploaded := 0
	for _, page := range pages {
		err := m.store.Walk(artifacts.PagePrefix(page.ID), func(rel string) error {
			data, err := m.store.Get(rel)
			if err != nil {
				return err
			}
			uploaded++
			return m.remote.Upload(ctx, rel, bytes.NewReader(data))
		})
		if err != nil {
			return apperr.Wrap(apperr.KindStorageError, opAdd, err)
		}
	}
	m.logger.Info("version mirrored",
		zap.String("version_id", version.ID),
		zap.Int("pages", len(pages)),
		zap.Int("bundle_files", uploaded),
	)
	return nil
}

func (m *Mirror) RemoveVersions(ctx context.Context, task tasks.Task) error {
	return m.removeAll(ctx, task.Strings("doc_ver_ids"), VersionPrefix)
}

func (m *Mirror) RemoveDocumentThumbnails(ctx context.Context, task tasks.Task) error {
	return m.removeAll(ctx, task.Strings("doc_ids"), ThumbnailPrefix)
}

func (m *Mirror) RemovePageBundles(ctx context.Context, task tasks.Task) error {
	return m.removeAll(ctx, task.Strings("page_ids"), PageBundlePrefix)
}

func (m *Mirror) removeAll(ctx context.Context, ids []string, prefix func(string) string) error {
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			continue
		}
		if err := m.remote.DeletePrefix(ctx, prefix(id)); err != nil {
			return apperr.Wrap(apperr.KindStorageError, opRemove, err)
		}
	}
	return nil
}

// MemoryStore is an in-process ObjectStore for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Upload(_ context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			delete(s.objects, key)
		}
	}
	return nil
}

func (s *MemoryStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

// Keys lists the stored keys in order.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
