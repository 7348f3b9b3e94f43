package artifacts

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestPathDerivations(t *testing.T) {
	if got := VersionPath("u1", "d1", 3, "scan.pdf"); got != "docs/user_u1/document_d1/v3/scan.pdf" {
		t.Fatalf("unexpected version path %q", got)
	}
	if got := PageFile("p1", FilePreviewLG); got != "sidecars/page_p1/preview_lg.jpg" {
		t.Fatalf("unexpected page file path %q", got)
	}
	if PreviewFile("xl") != FilePreviewXL {
		t.Fatalf("preview helper disagrees with constant")
	}
}

func TestPutGetExists(t *testing.T) {
	store := newTestStore(t)
	rel := VersionPath("u1", "d1", 1, "a.pdf")
	if err := store.Put(rel, []byte("%PDF-1.4")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	ok, err := store.Exists(rel)
	if err != nil || !ok {
		t.Fatalf("expected file to exist, ok=%v err=%v", ok, err)
	}
	data, err := store.Get(rel)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(data) != "%PDF-1.4" {
		t.Fatalf("unexpected content %q", data)
	}
	entries, err := os.ReadDir(filepath.Join(store.Root(), stagingDir))
	if err != nil {
		t.Fatalf("read staging: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected staging area to be empty after put, found %d entries", len(entries))
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get("sidecars/page_x/txt")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestAbsPathRejectsEscape(t *testing.T) {
	store := newTestStore(t)
	if err := store.Put("../outside", []byte("x")); !apperr.Is(err, apperr.KindStorageError) {
		t.Fatalf("expected StorageError for escaping path, got %v", err)
	}
}

func TestCopyDirCopiesPresentFilesAndReportsMissing(t *testing.T) {
	store := newTestStore(t)
	if err := store.Put(PageFile("src", FileText), []byte("cat")); err != nil {
		t.Fatalf("put txt: %v", err)
	}
	if err := store.Put(PageFile("src", FileHOCR), []byte("<html/>")); err != nil {
		t.Fatalf("put hocr: %v", err)
	}

	report, err := store.CopyDir("src", "dst")
	if err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	if !report.SourceExists {
		t.Fatalf("expected source bundle to exist")
	}
	if len(report.Copied) != 2 {
		t.Fatalf("expected 2 copied files, got %v", report.Copied)
	}
	if len(report.Missing) != len(BundleFiles)-2 {
		t.Fatalf("expected %d missing files, got %v", len(BundleFiles)-2, report.Missing)
	}
	for _, name := range report.Copied {
		src, _ := store.Get(PageFile("src", name))
		dst, err := store.Get(PageFile("dst", name))
		if err != nil {
			t.Fatalf("copied file %s unreadable: %v", name, err)
		}
		if !bytes.Equal(src, dst) {
			t.Fatalf("file %s differs after copy", name)
		}
	}
}

func TestCopyDirWithoutSourceBundle(t *testing.T) {
	store := newTestStore(t)
	report, err := store.CopyDir("nothing", "dst")
	if err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	if report.SourceExists || len(report.Copied) != 0 {
		t.Fatalf("expected empty report, got %+v", report)
	}
	ok, _ := store.Exists(PagePrefix("dst"))
	if ok {
		t.Fatalf("destination bundle must not be created")
	}
}

func TestDeleteTree(t *testing.T) {
	store := newTestStore(t)
	rel := VersionPath("u1", "d1", 1, "a.pdf")
	if err := store.Put(rel, []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.DeleteTree(DocumentPrefix("u1", "d1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := store.Exists(rel); ok {
		t.Fatalf("expected version file to be gone")
	}
	if err := store.DeleteTree(DocumentPrefix("u1", "d1")); err != nil {
		t.Fatalf("deleting a missing tree must not fail: %v", err)
	}
	if err := store.DeleteTree("."); err == nil {
		t.Fatalf("expected refusal to delete media root")
	}
}

func TestWalkListsRelativePaths(t *testing.T) {
	store := newTestStore(t)
	_ = store.Put(PageFile("p1", FileText), []byte("a"))
	_ = store.Put(PageFile("p1", FileJPEG), []byte("b"))
	var seen []string
	if err := store.Walk(PagePrefix("p1"), func(rel string) error {
		seen = append(seen, rel)
		return nil
	}); err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 files, got %v", seen)
	}
	if err := store.Walk(PagePrefix("missing"), func(string) error { return nil }); err != nil {
		t.Fatalf("walking a missing prefix must not fail: %v", err)
	}
}

func TestStagingDiscardRemovesCopiedBundles(t *testing.T) {
	store := newTestStore(t)
	if err := store.Put(PageFile("src", FileText), []byte("cat")); err != nil {
		t.Fatalf("put txt: %v", err)
	}

	staging := store.NewStaging()
	if err := staging.Write(VersionPath("u1", "d1", 2, "a.pdf"), []byte("%PDF")); err != nil {
		t.Fatalf("stage pdf: %v", err)
	}
	if _, err := staging.CopyDir("src", "dst"); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if ok, _ := store.Exists(PageFile("dst", FileText)); !ok {
		t.Fatalf("bundle should be readable before commit")
	}
	if err := staging.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	staging.Discard()
	if ok, _ := store.Exists(PageFile("dst", FileText)); ok {
		t.Fatalf("copied bundle survived discard")
	}
	if ok, _ := store.Exists(VersionPath("u1", "d1", 2, "a.pdf")); ok {
		t.Fatalf("promoted pdf survived discard")
	}
	if ok, _ := store.Exists(PageFile("src", FileText)); !ok {
		t.Fatalf("discard must not touch the source bundle")
	}
}
