package pagereuse

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/papermerge/papermerge-core-sub000/internal/artifacts"
	"github.com/papermerge/papermerge-core-sub000/internal/dbctx"
	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"github.com/papermerge/papermerge-core-sub000/internal/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func seedPages(t *testing.T, db *gorm.DB, versionID string, texts ...string) []documents.Page {
	t.Helper()
	version := documents.DocumentVersion{
		ID: versionID, DocumentID: "doc-" + versionID, Number: 1, FileName: "f.pdf",
		PageCount: len(texts), Lang: "deu", MimeType: "application/pdf", CreationReason: documents.ReasonUpload,
	}
	if err := db.Create(&version).Error; err != nil {
		t.Fatalf("version: %v", err)
	}
	pages := make([]documents.Page, 0, len(texts))
	for i, text := range texts {
		page := documents.Page{ID: versionID + "-p" + string(rune('1'+i)), DocumentVersionID: versionID, Number: i + 1, Text: text, Lang: "deu", Rotation: 90 * i}
		if err := db.Create(&page).Error; err != nil {
			t.Fatalf("page: %v", err)
		}
		pages = append(pages, page)
	}
	return pages
}

func TestReuseCopiesBundlesAndText(t *testing.T) {
	db := testutil.OpenSQLite(t, documents.Models()...)
	store, err := artifacts.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	src := seedPages(t, db, "src", "cat", "dog")
	dst := seedPages(t, db, "dst", "", "")

	if err := store.Put(artifacts.PageFile(src[0].ID, artifacts.FileText), []byte("cat")); err != nil {
		t.Fatalf("put txt: %v", err)
	}
	if err := store.Put(artifacts.PageFile(src[0].ID, artifacts.FileHOCR), []byte("<hocr/>")); err != nil {
		t.Fatalf("put hocr: %v", err)
	}

	reuser := New(db, store, nil)
	missing, err := reuser.Reuse(dbctx.Context{Ctx: context.Background()}, []Pair{
		{Src: src[1].ID, Dst: dst[0].ID},
		{Src: src[0].ID, Dst: dst[1].ID},
	})
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if len(missing) != 1 || missing[0] != src[1].ID {
		t.Fatalf("expected only %s missing, got %v", src[1].ID, missing)
	}

	for _, name := range []string{artifacts.FileText, artifacts.FileHOCR} {
		want, err := store.Get(artifacts.PageFile(src[0].ID, name))
		if err != nil {
			t.Fatalf("get source %s: %v", name, err)
		}
		got, err := store.Get(artifacts.PageFile(dst[1].ID, name))
		if err != nil {
			t.Fatalf("get copy %s: %v", name, err)
		}
		if !bytes.Equal(want, got) {
			t.Fatalf("%s differs after copy", name)
		}
	}

	pages, err := documents.VersionPages(db, "dst")
	if err != nil {
		t.Fatalf("pages: %v", err)
	}
	if pages[0].Text != "dog" || pages[1].Text != "cat" {
		t.Fatalf("unexpected texts %q %q", pages[0].Text, pages[1].Text)
	}
	if pages[0].Rotation != 90 || pages[1].Rotation != 0 {
		t.Fatalf("rotation not carried over: %d %d", pages[0].Rotation, pages[1].Rotation)
	}
	version, err := documents.LoadVersion(db, "dst")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version.Text != "dog cat" {
		t.Fatalf("unexpected version text %q", version.Text)
	}
}

type failingCopier struct{}

func (failingCopier) CopyDir(string, string) (artifacts.CopyReport, error) {
	return artifacts.CopyReport{}, errors.New("disk on fire")
}

func TestReuseToleratesCopyFailures(t *testing.T) {
	db := testutil.OpenSQLite(t, documents.Models()...)
	src := seedPages(t, db, "src", "only")
	dst := seedPages(t, db, "dst", "")

	core, logs := observer.New(zap.WarnLevel)
	reuser := New(db, failingCopier{}, zap.New(core))
	missing, err := reuser.Reuse(dbctx.Context{Ctx: context.Background()}, []Pair{{Src: src[0].ID, Dst: dst[0].ID}})
	if err != nil {
		t.Fatalf("copy failures must not abort reuse: %v", err)
	}
	if len(missing) != 1 {
		t.Fatalf("expected the failed copy to be reported, got %v", missing)
	}
	if logs.FilterMessage("page bundle copy failed").Len() != 1 {
		t.Fatalf("expected a warning")
	}
	version, err := documents.LoadVersion(db, "dst")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version.Text != "only" {
		t.Fatalf("text must still be copied, got %q", version.Text)
	}
}
